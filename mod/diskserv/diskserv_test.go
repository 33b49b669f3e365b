package diskserv_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imuslab.com/lattice/mod/diskserv"
	"imuslab.com/lattice/mod/headertable"
	"imuslab.com/lattice/mod/service"
)

func newTestService(t *testing.T, writable bool, allowDotfiles bool) (*diskserv.DiskService, string) {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello disk"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("secret"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))

	built, err := diskserv.NewDiskService(&diskserv.Options{
		Name:          "files",
		Path:          root,
		Writable:      writable,
		AllowDotfiles: allowDotfiles,
		Builder:       headertable.NewBuilder(),
	})
	require.NoError(t, err)
	return built, root
}

func drive(t *testing.T, s service.Service, method string, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, path, body)
	handle := s.StartRequest(service.Metadata{})
	require.NoError(t, handle.HTTP(recorder, request))
	return recorder
}

func TestGetFile(t *testing.T) {
	built, _ := newTestService(t, false, false)

	recorder := drive(t, built, http.MethodGet, "/a.txt", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/octet-stream", recorder.Header().Get("Content-Type"))
	assert.Equal(t, "10", recorder.Header().Get("Content-Length"))
	assert.True(t, strings.HasSuffix(recorder.Header().Get("Last-Modified"), " GMT"))
	assert.Equal(t, "hello disk", recorder.Body.String())
}

func TestHeadFileHasNoBody(t *testing.T) {
	built, _ := newTestService(t, false, false)

	recorder := drive(t, built, http.MethodHead, "/a.txt", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "10", recorder.Header().Get("Content-Length"))
	assert.Empty(t, recorder.Body.String())
}

func TestDirectoryListing(t *testing.T) {
	built, _ := newTestService(t, false, false)

	recorder := drive(t, built, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
	//Dotfiles are hidden from the listing and entries come back in
	//directory order
	assert.Equal(t, `[{"name":"a.txt","type":"file"},{"name":"sub","type":"directory"}]`, recorder.Body.String())
}

func TestDirectoryListingWithDotfiles(t *testing.T) {
	built, _ := newTestService(t, false, true)

	recorder := drive(t, built, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `{"name":".hidden","type":"file"}`)
}

func TestDotfileBlocked(t *testing.T) {
	built, _ := newTestService(t, false, false)

	recorder := drive(t, built, http.MethodGet, "/.hidden", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	//But readable when dotfiles are allowed
	allowing, _ := newTestService(t, false, true)
	recorder = drive(t, allowing, http.MethodGet, "/.hidden", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "secret", recorder.Body.String())
}

func TestParentTraversalAlwaysBlocked(t *testing.T) {
	built, root := newTestService(t, false, true)

	//Plant a file outside the root that traversal would reach
	outside := filepath.Join(filepath.Dir(root), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("no"), 0644))
	defer os.Remove(outside)

	for _, path := range []string{"/../outside.txt", "/sub/../../outside.txt"} {
		recorder := drive(t, built, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, recorder.Code, "path %q must be blocked", path)
	}
}

func TestCurrentDirectorySegment(t *testing.T) {
	//A lone "." is just a dot-prefixed name: blocked without dotfile
	//access, a no-op with it
	strict, _ := newTestService(t, false, false)
	recorder := drive(t, strict, http.MethodGet, "/./a.txt", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	allowing, _ := newTestService(t, false, true)
	recorder = drive(t, allowing, http.MethodGet, "/./a.txt", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "hello disk", recorder.Body.String())
}

func TestPutNotWritable(t *testing.T) {
	built, _ := newTestService(t, false, false)

	recorder := drive(t, built, http.MethodPut, "/new.txt", strings.NewReader("data"))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestPutBlockedPath(t *testing.T) {
	built, _ := newTestService(t, true, false)

	recorder := drive(t, built, http.MethodPut, "/.hidden2", strings.NewReader("data"))
	assert.Equal(t, http.StatusForbidden, recorder.Code)
	assert.Equal(t, "Unauthorized\n", recorder.Body.String())
}

func TestPutCreatesFileAndParents(t *testing.T) {
	built, root := newTestService(t, true, false)

	recorder := drive(t, built, http.MethodPut, "/deep/nested/new.txt", strings.NewReader("fresh content"))
	assert.Equal(t, http.StatusNoContent, recorder.Code)

	written, err := os.ReadFile(filepath.Join(root, "deep", "nested", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fresh content", string(written))

	//Overwrite replaces atomically
	recorder = drive(t, built, http.MethodPut, "/deep/nested/new.txt", strings.NewReader("v2"))
	assert.Equal(t, http.StatusNoContent, recorder.Code)
	written, err = os.ReadFile(filepath.Join(root, "deep", "nested", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(written))
}

func TestOtherMethodsNotImplemented(t *testing.T) {
	built, _ := newTestService(t, true, false)

	for _, method := range []string{http.MethodPost, http.MethodDelete, http.MethodPatch} {
		recorder := drive(t, built, method, "/a.txt", nil)
		assert.Equal(t, http.StatusNotImplemented, recorder.Code, "method %s", method)
	}
}

func TestMissingFile(t *testing.T) {
	built, _ := newTestService(t, false, false)

	recorder := drive(t, built, http.MethodGet, "/nope.txt", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestScheduledEventUnsupported(t *testing.T) {
	built, _ := newTestService(t, false, false)

	handle := built.StartRequest(service.Metadata{})
	err := handle.CustomEvent("test")
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrEventNotSupported)
	assert.Equal(t, "Disk directory services don't support this event type.", err.Error())
}
