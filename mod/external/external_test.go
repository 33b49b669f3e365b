package external_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/external"
	"imuslab.com/lattice/mod/headertable"
	"imuslab.com/lattice/mod/service"
)

func newBackend(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	seenHost := ""
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(backend.Close)
	return backend, &seenHost
}

func TestProxyStyleKeepsClientHost(t *testing.T) {
	backend, seenHost := newBackend(t)

	built, err := external.NewExternalService(&external.Options{
		Name:    "origin",
		Address: strings.TrimPrefix(backend.URL, "http://"),
		Builder: headertable.NewBuilder(),
	})
	require.NoError(t, err)

	//Origin form request, the way it arrives off a proxy style socket:
	//the authority only lives in the Host field, not in the URL
	request := httptest.NewRequest(http.MethodGet, "/any/path", nil)
	request.Host = "example.com"
	recorder := httptest.NewRecorder()

	handle := built.StartRequest(service.Metadata{})
	require.NoError(t, handle.HTTP(recorder, request))

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, "example.com", *seenHost)
}

func TestHostStyleSendsURLAuthority(t *testing.T) {
	backend, seenHost := newBackend(t)

	built, err := external.NewExternalService(&external.Options{
		Name:        "origin",
		Address:     strings.TrimPrefix(backend.URL, "http://"),
		HTTPOptions: &config.HTTPOptions{Style: config.StyleHost},
		Builder:     headertable.NewBuilder(),
	})
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodGet, "http://app.example.com/any/path", nil)
	recorder := httptest.NewRecorder()

	handle := built.StartRequest(service.Metadata{})
	require.NoError(t, handle.HTTP(recorder, request))

	//Host style folds the absolute URL's authority into the Host header
	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, "app.example.com", *seenHost)
}
