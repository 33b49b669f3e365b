package netgate_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imuslab.com/lattice/mod/netgate"
	"imuslab.com/lattice/mod/service"
)

func drive(t *testing.T, s service.Service, target string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, target, nil)
	handle := s.StartRequest(service.Metadata{})
	handle.HTTP(recorder, request)
	return recorder
}

func TestRelativeURLRejected(t *testing.T) {
	built, err := netgate.NewNetworkService(&netgate.Options{Name: "internet"})
	require.NoError(t, err)
	defer built.Close()

	recorder := drive(t, built, "/no/authority")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "Request to a network gateway must carry a full URL.\n", recorder.Body.String())
}

func TestDeniedPeerAnswers403(t *testing.T) {
	//Default rules only permit public addresses, loopback is out
	built, err := netgate.NewNetworkService(&netgate.Options{Name: "internet"})
	require.NoError(t, err)
	defer built.Close()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("the gateway must never reach a denied peer")
	}))
	defer backend.Close()

	recorder := drive(t, built, backend.URL+"/")
	assert.Equal(t, http.StatusForbidden, recorder.Code)
	assert.Equal(t, "Access to this address is not allowed.\n", recorder.Body.String())
}

func TestAllowedPeerProxied(t *testing.T) {
	built, err := netgate.NewNetworkService(&netgate.Options{
		Name:  "lan",
		Allow: []string{"local"},
	})
	require.NoError(t, err)
	defer built.Close()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "yes")
		io.WriteString(w, "gateway answer")
	}))
	defer backend.Close()

	recorder := drive(t, built, backend.URL+"/path")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "yes", recorder.Header().Get("X-Backend"))
	assert.Equal(t, "gateway answer", recorder.Body.String())
}

func TestUnsupportedEvents(t *testing.T) {
	built, err := netgate.NewNetworkService(&netgate.Options{Name: "internet"})
	require.NoError(t, err)
	defer built.Close()

	handle := built.StartRequest(service.Metadata{})
	err = handle.CustomEvent("test")
	require.Error(t, err)
	assert.Equal(t, "Network gateways don't support this event type.", err.Error())
}
