package listener_test

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/headertable"
	"imuslab.com/lattice/mod/listener"
	"imuslab.com/lattice/mod/rewrite"
	"imuslab.com/lattice/mod/service"
	"imuslab.com/lattice/mod/wsbridge"
)

/* Test doubles */

type recordingService struct {
	lastBlob string
	lastURL  string
	status   int
}

func (s *recordingService) StartRequest(metadata service.Metadata) service.RequestHandle {
	return &recordingHandle{service: s, metadata: metadata}
}

type recordingHandle struct {
	service.UnsupportedEvents
	service  *recordingService
	metadata service.Metadata
}

func (h *recordingHandle) HTTP(w http.ResponseWriter, r *http.Request) error {
	h.service.lastBlob = h.metadata.CfBlobJSON
	h.service.lastURL = r.URL.String()
	status := h.service.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, "served")
	return nil
}

func startListener(t *testing.T, boundService service.Service, httpOptions *config.HTTPOptions) *listener.HTTPListener {
	t.Helper()
	builder := headertable.NewBuilder()
	rewriter, err := rewrite.NewRewriter(httpOptions, builder)
	require.NoError(t, err)
	builder.Build()

	thisListener := listener.NewHTTPListener(&listener.Options{
		Name:             "test",
		Address:          "127.0.0.1:0",
		Service:          boundService,
		PhysicalProtocol: "http",
		Rewriter:         rewriter,
	})
	require.NoError(t, thisListener.Listen())
	go thisListener.Serve()
	t.Cleanup(func() { thisListener.Close() })
	return thisListener
}

func TestClientIdentitySynthesizedFromConnection(t *testing.T) {
	recording := &recordingService{}
	thisListener := startListener(t, recording, nil)

	response, err := http.Get("http://" + thisListener.Addr().String() + "/x")
	require.NoError(t, err)
	response.Body.Close()

	assert.Equal(t, "{\"clientIp\": \"127.0.0.1\"}", recording.lastBlob)
}

func TestClientIdentityFromHeaderWins(t *testing.T) {
	recording := &recordingService{}
	thisListener := startListener(t, recording, &config.HTTPOptions{CfBlobHeader: "CF-Blob"})

	request, err := http.NewRequest(http.MethodGet, "http://"+thisListener.Addr().String()+"/x", nil)
	require.NoError(t, err)
	request.Header.Set("CF-Blob", "{\"clientIp\": \"203.0.113.7\"}")

	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	response.Body.Close()

	//The header-sourced blob replaces the one derived from the socket
	assert.Equal(t, "{\"clientIp\": \"203.0.113.7\"}", recording.lastBlob)
}

func TestResponseHeaderInjection(t *testing.T) {
	injected := "lattice"
	recording := &recordingService{}
	thisListener := startListener(t, recording, &config.HTTPOptions{
		InjectResponseHeaders: []*config.Header{
			{Name: "Server", Value: &injected},
		},
	})

	response, err := http.Get("http://" + thisListener.Addr().String() + "/x")
	require.NoError(t, err)
	defer response.Body.Close()

	assert.Equal(t, "lattice", response.Header.Get("Server"))
	body, _ := io.ReadAll(response.Body)
	assert.Equal(t, "served", string(body))
}

type websocketService struct {
	forwarder *wsbridge.Forwarder
	backend   *url.URL
}

func (s *websocketService) StartRequest(metadata service.Metadata) service.RequestHandle {
	return &websocketHandle{service: s}
}

type websocketHandle struct {
	service.UnsupportedEvents
	service *websocketService
}

func (h *websocketHandle) HTTP(w http.ResponseWriter, r *http.Request) error {
	return h.service.forwarder.PassThrough(w, r, h.service.backend, nil, nil, "test")
}

func TestWebsocketUpgradeGetsResponseInjections(t *testing.T) {
	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(msgType, msg)
	}))
	defer backend.Close()

	backendURL, err := url.Parse("ws" + strings.TrimPrefix(backend.URL, "http"))
	require.NoError(t, err)

	injected := "lattice"
	forwarder := wsbridge.NewForwarder((&net.Dialer{}).DialContext, nil)
	thisListener := startListener(t, &websocketService{forwarder: forwarder, backend: backendURL}, &config.HTTPOptions{
		InjectResponseHeaders: []*config.Header{
			{Name: "Server", Value: &injected},
		},
	})

	conn, response, err := websocket.DefaultDialer.Dial("ws://"+thisListener.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	//The injection lands on the 101 even though the handshake never
	//passes through WriteHeader
	assert.Equal(t, "lattice", response.Header.Get("Server"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echoed))
}

func TestHostStyleMissingHostAnswers400(t *testing.T) {
	recording := &recordingService{}
	thisListener := startListener(t, recording, &config.HTTPOptions{Style: config.StyleHost})

	//An HTTP/1.0 request may legally omit the Host header, which makes
	//the authority unrecoverable
	conn, err := net.Dial("tcp", thisListener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET /x HTTP/1.0\r\n\r\n")
	require.NoError(t, err)

	response, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestHostStyleRecoversAbsoluteURL(t *testing.T) {
	recording := &recordingService{}
	thisListener := startListener(t, recording, &config.HTTPOptions{Style: config.StyleHost})

	request, err := http.NewRequest(http.MethodGet, "http://"+thisListener.Addr().String()+"/some/path?q=1", nil)
	require.NoError(t, err)
	request.Host = "app.example.com"

	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	response.Body.Close()

	//The service sees the request in proxy form again
	assert.Equal(t, "http://app.example.com/some/path?q=1", recording.lastURL)
}
