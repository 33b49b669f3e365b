// Package wsbridge passes WebSocket connections through to an upstream
// server frame by frame.
package wsbridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"imuslab.com/lattice/mod/info/logger"
)

type Forwarder struct {
	dialer   *websocket.Dialer
	upgrader *websocket.Upgrader
}

func NewForwarder(dial func(ctx context.Context, network, addr string) (net.Conn, error), tlsConfig *tls.Config) *Forwarder {
	return &Forwarder{
		dialer: &websocket.Dialer{
			NetDialContext:  dial,
			TLSClientConfig: tlsConfig,
		},
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			//Origin policy belongs to the upstream, not the forwarder
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Check if a request asks for a websocket upgrade
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Implemented by response writers that carry socket level response
// header edits. The 101 is written straight onto the hijacked
// connection, so WriteHeader never runs and the edits have to be
// collected through this instead.
type UpgradeRewriter interface {
	RewriteUpgradeResponse(header http.Header)
}

// Dial the upstream, upgrade the client side, then replicate frames in
// both directions until either peer closes. rewriteResponse carries the
// owning service's response header edits and may be nil.
func (f *Forwarder) PassThrough(w http.ResponseWriter, r *http.Request, backendURL *url.URL, rewriteResponse func(http.Header), systemLogger *logger.Logger, name string) error {
	//Forward the handshake headers the upstream cares about. The
	//websocket control headers are regenerated by the dialer.
	requestHeader := http.Header{}
	if origin := r.Header.Get("Origin"); origin != "" {
		requestHeader.Set("Origin", origin)
	}
	for _, protocol := range r.Header[http.CanonicalHeaderKey("Sec-WebSocket-Protocol")] {
		requestHeader.Add("Sec-WebSocket-Protocol", protocol)
	}
	for _, cookie := range r.Header[http.CanonicalHeaderKey("Cookie")] {
		requestHeader.Add("Cookie", cookie)
	}
	if r.Host != "" {
		requestHeader.Set("Host", r.Host)
	}
	if userAgent := r.Header.Get("User-Agent"); userAgent != "" {
		requestHeader.Set("User-Agent", userAgent)
	}

	connBackend, resp, err := f.dialer.DialContext(r.Context(), backendURL.String(), requestHeader)
	if err != nil {
		if systemLogger != nil {
			systemLogger.PrintAndLog(name, "websocket upstream handshake to "+backendURL.String()+" failed", err)
		}
		if resp != nil {
			//Upstream rejected the upgrade, relay its answer
			if rewriteResponse != nil {
				rewriteResponse(resp.Header)
			}
			copyHeader(w.Header(), resp.Header)
			w.WriteHeader(resp.StatusCode)
			io.Copy(w, resp.Body)
			resp.Body.Close()
			return nil
		}
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return err
	}
	defer connBackend.Close()

	//Only pass the negotiated subprotocol and cookies back to the
	//client-side upgrade
	upgradeHeader := http.Header{}
	if hdr := resp.Header.Get("Sec-Websocket-Protocol"); hdr != "" {
		upgradeHeader.Set("Sec-Websocket-Protocol", hdr)
	}
	if hdr := resp.Header.Get("Set-Cookie"); hdr != "" {
		upgradeHeader.Set("Set-Cookie", hdr)
	}

	//Header injections apply to upgrade responses too, both the owning
	//service's and the socket's
	if rewriteResponse != nil {
		rewriteResponse(upgradeHeader)
	}
	if socketRewriter, ok := w.(UpgradeRewriter); ok {
		socketRewriter.RewriteUpgradeResponse(upgradeHeader)
	}

	connClient, err := f.upgrader.Upgrade(w, r, upgradeHeader)
	if err != nil {
		if systemLogger != nil {
			systemLogger.PrintAndLog(name, "websocket client upgrade failed", err)
		}
		return err
	}
	defer connClient.Close()

	errClient := make(chan error, 1)
	errBackend := make(chan error, 1)
	replicate := func(dst, src *websocket.Conn, errc chan error) {
		for {
			msgType, msg, err := src.ReadMessage()
			if err != nil {
				closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, fmt.Sprintf("%v", err))
				if closeErr, ok := err.(*websocket.CloseError); ok {
					if closeErr.Code != websocket.CloseNoStatusReceived {
						closeMessage = websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
					}
				}
				errc <- err
				dst.WriteMessage(websocket.CloseMessage, closeMessage)
				break
			}
			if err := dst.WriteMessage(msgType, msg); err != nil {
				errc <- err
				break
			}
		}
	}

	go replicate(connClient, connBackend, errClient)
	go replicate(connBackend, connClient, errBackend)

	select {
	case <-errClient:
	case <-errBackend:
	}
	return nil
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
