package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	proxyproto "github.com/pires/go-proxyproto"

	"imuslab.com/lattice/mod/info/logger"
	"imuslab.com/lattice/mod/rewrite"
	"imuslab.com/lattice/mod/service"
	"imuslab.com/lattice/mod/tlsfactory"
	"imuslab.com/lattice/mod/utils"
)

/*
	HTTP Listener

	Binds one configured socket and feeds every request into its bound
	service. On the way in the socket's rewriter translates the request
	and a client identity blob is synthesised from the connection peer
	(unless the rewriter sources it from a header instead). On the way
	out response header injections are applied before the first byte of
	the response leaves.
*/

type Options struct {
	Name             string
	Address          string //host:port, or unix:PATH for a unix socket
	Service          service.Service
	PhysicalProtocol string //"http" or "https"
	Rewriter         *rewrite.Rewriter
	TLSConfig        *tls.Config //nil for plaintext sockets
	ProxyProtocol    bool        //Expect a HAProxy PROXY preamble on every connection
	Logger           *logger.Logger
}

type HTTPListener struct {
	name             string
	address          string
	boundService     service.Service
	physicalProtocol string
	rewriter         *rewrite.Rewriter
	tlsConfig        *tls.Config
	proxyProtocol    bool
	logger           *logger.Logger

	netListener net.Listener
	server      *http.Server
}

type connInfoKey struct{}

// Per-connection state stashed into every request context
type connInfo struct {
	cfBlobJSON string
}

func NewHTTPListener(options *Options) *HTTPListener {
	thisListener := HTTPListener{
		name:             options.Name,
		address:          options.Address,
		boundService:     options.Service,
		physicalProtocol: options.PhysicalProtocol,
		rewriter:         options.Rewriter,
		tlsConfig:        options.TLSConfig,
		proxyProtocol:    options.ProxyProtocol,
		logger:           options.Logger,
	}
	thisListener.server = &http.Server{
		Handler:     http.HandlerFunc(thisListener.handleRequest),
		ConnContext: thisListener.tagConnection,
	}
	return &thisListener
}

// Bind the socket. Must be called before Serve.
func (l *HTTPListener) Listen() error {
	network := "tcp"
	address := l.address
	if strings.HasPrefix(address, "unix:") {
		network = "unix"
		address = strings.TrimPrefix(address, "unix:")
	}

	inner, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	if l.proxyProtocol {
		inner = &proxyproto.Listener{Listener: inner}
	}
	if l.tlsConfig != nil {
		inner = tlsfactory.WrapListener(inner, l.tlsConfig)
	}

	l.netListener = inner
	return nil
}

// Accept and serve until the listener closes
func (l *HTTPListener) Serve() error {
	if l.netListener == nil {
		return errors.New("listener is not bound")
	}
	err := l.server.Serve(l.netListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// The socket name from the config
func (l *HTTPListener) Name() string {
	return l.name
}

// The bound address, useful when listening on port 0
func (l *HTTPListener) Addr() net.Addr {
	if l.netListener == nil {
		return nil
	}
	return l.netListener.Addr()
}

func (l *HTTPListener) Close() error {
	return l.server.Close()
}

func (l *HTTPListener) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

// Derive the client identity blob once per connection
func (l *HTTPListener) tagConnection(ctx context.Context, conn net.Conn) context.Context {
	info := &connInfo{}
	if !l.rewriter.HasCfBlobHeader() {
		info.cfBlobJSON = cfBlobForConn(conn)
	}
	return context.WithValue(ctx, connInfoKey{}, info)
}

// Build the identity blob for a network or unix peer. Anything else
// gets no blob at all.
func cfBlobForConn(conn net.Conn) string {
	remote := conn.RemoteAddr()
	switch addr := remote.(type) {
	case *net.TCPAddr:
		return "{\"clientIp\": \"" + utils.EscapeJSONString(addr.IP.String()) + "\"}"
	case *net.UnixAddr:
		parts := []string{}
		if pid, uid, ok := unixPeerCredentials(conn); ok {
			parts = append(parts, "\"clientPid\":"+pid, "\"clientUid\":"+uid)
		}
		return "{" + strings.Join(parts, ",") + "}"
	}
	return ""
}

func (l *HTTPListener) handleRequest(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()

	metadata := service.Metadata{}
	if info, ok := r.Context().Value(connInfoKey{}).(*connInfo); ok {
		metadata.CfBlobJSON = info.cfBlobJSON
	}

	//Response injections must land before the header flush
	responseWriter := newResponseWriter(w, l.rewriter)

	if l.rewriter.NeedsRewriteRequest() || metadata.CfBlobJSON != "" {
		rewritten, headerBlob, ok := l.rewriter.RewriteIncomingRequest(
			r.URL, l.physicalProtocol, r.Host, r.Header)
		if !ok {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		if headerBlob != "" {
			//A blob arriving via the configured header wins over the
			//one synthesised from the connection
			metadata.CfBlobJSON = headerBlob
		}
		r.URL = rewritten.URL
		r.Header = rewritten.Header
	}

	handle := l.boundService.StartRequest(metadata)
	if err := handle.HTTP(responseWriter, r); err != nil {
		if l.logger != nil {
			l.logger.PrintAndLog(l.name, "Uncaught exception in request "+traceID, err)
		}
		if !responseWriter.HeaderWritten() && !responseWriter.Hijacked() {
			http.Error(responseWriter, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}
