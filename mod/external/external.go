package external

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/net/http2"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/headertable"
	"imuslab.com/lattice/mod/info/logger"
	"imuslab.com/lattice/mod/rewrite"
	"imuslab.com/lattice/mod/service"
	"imuslab.com/lattice/mod/tlsfactory"
	"imuslab.com/lattice/mod/wsbridge"
)

/*
	External Service

	Forwards every request to one fixed upstream address, regardless of
	the URL's own authority. The configured HTTP options decide how the
	request appears on the wire: host style turns the absolute URL into
	an origin-form target plus Host header, proxy style keeps the
	absolute target so the upstream can act as a proxy itself. Requests
	that ask for a websocket upgrade are passed through frame by frame.
*/

type Options struct {
	Name            string //Service name, used in logs
	Address         string //Fixed upstream authority, host:port
	UseTLS          bool
	HTTPOptions     *config.HTTPOptions
	TLSOptions      *config.TLSOptions //Only read when UseTLS is set
	CertificateHost string             //Overrides the hostname verified against the upstream cert
	AllowH2C        bool               //Speak HTTP/2 prior knowledge over cleartext
	Logger          *logger.Logger
	Builder         *headertable.Builder
}

type ExternalService struct {
	name     string
	address  string
	scheme   string
	rewriter *rewrite.Rewriter
	client   *http.Client
	wsProxy  *wsbridge.Forwarder
	logger   *logger.Logger
}

// Create an external HTTP or HTTPS origin service
func NewExternalService(options *Options) (*ExternalService, error) {
	if options.Address == "" {
		return nil, errors.New("external service \"" + options.Name + "\" has no address")
	}

	thisRewriter, err := rewrite.NewRewriter(options.HTTPOptions, options.Builder)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	var tlsConfig *tls.Config
	if options.UseTLS {
		scheme = "https"
		tlsConfig, err = tlsfactory.NewClientConfig(options.TLSOptions, options.CertificateHost)
		if err != nil {
			return nil, err
		}
	}

	//Every connection goes to the fixed upstream, whatever authority
	//the request URL names
	baseDialer := &net.Dialer{}
	dialFixed := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return baseDialer.DialContext(ctx, network, options.Address)
	}

	var roundTripper http.RoundTripper
	switch {
	case options.AllowH2C && !options.UseTLS:
		roundTripper = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return dialFixed(ctx, network, addr)
			},
		}
	case options.UseTLS:
		//TLS handshakes go through the factory wrapper so the
		//certificateHost pinning lives in one place
		roundTripper = &http.Transport{
			DialContext:    dialFixed,
			DialTLSContext: tlsfactory.WrapDialer(dialFixed, tlsConfig, options.CertificateHost),
		}
	default:
		roundTripper = &http.Transport{
			DialContext: dialFixed,
		}
	}

	thisService := ExternalService{
		name:     options.Name,
		address:  options.Address,
		scheme:   scheme,
		rewriter: thisRewriter,
		client: &http.Client{
			Transport: roundTripper,
			//Pass redirects back to the caller untouched
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		wsProxy: wsbridge.NewForwarder(dialFixed, tlsConfig),
		logger:  options.Logger,
	}
	return &thisService, nil
}

func (s *ExternalService) StartRequest(metadata service.Metadata) service.RequestHandle {
	return &externalHandle{
		UnsupportedEvents: service.UnsupportedEvents{ServiceKind: "External HTTP servers"},
		service:           s,
		metadata:          metadata,
	}
}

/* Request handle */

type externalHandle struct {
	service.UnsupportedEvents
	service  *ExternalService
	metadata service.Metadata

	mu     sync.Mutex
	driven bool
}

func (h *externalHandle) HTTP(w http.ResponseWriter, r *http.Request) error {
	h.mu.Lock()
	if h.driven {
		h.mu.Unlock()
		return service.ErrHandleAlreadyDriven
	}
	h.driven = true
	h.mu.Unlock()

	if wsbridge.IsUpgrade(r) {
		return h.service.proxyWebsocket(w, r)
	}
	return h.service.proxyHTTP(w, r, h.metadata)
}

func (s *ExternalService) proxyHTTP(w http.ResponseWriter, r *http.Request, metadata service.Metadata) error {
	rewritten := s.rewriter.RewriteOutgoingRequest(r.URL, r.Header, metadata.CfBlobJSON)

	outURL := *rewritten.URL
	//net/http carries the Host header on the request struct, not in the
	//header map, so the rewriter only sees one under host style. Fall
	//back to the inbound request's own authority otherwise.
	outHost := rewritten.Header.Get("Host")
	rewritten.Header.Del("Host")
	if outHost == "" {
		outHost = r.Host
	}
	if outURL.Host == "" {
		//Host style stripped the authority off the URL. The transport
		//still needs one to dial, the wire request stays origin form.
		outURL.Scheme = s.scheme
		outURL.Host = s.address
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		return err
	}
	outReq.Header = rewritten.Header
	if outHost != "" {
		outReq.Host = outHost
	}
	outReq.ContentLength = r.ContentLength

	resp, err := s.client.Do(outReq)
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return err
	}
	defer resp.Body.Close()

	s.rewriter.RewriteResponse(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		//Client went away or upstream died mid-body. Headers are out,
		//nothing to answer with, just report upward for logging.
		return err
	}
	return nil
}

func (s *ExternalService) proxyWebsocket(w http.ResponseWriter, r *http.Request) error {
	wsURL := url.URL{
		Scheme:   "ws",
		Host:     s.address,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	if s.scheme == "https" {
		wsURL.Scheme = "wss"
	}
	return s.wsProxy.PassThrough(w, r, &wsURL, s.rewriter.RewriteResponse, s.logger, s.name)
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
