package netgate

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/info/logger"
	"imuslab.com/lattice/mod/service"
	"imuslab.com/lattice/mod/tlsfactory"
	"imuslab.com/lattice/mod/wsbridge"
)

/*
	Network Gateway Service

	An outbound gateway: each request is dialled to whatever authority
	its own URL names, subject to the configured peer rules. Unlike the
	external service there is no fixed upstream, so requests must carry
	absolute URLs. Resolved addresses are vetted against the rule set
	and the vetting result is cached briefly to spare repeated DNS work.
*/

// DNS vetting results stay usable for this long
const resolveCacheTTL = 30 * time.Second

// Denied by the peer rule set
var ErrPeerNotAllowed = errors.New("peer address is not permitted by the network rules")

type Options struct {
	Name       string
	Allow      []string
	Deny       []string
	TLSOptions *config.TLSOptions
	Logger     *logger.Logger
}

type NetworkService struct {
	name         string
	rules        *RuleSet
	client       *http.Client
	wsProxy      *wsbridge.Forwarder
	resolveCache *ttlcache.Cache[string, []net.IP]
	logger       *logger.Logger
}

func NewNetworkService(options *Options) (*NetworkService, error) {
	tlsConfig, err := tlsfactory.NewClientConfig(options.TLSOptions, "")
	if err != nil {
		return nil, err
	}

	thisService := NetworkService{
		name:  options.Name,
		rules: NewRuleSet(options.Allow, options.Deny),
		resolveCache: ttlcache.New(
			ttlcache.WithTTL[string, []net.IP](resolveCacheTTL),
		),
		logger: options.Logger,
	}
	go thisService.resolveCache.Start()

	thisService.client = &http.Client{
		Transport: &http.Transport{
			DialContext:     thisService.dialVetted,
			TLSClientConfig: tlsConfig,
			//Sub-requests get a fresh connection to whatever authority
			//they name, no pooling across requests
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	thisService.wsProxy = wsbridge.NewForwarder(thisService.dialVetted, tlsConfig)

	return &thisService, nil
}

// Stop background cache maintenance
func (s *NetworkService) Close() {
	s.resolveCache.Stop()
}

func (s *NetworkService) StartRequest(metadata service.Metadata) service.RequestHandle {
	//The gateway keeps no per-request state, one shared handle serves
	//every request
	return &networkHandle{
		UnsupportedEvents: service.UnsupportedEvents{ServiceKind: "Network gateways"},
		service:           s,
	}
}

/* Dialling */

// Resolve and vet an authority, then dial one of its permitted
// addresses
func (s *NetworkService) dialVetted(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	permitted, err := s.vetHost(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{}
	var lastErr error
	for _, ip := range permitted {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Resolve a hostname and filter the addresses through the rule set.
// An IP literal skips resolution. Returns ErrPeerNotAllowed when
// nothing survives the rules.
func (s *NetworkService) vetHost(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !s.rules.IPAllowed(ip) {
			return nil, ErrPeerNotAllowed
		}
		return []net.IP{ip}, nil
	}

	if cached := s.resolveCache.Get(host); cached != nil {
		permitted := cached.Value()
		if len(permitted) == 0 {
			return nil, ErrPeerNotAllowed
		}
		return permitted, nil
	}

	resolved, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	permitted := []net.IP{}
	for _, addr := range resolved {
		if s.rules.IPAllowed(addr.IP) {
			permitted = append(permitted, addr.IP)
		}
	}
	s.resolveCache.Set(host, permitted, ttlcache.DefaultTTL)

	if len(permitted) == 0 {
		return nil, ErrPeerNotAllowed
	}
	return permitted, nil
}

/* Request handle */

type networkHandle struct {
	service.UnsupportedEvents
	service *NetworkService
}

func (h *networkHandle) HTTP(w http.ResponseWriter, r *http.Request) error {
	s := h.service

	if r.URL.Scheme == "" || r.URL.Host == "" {
		//The gateway has no implied upstream, the URL must say where
		//to go
		http.Error(w, "Request to a network gateway must carry a full URL.", http.StatusBadRequest)
		return nil
	}

	if wsbridge.IsUpgrade(r) {
		wsURL := url.URL{
			Scheme:   "ws",
			Host:     r.URL.Host,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
		}
		if r.URL.Scheme == "https" {
			wsURL.Scheme = "wss"
		}
		return s.wsProxy.PassThrough(w, r, &wsURL, nil, s.logger, s.name)
	}

	outURL := *r.URL
	if outURL.Port() == "" {
		outURL.Host = net.JoinHostPort(outURL.Host, defaultPortForScheme(outURL.Scheme))
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return err
	}
	outReq.Header = r.Header.Clone()
	outReq.Host = r.Host
	outReq.ContentLength = r.ContentLength

	resp, err := s.client.Do(outReq)
	if err != nil {
		if errors.Is(err, ErrPeerNotAllowed) {
			http.Error(w, "Access to this address is not allowed.", http.StatusForbidden)
			return nil
		}
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return err
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return err
	}
	return nil
}

func defaultPortForScheme(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
