package rewrite

import (
	"errors"
	"net/http"
	"net/url"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/headertable"
)

/*
	Header Rewriter

	Applies the per-socket or per-external-origin HTTP options to
	requests and responses: translating between proxy-form and
	host-form request targets, propagating the physical protocol via a
	forwarded-proto header, moving the client identity blob in and out
	of a configured header, and applying header injections.

	All header names used here are registered against the header table
	builder at construction time, i.e. during the configuration phase.
*/

type Rewriter struct {
	style                string
	forwardedProtoHeader string //Empty when not configured
	cfBlobHeader         string //Empty when not configured

	requestInjector  headerInjector
	responseInjector headerInjector
}

// Result of a request rewrite
type Rewritten struct {
	Header http.Header
	URL    *url.URL
}

// Build a rewriter from HTTP options. A nil option set yields the
// default proxy-style rewriter with no injections. The error return
// only fires for unknown enum values, which the caller should report
// as a config error and substitute a poisoned service for.
func NewRewriter(opt *config.HTTPOptions, builder *headertable.Builder) (*Rewriter, error) {
	if opt == nil {
		opt = &config.HTTPOptions{}
	}

	thisRewriter := Rewriter{}
	switch opt.Style {
	case "", config.StyleProxy:
		thisRewriter.style = config.StyleProxy
	case config.StyleHost:
		thisRewriter.style = config.StyleHost
	default:
		return nil, errors.New("Encountered unknown HttpOptions::style setting. Was the config compiled with a newer version of the schema?")
	}

	if opt.ForwardedProtoHeader != "" {
		thisRewriter.forwardedProtoHeader = registerHeader(builder, opt.ForwardedProtoHeader)
	}
	if opt.CfBlobHeader != "" {
		thisRewriter.cfBlobHeader = registerHeader(builder, opt.CfBlobHeader)
	}

	thisRewriter.requestInjector = newHeaderInjector(opt.InjectRequestHeaders, builder)
	thisRewriter.responseInjector = newHeaderInjector(opt.InjectResponseHeaders, builder)

	return &thisRewriter, nil
}

// Check if the rewriter is configured to source the client identity
// blob from an inbound header
func (rw *Rewriter) HasCfBlobHeader() bool {
	return rw.cfBlobHeader != ""
}

func (rw *Rewriter) NeedsRewriteRequest() bool {
	return rw.style == config.StyleHost ||
		rw.cfBlobHeader != "" ||
		!rw.requestInjector.empty()
}

func (rw *Rewriter) NeedsRewriteResponse() bool {
	return !rw.responseInjector.empty()
}

// Rewrite a request on its way out to an origin server. The incoming
// URL is expected in proxy form (scheme and host set). Under host
// style the authority moves into the Host header, the scheme into the
// forwarded-proto header if one is configured, and the returned URL is
// in request-target form. Request injections run last so they override
// any derived value.
func (rw *Rewriter) RewriteOutgoingRequest(u *url.URL, header http.Header, cfBlobJSON string) *Rewritten {
	result := Rewritten{
		Header: cloneHeader(header),
		URL:    cloneURL(u),
	}

	if rw.style == config.StyleHost {
		result.Header.Set("Host", u.Host)
		if rw.forwardedProtoHeader != "" {
			result.Header.Set(rw.forwardedProtoHeader, u.Scheme)
		}
		result.URL.Scheme = ""
		result.URL.Host = ""
	}

	if rw.cfBlobHeader != "" {
		if cfBlobJSON != "" {
			result.Header.Set(rw.cfBlobHeader, cfBlobJSON)
		} else {
			result.Header.Del(rw.cfBlobHeader)
		}
	}

	rw.requestInjector.apply(result.Header)

	return &result
}

// Rewrite a request arriving from a client. Inverse of the outgoing
// rewrite. Under host style the URL is expected in request-target
// form; the authority is recovered from the Host header (missing Host
// fails the rewrite, the caller answers 400) and the scheme from the
// forwarded-proto header, falling back to the physical protocol of the
// connection. If a cfBlob header is configured and present on the
// wire, its value is moved into the returned blob and stripped from
// the headers so clients can never spoof it downstream.
func (rw *Rewriter) RewriteIncomingRequest(u *url.URL, physicalProtocol string, hostHeader string, header http.Header) (*Rewritten, string, bool) {
	result := Rewritten{
		Header: cloneHeader(header),
		URL:    cloneURL(u),
	}

	if rw.style == config.StyleHost {
		if hostHeader == "" {
			hostHeader = header.Get("Host")
		}
		if hostHeader == "" {
			//Cannot recover the authority. Caller returns 400
			return nil, "", false
		}
		result.URL.Host = hostHeader
		result.Header.Del("Host")

		scheme := ""
		if rw.forwardedProtoHeader != "" {
			if proto := result.Header.Get(rw.forwardedProtoHeader); proto != "" {
				scheme = proto
				result.Header.Del(rw.forwardedProtoHeader)
			}
		}
		if scheme == "" {
			scheme = physicalProtocol
		}
		result.URL.Scheme = scheme
	}

	cfBlobJSON := ""
	if rw.cfBlobHeader != "" {
		if blob := result.Header.Get(rw.cfBlobHeader); blob != "" {
			cfBlobJSON = blob
			result.Header.Del(rw.cfBlobHeader)
		}
	}

	rw.requestInjector.apply(result.Header)

	return &result, cfBlobJSON, true
}

// Apply response injections in place
func (rw *Rewriter) RewriteResponse(header http.Header) {
	rw.responseInjector.apply(header)
}

/* Header injection */

type injectedHeader struct {
	name  string
	value *string //nil means remove instead of set
}

type headerInjector struct {
	headers []injectedHeader
}

func newHeaderInjector(entries []*config.Header, builder *headertable.Builder) headerInjector {
	thisInjector := headerInjector{
		headers: make([]injectedHeader, 0, len(entries)),
	}
	for _, entry := range entries {
		thisInjector.headers = append(thisInjector.headers, injectedHeader{
			name:  registerHeader(builder, entry.Name),
			value: entry.Value,
		})
	}
	return thisInjector
}

// Register a header name against the build-phase table and return its
// canonical form. The returned identifier is not used directly because
// net/http headers are keyed by name, but registration enforces the
// freeze discipline: no new header names after listening begins.
func registerHeader(builder *headertable.Builder, name string) string {
	builder.Add(name)
	return http.CanonicalHeaderKey(name)
}

func (i *headerInjector) empty() bool {
	return len(i.headers) == 0
}

// Apply the edits in config order, so a duplicate name keeps the
// later entry's value
func (i *headerInjector) apply(header http.Header) {
	for _, entry := range i.headers {
		if entry.value != nil {
			header.Set(entry.name, *entry.value)
		} else {
			header.Del(entry.name)
		}
	}
}

func cloneHeader(header http.Header) http.Header {
	cloned := header.Clone()
	if cloned == nil {
		cloned = http.Header{}
	}
	return cloned
}

func cloneURL(u *url.URL) *url.URL {
	cloned := *u
	return &cloned
}
