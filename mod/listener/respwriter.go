package listener

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"imuslab.com/lattice/mod/rewrite"
)

/*
	Response wrapper

	Applies the socket's response header injections exactly once, right
	before headers are flushed. Hijack is passed through untouched so
	websocket upgrades keep working; upgrade handshakes collect the same
	injections through RewriteUpgradeResponse instead, since the 101
	never goes through WriteHeader.
*/

type responseWriter struct {
	inner       http.ResponseWriter
	rewriter    *rewrite.Rewriter
	wroteHeader bool
	hijacked    bool
}

func newResponseWriter(inner http.ResponseWriter, rw *rewrite.Rewriter) *responseWriter {
	return &responseWriter{
		inner:    inner,
		rewriter: rw,
	}
}

func (w *responseWriter) Header() http.Header {
	return w.inner.Header()
}

func (w *responseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if w.rewriter.NeedsRewriteResponse() {
			w.rewriter.RewriteResponse(w.inner.Header())
		}
	}
	w.inner.WriteHeader(statusCode)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.inner.Write(data)
}

func (w *responseWriter) Flush() {
	if flusher, ok := w.inner.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.inner.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("connection cannot be hijacked")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}

// Apply the socket's response header injections to a websocket upgrade
// response before it is written onto the hijacked connection
func (w *responseWriter) RewriteUpgradeResponse(header http.Header) {
	if w.rewriter.NeedsRewriteResponse() {
		w.rewriter.RewriteResponse(header)
	}
}

func (w *responseWriter) HeaderWritten() bool {
	return w.wroteHeader
}

func (w *responseWriter) Hijacked() bool {
	return w.hijacked
}
