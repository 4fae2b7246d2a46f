// Package proxy is the interception layer: a forward HTTP proxy that
// classifies every request, serves block pages and tunnels CONNECT traffic.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Wikid82/shadowguard/internal/engine"
	"github.com/Wikid82/shadowguard/internal/logger"
	"github.com/Wikid82/shadowguard/internal/metrics"
	"github.com/Wikid82/shadowguard/internal/models"
	"github.com/Wikid82/shadowguard/internal/util"
)

// Classifier decides what happens to a request.
type Classifier interface {
	Evaluate(host, path, method string) models.Decision
}

// Recorder stages decisions for the console. Append must not block for long.
type Recorder interface {
	Append(d models.Decision)
}

// Proxy classifies each request before forwarding it. Management hosts are
// forwarded without being recorded.
type Proxy struct {
	Addr string

	Classifier Classifier
	Pages      *engine.BlockPages
	Recorder   Recorder

	// Transport for outbound requests (optional, uses default if nil)
	Transport   http.RoundTripper
	DialTimeout time.Duration

	log *logrus.Entry
}

// New creates a Proxy listening on addr.
func New(addr string, classifier Classifier, pages *engine.BlockPages, recorder Recorder) *Proxy {
	if pages == nil {
		pages = engine.NewBlockPages("", "")
	}
	return &Proxy{
		Addr:        addr,
		Classifier:  classifier,
		Pages:       pages,
		Recorder:    recorder,
		Transport:   http.DefaultTransport,
		DialTimeout: 10 * time.Second,
		log:         logger.Component("proxy"),
	}
}

// Run listens on Addr and serves until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen proxy: %w", err)
	}
	return p.Serve(ctx, ln)
}

// Serve accepts proxy connections on ln until ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
	}
	p.log.WithField("addr", ln.Addr().String()).Info("proxy listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("proxy shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

func (p *Proxy) classify(host, path, method string) models.Decision {
	d := p.Classifier.Evaluate(host, path, method)
	if !d.Exempt && p.Recorder != nil {
		p.Recorder.Append(d)
	}
	if d.Blocked() {
		p.log.WithFields(logrus.Fields{
			"host": util.SanitizeForLog(d.Host),
			"path": util.SanitizeForLog(d.Path),
			"tier": d.Tier,
		}).Info("blocked")
	}
	return d
}

func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "this is a proxy; send absolute-form requests", http.StatusBadRequest)
		return
	}

	d := p.classify(hostOnly(r.URL.Host), r.URL.Path, r.Method)
	if resp, ok := p.Pages.Response(d); ok {
		for k, vv := range resp.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
		return
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	transport := p.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		metrics.IncUpstreamError()
		p.log.WithError(err).WithField("host", util.SanitizeForLog(r.URL.Host)).Warn("forward request failed")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleConnect tunnels HTTPS traffic. The inner requests are encrypted, so
// the tunnel is classified as a GET of "/" on the target host and a blocked
// tunnel is refused with 403 and the block page.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	d := p.classify(hostOnly(r.Host), "/", http.MethodGet)
	if resp, ok := p.Pages.Response(d); ok {
		for k, vv := range resp.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write(resp.Body)
		return
	}

	upstream, err := net.DialTimeout("tcp", r.Host, p.DialTimeout)
	if err != nil {
		metrics.IncUpstreamError()
		p.log.WithError(err).WithField("host", util.SanitizeForLog(r.Host)).Warn("dial tunnel target failed")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, rw, err := hijacker.Hijack()
	if err != nil {
		_ = upstream.Close()
		p.log.WithError(err).Error("hijack failed")
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = clientConn.Close()
		_ = upstream.Close()
		return
	}

	var g errgroup.Group
	g.Go(func() error {
		// rw.Reader holds anything the client sent after the CONNECT line.
		_, err := io.Copy(upstream, rw.Reader)
		closeWrite(upstream)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(clientConn, upstream)
		closeWrite(clientConn)
		return err
	})
	if err := g.Wait(); err != nil && !isClosedConn(err) {
		p.log.WithError(err).Debug("tunnel closed with error")
	}
	_ = clientConn.Close()
	_ = upstream.Close()
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
