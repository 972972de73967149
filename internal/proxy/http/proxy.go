package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"time"

	"github.com/tkingovr/pod-guard/internal/filter"
	"github.com/tkingovr/pod-guard/internal/identity"
	"github.com/tkingovr/pod-guard/internal/policy"
)

// Proxy is an HTTP reverse proxy that runs every exchange through an
// identity-based access filter before any bytes reach the upstream.
type Proxy struct {
	target       *url.URL
	upstreamAddr net.Addr
	reverseProxy *httputil.ReverseProxy
	cfg          *filter.Config
	provider     policy.Provider
	resolver     identity.Resolver
	identity     identity.ConnectionIdentity
	logger       *slog.Logger
}

// NewProxy creates a proxy fronting the given target URL. The upstream
// address is resolved once at construction; every request's policy decision
// is made against it at selection time.
func NewProxy(target string, cfg *filter.Config, provider policy.Provider, resolver identity.Resolver, id identity.ConnectionIdentity, logger *slog.Logger) (*Proxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}

	addr, err := upstreamAddr(u)
	if err != nil {
		return nil, fmt.Errorf("resolving target address: %w", err)
	}

	p := &Proxy{
		target:       u,
		upstreamAddr: addr,
		cfg:          cfg,
		provider:     provider,
		resolver:     resolver,
		identity:     id,
		logger:       logger,
	}

	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ModifyResponse = p.modifyResponse
	rp.ErrorHandler = p.errorHandler
	if u.Scheme == "unix" {
		rp.Transport = unixTransport(u.Path)
		rp.Director = p.unixDirector
	}
	p.reverseProxy = rp

	return p, nil
}

// upstreamAddr maps the target URL to the address the filter will judge.
func upstreamAddr(u *url.URL) (net.Addr, error) {
	if u.Scheme == "unix" {
		return &net.UnixAddr{Name: u.Path, Net: "unix"}, nil
	}

	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	if ap, err := netip.ParseAddrPort(host); err == nil {
		return net.TCPAddrFromAddrPort(ap), nil
	}
	return net.ResolveTCPAddr("tcp", host)
}

func unixTransport(path string) http.RoundTripper {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
}

func (p *Proxy) unixDirector(req *http.Request) {
	req.URL.Scheme = "http"
	req.URL.Host = "localhost"
}

type filterCtxKey struct{}
type connCtxKey struct{}

func filterFromContext(ctx context.Context) *filter.AccessFilter {
	f, _ := ctx.Value(filterCtxKey{}).(*filter.AccessFilter)
	return f
}

// ServeHTTP runs one request through the filter pipeline: headers are
// decoded, the decision callback fires at upstream selection, and the
// response phase finalizes the audit record whatever the verdict was.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cb := &pipelineCallbacks{req: r, w: w}
	f := filter.New(p.cfg, p.provider, p.resolver, cb, p.logger)

	if f.OnRequestHeaders(r) == filter.StopIteration {
		return
	}

	// Upstream host selection. The registered callbacks run here, before
	// any request bytes are forwarded.
	info := &streamInfo{addr: p.upstreamAddr, start: time.Now()}
	if !cb.runUpstreamCallbacks(r, info) {
		p.denyLocal(w, f)
		return
	}

	r = r.WithContext(context.WithValue(r.Context(), filterCtxKey{}, f))
	p.reverseProxy.ServeHTTP(w, r)
}

// denyLocal synthesizes the 403 for a refused upstream and drives the
// response phase so the denial is recorded.
func (p *Proxy) denyLocal(w http.ResponseWriter, f *filter.AccessFilter) {
	hdr := make(http.Header)
	hdr.Set("Content-Type", "text/plain")
	f.OnResponseHeaders(http.StatusForbidden, hdr)

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusForbidden)
	io.WriteString(w, p.cfg.DeniedBody())
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	if f := filterFromContext(resp.Request.Context()); f != nil {
		f.OnResponseHeaders(resp.StatusCode, resp.Header)
	}
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Error("upstream error", "error", err, "url", r.URL.String())
	if f := filterFromContext(r.Context()); f != nil {
		f.OnResponseHeaders(http.StatusBadGateway, make(http.Header))
	}
	http.Error(w, "upstream unreachable", http.StatusBadGateway)
}

// Handler returns an http.Handler for use with http.Server.
func (p *Proxy) Handler() http.Handler {
	return p
}

// ListenAndServe starts the proxy server. Accepted connections carry the
// configured identity; requests arriving any other way are rejected by
// the filter.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: p,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			ctx = context.WithValue(ctx, connCtxKey{}, c)
			return identity.NewContext(ctx, &p.identity)
		},
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	p.logger.Info("starting access proxy",
		"listen", addr,
		"target", p.target.String(),
		"pod", p.identity.PodAddress,
		"ingress", p.identity.Ingress,
	)

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// pipelineCallbacks adapts one in-flight request to the filter's view of
// the pipeline. Never shared across requests.
type pipelineCallbacks struct {
	req       *http.Request
	w         http.ResponseWriter
	callbacks []filter.UpstreamCallback
}

func (c *pipelineCallbacks) HasConnection() bool {
	_, ok := c.req.Context().Value(connCtxKey{}).(net.Conn)
	return ok
}

func (c *pipelineCallbacks) ConnectionIdentity() (*identity.ConnectionIdentity, bool) {
	return identity.FromContext(c.req.Context())
}

func (c *pipelineCallbacks) RemoteAddr() string {
	return c.req.RemoteAddr
}

func (c *pipelineCallbacks) AddUpstreamCallback(cb filter.UpstreamCallback) {
	c.callbacks = append(c.callbacks, cb)
}

func (c *pipelineCallbacks) SendLocalReply(code int, body string) {
	c.w.Header().Set("Content-Type", "text/plain")
	c.w.WriteHeader(code)
	io.WriteString(c.w, body)
}

func (c *pipelineCallbacks) runUpstreamCallbacks(req *http.Request, info filter.StreamInfo) bool {
	for _, cb := range c.callbacks {
		if !cb(req, info) {
			return false
		}
	}
	return true
}

type streamInfo struct {
	addr  net.Addr
	start time.Time
}

func (s *streamInfo) UpstreamAddr() net.Addr { return s.addr }
func (s *streamInfo) StartTime() time.Time   { return s.start }
