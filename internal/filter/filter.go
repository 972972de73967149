package filter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/tkingovr/pod-guard/api"
	"github.com/tkingovr/pod-guard/internal/identity"
	"github.com/tkingovr/pod-guard/internal/policy"
)

// HeadersStatus tells the host pipeline how to proceed after a header hook.
type HeadersStatus int

const (
	// Continue lets the pipeline move on to the next stage.
	Continue HeadersStatus = iota

	// StopIteration halts processing; a local reply has been sent.
	StopIteration
)

// OriginalDstHeader carries the proxy's own destination-resolution signal.
// A client-supplied value is stripped from every request before the
// decision is made.
const OriginalDstHeader = "X-PodGuard-Original-Dst"

// StreamInfo is what the host pipeline knows about the stream at upstream
// selection time.
type StreamInfo interface {
	// UpstreamAddr is the address of the selected upstream host, nil when
	// selection produced none.
	UpstreamAddr() net.Addr

	// StartTime is when the stream began.
	StartTime() time.Time
}

// UpstreamCallback runs after the upstream host is selected and strictly
// before any request bytes are forwarded to it. Returning false makes the
// pipeline refuse the selected host.
type UpstreamCallback func(req *http.Request, info StreamInfo) bool

// Callbacks is the filter's view of the host pipeline.
type Callbacks interface {
	// HasConnection reports whether an active transport connection backs
	// the request.
	HasConnection() bool

	// ConnectionIdentity returns the identity metadata attached to the
	// connection, false when the connection is not owned by this proxy.
	ConnectionIdentity() (*identity.ConnectionIdentity, bool)

	// RemoteAddr is the downstream remote address as seen by the proxy.
	RemoteAddr() string

	// AddUpstreamCallback registers a callback to run at upstream host
	// selection time.
	AddUpstreamCallback(cb UpstreamCallback)

	// SendLocalReply synthesizes an immediate response.
	SendLocalReply(code int, body string)
}

// AccessFilter gates one request on identity policy. It holds the verdict
// and the accumulating log entry for the lifetime of the exchange; both
// are exclusively owned, never shared.
type AccessFilter struct {
	cfg      *Config
	provider policy.Provider
	resolver identity.Resolver
	cb       Callbacks
	log      *slog.Logger

	// allowed defaults to false and is set at most once, by the upstream
	// callback. Fail closed.
	allowed bool
	entry   api.LogEntry
}

// New creates the per-request filter instance.
func New(cfg *Config, provider policy.Provider, resolver identity.Resolver, cb Callbacks, log *slog.Logger) *AccessFilter {
	return &AccessFilter{
		cfg:      cfg,
		provider: provider,
		resolver: resolver,
		cb:       cb,
		log:      log,
	}
}

// OnRequestHeaders runs when request headers are decoded. The allow/deny
// decision is deferred to upstream host selection, because the destination
// identity cannot be known before the host is; the registered callback is
// guaranteed to run before any request bytes are forwarded.
func (f *AccessFilter) OnRequestHeaders(req *http.Request) HeadersStatus {
	req.Header.Del(OriginalDstHeader)

	if !f.cb.HasConnection() {
		f.log.Warn("no connection for request, rejecting")
		f.cb.SendLocalReply(http.StatusForbidden, f.cfg.DeniedBody())
		return StopIteration
	}

	f.cb.AddUpstreamCallback(f.decide)
	return Continue
}

// decide computes the verdict. It runs on the proxy's request path and
// must not block.
func (f *AccessFilter) decide(req *http.Request, info StreamInfo) bool {
	id, ok := f.cb.ConnectionIdentity()
	if !ok {
		f.log.Warn("connection identity not found")
		return false
	}

	dst := info.UpstreamAddr()
	if dst == nil {
		f.log.Warn("no destination address")
		return false
	}

	// Ingress traffic is destined for the local workload; egress identity
	// is resolved from the destination IP.
	dstIdentity := id.Identity
	dstPort := id.Port
	if !id.Ingress {
		addrPort, err := netip.ParseAddrPort(dst.String())
		if err != nil {
			f.log.Debug("non-IP destination address", "address", dst.String())
			return false
		}
		dstPort = addrPort.Port()
		dstIdentity = f.resolver.Resolve(addrPort.Addr())
	}

	f.entry.InitFromRequest(id.PodAddress, id.Ingress, id.Identity, f.cb.RemoteAddr(),
		dstIdentity, dst.String(), dstPort, info.StartTime(), req)

	pol, ok := f.provider.Lookup(id.PodAddress)
	if !ok {
		f.log.Debug("no policy found for pod, defaulting to DENY",
			"pod", id.PodAddress, "ingress", id.Ingress)
		return f.allowed
	}

	f.allowed = pol.Allowed(id.Ingress, dstPort, dstIdentity, req, &f.entry)
	f.log.Debug("policy lookup",
		"ingress", id.Ingress,
		"source_identity", id.Identity,
		"destination_identity", dstIdentity,
		"pod", id.PodAddress,
		"port", dstPort,
		"verdict", verdictString(f.allowed),
	)

	if f.allowed {
		// Log the forwarded request now, independent of whether the
		// upstream ever answers.
		f.cfg.Log(&f.entry, api.EntryRequest)
	}

	return f.allowed
}

// OnResponseHeaders finalizes the log entry and emits the terminal record.
// It never blocks forwarding. It must be called exactly once per request
// that reached header decoding, whatever the verdict was.
func (f *AccessFilter) OnResponseHeaders(status int, headers http.Header) HeadersStatus {
	f.entry.UpdateFromResponse(status, headers, time.Now())

	logType := api.EntryResponse
	if !f.allowed {
		logType = api.EntryDenied
		f.cfg.metrics.AccessDenied.Inc()
	}
	f.cfg.Log(&f.entry, logType)
	return Continue
}

func verdictString(allowed bool) string {
	if allowed {
		return "ALLOW"
	}
	return "DENY"
}
