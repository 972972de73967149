package filter

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tkingovr/pod-guard/api"
	"github.com/tkingovr/pod-guard/internal/identity"
	"github.com/tkingovr/pod-guard/internal/metrics"
	"github.com/tkingovr/pod-guard/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCallbacks struct {
	hasConn bool
	id      *identity.ConnectionIdentity
	remote  string

	upstreamCb UpstreamCallback

	replyCode int
	replyBody string
}

func (c *fakeCallbacks) HasConnection() bool { return c.hasConn }

func (c *fakeCallbacks) ConnectionIdentity() (*identity.ConnectionIdentity, bool) {
	return c.id, c.id != nil
}

func (c *fakeCallbacks) RemoteAddr() string { return c.remote }

func (c *fakeCallbacks) AddUpstreamCallback(cb UpstreamCallback) { c.upstreamCb = cb }

func (c *fakeCallbacks) SendLocalReply(code int, body string) {
	c.replyCode = code
	c.replyBody = body
}

type fakeStreamInfo struct {
	addr  net.Addr
	start time.Time
}

func (s *fakeStreamInfo) UpstreamAddr() net.Addr { return s.addr }
func (s *fakeStreamInfo) StartTime() time.Time   { return s.start }

type loggedRecord struct {
	typ   api.EntryType
	entry api.LogEntry
}

type recordingLog struct {
	records []loggedRecord
	closed  int
}

func (l *recordingLog) Log(entry *api.LogEntry, typ api.EntryType) {
	l.records = append(l.records, loggedRecord{typ: typ, entry: *entry})
}

func (l *recordingLog) Close() { l.closed++ }

type fakePolicy struct {
	allowed bool
	rule    string

	gotIngress  bool
	gotPort     uint16
	gotIdentity uint32
}

func (p *fakePolicy) Allowed(ingress bool, port uint16, id uint32, _ *http.Request, entry *api.LogEntry) bool {
	p.gotIngress = ingress
	p.gotPort = port
	p.gotIdentity = id
	if p.rule != "" {
		entry.MatchedRule = p.rule
	}
	return p.allowed
}

type fakeProvider struct {
	pol policy.Policy
}

func (p *fakeProvider) Lookup(string) (policy.Policy, bool) {
	if p.pol == nil {
		return nil, false
	}
	return p.pol, true
}

type staticResolver struct {
	id uint32
}

func (r staticResolver) Resolve(netip.Addr) uint32 { return r.id }

type fixture struct {
	cfg      *Config
	cb       *fakeCallbacks
	sink     *recordingLog
	m        *metrics.Metrics
	provider *fakeProvider
	resolver staticResolver
}

func newFixture(id *identity.ConnectionIdentity, pol policy.Policy, resolvedID uint32) *fixture {
	m := metrics.New(nil)
	sink := &recordingLog{}
	cfg := NewConfig("", "", m, testLogger())
	cfg.accessLog = sink
	return &fixture{
		cfg:      cfg,
		cb:       &fakeCallbacks{hasConn: true, id: id, remote: "10.0.0.1:40000"},
		sink:     sink,
		m:        m,
		provider: &fakeProvider{pol: pol},
		resolver: staticResolver{id: resolvedID},
	}
}

func (fx *fixture) filter() *AccessFilter {
	return New(fx.cfg, fx.provider, fx.resolver, fx.cb, testLogger())
}

func (fx *fixture) denials() float64 {
	return testutil.ToFloat64(fx.m.AccessDenied)
}

func tcpAddr(s string) net.Addr {
	addr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		panic(err)
	}
	return addr
}

func getRequest() *http.Request {
	req, _ := http.NewRequest(http.MethodGet, "http://backend/public/index", nil)
	return req
}

func ingressIdentity() *identity.ConnectionIdentity {
	return &identity.ConnectionIdentity{PodAddress: "10.0.0.12", Ingress: true, Identity: 5, Port: 80}
}

func egressIdentity() *identity.ConnectionIdentity {
	return &identity.ConnectionIdentity{PodAddress: "10.0.0.12", Ingress: false, Identity: 5, Port: 0}
}

func TestNoConnection_Synchronous403(t *testing.T) {
	fx := newFixture(nil, &fakePolicy{allowed: true}, 0)
	fx.cb.hasConn = false

	f := fx.filter()
	if status := f.OnRequestHeaders(getRequest()); status != StopIteration {
		t.Fatalf("expected StopIteration, got %v", status)
	}
	if fx.cb.replyCode != http.StatusForbidden {
		t.Errorf("expected 403 local reply, got %d", fx.cb.replyCode)
	}
	if fx.cb.replyBody != "Access denied\r\n" {
		t.Errorf("expected default denial body, got %q", fx.cb.replyBody)
	}
	if fx.cb.upstreamCb != nil {
		t.Error("expected no upstream callback to be registered")
	}
	if len(fx.sink.records) != 0 {
		t.Errorf("expected no audit records, got %d", len(fx.sink.records))
	}
}

func TestOriginalDstHeaderStripped(t *testing.T) {
	fx := newFixture(ingressIdentity(), &fakePolicy{allowed: true}, 0)

	req := getRequest()
	req.Header.Set(OriginalDstHeader, "1.2.3.4:80")

	f := fx.filter()
	if status := f.OnRequestHeaders(req); status != Continue {
		t.Fatalf("expected Continue, got %v", status)
	}
	if req.Header.Get(OriginalDstHeader) != "" {
		t.Error("expected client-supplied original destination header to be stripped")
	}
}

func TestMissingConnectionIdentity_Denies(t *testing.T) {
	fx := newFixture(nil, &fakePolicy{allowed: true}, 0)

	f := fx.filter()
	if status := f.OnRequestHeaders(getRequest()); status != Continue {
		t.Fatalf("expected Continue, got %v", status)
	}
	if fx.cb.upstreamCb == nil {
		t.Fatal("expected upstream callback to be registered")
	}

	info := &fakeStreamInfo{addr: tcpAddr("10.0.0.12:80"), start: time.Now()}
	if fx.cb.upstreamCb(getRequest(), info) {
		t.Error("expected deny for connection without identity")
	}

	f.OnResponseHeaders(http.StatusForbidden, http.Header{})
	if len(fx.sink.records) != 1 || fx.sink.records[0].typ != api.EntryDenied {
		t.Fatalf("expected exactly one Denied record, got %+v", fx.sink.records)
	}
	if fx.denials() != 1 {
		t.Errorf("expected denial counter 1, got %v", fx.denials())
	}
}

func TestMissingUpstreamAddress_Denies(t *testing.T) {
	fx := newFixture(ingressIdentity(), &fakePolicy{allowed: true}, 0)

	f := fx.filter()
	f.OnRequestHeaders(getRequest())

	info := &fakeStreamInfo{addr: nil, start: time.Now()}
	if fx.cb.upstreamCb(getRequest(), info) {
		t.Error("expected deny without an upstream address")
	}
}

func TestNonIPEgressDestination_Denies(t *testing.T) {
	fx := newFixture(egressIdentity(), &fakePolicy{allowed: true}, 42)

	f := fx.filter()
	f.OnRequestHeaders(getRequest())

	info := &fakeStreamInfo{addr: &net.UnixAddr{Name: "/run/app.sock", Net: "unix"}, start: time.Now()}
	if fx.cb.upstreamCb(getRequest(), info) {
		t.Error("expected deny for non-IP egress destination")
	}

	f.OnResponseHeaders(http.StatusForbidden, http.Header{})
	if len(fx.sink.records) != 1 || fx.sink.records[0].typ != api.EntryDenied {
		t.Fatalf("expected exactly one Denied record, got %+v", fx.sink.records)
	}
	if fx.denials() != 1 {
		t.Errorf("expected denial counter 1, got %v", fx.denials())
	}
}

func TestMissingPolicy_FailClosed(t *testing.T) {
	fx := newFixture(ingressIdentity(), nil, 0)

	f := fx.filter()
	f.OnRequestHeaders(getRequest())

	info := &fakeStreamInfo{addr: tcpAddr("10.0.0.12:80"), start: time.Now()}
	if fx.cb.upstreamCb(getRequest(), info) {
		t.Error("expected deny when no policy exists")
	}
	if len(fx.sink.records) != 0 {
		t.Errorf("expected no Request record for missing policy, got %+v", fx.sink.records)
	}

	f.OnResponseHeaders(http.StatusForbidden, http.Header{})
	if len(fx.sink.records) != 1 || fx.sink.records[0].typ != api.EntryDenied {
		t.Fatalf("expected exactly one Denied record, got %+v", fx.sink.records)
	}
	if fx.denials() != 1 {
		t.Errorf("expected denial counter 1, got %v", fx.denials())
	}
}

func TestAllowedIngress_RequestThenResponse(t *testing.T) {
	pol := &fakePolicy{allowed: true, rule: "public-get"}
	fx := newFixture(ingressIdentity(), pol, 0)

	f := fx.filter()
	f.OnRequestHeaders(getRequest())

	info := &fakeStreamInfo{addr: tcpAddr("10.0.0.12:80"), start: time.Now()}
	if !fx.cb.upstreamCb(getRequest(), info) {
		t.Fatal("expected allow")
	}

	// The policy sees the direction-relevant identity: the caller's.
	if !pol.gotIngress || pol.gotPort != 80 || pol.gotIdentity != 5 {
		t.Errorf("unexpected policy input: ingress=%v port=%d identity=%d",
			pol.gotIngress, pol.gotPort, pol.gotIdentity)
	}

	if len(fx.sink.records) != 1 || fx.sink.records[0].typ != api.EntryRequest {
		t.Fatalf("expected one Request record, got %+v", fx.sink.records)
	}
	req := fx.sink.records[0].entry
	if req.DestinationIdentity != 5 {
		t.Errorf("expected ingress destination identity 5 (local), got %d", req.DestinationIdentity)
	}
	if req.DestinationPort != 80 {
		t.Errorf("expected destination port 80, got %d", req.DestinationPort)
	}
	if req.MatchedRule != "public-get" {
		t.Errorf("expected match diagnostics in entry, got %q", req.MatchedRule)
	}
	if req.SourceAddress != "10.0.0.1:40000" {
		t.Errorf("expected caller remote address, got %q", req.SourceAddress)
	}

	f.OnResponseHeaders(http.StatusOK, http.Header{"Content-Type": []string{"text/plain"}})
	if len(fx.sink.records) != 2 {
		t.Fatalf("expected two records, got %d", len(fx.sink.records))
	}
	resp := fx.sink.records[1]
	if resp.typ != api.EntryResponse {
		t.Errorf("expected Response record, got %s", resp.typ)
	}
	if resp.entry.Status != http.StatusOK {
		t.Errorf("expected status 200 in entry, got %d", resp.entry.Status)
	}
	if resp.entry.CompletedAt.IsZero() {
		t.Error("expected response timestamp to be set")
	}
	if fx.denials() != 0 {
		t.Errorf("expected denial counter unchanged, got %v", fx.denials())
	}
}

func TestDeniedByPolicy_DeniedRecordOnly(t *testing.T) {
	fx := newFixture(ingressIdentity(), &fakePolicy{allowed: false}, 0)

	f := fx.filter()
	f.OnRequestHeaders(getRequest())

	info := &fakeStreamInfo{addr: tcpAddr("10.0.0.12:80"), start: time.Now()}
	if fx.cb.upstreamCb(getRequest(), info) {
		t.Fatal("expected deny")
	}
	if len(fx.sink.records) != 0 {
		t.Errorf("expected no Request record on deny, got %+v", fx.sink.records)
	}

	f.OnResponseHeaders(http.StatusForbidden, http.Header{})
	if len(fx.sink.records) != 1 || fx.sink.records[0].typ != api.EntryDenied {
		t.Fatalf("expected exactly one Denied record, got %+v", fx.sink.records)
	}
	if fx.denials() != 1 {
		t.Errorf("expected denial counter 1, got %v", fx.denials())
	}
}

func TestEgressResolvesDestinationIdentity(t *testing.T) {
	pol := &fakePolicy{allowed: true}
	fx := newFixture(egressIdentity(), pol, 42)

	f := fx.filter()
	f.OnRequestHeaders(getRequest())

	info := &fakeStreamInfo{addr: tcpAddr("10.0.1.7:443"), start: time.Now()}
	if !fx.cb.upstreamCb(getRequest(), info) {
		t.Fatal("expected allow")
	}

	// Egress evaluates against the resolved destination identity and the
	// destination address's port.
	if pol.gotIngress || pol.gotPort != 443 || pol.gotIdentity != 42 {
		t.Errorf("unexpected policy input: ingress=%v port=%d identity=%d",
			pol.gotIngress, pol.gotPort, pol.gotIdentity)
	}

	entry := fx.sink.records[0].entry
	if entry.DestinationIdentity != 42 {
		t.Errorf("expected destination identity 42, got %d", entry.DestinationIdentity)
	}
	if entry.DestinationAddress != "10.0.1.7:443" {
		t.Errorf("expected destination address, got %q", entry.DestinationAddress)
	}
}
