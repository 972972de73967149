package policy

import (
	"io"
	"log/slog"
	"testing"

	"github.com/tkingovr/pod-guard/api"
)

func opaTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testRego = `package podguard

import rego.v1

default allowed := false

allowed if {
	input.ingress
	input.port == 80
	input.identity == 5
	input.method == "GET"
}

rule_name := "ingress-get" if allowed
`

func TestOPAPolicy_AllowAndDeny(t *testing.T) {
	p, err := NewOPAPolicyFromSource(testRego, opaTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	var entry api.LogEntry
	if !p.Allowed(true, 80, 5, testRequest("GET", "/", "backend", nil), &entry) {
		t.Error("expected allow for matching input")
	}
	if entry.MatchedRule != "ingress-get" {
		t.Errorf("expected matched rule ingress-get, got %q", entry.MatchedRule)
	}

	if p.Allowed(true, 80, 7, testRequest("GET", "/", "backend", nil), &entry) {
		t.Error("expected deny for wrong identity")
	}
	if p.Allowed(true, 8080, 5, testRequest("GET", "/", "backend", nil), &entry) {
		t.Error("expected deny for wrong port")
	}
	if p.Allowed(false, 80, 5, testRequest("GET", "/", "backend", nil), &entry) {
		t.Error("expected deny for egress")
	}
}

func TestOPAPolicy_FailClosedWithoutVerdict(t *testing.T) {
	// Module defines the package but never an "allowed" value.
	p, err := NewOPAPolicyFromSource("package podguard\n\nimport rego.v1\n\nnote := \"nothing\"\n", opaTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	var entry api.LogEntry
	if p.Allowed(true, 80, 5, testRequest("GET", "/", "backend", nil), &entry) {
		t.Error("expected deny when policy defines no verdict")
	}
}

func TestOPAPolicy_InvalidSource(t *testing.T) {
	if _, err := NewOPAPolicyFromSource("this is not rego", opaTestLogger()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestOPAPolicy_LookupAppliesToAllWorkloads(t *testing.T) {
	p, err := NewOPAPolicyFromSource(testRego, opaTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := p.Lookup("10.0.0.12"); !ok {
		t.Error("expected OPA policy to apply to any pod")
	}
	if _, ok := p.Lookup("somewhere-else"); !ok {
		t.Error("expected OPA policy to apply to any pod")
	}
}
