package identity

import (
	"net/http/httptest"
	"testing"
)

func TestIdentitySchemes(t *testing.T) {
	if got := ForUser("42"); got != "user:42" {
		t.Errorf("expected user:42, got %s", got)
	}
	if got := ForIP("203.0.113.5"); got != "ip:203.0.113.5" {
		t.Errorf("expected ip:203.0.113.5, got %s", got)
	}
	if !ForUser("42").IsUser() {
		t.Error("expected user identity to report IsUser")
	}
	if ForIP("203.0.113.5").IsUser() {
		t.Error("expected ip identity to not report IsUser")
	}
}

func TestParseTier(t *testing.T) {
	cases := map[string]Tier{
		"anonymous":     TierAnonymous,
		"authenticated": TierAuthenticated,
		"premium":       TierPremium,
		"PREMIUM":       TierPremium,
		"":              TierAnonymous,
		"unknown":       TierAnonymous,
	}
	for in, want := range cases {
		if got := ParseTier(in); got != want {
			t.Errorf("ParseTier(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestClientAddr_ForwardedForFirstHop(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:54321"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.2")

	if got := ClientAddr(r); got != "203.0.113.5" {
		t.Errorf("expected first forwarded hop, got %q", got)
	}
}

func TestClientAddr_FallsBackToPeer(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:8080"

	if got := ClientAddr(r); got != "192.0.2.7" {
		t.Errorf("expected peer host without port, got %q", got)
	}
}
