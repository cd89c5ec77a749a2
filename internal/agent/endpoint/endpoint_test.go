package endpoint

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/itskum47/fluxguard/internal/agent/state"
)

// fakeConn is a minimal net.Conn stub so tests never open a real socket.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func newSelector(t *testing.T, reachable map[string]bool) *Selector {
	t.Helper()
	st := state.Open(filepath.Join(t.TempDir(), "state.json"))
	sel := New([]Candidate{
		{Dial: "local:8080", URL: "ws://local:8080/ws"},
		{Dial: "fallback:8080", URL: "ws://fallback:8080/ws"},
	}, st)
	sel.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		if reachable[address] {
			return fakeConn{}, nil
		}
		return nil, errors.New("connection refused")
	}
	return sel
}

func TestSelectPrefersFirstReachableCandidate(t *testing.T) {
	sel := newSelector(t, map[string]bool{"local:8080": true, "fallback:8080": true})
	url, verified := sel.Select(false, "")
	if url != "ws://local:8080/ws" || !verified {
		t.Fatalf("expected local candidate verified, got %q verified=%v", url, verified)
	}
}

func TestSelectFallsBackWhenFirstUnreachable(t *testing.T) {
	sel := newSelector(t, map[string]bool{"fallback:8080": true})
	url, verified := sel.Select(false, "")
	if url != "ws://fallback:8080/ws" || !verified {
		t.Fatalf("expected fallback candidate verified, got %q verified=%v", url, verified)
	}
}

func TestSelectCachesAndSkipsReprobe(t *testing.T) {
	sel := newSelector(t, map[string]bool{"local:8080": true})
	sel.Select(false, "")

	// Flip reachability; without a reprobe trigger the cached value wins.
	sel.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("now unreachable")
	}
	url, verified := sel.Select(false, "")
	if url != "ws://local:8080/ws" || !verified {
		t.Fatalf("expected cached candidate reused without reprobe, got %q verified=%v", url, verified)
	}
}

func TestSelectFallsBackToCacheWhenNobodyResponds(t *testing.T) {
	sel := newSelector(t, map[string]bool{"local:8080": true})
	sel.Select(false, "")

	sel.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("unreachable")
	}
	url, verified := sel.Select(true, "")
	if url != "ws://local:8080/ws" || verified {
		t.Fatalf("expected stale cache fallback marked unverified, got %q verified=%v", url, verified)
	}
}

func TestSelectFallsBackToFirstCandidateWhenCacheEmpty(t *testing.T) {
	sel := newSelector(t, map[string]bool{})
	url, verified := sel.Select(false, "")
	if url != "ws://local:8080/ws" || verified {
		t.Fatalf("expected first candidate fallback marked unverified, got %q verified=%v", url, verified)
	}
}

func TestSelectReprobesOnFingerprintChange(t *testing.T) {
	sel := newSelector(t, map[string]bool{"local:8080": true})
	sel.Select(false, "fp-a")

	sel.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		if address == "fallback:8080" {
			return fakeConn{}, nil
		}
		return nil, errors.New("fp changed, local now down")
	}
	url, verified := sel.Select(false, "fp-b")
	if url != "ws://fallback:8080/ws" || !verified {
		t.Fatalf("expected reprobe on fingerprint change to pick fallback, got %q verified=%v", url, verified)
	}
}
