// Package endpoint implements TCP-connect probing across an ordered
// candidate list, with caching and reprobe triggers driven by agent state.
package endpoint

import (
	"net"
	"time"

	"github.com/itskum47/fluxguard/internal/agent/state"
)

const (
	probeTimeout = 3 * time.Second
	maxProbeAge  = 7 * 24 * time.Hour
)

// Selector picks a reachable candidate endpoint, caching the winner in
// agent state.
type Selector struct {
	candidates []Candidate
	st         *state.Store
	dial       func(network, address string, timeout time.Duration) (net.Conn, error)
}

// Candidate is one probeable endpoint: Dial is the host:port to TCP-connect
// to, URL is what's returned to callers (e.g. a ws:// scheme).
type Candidate struct {
	Dial string
	URL  string
}

func New(candidates []Candidate, st *state.Store) *Selector {
	return &Selector{candidates: candidates, st: st, dial: dialTCP}
}

func dialTCP(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// Select returns the chosen endpoint URL and whether the selection is
// verified: true for a probe that just succeeded or a cached choice that
// needed no reprobe, false when no candidate answered and the cached value
// or the first candidate is returned unverified. fingerprint is the
// caller's current network fingerprint sample.
// Select never raises: every failure path falls back to a cached or
// first-candidate value.
func (s *Selector) Select(force bool, fingerprint string) (string, bool) {
	if len(s.candidates) == 0 {
		return "", false
	}

	cur := s.st.Current()
	needsReprobe := force ||
		cur.ActiveEndpoint == "" ||
		cur.LastEndpointProbe.IsZero() ||
		time.Since(cur.LastEndpointProbe) > maxProbeAge ||
		(fingerprint != "" && fingerprint != cur.LastNetworkFingerprint)

	if !needsReprobe {
		return cur.ActiveEndpoint, true
	}

	for _, c := range s.candidates {
		conn, err := s.dial("tcp", c.Dial, probeTimeout)
		if err == nil {
			conn.Close()
			now := time.Now().UTC()
			s.st.SetEndpoint(c.URL, now)
			if fingerprint != "" {
				s.st.SetNetworkFingerprint(fingerprint)
			}
			return c.URL, true
		}
	}

	// Nobody responded: fall back to the cache, else the first candidate,
	// and mark the selection unverified.
	if cur.ActiveEndpoint != "" {
		return cur.ActiveEndpoint, false
	}
	return s.candidates[0].URL, false
}
