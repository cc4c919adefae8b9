package staging

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// DispatchThrottle gates claims per source domain. Implementations must be safe for
// concurrent use. An empty domain is never throttled.
type DispatchThrottle interface {
	MayDispatch(domain string) bool
	RecordDispatch(domain string)
	RecordRelease(domain string)
}

// DomainStatus is a point-in-time view of one tracked domain.
type DomainStatus struct {
	Domain       string    `json:"domain"`
	InFlight     int       `json:"in_flight"`
	MaxInFlight  int       `json:"max_in_flight"`
	LastDispatch time.Time `json:"last_dispatch"`
	NextAllowed  time.Time `json:"next_allowed"`
}

type domainState struct {
	inFlight     int
	lastDispatch time.Time
}

// CooldownTracker is the in-process DispatchThrottle. State starts empty and is
// never persisted.
type CooldownTracker struct {
	mu       sync.Mutex
	def      DomainPolicy
	policies map[string]DomainPolicy
	state    map[string]*domainState
	now      func() time.Time
}

func NewCooldownTracker(cfg CooldownConfig) *CooldownTracker {
	t := &CooldownTracker{
		def:      cfg.Default,
		policies: make(map[string]DomainPolicy, len(cfg.Domains)),
		state:    make(map[string]*domainState),
		now:      time.Now,
	}
	for d, p := range cfg.Domains {
		if key := DomainOf(d); key != "" {
			t.policies[key] = p
		}
	}
	return t
}

// WithClock replaces the time source. Intended for tests.
func (t *CooldownTracker) WithClock(now func() time.Time) *CooldownTracker {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	return t
}

func (t *CooldownTracker) policy(domain string) DomainPolicy {
	if p, ok := t.policies[domain]; ok {
		return p
	}
	return t.def
}

// MayDispatch reports whether a new claim on domain is allowed right now.
func (t *CooldownTracker) MayDispatch(domain string) bool {
	if domain == "" {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.state[domain]
	if !ok {
		return true
	}
	p := t.policy(domain)
	if p.MaxInFlight > 0 && st.inFlight >= p.MaxInFlight {
		return false
	}
	if p.Cooldown > 0 && !st.lastDispatch.IsZero() && t.now().Sub(st.lastDispatch) < p.Cooldown {
		return false
	}
	return true
}

func (t *CooldownTracker) RecordDispatch(domain string) {
	if domain == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.state[domain]
	if !ok {
		st = &domainState{}
		t.state[domain] = st
	}
	st.inFlight++
	st.lastDispatch = t.now()
}

// RecordRelease decrements the in-flight count, never below zero.
func (t *CooldownTracker) RecordRelease(domain string) {
	if domain == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.state[domain]; ok && st.inFlight > 0 {
		st.inFlight--
	}
}

// Snapshot lists every domain seen since startup, sorted by name.
func (t *CooldownTracker) Snapshot() []DomainStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]DomainStatus, 0, len(t.state))
	for d, st := range t.state {
		p := t.policy(d)
		ds := DomainStatus{
			Domain:       d,
			InFlight:     st.inFlight,
			MaxInFlight:  p.MaxInFlight,
			LastDispatch: st.lastDispatch,
		}
		if p.Cooldown > 0 && !st.lastDispatch.IsZero() {
			ds.NextAllowed = st.lastDispatch.Add(p.Cooldown)
		}
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// DomainOf returns the registrable part of a URL or bare host: lower-cased, without
// port, www./m. prefixes, keeping the last two labels. Returns "" when nothing
// host-like can be found.
func DomainOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" || !strings.Contains(host, ".") {
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}
	for _, prefix := range []string{"www.", "m."} {
		host = strings.TrimPrefix(host, prefix)
	}
	labels := strings.Split(host, ".")
	if len(labels) > 2 {
		labels = labels[len(labels)-2:]
	}
	return strings.Join(labels, ".")
}
