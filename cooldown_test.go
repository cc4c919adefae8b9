package staging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCooldownInFlightCap(t *testing.T) {
	tr := NewCooldownTracker(CooldownConfig{Default: DomainPolicy{MaxInFlight: 2}})

	assert.True(t, tr.MayDispatch("example.com"))
	tr.RecordDispatch("example.com")
	assert.True(t, tr.MayDispatch("example.com"))
	tr.RecordDispatch("example.com")
	assert.False(t, tr.MayDispatch("example.com"))
	assert.True(t, tr.MayDispatch("other.com"), "cap is per domain")

	tr.RecordRelease("example.com")
	assert.True(t, tr.MayDispatch("example.com"))
}

func TestCooldownWindow(t *testing.T) {
	clock := &fakeClock{t: testNow}
	tr := NewCooldownTracker(CooldownConfig{Default: DomainPolicy{Cooldown: 30 * time.Second}}).WithClock(clock.now)

	tr.RecordDispatch("example.com")
	tr.RecordRelease("example.com")
	clock.advance(10 * time.Second)
	assert.False(t, tr.MayDispatch("example.com"))
	clock.advance(20 * time.Second)
	assert.True(t, tr.MayDispatch("example.com"))

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, testNow.Add(30*time.Second), snap[0].NextAllowed)
}

func TestCooldownDomainOverride(t *testing.T) {
	tr := NewCooldownTracker(CooldownConfig{
		Default: DomainPolicy{MaxInFlight: 5},
		Domains: map[string]DomainPolicy{"www.Example.com": {MaxInFlight: 1}},
	})
	tr.RecordDispatch("example.com")
	assert.False(t, tr.MayDispatch("example.com"))

	tr.RecordDispatch("other.com")
	assert.True(t, tr.MayDispatch("other.com"))
}

func TestCooldownReleaseNeverNegative(t *testing.T) {
	tr := NewCooldownTracker(CooldownConfig{Default: DomainPolicy{MaxInFlight: 1}})
	tr.RecordRelease("example.com")
	tr.RecordDispatch("example.com")
	tr.RecordRelease("example.com")
	tr.RecordRelease("example.com")
	tr.RecordRelease("example.com")

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].InFlight)

	tr.RecordDispatch("example.com")
	assert.False(t, tr.MayDispatch("example.com"))
}

func TestCooldownEmptyDomainBypasses(t *testing.T) {
	tr := NewCooldownTracker(CooldownConfig{Default: DomainPolicy{MaxInFlight: 1}})
	for i := 0; i < 3; i++ {
		assert.True(t, tr.MayDispatch(""))
		tr.RecordDispatch("")
	}
	assert.Empty(t, tr.Snapshot())
}

func TestDomainOf(t *testing.T) {
	tests := map[string]string{
		"https://www.NYTimes.com/2025/03/10/story.html": "nytimes.com",
		"http://m.facebook.com/post":                    "facebook.com",
		"https://news.example.org/a":                    "example.org",
		"example.com:8080/path":                         "example.com",
		"www.example.com":                               "example.com",
		"http://192.168.0.10/feed":                      "192.168.0.10",
		"localhost":                                     "",
		"":                                              "",
		"   ":                                           "",
	}
	for raw, want := range tests {
		assert.Equal(t, want, DomainOf(raw), raw)
	}
}

func TestRecordDomainFallsBackToSourceURL(t *testing.T) {
	rec := Record{SourceURL: "https://feeds.reuters.com/x"}
	assert.Equal(t, "reuters.com", rec.Domain())
	rec.PermalinkURL = "https://www.wsj.com/articles/y"
	assert.Equal(t, "wsj.com", rec.Domain())
}
