package cache

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memcore/internal/config"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(t *testing.T, cfg config.CacheConfig) (*Cache[[]string], *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)}
	return New[[]string](cfg, func(v []string) int64 { return int64(16 * len(v)) }, WithClock(clk.now)), clk
}

// unit returns a vector at the given cosine similarity to e0 in an
// 11-dimensional space, leaning toward axis i.
func unit(sim float64, i int) []float64 {
	v := make([]float64, 11)
	v[0] = sim
	v[i] = math.Sqrt(1 - sim*sim)
	return v
}

func TestFingerprintNormalizes(t *testing.T) {
	assert.Equal(t, "docker connection refused", Fingerprint("  Docker, CONNECTION refused!"))
	assert.Equal(t, Fingerprint("docker connection refused"), Fingerprint("docker  connection refused?"))
}

func TestParaphraseHitRate(t *testing.T) {
	c, _ := newTestCache(t, config.Default().Cache)
	filters := "k=|p=|t=|f=|u="

	base := unit(1, 1)
	_, ok := c.Get(Fingerprint("docker connection refused"), filters, base)
	require.False(t, ok)
	c.Put(Fingerprint("docker connection refused"), filters, base, []string{"r1", "r2"})

	paraphrases := []struct {
		query string
		sim   float64
	}{
		{"docker connection refused", 1},
		{"docker refused connection", 0.97},
		{"connection refused by docker", 0.95},
		{"docker daemon connection refused", 0.93},
		{"cannot connect to docker: connection refused", 0.91},
		{"docker socket connection refused", 0.9},
		{"refused connection from docker", 0.96},
		{"docker: connection refused error", 0.94},
		{"docker connect refused", 0.89},
	}
	hits := 0
	for i, p := range paraphrases {
		got, ok := c.Get(Fingerprint(p.query), filters, unit(p.sim, i+1))
		if ok {
			hits++
			assert.Equal(t, []string{"r1", "r2"}, got)
		}
	}
	assert.GreaterOrEqual(t, hits, 8)

	s := c.Stats()
	assert.Equal(t, 1, s.TotalEntries)
	assert.Equal(t, uint64(hits), s.Hits)
	assert.Equal(t, uint64(10-hits), s.Misses)
	assert.InDelta(t, float64(hits)/10, s.HitRate, 1e-9)
	assert.Greater(t, s.MemoryUsage, int64(0))
}

func TestBelowThresholdMisses(t *testing.T) {
	c, _ := newTestCache(t, config.Default().Cache)
	c.Put("a", "f", unit(1, 1), []string{"x"})
	_, ok := c.Get("b", "f", unit(0.8, 2))
	assert.False(t, ok)
}

func TestFilterKeyMustMatch(t *testing.T) {
	c, _ := newTestCache(t, config.Default().Cache)
	c.Put("docker", "project=a", unit(1, 1), []string{"x"})
	_, ok := c.Get("docker", "project=b", unit(1, 1))
	assert.False(t, ok)
	_, ok = c.Get("docker", "project=a", nil)
	assert.True(t, ok, "exact fingerprint hits without an embedding")
}

func TestTTLExpiry(t *testing.T) {
	c, clk := newTestCache(t, config.Default().Cache)
	c.Put("q", "f", unit(1, 1), []string{"x"})

	clk.t = clk.t.Add(23 * time.Hour)
	_, ok := c.Get("q", "f", unit(1, 1))
	assert.True(t, ok)

	clk.t = clk.t.Add(2 * time.Hour)
	_, ok = c.Get("q", "f", unit(1, 1))
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestSweepAndClear(t *testing.T) {
	c, clk := newTestCache(t, config.Default().Cache)
	c.Put("old", "f", unit(1, 1), nil)
	clk.t = clk.t.Add(12 * time.Hour)
	c.Put("new", "f", unit(1, 2), nil)

	clk.t = clk.t.Add(13 * time.Hour)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Stats().TotalEntries)

	assert.Equal(t, 1, c.Clear())
	assert.Equal(t, 0, c.Stats().TotalEntries)
	assert.Equal(t, int64(0), c.Stats().MemoryUsage)
}

func TestLRUEviction(t *testing.T) {
	cfg := config.Default().Cache
	cfg.MaxEntries = 2
	c, _ := newTestCache(t, cfg)

	c.Put("a", "f", unit(1, 1), nil)
	c.Put("b", "f", unit(0, 2), nil)
	_, ok := c.Get("a", "f", nil) // a becomes most recent
	require.True(t, ok)
	c.Put("c", "f", unit(0, 3), nil)

	_, ok = c.Get("b", "f", nil)
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a", "f", nil)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestPutReplacesSameKey(t *testing.T) {
	c, _ := newTestCache(t, config.Default().Cache)
	c.Put("q", "f", unit(1, 1), []string{"old"})
	c.Put("q", "f", unit(1, 1), []string{"new"})
	got, ok := c.Get("q", "f", nil)
	require.True(t, ok)
	assert.Equal(t, []string{"new"}, got)
	assert.Equal(t, 1, c.Stats().TotalEntries)
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestDisabledAndReload(t *testing.T) {
	cfg := config.Default().Cache
	c, _ := newTestCache(t, cfg)
	c.Put("q", "f", nil, []string{"x"})

	cfg.Enabled = false
	c.Reload(cfg)
	_, ok := c.Get("q", "f", nil)
	assert.False(t, ok)
	c.Put("q", "f", nil, []string{"x"})
	assert.Equal(t, 0, c.Stats().TotalEntries)

	cfg.Enabled = true
	cfg.SimilarityThreshold = 0.5
	c.Reload(cfg)
	c.Put("a", "f", unit(1, 1), []string{"x"})
	_, ok = c.Get("b", "f", unit(0.6, 2))
	assert.True(t, ok)
}
