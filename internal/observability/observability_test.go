package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memcore/internal/config"
)

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("memcore")
	b := NewCollector("memcore")

	a.CacheHits.Inc()
	a.CacheHits.Inc()
	b.CacheHits.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.CacheHits))
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector("memcore")
	c.Transitions.WithLabelValues("episodic", "semantic").Inc()

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), `memcore_lifecycle_transitions_total{from="episodic",to="semantic"} 1`)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestSpanHelpers(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test", "k", "v", "dangling")
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
}
