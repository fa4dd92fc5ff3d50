package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/chunkq/internal/domain"
)

func TestRecorder(t *testing.T) {
	r := New()

	r.ObserveChunk("b", domain.Success(2, 3), time.Second)
	r.ObserveChunk("b", domain.Outcome{Kind: domain.OutcomeRetryable, Counts: []int{4}}, time.Second)
	r.Bisected("b")
	r.Failed("b")
	r.Enqueued("b", 3)
	r.Run("b", "success")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.chunks.WithLabelValues("b", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.chunks.WithLabelValues("b", "retryable")))
	assert.Equal(t, 9.0, testutil.ToFloat64(r.records.WithLabelValues("b")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.enqueued.WithLabelValues("b")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "chunkq_bisections_total")
}
