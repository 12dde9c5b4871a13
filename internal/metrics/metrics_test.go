package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Advance("advanced", "qa", time.Millisecond)
	m.Transition("accept")
	m.Escalation("replan")
	m.ContractViolation("memory.retrieve_cap")
	m.MemoryCall("retrieve")
	m.Promotion(2)
	m.PatternFlag()
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Advance("blocked", "qa", 10*time.Millisecond)
	m.Advance("blocked", "qa", 10*time.Millisecond)
	m.Promotion(3)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `rolegate_advance_results_total{result="blocked"} 2`), body)
	assert.True(t, strings.Contains(body, "rolegate_memory_promotions_total 3"), body)
}
