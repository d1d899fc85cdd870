package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(tasksTotal.WithLabelValues("generateOutputPdf", "finished"))
	ObserveTask("generateOutputPdf", "finished", 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(tasksTotal.WithLabelValues("generateOutputPdf", "finished")))

	pages := testutil.ToFloat64(outputPages)
	AddOutputPages(3)
	AddOutputPages(0)
	AddOutputPages(-1)
	assert.Equal(t, pages+3, testutil.ToFloat64(outputPages))

	SetQueueDepth("dlq", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(queueDepth.WithLabelValues("dlq")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pagesorter_output_pages_total")
}
