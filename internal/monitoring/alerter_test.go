package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/config"
	"github.com/sells-group/leadpipe/internal/enrich"
	"github.com/sells-group/leadpipe/internal/extraction"
)

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{QueueDepthAlert: 100, AuditFailuresAlert: 2})

	alerts := a.Evaluate(&Snapshot{
		QueueDepth:    map[string]int{"b": 150, "a": 500, "c": 3},
		AuditFailures: 5,
		Watchdog:      &CheckResult{Failed: 1, Partial: 1, Requeued: 3},
	})
	require.Len(t, alerts, 4)
	assert.Equal(t, AlertStuckRuns, alerts[0].Type)
	assert.Equal(t, AlertQueueBacklog, alerts[1].Type)
	assert.Equal(t, "a", alerts[1].Details["queue"])
	assert.Equal(t, "b", alerts[2].Details["queue"])
	assert.Equal(t, AlertAuditFailures, alerts[3].Type)

	// Same cumulative count again: no new failures.
	alerts = a.Evaluate(&Snapshot{AuditFailures: 5})
	assert.Empty(t, alerts)

	alerts = a.Evaluate(&Snapshot{AuditFailures: 6})
	assert.Empty(t, alerts, "one new failure is under the threshold")
}

func TestAlerter_NothingToReport(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{QueueDepthAlert: 100, AuditFailuresAlert: 1})
	assert.Empty(t, a.Evaluate(&Snapshot{QueueDepth: map[string]int{"q": 10}, Watchdog: &CheckResult{Requeued: 2}}))
}

func TestAlerter_SendAlerts(t *testing.T) {
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if a.Type == AlertQueueBacklog {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		got.Add(1)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertStuckRuns}, {Type: AlertQueueBacklog}})
	assert.Equal(t, 1, sent)
	assert.EqualValues(t, 1, got.Load())
}

func TestAlerter_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertStuckRuns}}))
}

func TestHealth_Run(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.Enqueue(ctx, enrich.QueueEnrichment, map[string]string{"staging_id": "s"}, 0)
	require.NoError(t, err)

	var hooks atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hooks.Add(1) }))
	defer srv.Close()

	al := audit.NewLogger(&memWriter{})
	runs := &fakeRuns{}
	h := &Health{
		Watchdog:  NewWatchdog(runs, &fakeResetter{}, q, al, 0),
		Collector: NewCollector(q, al, extraction.QueueRuns, enrich.QueueEnrichment),
		Alerter:   NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL, QueueDepthAlert: 1}),
	}
	snap, err := h.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{extraction.QueueRuns: 0, enrich.QueueEnrichment: 1}, snap.QueueDepth)
	assert.NotNil(t, snap.Watchdog)
	assert.EqualValues(t, 1, hooks.Load())
}
