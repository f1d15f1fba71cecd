package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/event"
	"github.com/hivetrap/sentinel/internal/observability"
)

func anomalyRecord(score float64) *event.Record {
	return &event.Record{
		ID:                  7,
		SourceIP:            "203.0.113.7",
		GeoCountry:          "Germany",
		TargetService:       "Fake Git Repository",
		Action:              "git_push",
		MLScore:             score,
		MLRiskLevel:         event.RiskHigh,
		IsAnomaly:           1,
		PredictedAttackType: event.AttackExploit,
		DarknetTrafficType:  event.TrafficTor,
	}
}

func TestConsiderSendsWebhook(t *testing.T) {
	var received atomic.Int32
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	}))
	defer srv.Close()

	n, err := NewNotifier(Config{WebhookURL: srv.URL}, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.True(t, n.Enabled())

	n.Consider(context.Background(), anomalyRecord(0.9))

	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, "ATTACK_DETECTED", got.AlertType)
	assert.Equal(t, "203.0.113.7", got.SourceIP)
	assert.Equal(t, event.AttackExploit, got.AttackType)
	assert.Equal(t, int64(7), got.EventID)
	assert.NotEmpty(t, got.AlertID)
	assert.NotEmpty(t, got.Timestamp)
}

func TestConsiderSkipsBelowThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("webhook must not fire below the score threshold")
	}))
	defer srv.Close()

	n, err := NewNotifier(Config{WebhookURL: srv.URL, MinScore: 0.8}, zap.NewNop().Sugar())
	require.NoError(t, err)

	n.Consider(context.Background(), anomalyRecord(0.75))
}

func TestConsiderSkipsNonAnomalies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("webhook must not fire for non-anomalous events")
	}))
	defer srv.Close()

	n, err := NewNotifier(Config{WebhookURL: srv.URL}, zap.NewNop().Sugar())
	require.NoError(t, err)

	rec := anomalyRecord(0.95)
	rec.IsAnomaly = 0
	n.Consider(context.Background(), rec)
}

func TestConsiderRecordsDeliveryMetrics(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer okSrv.Close()
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	mm := observability.NewMetricsManager(zap.NewNop().Sugar())

	n, err := NewNotifier(Config{WebhookURL: okSrv.URL, Metrics: mm}, zap.NewNop().Sugar())
	require.NoError(t, err)
	n.Consider(context.Background(), anomalyRecord(0.9))

	n, err = NewNotifier(Config{WebhookURL: failSrv.URL, Metrics: mm}, zap.NewNop().Sugar())
	require.NoError(t, err)
	n.Consider(context.Background(), anomalyRecord(0.9))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	mm.Handler().ServeHTTP(rr, req)

	scrape := rr.Body.String()
	assert.Contains(t, scrape, `sentinel_alerts_sent_total{status="success"} 1`)
	assert.Contains(t, scrape, `sentinel_alerts_sent_total{status="failed"} 1`)
}

func TestDefaultMinScoreApplied(t *testing.T) {
	n, err := NewNotifier(Config{WebhookURL: "http://example.invalid"}, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, DefaultMinScore, n.minScore)
}

func TestRuleFiltersAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()

	n, err := NewNotifier(Config{
		WebhookURL: srv.URL,
		Rule:       `country == "Germany" && score >= 0.8`,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)

	n.Consider(context.Background(), anomalyRecord(0.9))
	assert.Equal(t, int32(1), received.Load())

	other := anomalyRecord(0.9)
	other.GeoCountry = "France"
	n.Consider(context.Background(), other)
	assert.Equal(t, int32(1), received.Load(), "rule must filter out non-matching events")
}

func TestRuleCompileErrorFailsConstruction(t *testing.T) {
	_, err := NewNotifier(Config{
		WebhookURL: "http://example.invalid",
		Rule:       `country ==`,
	}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestNotifierDisabledWithoutWebhook(t *testing.T) {
	n, err := NewNotifier(Config{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.False(t, n.Enabled())

	// Consider is a no-op when disabled
	n.Consider(context.Background(), anomalyRecord(0.99))
}
