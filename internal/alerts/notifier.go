// Package alerts pushes webhook notifications for high-confidence attacks.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/event"
	"github.com/hivetrap/sentinel/internal/observability"
	"github.com/hivetrap/sentinel/internal/stream"
)

// DefaultMinScore is the score floor for notifications when none is
// configured.
const DefaultMinScore = 0.7

const webhookTimeout = 5 * time.Second

// Config configures the notifier.
type Config struct {
	// WebhookURL receives alert POSTs. Empty disables the notifier.
	WebhookURL string
	// MinScore is the minimum score of an anomalous event to alert on.
	MinScore float64
	// Rule is an optional boolean expression evaluated against the event;
	// when set, it must also hold for an alert to fire.
	Rule string
	// Metrics, when non-nil, records delivery outcomes.
	Metrics *observability.MetricsManager
}

// RuleEnv is the evaluation environment for alert rule expressions.
type RuleEnv struct {
	SourceIP    string  `expr:"source_ip"`
	Action      string  `expr:"action"`
	Service     string  `expr:"service"`
	TargetFile  string  `expr:"target_file"`
	Country     string  `expr:"country"`
	Score       float64 `expr:"score"`
	RiskLevel   string  `expr:"risk_level"`
	IsAnomaly   bool    `expr:"is_anomaly"`
	AttackType  string  `expr:"attack_type"`
	TrafficType string  `expr:"traffic_type"`
}

// Alert is the webhook notification body.
type Alert struct {
	AlertID           string  `json:"alert_id"`
	Timestamp         string  `json:"timestamp"`
	AlertType         string  `json:"alert_type"`
	RiskLevel         string  `json:"risk_level"`
	AttackProbability float64 `json:"attack_probability"`
	AttackType        string  `json:"predicted_attack_type"`
	SourceIP          string  `json:"source_ip"`
	Country           string  `json:"country"`
	TargetService     string  `json:"target_service"`
	Action            string  `json:"action"`
	TargetFile        *string `json:"target_file"`
	EventID           int64   `json:"event_id"`
}

// Notifier watches the event stream and POSTs an alert for every anomalous
// event at or above the configured score.
type Notifier struct {
	webhookURL string
	minScore   float64
	rule       *vm.Program
	client     *http.Client
	metrics    *observability.MetricsManager
	logger     *zap.SugaredLogger
}

// NewNotifier creates a notifier. A non-empty rule is compiled up front so a
// bad expression fails at startup instead of per event.
func NewNotifier(cfg Config, logger *zap.SugaredLogger) (*Notifier, error) {
	n := &Notifier{
		webhookURL: cfg.WebhookURL,
		minScore:   cfg.MinScore,
		client:     &http.Client{Timeout: webhookTimeout},
		metrics:    cfg.Metrics,
		logger:     logger,
	}
	if n.minScore <= 0 {
		n.minScore = DefaultMinScore
	}

	if cfg.Rule != "" {
		program, err := expr.Compile(cfg.Rule, expr.Env(RuleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("failed to compile alert rule: %w", err)
		}
		n.rule = program
	}
	return n, nil
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n.webhookURL != ""
}

// Run consumes the broadcaster until ctx is canceled.
func (n *Notifier) Run(ctx context.Context, b *stream.Broadcaster) {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub:
			if !ok {
				return
			}
			n.Consider(ctx, rec)
		}
	}
}

// Consider evaluates one event and sends an alert when it qualifies.
func (n *Notifier) Consider(ctx context.Context, rec *event.Record) {
	if !n.Enabled() {
		return
	}
	if rec.IsAnomaly != 1 || rec.MLScore < n.minScore {
		return
	}
	if !n.ruleMatches(rec) {
		return
	}

	alert := &Alert{
		AlertID:           uuid.NewString(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		AlertType:         "ATTACK_DETECTED",
		RiskLevel:         rec.MLRiskLevel,
		AttackProbability: rec.MLScore,
		AttackType:        rec.PredictedAttackType,
		SourceIP:          rec.SourceIP,
		Country:           rec.GeoCountry,
		TargetService:     rec.TargetService,
		Action:            rec.Action,
		TargetFile:        rec.TargetFile,
		EventID:           rec.ID,
	}

	n.logger.Warnf("ATTACK ALERT: ip=%s score=%.4f risk=%s type=%s",
		alert.SourceIP, alert.AttackProbability, alert.RiskLevel, alert.AttackType)

	if err := n.send(ctx, alert); err != nil {
		n.logger.Errorf("Failed to deliver alert webhook: %v", err)
		if n.metrics != nil {
			n.metrics.RecordAlert("failed")
		}
		return
	}
	if n.metrics != nil {
		n.metrics.RecordAlert("success")
	}
}

func (n *Notifier) ruleMatches(rec *event.Record) bool {
	if n.rule == nil {
		return true
	}

	env := RuleEnv{
		SourceIP:    rec.SourceIP,
		Action:      rec.Action,
		Service:     rec.TargetService,
		Country:     rec.GeoCountry,
		Score:       rec.MLScore,
		RiskLevel:   rec.MLRiskLevel,
		IsAnomaly:   rec.IsAnomaly == 1,
		AttackType:  rec.PredictedAttackType,
		TrafficType: rec.DarknetTrafficType,
	}
	if rec.TargetFile != nil {
		env.TargetFile = *rec.TargetFile
	}

	out, err := expr.Run(n.rule, env)
	if err != nil {
		n.logger.Errorf("Alert rule evaluation failed: %v", err)
		return false
	}
	match, _ := out.(bool)
	return match
}

func (n *Notifier) send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	n.logger.Debugf("Alert delivered to webhook for event %d", alert.EventID)
	return nil
}
