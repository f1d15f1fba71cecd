package ml

import (
	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/event"
)

// Ensemble weights. The supervised classifier is the most accurate model so
// it dominates; the isolation forest catches unknown attacks; the
// traffic-type classifier contributes evasion context.
const (
	rfWeight      = 0.60
	ifWeight      = 0.25
	darknetWeight = 0.15
)

// AttackDetail reports the supervised classifier's contribution.
type AttackDetail struct {
	IsAttack      bool    `json:"is_attack"`
	Probability   float64 `json:"probability"`
	ModelAccuracy float64 `json:"model_accuracy"`
}

// AnomalyDetail reports the isolation forest's contribution.
type AnomalyDetail struct {
	IsAnomaly     bool    `json:"is_anomaly"`
	AnomalyScore  float64 `json:"anomaly_score"`
	ModelAccuracy float64 `json:"model_accuracy"`
}

// TrafficDetail reports the traffic-type classifier's contribution.
type TrafficDetail struct {
	TrafficType     string             `json:"traffic_type"`
	Confidence      float64            `json:"confidence"`
	PredictionClass int                `json:"prediction_class"`
	Probabilities   map[string]float64 `json:"probabilities"`
	IsSuspicious    bool               `json:"is_suspicious"`
	SuspicionScore  float64            `json:"suspicion_score"`
}

// Prediction is the classification outcome attached to every stored event.
type Prediction struct {
	Score       float64 `json:"ml_score"`
	RiskLevel   string  `json:"ml_risk_level"`
	IsAnomaly   int     `json:"is_anomaly"`
	AttackType  string  `json:"predicted_attack_type"`
	TrafficType string  `json:"darknet_traffic_type"`

	Attack  *AttackDetail  `json:"rf_prediction,omitempty"`
	Anomaly *AnomalyDetail `json:"if_prediction,omitempty"`
	Traffic *TrafficDetail `json:"darknet_prediction,omitempty"`
}

// degradedPrediction is returned when scoring itself fails at runtime.
var degradedPrediction = Prediction{
	Score:       0.5,
	RiskLevel:   event.RiskMedium,
	IsAnomaly:   0,
	AttackType:  "Unknown",
	TrafficType: "Unknown",
}

// Predictor scores events with whatever models the bundle carries.
type Predictor struct {
	bundle *Bundle
	logger *zap.SugaredLogger
}

// NewPredictor loads the model bundle from modelsDir.
func NewPredictor(modelsDir string, logger *zap.SugaredLogger) *Predictor {
	return &Predictor{
		bundle: LoadBundle(modelsDir, logger),
		logger: logger,
	}
}

// Available reports whether at least one model loaded.
func (p *Predictor) Available() bool {
	return !p.bundle.Empty()
}

// Predict scores a single event. It never fails: with no models loaded it
// falls back to keyword heuristics, and a runtime fault inside inference
// degrades to a neutral medium-risk prediction.
func (p *Predictor) Predict(doc *event.Document) (pred Prediction) {
	defer func() {
		// Model artifacts are produced by an external training pipeline;
		// a malformed export must not take the ingest path down.
		if r := recover(); r != nil {
			p.logger.Errorf("Scoring failed: %v", r)
			pred = degradedPrediction
		}
	}()

	s := projectDocument(doc)

	if p.bundle.Empty() {
		return p.fallbackPredict(s)
	}

	rfAttack, rfProb, rfDetail := p.predictAttack(doc, s)
	ifAnomaly, ifScore, ifDetail := p.predictAnomaly(doc, s)
	trafficType, darknetScore, dkDetail := p.predictTraffic(doc, s)

	score := rfWeight*rfProb + ifWeight*ifScore + darknetWeight*darknetScore

	boost := maliciousBoost(doc, s)
	if boost > 0.3 && score < 0.5 {
		// Strong indicators with weak model agreement still mean an attack
		// against a decoy; rebase before applying the boost.
		score = 0.65 + boost
	}
	score = min(1.0, score+boost)
	if boost > 0.2 && score < 0.7 {
		score = 0.75
	}

	isAttack := rfAttack || ifAnomaly || darknetScore >= 0.7 || score >= 0.5

	pred = Prediction{
		Score:       score,
		RiskLevel:   riskLevel(score),
		IsAnomaly:   boolToInt(isAttack),
		AttackType:  attackType(s, rfAttack, ifAnomaly, score, trafficType),
		TrafficType: trafficType,
		Attack:      rfDetail,
		Anomaly:     ifDetail,
		Traffic:     dkDetail,
	}
	return pred
}

// fallbackPredict scores with keyword heuristics only.
func (p *Predictor) fallbackPredict(s docStrings) Prediction {
	if looksMalicious(s) {
		return Prediction{
			Score:       0.75,
			RiskLevel:   event.RiskHigh,
			IsAnomaly:   1,
			AttackType:  event.AttackUnknown,
			TrafficType: "Unknown",
		}
	}
	return Prediction{
		Score:       0.3,
		RiskLevel:   event.RiskLow,
		IsAnomaly:   0,
		AttackType:  event.AttackUnknown,
		TrafficType: "Unknown",
	}
}

func (p *Predictor) predictAttack(doc *event.Document, s docStrings) (bool, float64, *AttackDetail) {
	m := p.bundle.rf
	if m == nil {
		return false, 0, nil
	}

	x := buildFlowFeatures(doc, s, &m.encoders, m.columns)
	if m.scaler != nil {
		x = m.scaler.transform(x)
	}

	probs := m.forest.predictProba(x)
	if len(probs) < 2 {
		return false, 0, nil
	}
	isAttack := m.forest.predict(x) == 1
	detail := &AttackDetail{
		IsAttack:      isAttack,
		Probability:   probs[1],
		ModelAccuracy: m.info.Accuracy,
	}
	return isAttack, probs[1], detail
}

func (p *Predictor) predictAnomaly(doc *event.Document, s docStrings) (bool, float64, *AnomalyDetail) {
	m := p.bundle.iso
	if m == nil {
		return false, 0, nil
	}

	x := buildFlowFeatures(doc, s, &m.encoders, m.columns)
	if m.scaler != nil {
		x = m.scaler.transform(x)
	}

	decision := m.forest.decisionFunction(x)

	// Map the decision score onto 0..1 with higher meaning more anomalous.
	normalized := min(1.0, max(0.0, -decision+0.5))

	var isAnomaly bool
	if m.info.Threshold != nil {
		isAnomaly = decision < *m.info.Threshold
	} else {
		isAnomaly = decision < 0
	}

	detail := &AnomalyDetail{
		IsAnomaly:     isAnomaly,
		AnomalyScore:  normalized,
		ModelAccuracy: m.info.Accuracy,
	}
	return isAnomaly, normalized, detail
}

func (p *Predictor) predictTraffic(doc *event.Document, s docStrings) (string, float64, *TrafficDetail) {
	m := p.bundle.darknet
	if m == nil {
		return event.TrafficUnknown, 0, nil
	}

	x := buildDarknetFeatures(doc, s)
	probs := m.forest.predictProba(x)
	if len(probs) == 0 {
		return event.TrafficUnknown, 0, nil
	}

	class := m.forest.predict(x)
	trafficType := event.TrafficUnknown
	if class < len(m.labels) {
		trafficType = m.labels[class]
	}

	confidence := 0.0
	byLabel := make(map[string]float64, len(probs))
	for i, prob := range probs {
		if prob > confidence {
			confidence = prob
		}
		if i < len(m.labels) {
			byLabel[m.labels[i]] = prob
		}
	}

	// Tor and VPN traffic against a decoy suggests an evasion attempt.
	suspicious := trafficType == event.TrafficTor || trafficType == event.TrafficVPN
	suspicion := (1.0 - confidence) * 0.3
	if suspicious {
		suspicion = confidence
	}

	detail := &TrafficDetail{
		TrafficType:     trafficType,
		Confidence:      confidence,
		PredictionClass: class,
		Probabilities:   byLabel,
		IsSuspicious:    suspicious,
		SuspicionScore:  suspicion,
	}
	return trafficType, suspicion, detail
}

// boostFlowKeys are the producer-supplied flow fields whose presence marks
// traffic captured at the network layer.
var boostFlowKeys = []string{"sbytes", "spkts", "dur", "rate", "sload"}

// maliciousBoost accumulates score boosts from attack indicators in the
// event itself, independent of the models.
func maliciousBoost(doc *event.Document, s docStrings) float64 {
	boost := 0.0
	if containsAny(s.action, "git_push", "ci_credentials", "bruteforce", "malformed", "scan", "ci_job_run", "file_access") {
		boost += 0.40
	}
	if containsAny(s.targetFile, ".env", "secrets", "credentials", "config", ".yml", ".yaml") {
		boost += 0.30
	}
	if containsAny(s.payload, "backdoor", "malicious", "exploit", "shell", "wget", "curl", "reverse", "miner") {
		boost += 0.25
	}
	for _, key := range boostFlowKeys {
		if _, ok := doc.Flow[key]; ok {
			boost += 0.35
			break
		}
	}
	return boost
}

func riskLevel(score float64) string {
	switch {
	case score >= 0.6:
		return event.RiskHigh
	case score >= 0.4:
		return event.RiskMedium
	case score >= 0.2:
		return event.RiskLow
	default:
		return event.RiskMinimal
	}
}

// attackType labels the event from its indicators and the model votes,
// most specific first.
func attackType(s docStrings, rfAttack, ifAnomaly bool, score float64, trafficType string) string {
	if (trafficType == event.TrafficTor || trafficType == event.TrafficVPN) && score >= 0.5 {
		return event.AttackEvasion
	}

	switch {
	case containsAny(s.action, "git_push", "commit"):
		return event.AttackExploit
	case containsAny(s.action, "ci_credentials") || containsAny(s.targetFile, "credentials"):
		return event.AttackBackdoor
	case containsAny(s.targetFile, ".env", "secrets"):
		return event.AttackDataExfiltration
	case containsAny(s.action, "file_access") && containsAny(s.targetFile, ".yml", ".yaml", ".json"):
		return event.AttackReconnaissance
	case score >= 0.65:
		return event.AttackHighSeverity
	case rfAttack:
		return event.AttackKnown
	case ifAnomaly:
		return event.AttackUnknownAnomaly
	default:
		return event.AttackNormal
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
