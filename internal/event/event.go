package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Risk levels derived from the ensemble score.
const (
	RiskMinimal = "MINIMAL"
	RiskLow     = "LOW"
	RiskMedium  = "MEDIUM"
	RiskHigh    = "HIGH"
)

// Attack type labels assigned by the scoring ensemble.
const (
	AttackNormal           = "NORMAL"
	AttackReconnaissance   = "RECONNAISSANCE"
	AttackExploit          = "EXPLOIT"
	AttackBackdoor         = "BACKDOOR"
	AttackDataExfiltration = "DATA_EXFILTRATION"
	AttackEvasion          = "EVASION_ATTACK"
	AttackKnown            = "KNOWN_ATTACK"
	AttackUnknownAnomaly   = "UNKNOWN_ANOMALY"
	AttackHighSeverity     = "HIGH_SEVERITY_ATTACK"
	AttackUnknown          = "UNKNOWN"
)

// Darknet traffic type labels produced by the traffic-type classifier.
const (
	TrafficNonTor  = "Non-Tor"
	TrafficNonVPN  = "NonVPN"
	TrafficTor     = "Tor"
	TrafficVPN     = "VPN"
	TrafficUnknown = "UNKNOWN"
)

// flowFeatureKeys are the pre-computed network-flow fields a producer may
// attach to an event document. Their presence feeds the heuristic boost and
// overrides the synthetic feature defaults during scoring.
var flowFeatureKeys = []string{
	"dur", "sbytes", "dbytes", "spkts", "dpkts",
	"rate", "sttl", "dttl", "sload", "dload",
}

// Document is a normalized ingest document as submitted by a honeypot
// producer, before enrichment and classification.
type Document struct {
	Timestamp     string
	SourceIP      string
	Protocol      string
	TargetService string
	Action        string
	TargetFile    *string
	Payload       any
	Headers       map[string]string
	SessionID     string
	UserAgent     string

	// Flow holds any pre-computed network-flow features supplied by the
	// producer (attack simulators capture at the packet level).
	Flow map[string]float64
}

// ValidationError reports a caller-fixable problem with an ingest document.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("missing required field: %s", e.Field)
	}
	return e.Reason
}

// ParseDocument decodes a raw JSON ingest document into a Document.
// Unknown scalar types for string fields are rejected rather than coerced.
func ParseDocument(data []byte) (*Document, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Reason: "request body is not a JSON object"}
	}
	if raw == nil {
		return nil, &ValidationError{Reason: "no JSON data provided"}
	}

	doc := &Document{}
	var err error
	if doc.Timestamp, err = optionalString(raw, "timestamp"); err != nil {
		return nil, err
	}
	if doc.SourceIP, err = optionalString(raw, "source_ip"); err != nil {
		return nil, err
	}
	if doc.Protocol, err = optionalString(raw, "protocol"); err != nil {
		return nil, err
	}
	if doc.TargetService, err = optionalString(raw, "target_service"); err != nil {
		return nil, err
	}
	if doc.Action, err = optionalString(raw, "action"); err != nil {
		return nil, err
	}
	if doc.SessionID, err = optionalString(raw, "session_id"); err != nil {
		return nil, err
	}
	if doc.UserAgent, err = optionalString(raw, "user_agent"); err != nil {
		return nil, err
	}

	if v, ok := raw["target_file"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, &ValidationError{Reason: "target_file must be a string or null"}
		}
		doc.TargetFile = &s
	}

	if v, ok := raw["headers"]; ok && v != nil {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, &ValidationError{Reason: "headers must be an object"}
		}
		doc.Headers = make(map[string]string, len(obj))
		for k, hv := range obj {
			doc.Headers[k] = fmt.Sprintf("%v", hv)
		}
	}

	if v, ok := raw["payload"]; ok {
		doc.Payload = v
	}

	for _, key := range flowFeatureKeys {
		if v, ok := raw[key]; ok {
			if f, ok := toFloat(v); ok {
				if doc.Flow == nil {
					doc.Flow = make(map[string]float64)
				}
				doc.Flow[key] = f
			}
		}
	}

	return doc, nil
}

func optionalString(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Reason: fmt.Sprintf("%s must be a string", key)}
	}
	return s, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Validate checks the required ingest fields. The field set matches what the
// decoy producers are contractually required to send.
func (d *Document) Validate() error {
	switch {
	case d.SourceIP == "":
		return &ValidationError{Field: "source_ip"}
	case d.Action == "":
		return &ValidationError{Field: "action"}
	case d.TargetService == "":
		return &ValidationError{Field: "target_service"}
	case d.SessionID == "":
		return &ValidationError{Field: "session_id"}
	}
	return nil
}

// ApplyDefaults fills optional fields the producer omitted.
func (d *Document) ApplyDefaults(now time.Time) {
	if d.Timestamp == "" {
		d.Timestamp = now.UTC().Format(time.RFC3339)
	}
	if d.Protocol == "" {
		d.Protocol = "HTTP"
	}
	if d.UserAgent == "" {
		d.UserAgent = "Unknown"
	}
	if d.Headers == nil {
		d.Headers = map[string]string{}
	}
	if d.Payload == nil {
		d.Payload = map[string]any{}
	}
}

// HasFlowFeatures reports whether the producer attached pre-computed
// network-flow features.
func (d *Document) HasFlowFeatures() bool {
	return len(d.Flow) > 0
}
