package ml

import (
	"encoding/json"
	"strings"

	"github.com/hivetrap/sentinel/internal/event"
)

// labelEncoder maps category strings to the integer codes used at training
// time.
type labelEncoder struct {
	Classes []string `json:"classes"`
}

func (e *labelEncoder) transform(value string) (int, bool) {
	for i, c := range e.Classes {
		if c == value {
			return i, true
		}
	}
	return 0, false
}

// standardScaler applies the training-time standardization.
type standardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func (s *standardScaler) transform(x []float64) []float64 {
	if len(s.Mean) != len(x) || len(s.Scale) != len(x) {
		return x
	}
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out
}

// encoderSet bundles the categorical encoders for one flow model.
type encoderSet struct {
	Proto   *labelEncoder
	Service *labelEncoder
	State   *labelEncoder
}

// Static fallbacks for events whose category was never seen at training
// time.
var (
	protocolFallback = map[string]int{
		"HTTP": 0, "HTTPS": 0, "TCP": 0,
		"UDP":    1,
		"ICMP":   2,
		"FTP":    3,
		"SSH":    4,
		"TELNET": 5,
	}
	serviceFallback = map[string]int{
		"Fake Git Repository":            0,
		"Fake CI/CD Runner":              1,
		"Consolidated Honeypot Services": 2,
		"Unknown":                        3,
	}
	stateFallback = map[string]int{
		"ESTABLISHED": 0,
		"FIN":         1,
		"CON":         2,
		"REQ":         3,
		"RST":         4,
	}
)

func (e *encoderSet) encodeProtocol(protocol string) float64 {
	if e != nil && e.Proto != nil {
		if code, ok := e.Proto.transform(protocol); ok {
			return float64(code)
		}
	}
	return float64(protocolFallback[strings.ToUpper(protocol)])
}

func (e *encoderSet) encodeService(service string) float64 {
	if e != nil && e.Service != nil {
		if code, ok := e.Service.transform(service); ok {
			return float64(code)
		}
	}
	if code, ok := serviceFallback[service]; ok {
		return float64(code)
	}
	return float64(serviceFallback["Unknown"])
}

func (e *encoderSet) encodeState(state string) float64 {
	if e != nil && e.State != nil {
		if code, ok := e.State.transform(state); ok {
			return float64(code)
		}
	}
	return float64(stateFallback[strings.ToUpper(state)])
}

// docStrings caches the lowercased textual projections of a document that
// the featurizers and heuristics key on.
type docStrings struct {
	action     string
	targetFile string
	payload    string

	payloadLen int
	headersLen int
}

func projectDocument(doc *event.Document) docStrings {
	var s docStrings
	s.action = strings.ToLower(doc.Action)
	if doc.TargetFile != nil {
		s.targetFile = strings.ToLower(*doc.TargetFile)
	}

	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	s.payload = strings.ToLower(string(payload))
	s.payloadLen = len(payload)

	headers, err := json.Marshal(doc.Headers)
	if err != nil {
		headers = []byte("{}")
	}
	s.headersLen = len(headers)

	return s
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// looksMalicious is the keyword heuristic used both to shape synthetic flow
// features and as the scoring fallback when no models are available.
func looksMalicious(s docStrings) bool {
	return containsAny(s.action, "git_push", "ci_credentials", "bruteforce", "malformed", "scan") ||
		containsAny(s.targetFile, "credentials", ".env", "secrets") ||
		containsAny(s.payload, "backdoor", "malicious", "exploit", "shell", "wget", "curl")
}

// buildFlowFeatures maps a honeypot event to the network-flow feature space
// the flow models were trained on. Producer-supplied flow measurements take
// precedence; everything else is synthesized from the event, with the
// synthetic profile keyed on the keyword heuristic.
func buildFlowFeatures(doc *event.Document, s docStrings, enc *encoderSet, columns []string) []float64 {
	malicious := looksMalicious(s)

	features := map[string]float64{}
	pick := func(name string, synthetic float64) float64 {
		if v, ok := doc.Flow[name]; ok {
			return v
		}
		return synthetic
	}
	choose := func(yes, no float64) float64 {
		if malicious {
			return yes
		}
		return no
	}

	features["dur"] = pick("dur", choose(0.1, 1.0))
	features["proto"] = enc.encodeProtocol(doc.Protocol)
	features["service"] = enc.encodeService(doc.TargetService)
	features["state"] = enc.encodeState("ESTABLISHED")

	features["sbytes"] = pick("sbytes", float64(s.payloadLen)*choose(100, 10))
	features["dbytes"] = pick("dbytes", float64(s.headersLen)*choose(50, 5))
	features["spkts"] = pick("spkts", choose(100, 10))
	features["dpkts"] = pick("dpkts", choose(50, 5))

	byteRate := func(fallback float64, bytes float64) float64 {
		if features["dur"] > 0 {
			return bytes / features["dur"]
		}
		return fallback
	}
	features["rate"] = pick("rate", byteRate(choose(5000.0, 100.0), features["sbytes"]))
	features["sttl"] = pick("sttl", choose(32, 64))
	features["dttl"] = pick("dttl", choose(32, 64))
	features["sload"] = pick("sload", byteRate(choose(5000.0, 100.0), features["sbytes"]))
	features["dload"] = pick("dload", byteRate(choose(4000.0, 80.0), features["dbytes"]))

	features["sloss"] = 0
	features["dloss"] = 0
	features["sinpkt"] = features["dur"] / features["spkts"]
	features["dinpkt"] = features["dur"] / features["dpkts"]
	features["sjit"] = 0.001
	features["djit"] = 0.001
	features["swin"] = 65535
	features["dwin"] = 65535
	features["stcpb"] = 0
	features["dtcpb"] = 0
	features["tcprtt"] = 0.01
	features["synack"] = 0.01
	features["ackdat"] = 0.01
	features["smean"] = features["sbytes"] / features["spkts"]
	features["dmean"] = features["dbytes"] / features["dpkts"]
	features["trans_depth"] = 1
	features["response_body_len"] = features["dbytes"]
	features["ct_srv_src"] = 1
	features["ct_state_ttl"] = 1
	features["ct_dst_ltm"] = 1
	features["ct_src_dport_ltm"] = 1
	features["ct_dst_sport_ltm"] = 1
	features["ct_dst_src_ltm"] = 1
	features["is_ftp_login"] = 0
	features["ct_ftp_cmd"] = 0
	features["ct_flw_http_mthd"] = 0
	features["ct_src_ltm"] = 1
	features["ct_srv_dst"] = 1
	features["is_sm_ips_ports"] = 0

	// Project onto the training column order; unknown columns get zero.
	vector := make([]float64, len(columns))
	for i, col := range columns {
		vector[i] = features[col]
	}
	return vector
}

// darknetFeatureCount is the fixed width of the traffic-type feature space.
const darknetFeatureCount = 79

// buildDarknetFeatures synthesizes the traffic-type classifier's feature
// vector from the event.
func buildDarknetFeatures(doc *event.Document, s docStrings) []float64 {
	x := make([]float64, darknetFeatureCount)

	userAgent := strings.ToLower(doc.UserAgent)
	protocol := strings.ToUpper(doc.Protocol)

	// Basic flow statistics.
	x[0] = 0.1
	x[1] = float64(s.payloadLen)
	x[2] = float64(s.headersLen)
	x[3] = 10
	x[4] = 5
	x[5] = float64(s.payloadLen) / 0.1
	x[6] = 64
	if strings.Contains(protocol, "HTTPS") {
		x[7] = 1
	}
	x[8] = float64(len(doc.UserAgent))
	if containsAny(userAgent, "tor", "vpn") {
		x[9] = 1
	}

	// Inter-arrival times.
	for i := 10; i < 30; i++ {
		x[i] = 0.01 + float64(i%10)*0.001
	}

	// Protocol and service indicators.
	if strings.Contains(protocol, "HTTP") {
		x[30] = 1
	}
	if strings.Contains(protocol, "HTTPS") {
		x[31] = 1
	}
	if strings.Contains(protocol, "TCP") {
		x[32] = 1
	}
	if strings.Contains(protocol, "UDP") {
		x[33] = 1
	}
	if strings.Contains(doc.TargetService, "Git") {
		x[34] = 1
	}
	if strings.Contains(doc.TargetService, "CI/CD") {
		x[35] = 1
	}
	x[36] = float64(len(doc.TargetService))
	if doc.Action == "file_access" {
		x[37] = 1
	}
	if strings.Contains(s.targetFile, ".env") {
		x[38] = 1
	}
	if strings.Contains(s.targetFile, "secrets") {
		x[39] = 1
	}

	// Connection state flags.
	for i := 40; i < 60; i++ {
		x[i] = float64(i % 2)
	}

	// Derived statistics.
	base := s.payloadLen + s.headersLen
	for i := 60; i < darknetFeatureCount; i++ {
		x[i] = float64(base%(i-59)) + 0.1
	}

	return x
}
