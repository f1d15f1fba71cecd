package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Record is a fully enriched and classified honeypot event as persisted by
// the store and returned by the query API.
type Record struct {
	ID                  int64    `json:"id"`
	Timestamp           string   `json:"timestamp"`
	SourceIP            string   `json:"source_ip"`
	GeoCountry          string   `json:"geo_country"`
	GeoCity             string   `json:"geo_city"`
	GeoRegion           string   `json:"geo_region"`
	GeoLatitude         *float64 `json:"geo_latitude"`
	GeoLongitude        *float64 `json:"geo_longitude"`
	GeoTimezone         string   `json:"geo_timezone"`
	GeoISP              string   `json:"geo_isp"`
	GeoOrg              string   `json:"geo_org"`
	Protocol            string   `json:"protocol"`
	TargetService       string   `json:"target_service"`
	Action              string   `json:"action"`
	TargetFile          *string  `json:"target_file"`
	Payload             string   `json:"payload"`
	Headers             string   `json:"headers"`
	SessionID           string   `json:"session_id"`
	UserAgent           string   `json:"user_agent"`
	LogHash             string   `json:"log_hash"`
	MLScore             float64  `json:"ml_score"`
	MLRiskLevel         string   `json:"ml_risk_level"`
	IsAnomaly           int      `json:"is_anomaly"`
	PredictedAttackType string   `json:"predicted_attack_type"`
	DarknetTrafficType  string   `json:"darknet_traffic_type"`

	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary serializes the record for storage
func (r *Record) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary deserializes the record from storage
func (r *Record) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// DecodedPayload re-parses the stored payload JSON into structured form.
// Malformed stored text degrades to an empty object rather than failing the
// read path.
func (r *Record) DecodedPayload() any {
	if r.Payload == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(r.Payload), &v); err != nil {
		return map[string]any{}
	}
	return v
}

// DecodedHeaders re-parses the stored headers JSON, degrading to an empty
// object on malformed text.
func (r *Record) DecodedHeaders() map[string]any {
	out := map[string]any{}
	if r.Headers == "" {
		return out
	}
	if err := json.Unmarshal([]byte(r.Headers), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// NewRecord assembles a Record from a validated document and its geographic
// attribution. Classification fields are filled in by the caller after
// scoring; LogHash is computed over the assembled fields.
func NewRecord(doc *Document, geo Geo) (*Record, error) {
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return nil, err
	}
	headers, err := json.Marshal(doc.Headers)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Timestamp:     doc.Timestamp,
		SourceIP:      doc.SourceIP,
		GeoCountry:    geo.Country,
		GeoCity:       geo.City,
		GeoRegion:     geo.Region,
		GeoLatitude:   geo.Latitude,
		GeoLongitude:  geo.Longitude,
		GeoTimezone:   geo.Timezone,
		GeoISP:        geo.ISP,
		GeoOrg:        geo.Org,
		Protocol:      doc.Protocol,
		TargetService: doc.TargetService,
		Action:        doc.Action,
		TargetFile:    doc.TargetFile,
		Payload:       string(payload),
		Headers:       string(headers),
		SessionID:     doc.SessionID,
		UserAgent:     doc.UserAgent,
	}
	rec.LogHash = CanonicalHash(rec)
	return rec, nil
}

// Geo is the geographic attribution attached to an event during enrichment.
type Geo struct {
	Country   string
	City      string
	Region    string
	Latitude  *float64
	Longitude *float64
	Timezone  string
	ISP       string
	Org       string
}

// CanonicalHash computes the deduplication hash of a record: the SHA-256 of
// its identity fields serialized as JSON with lexicographically sorted keys
// and no insignificant whitespace. Classification outputs, the surrogate id
// and created_at are excluded so the hash is stable across re-scoring.
func CanonicalHash(r *Record) string {
	fields := map[string]any{
		"timestamp":      r.Timestamp,
		"source_ip":      r.SourceIP,
		"geo_country":    r.GeoCountry,
		"geo_city":       r.GeoCity,
		"geo_region":     r.GeoRegion,
		"geo_latitude":   r.GeoLatitude,
		"geo_longitude":  r.GeoLongitude,
		"geo_timezone":   r.GeoTimezone,
		"geo_isp":        r.GeoISP,
		"geo_org":        r.GeoOrg,
		"protocol":       r.Protocol,
		"target_service": r.TargetService,
		"action":         r.Action,
		"target_file":    r.TargetFile,
		"payload":        r.DecodedPayload(),
		"headers":        r.DecodedHeaders(),
		"session_id":     r.SessionID,
		"user_agent":     r.UserAgent,
	}

	// encoding/json writes map keys in sorted order with compact output,
	// which is exactly the canonical form the hash is defined over.
	data, err := json.Marshal(fields)
	if err != nil {
		// Only reachable with non-serializable values, which the field set
		// above cannot contain.
		data = []byte{}
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
