package httpapi

import (
	"time"

	"github.com/hivetrap/sentinel/internal/event"
	"github.com/hivetrap/sentinel/internal/storage"
)

// logView is the full record shape returned by the log retrieval and
// investigation endpoints, with headers and payload re-parsed into
// structured form.
type logView struct {
	ID                  int64          `json:"id"`
	Timestamp           string         `json:"timestamp"`
	SourceIP            string         `json:"source_ip"`
	GeoCountry          string         `json:"geo_country"`
	GeoCity             string         `json:"geo_city"`
	GeoRegion           string         `json:"geo_region"`
	GeoLatitude         *float64       `json:"geo_latitude"`
	GeoLongitude        *float64       `json:"geo_longitude"`
	GeoTimezone         string         `json:"geo_timezone"`
	GeoISP              string         `json:"geo_isp"`
	GeoOrg              string         `json:"geo_org"`
	Protocol            string         `json:"protocol"`
	TargetService       string         `json:"target_service"`
	Action              string         `json:"action"`
	TargetFile          *string        `json:"target_file"`
	Headers             map[string]any `json:"headers"`
	Payload             any            `json:"payload"`
	SessionID           string         `json:"session_id"`
	UserAgent           string         `json:"user_agent"`
	LogHash             string         `json:"log_hash"`
	MLScore             float64        `json:"ml_score"`
	MLRiskLevel         string         `json:"ml_risk_level"`
	IsAnomaly           int            `json:"is_anomaly"`
	PredictedAttackType string         `json:"predicted_attack_type"`
	DarknetTrafficType  string         `json:"darknet_traffic_type"`
	CreatedAt           string         `json:"created_at"`
}

func newLogView(rec *event.Record) *logView {
	return &logView{
		ID:                  rec.ID,
		Timestamp:           rec.Timestamp,
		SourceIP:            rec.SourceIP,
		GeoCountry:          rec.GeoCountry,
		GeoCity:             rec.GeoCity,
		GeoRegion:           rec.GeoRegion,
		GeoLatitude:         rec.GeoLatitude,
		GeoLongitude:        rec.GeoLongitude,
		GeoTimezone:         rec.GeoTimezone,
		GeoISP:              rec.GeoISP,
		GeoOrg:              rec.GeoOrg,
		Protocol:            rec.Protocol,
		TargetService:       rec.TargetService,
		Action:              rec.Action,
		TargetFile:          rec.TargetFile,
		Headers:             rec.DecodedHeaders(),
		Payload:             rec.DecodedPayload(),
		SessionID:           rec.SessionID,
		UserAgent:           rec.UserAgent,
		LogHash:             rec.LogHash,
		MLScore:             rec.MLScore,
		MLRiskLevel:         rec.MLRiskLevel,
		IsAnomaly:           rec.IsAnomaly,
		PredictedAttackType: rec.PredictedAttackType,
		DarknetTrafficType:  rec.DarknetTrafficType,
		CreatedAt:           rec.CreatedAt.Format(time.RFC3339),
	}
}

func newLogViews(records []*event.Record) []*logView {
	views := make([]*logView, 0, len(records))
	for _, rec := range records {
		views = append(views, newLogView(rec))
	}
	return views
}

// liveEventView is the compact shape consumed by the live events page.
type liveEventView struct {
	ID                  int64          `json:"id"`
	Time                string         `json:"time"`
	IP                  string         `json:"ip"`
	Country             string         `json:"country"`
	City                string         `json:"city"`
	Region              string         `json:"region"`
	Latitude            *float64       `json:"latitude"`
	Longitude           *float64       `json:"longitude"`
	ISP                 string         `json:"isp"`
	Org                 string         `json:"org"`
	Protocol            string         `json:"protocol"`
	Service             string         `json:"service"`
	Action              string         `json:"action"`
	TargetFile          *string        `json:"target_file"`
	MLScore             float64        `json:"ml_score"`
	RiskLevel           string         `json:"risk_level"`
	IsAnomaly           bool           `json:"is_anomaly"`
	UserAgent           string         `json:"user_agent"`
	PredictedAttackType string         `json:"predicted_attack_type"`
	DarknetTrafficType  string         `json:"darknet_traffic_type"`
	Headers             map[string]any `json:"headers"`
	Payload             any            `json:"payload"`
}

func newLiveEventView(rec *event.Record) *liveEventView {
	return &liveEventView{
		ID:                  rec.ID,
		Time:                rec.Timestamp,
		IP:                  rec.SourceIP,
		Country:             orUnknown(rec.GeoCountry),
		City:                orUnknown(rec.GeoCity),
		Region:              orUnknown(rec.GeoRegion),
		Latitude:            rec.GeoLatitude,
		Longitude:           rec.GeoLongitude,
		ISP:                 orUnknown(rec.GeoISP),
		Org:                 orUnknown(rec.GeoOrg),
		Protocol:            orDefault(rec.Protocol, "HTTP"),
		Service:             orUnknown(rec.TargetService),
		Action:              orDefault(rec.Action, "unknown"),
		TargetFile:          rec.TargetFile,
		MLScore:             round4(rec.MLScore),
		RiskLevel:           orDefault(rec.MLRiskLevel, event.RiskMinimal),
		IsAnomaly:           rec.IsAnomaly == 1,
		UserAgent:           orUnknown(rec.UserAgent),
		PredictedAttackType: orDefault(rec.PredictedAttackType, event.AttackUnknown),
		DarknetTrafficType:  rec.DarknetTrafficType,
		Headers:             rec.DecodedHeaders(),
		Payload:             rec.DecodedPayload(),
	}
}

// alertView is the shape consumed by the alerts page.
type alertView struct {
	ID                  int64          `json:"id"`
	Timestamp           string         `json:"timestamp"`
	SourceIP            string         `json:"source_ip"`
	Country             string         `json:"country"`
	City                string         `json:"city"`
	Region              string         `json:"region"`
	Latitude            *float64       `json:"latitude"`
	Longitude           *float64       `json:"longitude"`
	ISP                 string         `json:"isp"`
	Org                 string         `json:"org"`
	Timezone            string         `json:"timezone"`
	Action              string         `json:"action"`
	Service             string         `json:"service"`
	Score               float64        `json:"score"`
	RiskLevel           string         `json:"risk_level"`
	TargetFile          *string        `json:"target_file"`
	IsAnomaly           bool           `json:"is_anomaly"`
	UserAgent           string         `json:"user_agent"`
	Protocol            string         `json:"protocol"`
	PredictedAttackType string         `json:"predicted_attack_type"`
	DarknetTrafficType  string         `json:"darknet_traffic_type"`
	SessionID           string         `json:"session_id"`
	Headers             map[string]any `json:"headers"`
	Payload             any            `json:"payload"`
}

func newAlertView(rec *event.Record) *alertView {
	timestamp := rec.Timestamp
	if timestamp == "" {
		timestamp = rec.CreatedAt.Format(time.RFC3339)
	}
	return &alertView{
		ID:                  rec.ID,
		Timestamp:           timestamp,
		SourceIP:            rec.SourceIP,
		Country:             orUnknown(rec.GeoCountry),
		City:                orUnknown(rec.GeoCity),
		Region:              orUnknown(rec.GeoRegion),
		Latitude:            rec.GeoLatitude,
		Longitude:           rec.GeoLongitude,
		ISP:                 orUnknown(rec.GeoISP),
		Org:                 orUnknown(rec.GeoOrg),
		Timezone:            orUnknown(rec.GeoTimezone),
		Action:              orDefault(rec.Action, "unknown"),
		Service:             orUnknown(rec.TargetService),
		Score:               round4(rec.MLScore),
		RiskLevel:           orDefault(rec.MLRiskLevel, event.RiskHigh),
		TargetFile:          rec.TargetFile,
		IsAnomaly:           rec.IsAnomaly == 1,
		UserAgent:           orUnknown(rec.UserAgent),
		Protocol:            orDefault(rec.Protocol, "HTTP"),
		PredictedAttackType: orDefault(rec.PredictedAttackType, event.AttackUnknown),
		DarknetTrafficType:  rec.DarknetTrafficType,
		SessionID:           rec.SessionID,
		Headers:             rec.DecodedHeaders(),
		Payload:             rec.DecodedPayload(),
	}
}

// streamFrame is one SSE data frame on the live event stream.
type streamFrame struct {
	ID        int64   `json:"id"`
	Timestamp string  `json:"timestamp"`
	SourceIP  string  `json:"source_ip"`
	Country   string  `json:"country"`
	Action    string  `json:"action"`
	Service   string  `json:"service"`
	MLScore   float64 `json:"ml_score"`
	RiskLevel string  `json:"risk_level"`
	IsAnomaly bool    `json:"is_anomaly"`
}

func newStreamFrame(rec *event.Record) *streamFrame {
	return &streamFrame{
		ID:        rec.ID,
		Timestamp: rec.Timestamp,
		SourceIP:  rec.SourceIP,
		Country:   orUnknown(rec.GeoCountry),
		Action:    rec.Action,
		Service:   rec.TargetService,
		MLScore:   rec.MLScore,
		RiskLevel: orDefault(rec.MLRiskLevel, "UNKNOWN"),
		IsAnomaly: rec.IsAnomaly == 1,
	}
}

// investigationView wraps the storage drill-down with rendered log views.
type investigationView struct {
	IP         string                     `json:"ip"`
	Stats      storage.InvestigationStats `json:"stats"`
	GeoInfo    storage.InvestigationGeo   `json:"geo_info"`
	Logs       []*logView                 `json:"logs"`
	ScoreTrend []storage.TrendPoint       `json:"score_trend"`
}

func orUnknown(s string) string {
	return orDefault(s, "Unknown")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}
