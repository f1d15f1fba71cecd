package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hivetrap/sentinel/internal/event"
	"github.com/hivetrap/sentinel/internal/storage"
)

const (
	defaultLogsLimit       = 100
	maxLogsLimit           = 1000
	defaultLiveEventsLimit = 100
	defaultAlertsLimit     = 10000
	defaultAlertThreshold  = 0.5
	minAlertThreshold      = 0.3
)

// handleIndex describes the service
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"status":  "running",
		"version": serviceVersion,
		"endpoints": map[string]string{
			"POST /log":                "Submit a honeypot event",
			"GET /logs":                "Retrieve stored events",
			"GET /stats":               "Aggregate statistics",
			"GET /health":              "Health check",
			"GET /api/live-events":     "Recent events for the dashboard",
			"GET /api/analytics":       "Attack analytics",
			"GET /api/map-data":        "Geographic attack map",
			"GET /api/ml-insights":     "Model scoring insights",
			"GET /api/alerts":          "High risk alerts",
			"GET /api/investigate/:ip": "Drill down on one source address",
			"GET /api/events-stream":   "Live event stream (SSE)",
		},
	})
}

// handleHealth reports service liveness and store connectivity
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.Count()
	if err != nil {
		s.logger.Errorw("Health check failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"service":    serviceName,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"database":   "connected",
		"total_logs": total,
		"version":    serviceVersion,
	})
}

// handleReady reports whether the store accepts reads
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Count(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleIngest accepts one honeypot event: validate, enrich, score, store,
// then publish to live subscribers.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "No JSON data provided")
		return
	}

	doc, err := event.ParseDocument(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "No JSON data provided")
		return
	}

	if err := doc.Validate(); err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Missing required field: %s", verr.Field))
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc.ApplyDefaults(time.Now())

	geo, geoOutcome := s.resolver.ResolveDetailed(r.Context(), doc.SourceIP)
	if s.metrics != nil {
		s.metrics.RecordGeoLookup(string(geoOutcome))
	}

	scoringStart := time.Now()
	pred := s.predictor.Predict(doc)
	if s.metrics != nil {
		s.metrics.RecordScoring(time.Since(scoringStart))
	}

	rec, err := event.NewRecord(doc, geo)
	if err != nil {
		s.logger.Errorw("Failed to assemble record", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to store log")
		return
	}
	rec.MLScore = pred.Score
	rec.MLRiskLevel = pred.RiskLevel
	rec.IsAnomaly = pred.IsAnomaly
	rec.PredictedAttackType = pred.AttackType
	rec.DarknetTrafficType = pred.TrafficType

	if _, err := s.store.Insert(rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			if s.metrics != nil {
				s.metrics.RecordDuplicate()
				s.metrics.RecordStorageOperation("insert", "duplicate")
			}
			s.writeJSON(w, http.StatusConflict, map[string]string{
				"status":  "duplicate",
				"message": "Log already exists",
			})
			return
		}
		if s.metrics != nil {
			s.metrics.RecordStorageOperation("insert", "error")
		}
		s.logger.Errorw("Failed to store event", "error", err, "source_ip", rec.SourceIP)
		s.writeError(w, http.StatusInternalServerError, "Failed to store log")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordEvent(rec.MLRiskLevel, rec.PredictedAttackType)
		s.metrics.RecordStorageOperation("insert", "success")
	}
	s.broadcaster.Publish(rec)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Log received and stored",
		"log_id":  rec.LogHash,
		"ml_prediction": map[string]any{
			"ml_score":              rec.MLScore,
			"ml_risk_level":         rec.MLRiskLevel,
			"is_anomaly":            rec.IsAnomaly == 1,
			"predicted_attack_type": rec.PredictedAttackType,
		},
	})
}

// handleLogs returns stored events, newest first
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultLogsLimit)
	if limit > maxLogsLimit {
		limit = maxLogsLimit
	}
	offset := queryInt(r, "offset", 0)

	filter := storage.QueryFilter{
		SourceIP:      r.URL.Query().Get("source_ip"),
		Action:        r.URL.Query().Get("action"),
		TargetService: r.URL.Query().Get("target_service"),
		Limit:         limit,
		Offset:        offset,
	}

	records, err := s.store.Query(filter)
	if err != nil {
		s.logger.Errorw("Failed to query logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve logs")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"logs":   newLogViews(records),
		"count":  len(records),
		"limit":  limit,
		"offset": offset,
	})
}

// handleStats returns the aggregate statistics snapshot
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(time.Now())
	if err != nil {
		s.logger.Errorw("Failed to compute statistics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve statistics")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"statistics": stats,
	})
}

// handleLiveEvents returns recent events for the dashboard. Failures degrade
// to an empty list so the page keeps rendering.
func (s *Server) handleLiveEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultLiveEventsLimit)
	sourceIP := r.URL.Query().Get("source_ip")

	var minScore *float64
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			minScore = &v
		}
	}

	records, err := s.store.LiveEvents(limit, sourceIP, minScore)
	if err != nil {
		s.logger.Errorw("Failed to load live events", "error", err)
		s.writeJSON(w, http.StatusOK, map[string]any{
			"events": []any{},
			"count":  0,
			"error":  err.Error(),
		})
		return
	}

	views := make([]*liveEventView, 0, len(records))
	for _, rec := range records {
		views = append(views, newLiveEventView(rec))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": views,
		"count":  len(views),
	})
}

// handleAnalytics returns the attack analytics snapshot
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := s.store.Analytics(time.Now())
	if err != nil {
		s.logger.Errorw("Failed to compute analytics", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, analytics)
}

// handleMapData returns grouped geographic points for the attack map
func (s *Server) handleMapData(w http.ResponseWriter, r *http.Request) {
	mapData, err := s.store.MapData()
	if err != nil {
		s.logger.Errorw("Failed to compute map data", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, mapData)
}

// handleMLInsights returns scoring insights plus the static model ensemble
// description. Failures degrade to an empty snapshot.
func (s *Server) handleMLInsights(w http.ResponseWriter, r *http.Request) {
	modelInfo := map[string]any{
		"random_forest": map[string]any{
			"accuracy": 0.9535,
			"weight":   0.60,
		},
		"isolation_forest": map[string]any{
			"accuracy": 0.6151,
			"weight":   0.25,
		},
		"darknet_classifier": map[string]any{
			"accuracy": 0.95,
			"weight":   0.15,
		},
	}

	insights, err := s.store.MLInsights(time.Now())
	if err != nil {
		s.logger.Errorw("Failed to compute ML insights", "error", err)
		s.writeJSON(w, http.StatusOK, map[string]any{
			"avg_anomaly_score":        0,
			"high_score_ips":           []any{},
			"anomaly_trend":            []any{},
			"risk_distribution":        []any{},
			"total_anomalies":          0,
			"darknet_distribution":     []any{},
			"suspicious_traffic_count": 0,
			"model_info":               modelInfo,
			"error":                    err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"avg_anomaly_score":        insights.AvgAnomalyScore,
		"high_score_ips":           insights.HighScoreIPs,
		"anomaly_trend":            insights.AnomalyTrend,
		"risk_distribution":        insights.RiskDistribution,
		"total_anomalies":          insights.TotalAnomalies,
		"darknet_distribution":     insights.DarknetDistribution,
		"suspicious_traffic_count": insights.SuspiciousTrafficCount,
		"model_info":               modelInfo,
	})
}

// handleAlerts returns high-risk events ordered by score. Failures degrade
// to an empty list.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	threshold := defaultAlertThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			threshold = v
		}
	}
	if threshold < minAlertThreshold {
		threshold = minAlertThreshold
	}
	limit := queryInt(r, "limit", defaultAlertsLimit)

	records, err := s.store.Alerts(threshold, limit)
	if err != nil {
		s.logger.Errorw("Failed to load alerts", "error", err)
		s.writeJSON(w, http.StatusOK, map[string]any{
			"alerts":    []any{},
			"count":     0,
			"threshold": threshold,
			"error":     err.Error(),
		})
		return
	}

	views := make([]*alertView, 0, len(records))
	for _, rec := range records {
		views = append(views, newAlertView(rec))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts":    views,
		"count":     len(views),
		"threshold": threshold,
	})
}

// handleInvestigate returns the full drill-down for one source address
func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")

	inv, err := s.store.Investigate(ip, time.Now())
	if err != nil {
		s.logger.Errorw("Failed to investigate address", "error", err, "ip", ip)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, &investigationView{
		IP:         inv.IP,
		Stats:      inv.Stats,
		GeoInfo:    inv.GeoInfo,
		Logs:       newLogViews(inv.Logs),
		ScoreTrend: inv.ScoreTrend,
	})
}

// queryInt parses an integer query parameter with a default
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
