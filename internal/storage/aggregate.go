package storage

import (
	"math"
	"sort"
	"time"

	"github.com/hivetrap/sentinel/internal/event"
)

// CountryCount is a per-country event count.
type CountryCount struct {
	Country string `json:"country"`
	Count   int    `json:"count"`
}

// ActionCount is a per-action event count.
type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// ServiceCount is a per-service event count.
type ServiceCount struct {
	Service string `json:"service"`
	Count   int    `json:"count"`
}

// PortCount is a per-protocol event count, labeled as a port for the
// dashboard.
type PortCount struct {
	Port  string `json:"port"`
	Count int    `json:"count"`
}

// IPCount is a per-source event count.
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// RiskCount is a per-risk-level event count.
type RiskCount struct {
	RiskLevel string `json:"risk_level"`
	Count     int    `json:"count"`
}

// TrafficCount is a per-traffic-type event count.
type TrafficCount struct {
	TrafficType string `json:"traffic_type"`
	Count       int    `json:"count"`
}

// TrendPoint is one hourly bucket of a score trend.
type TrendPoint struct {
	Time     string  `json:"time"`
	AvgScore float64 `json:"avg_score"`
	Count    int     `json:"count"`
}

// TimePoint is one hourly bucket of an event-count series.
type TimePoint struct {
	Time  string `json:"time"`
	Count int    `json:"count"`
}

// Stats is the aggregate snapshot behind the statistics endpoint.
type Stats struct {
	TotalLogs        int64          `json:"total_logs"`
	UniqueIPs        int            `json:"unique_ips"`
	RecentActivity   int            `json:"recent_activity_24h"`
	TopCountries     []CountryCount `json:"top_countries"`
	TopActions       []ActionCount  `json:"top_actions"`
	TopServices      []ServiceCount `json:"top_services"`
	AvgMLScore       float64        `json:"avg_ml_score"`
	HighRiskCount    int            `json:"high_risk_count"`
	AnomalyCount     int            `json:"anomaly_count"`
	RiskDistribution []RiskCount    `json:"risk_distribution"`
	MLScoreTrend     []TrendPoint   `json:"ml_score_trend"`
}

// Analytics is the aggregate snapshot behind the analytics endpoint.
type Analytics struct {
	TotalAttacks    int64          `json:"total_attacks"`
	HighRiskAttacks int            `json:"high_risk_attacks"`
	UniqueIPs       int            `json:"unique_ips"`
	AvgMLScore      float64        `json:"avg_ml_score"`
	TopCountries    []CountryCount `json:"top_countries"`
	TopPorts        []PortCount    `json:"top_ports"`
	TopIPs          []IPCount      `json:"top_ips"`
	TimeSeries      []TimePoint    `json:"time_series"`
}

// MapPoint is one plotted source on the attack map.
type MapPoint struct {
	Country     string   `json:"country"`
	City        string   `json:"city"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	IP          string   `json:"ip"`
	AttackCount int      `json:"attack_count"`
	AvgScore    float64  `json:"avg_score"`
}

// CountryStat aggregates events per country for the map view.
type CountryStat struct {
	Country  string  `json:"country"`
	Count    int     `json:"count"`
	AvgScore float64 `json:"avg_score"`
}

// MapData is the aggregate snapshot behind the map endpoint.
type MapData struct {
	Points       []MapPoint    `json:"points"`
	CountryStats []CountryStat `json:"country_stats"`
}

// ScoredIP is a source address with its average score.
type ScoredIP struct {
	IP       string  `json:"ip"`
	AvgScore float64 `json:"avg_score"`
	Count    int     `json:"count"`
}

// MLInsights is the aggregate snapshot behind the ML insights endpoint.
type MLInsights struct {
	AvgAnomalyScore        float64        `json:"avg_anomaly_score"`
	HighScoreIPs           []ScoredIP     `json:"high_score_ips"`
	AnomalyTrend           []TrendPoint   `json:"anomaly_trend"`
	RiskDistribution       []RiskCount    `json:"risk_distribution"`
	TotalAnomalies         int            `json:"total_anomalies"`
	DarknetDistribution    []TrafficCount `json:"darknet_distribution"`
	SuspiciousTrafficCount int            `json:"suspicious_traffic_count"`
}

// InvestigationStats summarizes one source address.
type InvestigationStats struct {
	TotalAttacks   int     `json:"total_attacks"`
	AvgScore       float64 `json:"avg_score"`
	MaxScore       float64 `json:"max_score"`
	UniqueActions  int     `json:"unique_actions"`
	UniqueServices int     `json:"unique_services"`
	FirstSeen      string  `json:"first_seen"`
	LastSeen       string  `json:"last_seen"`
}

// InvestigationGeo is the attribution of an investigated source. Fields are
// null when the address has never been seen.
type InvestigationGeo struct {
	Country   *string  `json:"country"`
	City      *string  `json:"city"`
	Region    *string  `json:"region"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	ISP       *string  `json:"isp"`
}

// Investigation is the full drill-down for one source address.
type Investigation struct {
	IP         string             `json:"ip"`
	Stats      InvestigationStats `json:"stats"`
	GeoInfo    InvestigationGeo   `json:"geo_info"`
	Logs       []*event.Record    `json:"-"`
	ScoreTrend []TrendPoint       `json:"score_trend"`
}

const (
	highRiskThreshold = 0.7
	trendWindow       = 24 * time.Hour
	topN              = 10
)

// hourBucket truncates to the hour in the dashboard's local-style format.
func hourBucket(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006-01-02 15:04:05")
}

// hourBucketISO truncates to the hour in the ISO format the time-series
// charts consume.
func hourBucketISO(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006-01-02T15:04:05Z")
}

// Stats computes the statistics snapshot in a single scan.
func (m *Manager) Stats(now time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := now.Add(-trendWindow)
	countries := map[string]int{}
	actions := map[string]int{}
	services := map[string]int{}
	risks := map[string]int{}
	trend := map[string]*trendAcc{}

	stats := &Stats{}
	ips := map[string]bool{}
	var scoreSum float64

	err := m.db.ScanNewestFirst(func(rec *event.Record) bool {
		stats.TotalLogs++
		ips[rec.SourceIP] = true
		if rec.CreatedAt.After(cutoff) {
			stats.RecentActivity++
			accumulateTrend(trend, hourBucket(rec.CreatedAt), rec.MLScore)
		}
		if rec.GeoCountry != "" && rec.GeoCountry != "Unknown" {
			countries[rec.GeoCountry]++
		}
		actions[rec.Action]++
		services[rec.TargetService]++
		risks[rec.MLRiskLevel]++
		scoreSum += rec.MLScore
		if rec.MLScore >= highRiskThreshold {
			stats.HighRiskCount++
		}
		if rec.IsAnomaly == 1 {
			stats.AnomalyCount++
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	stats.UniqueIPs = len(ips)
	if stats.TotalLogs > 0 {
		stats.AvgMLScore = round4(scoreSum / float64(stats.TotalLogs))
	}
	for country, count := range countries {
		stats.TopCountries = append(stats.TopCountries, CountryCount{country, count})
	}
	sortTop(stats.TopCountries, func(c CountryCount) (string, int) { return c.Country, c.Count })
	stats.TopCountries = capTop(stats.TopCountries)

	for action, count := range actions {
		stats.TopActions = append(stats.TopActions, ActionCount{action, count})
	}
	sortTop(stats.TopActions, func(a ActionCount) (string, int) { return a.Action, a.Count })
	stats.TopActions = capTop(stats.TopActions)

	for service, count := range services {
		stats.TopServices = append(stats.TopServices, ServiceCount{service, count})
	}
	sortTop(stats.TopServices, func(s ServiceCount) (string, int) { return s.Service, s.Count })
	stats.TopServices = capTop(stats.TopServices)

	stats.RiskDistribution = riskDistribution(risks)
	stats.MLScoreTrend = trendSeries(trend)
	return stats, nil
}

// Analytics computes the analytics snapshot in a single scan.
func (m *Manager) Analytics(now time.Time) (*Analytics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := now.Add(-trendWindow)
	countries := map[string]int{}
	protocols := map[string]int{}
	sources := map[string]int{}
	series := map[string]int{}

	a := &Analytics{}
	ips := map[string]bool{}
	var scoreSum float64

	err := m.db.ScanNewestFirst(func(rec *event.Record) bool {
		a.TotalAttacks++
		ips[rec.SourceIP] = true
		scoreSum += rec.MLScore
		if rec.MLScore >= highRiskThreshold {
			a.HighRiskAttacks++
		}
		if rec.GeoCountry != "" && rec.GeoCountry != "Unknown" {
			countries[rec.GeoCountry]++
		}
		protocols[rec.Protocol]++
		sources[rec.SourceIP]++
		if rec.CreatedAt.After(cutoff) {
			series[hourBucketISO(rec.CreatedAt)]++
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	a.UniqueIPs = len(ips)
	if a.TotalAttacks > 0 {
		a.AvgMLScore = round4(scoreSum / float64(a.TotalAttacks))
	}
	for country, count := range countries {
		a.TopCountries = append(a.TopCountries, CountryCount{country, count})
	}
	sortTop(a.TopCountries, func(c CountryCount) (string, int) { return c.Country, c.Count })
	a.TopCountries = capTop(a.TopCountries)

	for protocol, count := range protocols {
		a.TopPorts = append(a.TopPorts, PortCount{protocol, count})
	}
	sortTop(a.TopPorts, func(p PortCount) (string, int) { return p.Port, p.Count })
	a.TopPorts = capTop(a.TopPorts)

	for ip, count := range sources {
		a.TopIPs = append(a.TopIPs, IPCount{ip, count})
	}
	sortTop(a.TopIPs, func(i IPCount) (string, int) { return i.IP, i.Count })
	a.TopIPs = capTop(a.TopIPs)

	hours := make([]string, 0, len(series))
	for hour := range series {
		hours = append(hours, hour)
	}
	sort.Strings(hours)
	for _, hour := range hours {
		a.TimeSeries = append(a.TimeSeries, TimePoint{Time: hour, Count: series[hour]})
	}
	return a, nil
}

// MapData aggregates plotted sources and per-country stats.
func (m *Manager) MapData() (*MapData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type pointAcc struct {
		point MapPoint
		sum   float64
	}
	points := map[string]*pointAcc{}
	countrySum := map[string]float64{}
	countryCount := map[string]int{}

	err := m.db.ScanNewestFirst(func(rec *event.Record) bool {
		if rec.GeoLatitude != nil && rec.GeoLongitude != nil {
			key := rec.GeoCountry + "\x00" + rec.GeoCity + "\x00" + rec.SourceIP
			acc, ok := points[key]
			if !ok {
				acc = &pointAcc{point: MapPoint{
					Country: orDefault(rec.GeoCountry, "Unknown"),
					City:    orDefault(rec.GeoCity, "Unknown"),
					Lat:     rec.GeoLatitude,
					Lng:     rec.GeoLongitude,
					IP:      rec.SourceIP,
				}}
				points[key] = acc
			}
			acc.point.AttackCount++
			acc.sum += rec.MLScore
		}
		if rec.GeoCountry != "" && rec.GeoCountry != "Unknown" {
			countrySum[rec.GeoCountry] += rec.MLScore
			countryCount[rec.GeoCountry]++
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	data := &MapData{}
	keys := make([]string, 0, len(points))
	for key := range points {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		acc := points[key]
		acc.point.AvgScore = round2(acc.sum / float64(acc.point.AttackCount))
		data.Points = append(data.Points, acc.point)
	}

	for country, count := range countryCount {
		data.CountryStats = append(data.CountryStats, CountryStat{
			Country:  country,
			Count:    count,
			AvgScore: round2(countrySum[country] / float64(count)),
		})
	}
	sortTop(data.CountryStats, func(c CountryStat) (string, int) { return c.Country, c.Count })
	return data, nil
}

// MLInsights computes the scoring snapshot in a single scan.
func (m *Manager) MLInsights(now time.Time) (*MLInsights, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := now.Add(-trendWindow)
	risks := map[string]int{}
	traffic := map[string]int{}
	trend := map[string]*trendAcc{}
	perIP := map[string]*trendAcc{}

	insights := &MLInsights{}
	var scoreSum float64
	var total int

	err := m.db.ScanNewestFirst(func(rec *event.Record) bool {
		total++
		scoreSum += rec.MLScore
		risks[rec.MLRiskLevel]++
		if rec.DarknetTrafficType != "" {
			traffic[rec.DarknetTrafficType]++
		}
		if rec.DarknetTrafficType == event.TrafficTor || rec.DarknetTrafficType == event.TrafficVPN {
			insights.SuspiciousTrafficCount++
		}
		if rec.IsAnomaly == 1 {
			insights.TotalAnomalies++
		}
		if rec.CreatedAt.After(cutoff) {
			accumulateTrend(trend, hourBucket(rec.CreatedAt), rec.MLScore)
		}
		acc, ok := perIP[rec.SourceIP]
		if !ok {
			acc = &trendAcc{}
			perIP[rec.SourceIP] = acc
		}
		acc.sum += rec.MLScore
		acc.count++
		return true
	})
	if err != nil {
		return nil, err
	}

	if total > 0 {
		insights.AvgAnomalyScore = round4(scoreSum / float64(total))
	}
	for ip, acc := range perIP {
		avg := acc.sum / float64(acc.count)
		if avg >= highRiskThreshold {
			insights.HighScoreIPs = append(insights.HighScoreIPs, ScoredIP{
				IP:       ip,
				AvgScore: round4(avg),
				Count:    acc.count,
			})
		}
	}
	sort.Slice(insights.HighScoreIPs, func(i, j int) bool {
		a, b := insights.HighScoreIPs[i], insights.HighScoreIPs[j]
		if a.AvgScore != b.AvgScore {
			return a.AvgScore > b.AvgScore
		}
		return a.IP < b.IP
	})
	if len(insights.HighScoreIPs) > topN {
		insights.HighScoreIPs = insights.HighScoreIPs[:topN]
	}

	insights.AnomalyTrend = trendSeries(trend)
	insights.RiskDistribution = riskDistribution(risks)

	types := make([]string, 0, len(traffic))
	for t := range traffic {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		insights.DarknetDistribution = append(insights.DarknetDistribution, TrafficCount{t, traffic[t]})
	}
	return insights, nil
}

// Investigate drills into one source address: its events, summary stats,
// attribution and recent score trend.
func (m *Manager) Investigate(ip string, now time.Time) (*Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := now.Add(-trendWindow)
	inv := &Investigation{IP: ip}
	actions := map[string]bool{}
	services := map[string]bool{}
	trend := map[string]*trendAcc{}
	var scoreSum float64
	var firstSeen, lastSeen time.Time

	err := m.db.ScanNewestFirst(func(rec *event.Record) bool {
		if rec.SourceIP != ip {
			return true
		}
		if len(inv.Logs) < 100 {
			inv.Logs = append(inv.Logs, rec)
		}
		inv.Stats.TotalAttacks++
		scoreSum += rec.MLScore
		if rec.MLScore > inv.Stats.MaxScore {
			inv.Stats.MaxScore = rec.MLScore
		}
		actions[rec.Action] = true
		services[rec.TargetService] = true
		if firstSeen.IsZero() || rec.CreatedAt.Before(firstSeen) {
			firstSeen = rec.CreatedAt
		}
		if rec.CreatedAt.After(lastSeen) {
			lastSeen = rec.CreatedAt
		}
		if rec.CreatedAt.After(cutoff) {
			accumulateTrend(trend, hourBucket(rec.CreatedAt), rec.MLScore)
		}
		if inv.GeoInfo.Country == nil {
			inv.GeoInfo = InvestigationGeo{
				Country:   &rec.GeoCountry,
				City:      &rec.GeoCity,
				Region:    &rec.GeoRegion,
				Latitude:  rec.GeoLatitude,
				Longitude: rec.GeoLongitude,
				ISP:       &rec.GeoISP,
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	if inv.Stats.TotalAttacks > 0 {
		inv.Stats.AvgScore = round4(scoreSum / float64(inv.Stats.TotalAttacks))
		inv.Stats.MaxScore = round4(inv.Stats.MaxScore)
		inv.Stats.FirstSeen = firstSeen.Format(time.RFC3339)
		inv.Stats.LastSeen = lastSeen.Format(time.RFC3339)
	}
	inv.Stats.UniqueActions = len(actions)
	inv.Stats.UniqueServices = len(services)
	inv.ScoreTrend = trendSeries(trend)
	return inv, nil
}

type trendAcc struct {
	sum   float64
	count int
}

func accumulateTrend(trend map[string]*trendAcc, hour string, score float64) {
	acc, ok := trend[hour]
	if !ok {
		acc = &trendAcc{}
		trend[hour] = acc
	}
	acc.sum += score
	acc.count++
}

func trendSeries(trend map[string]*trendAcc) []TrendPoint {
	hours := make([]string, 0, len(trend))
	for hour := range trend {
		hours = append(hours, hour)
	}
	sort.Strings(hours)

	series := make([]TrendPoint, 0, len(hours))
	for _, hour := range hours {
		acc := trend[hour]
		series = append(series, TrendPoint{
			Time:     hour,
			AvgScore: round4(acc.sum / float64(acc.count)),
			Count:    acc.count,
		})
	}
	return series
}

func riskDistribution(risks map[string]int) []RiskCount {
	levels := make([]string, 0, len(risks))
	for level := range risks {
		levels = append(levels, level)
	}
	sort.Strings(levels)

	dist := make([]RiskCount, 0, len(levels))
	for _, level := range levels {
		dist = append(dist, RiskCount{RiskLevel: level, Count: risks[level]})
	}
	return dist
}

// sortTop orders count entries by count descending, breaking ties by key so
// the output is deterministic.
func sortTop[T any](items []T, keyCount func(T) (string, int)) {
	sort.Slice(items, func(i, j int) bool {
		ki, ci := keyCount(items[i])
		kj, cj := keyCount(items[j])
		if ci != cj {
			return ci > cj
		}
		return ki < kj
	})
}

func capTop[T any](items []T) []T {
	if len(items) > topN {
		return items[:topN]
	}
	return items
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
