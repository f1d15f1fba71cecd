package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/event"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func testRecord(sessionID string) *event.Record {
	doc := &event.Document{
		Timestamp:     "2025-06-01T12:00:00Z",
		SourceIP:      "203.0.113.7",
		Protocol:      "HTTP",
		TargetService: "Fake Git Repository",
		Action:        "git_push",
		Payload:       map[string]any{"branch": "main"},
		Headers:       map[string]string{"User-Agent": "git/2.40"},
		SessionID:     sessionID,
		UserAgent:     "git/2.40",
	}
	rec, err := event.NewRecord(doc, event.Geo{Country: "Germany", City: "Berlin"})
	if err != nil {
		panic(err)
	}
	rec.MLScore = 0.5
	rec.MLRiskLevel = event.RiskMedium
	rec.PredictedAttackType = event.AttackExploit
	rec.DarknetTrafficType = event.TrafficNonTor
	return rec
}

func TestInsertAssignsSequentialIDs(t *testing.T) {
	m := newTestManager(t)

	id1, err := m.Insert(testRecord("s1"))
	require.NoError(t, err)
	id2, err := m.Insert(testRecord("s2"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)

	count, err := m.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestInsertRejectsDuplicates(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Insert(testRecord("s1"))
	require.NoError(t, err)

	_, err = m.Insert(testRecord("s1"))
	require.ErrorIs(t, err, ErrDuplicateEvent)

	count, err := m.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestInsertSetsCreatedAt(t *testing.T) {
	m := newTestManager(t)

	rec := testRecord("s1")
	_, err := m.Insert(rec)
	require.NoError(t, err)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestQueryNewestFirst(t *testing.T) {
	m := newTestManager(t)
	for _, session := range []string{"s1", "s2", "s3"} {
		_, err := m.Insert(testRecord(session))
		require.NoError(t, err)
	}

	records, err := m.Query(QueryFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(3), records[0].ID)
	assert.Equal(t, int64(1), records[2].ID)
}

func TestQueryFilters(t *testing.T) {
	m := newTestManager(t)

	a := testRecord("s1")
	_, err := m.Insert(a)
	require.NoError(t, err)

	b := testRecord("s2")
	b.SourceIP = "198.51.100.9"
	b.Action = "scan"
	b.LogHash = event.CanonicalHash(b)
	_, err = m.Insert(b)
	require.NoError(t, err)

	records, err := m.Query(QueryFilter{SourceIP: "198.51.100.9"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "scan", records[0].Action)

	records, err = m.Query(QueryFilter{Action: "git_push"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "203.0.113.7", records[0].SourceIP)

	records, err = m.Query(QueryFilter{TargetService: "no-such-service"})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestQueryLimitAndOffset(t *testing.T) {
	m := newTestManager(t)
	for _, session := range []string{"s1", "s2", "s3", "s4"} {
		_, err := m.Insert(testRecord(session))
		require.NoError(t, err)
	}

	records, err := m.Query(QueryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(4), records[0].ID)

	records, err = m.Query(QueryFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].ID)
	assert.Equal(t, int64(1), records[1].ID)
}

func TestLiveEventsMinScore(t *testing.T) {
	m := newTestManager(t)

	low := testRecord("s1")
	low.MLScore = 0.2
	low.LogHash = event.CanonicalHash(low)
	_, err := m.Insert(low)
	require.NoError(t, err)

	high := testRecord("s2")
	high.MLScore = 0.9
	_, err = m.Insert(high)
	require.NoError(t, err)

	minScore := 0.5
	records, err := m.LiveEvents(10, "", &minScore)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0.9, records[0].MLScore)
}

func TestAlertsOrderedByScoreThenRecency(t *testing.T) {
	m := newTestManager(t)

	insert := func(session string, score float64, anomaly int) {
		rec := testRecord(session)
		rec.MLScore = score
		rec.IsAnomaly = anomaly
		_, err := m.Insert(rec)
		require.NoError(t, err)
	}

	insert("s1", 0.9, 1)
	insert("s2", 0.1, 0) // below threshold, not an anomaly
	insert("s3", 0.6, 0)
	insert("s4", 0.6, 0)
	insert("s5", 0.2, 1) // anomaly flag admits it despite the low score

	records, err := m.Alerts(0.5, 10)
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, 0.9, records[0].MLScore)
	// Equal scores keep newest first
	assert.Equal(t, int64(4), records[1].ID)
	assert.Equal(t, int64(3), records[2].ID)
	assert.Equal(t, 0.2, records[3].MLScore)

	records, err = m.Alerts(0.5, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestEventsAfter(t *testing.T) {
	m := newTestManager(t)
	for _, session := range []string{"s1", "s2", "s3", "s4"} {
		_, err := m.Insert(testRecord(session))
		require.NoError(t, err)
	}

	records, err := m.EventsAfter(1, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].ID)
	assert.Equal(t, int64(3), records[1].ID)

	records, err = m.EventsAfter(4, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSchemaVersionAndStoredFields(t *testing.T) {
	m := newTestManager(t)

	version, err := m.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(CurrentSchemaVersion), version)

	fields, err := m.StoredFields()
	require.NoError(t, err)
	assert.Contains(t, fields, "source_ip")
	assert.Contains(t, fields, "ml_score")
	assert.Contains(t, fields, "darknet_traffic_type")
}

func TestBackup(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Insert(testRecord("s1"))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, m.Backup(dest))
	assert.FileExists(t, dest)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = m.Insert(testRecord("s1"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m, err = NewManager(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer m.Close()

	count, err := m.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
