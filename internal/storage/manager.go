package storage

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/event"
)

// Manager provides a unified interface for event storage operations
type Manager struct {
	db     *EventDB
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

// NewManager creates a new storage manager
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewEventDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the storage manager
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Insert stores a classified event record and returns its assigned id.
// Re-submission of an identical event fails with ErrDuplicateEvent.
func (m *Manager) Insert(rec *event.Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.db.InsertEvent(rec)
	if err != nil {
		return 0, err
	}

	m.logger.Infof("Storing event: IP=%s, Action=%s, Score=%.4f, Risk=%s, Anomaly=%d, AttackType=%s",
		rec.SourceIP, rec.Action, rec.MLScore, rec.MLRiskLevel, rec.IsAnomaly, rec.PredictedAttackType)
	return id, nil
}

// Count returns the number of stored events.
func (m *Manager) Count() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.db.CountEvents()
}

// GetSchemaVersion returns the current schema version
func (m *Manager) GetSchemaVersion() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.db.GetSchemaVersion()
}

// StoredFields returns the recorded event field list.
func (m *Manager) StoredFields() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.db.StoredFields()
}

// Backup creates a backup of the database
func (m *Manager) Backup(destPath string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.db.Backup(destPath)
}

// QueryFilter narrows a log query. Zero values mean no filtering.
type QueryFilter struct {
	SourceIP      string
	Action        string
	TargetService string
	Limit         int
	Offset        int
}

func (f *QueryFilter) matches(rec *event.Record) bool {
	if f.SourceIP != "" && rec.SourceIP != f.SourceIP {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.TargetService != "" && rec.TargetService != f.TargetService {
		return false
	}
	return true
}

// Query returns matching events newest first, honoring limit and offset.
func (m *Manager) Query(filter QueryFilter) ([]*event.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*event.Record
	skipped := 0

	err := m.db.ScanNewestFirst(func(rec *event.Record) bool {
		if !filter.matches(rec) {
			return true
		}
		if skipped < filter.Offset {
			skipped++
			return true
		}
		records = append(records, rec)
		return filter.Limit <= 0 || len(records) < filter.Limit
	})

	return records, err
}

// LiveEvents returns the newest events, optionally filtered by source
// address and minimum score.
func (m *Manager) LiveEvents(limit int, sourceIP string, minScore *float64) ([]*event.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*event.Record
	err := m.db.ScanNewestFirst(func(rec *event.Record) bool {
		if sourceIP != "" && rec.SourceIP != sourceIP {
			return true
		}
		if minScore != nil && rec.MLScore < *minScore {
			return true
		}
		records = append(records, rec)
		return limit <= 0 || len(records) < limit
	})

	return records, err
}

// Alerts returns events with a score at or above threshold, or flagged as
// anomalies, ordered by score descending then recency.
func (m *Manager) Alerts(threshold float64, limit int) ([]*event.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*event.Record
	err := m.db.ScanNewestFirst(func(rec *event.Record) bool {
		if rec.MLScore >= threshold || rec.IsAnomaly == 1 {
			records = append(records, rec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	// Records arrive newest first, so a stable sort on score keeps the
	// recency order within equal scores.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].MLScore > records[j].MLScore
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// EventsAfter returns up to limit events with id greater than afterID in
// ascending order. It backs the live event stream.
func (m *Manager) EventsAfter(afterID int64, limit int) ([]*event.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.db.EventsAfter(afterID, limit)
}
