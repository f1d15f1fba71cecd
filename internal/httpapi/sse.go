package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	// streamPollInterval is how often the stream re-syncs against the store
	// for subscribers that missed broadcast deliveries.
	streamPollInterval = 2 * time.Second

	// streamBatchSize bounds one catch-up batch.
	streamBatchSize = 10
)

// handleEventStream streams newly stored events over SSE. Clients may resume
// from a known position with the last_id query parameter.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastID := int64(queryInt(r, "last_id", 0))

	sub := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(sub)
	if s.metrics != nil {
		s.metrics.SetSubscribers(s.broadcaster.SubscriberCount())
		defer func() {
			s.metrics.SetSubscribers(s.broadcaster.SubscriberCount() - 1)
		}()
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	// Catch up immediately so a resuming client is not left waiting for the
	// first tick.
	if !s.emitEventsAfter(w, flusher, &lastID) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub:
			// A broadcast is only a wake-up; the store is the source of
			// ordering, so catch up from the last delivered position.
			if !s.emitEventsAfter(w, flusher, &lastID) {
				return
			}
		case <-ticker.C:
			if !s.emitEventsAfter(w, flusher, &lastID) {
				return
			}
		}
	}
}

// emitEventsAfter writes all events newer than *lastID in ascending order,
// advancing *lastID. It returns false when the connection is gone.
func (s *Server) emitEventsAfter(w http.ResponseWriter, flusher http.Flusher, lastID *int64) bool {
	for {
		records, err := s.store.EventsAfter(*lastID, streamBatchSize)
		if err != nil {
			s.logger.Errorw("Failed to load stream batch", "error", err)
			return true
		}
		if len(records) == 0 {
			return true
		}

		for _, rec := range records {
			data, err := json.Marshal(newStreamFrame(rec))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return false
			}
			*lastID = rec.ID
		}
		flusher.Flush()

		if len(records) < streamBatchSize {
			return true
		}
	}
}
