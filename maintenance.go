package hsmstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maintenanceHandoff is the unit passed from the shipper loop to the
// maintenance worker: a deep snapshot of the freshly committed cache,
// the MDTs currently owned by this host, and the stream ID of the
// first NEW append of the last batch per MDT.
type maintenanceHandoff struct {
	cache       Cache
	mdts        []string
	firstNewIDs map[string]string
}

// replayState is the per-stream state reconstructed by replaying a
// stream from the beginning. For every currently-live action key it
// retains the latest non-purged stream ID, the earliest non-purged
// introducing ID, and the last non-purged payload. A PURGED entry
// clears all three, so a key re-introduced later starts over.
type replayState struct {
	current  map[string]string      // action key -> latest non-purged ID
	earliest map[string]string      // action key -> earliest introducing ID
	payload  map[string]StreamEvent // action key -> last non-purged event
}

func newReplayState() *replayState {
	return &replayState{
		current:  make(map[string]string),
		earliest: make(map[string]string),
		payload:  make(map[string]StreamEvent),
	}
}

func (rs *replayState) apply(id string, event StreamEvent) {
	key := event.ActionKey
	switch event.EventType {
	case EventTypeNew, EventTypeUpdate:
		rs.current[key] = id
		if _, ok := rs.earliest[key]; !ok {
			rs.earliest[key] = id
		}
		rs.payload[key] = event
	case EventTypePurged:
		rs.remove(key)
	}
}

func (rs *replayState) remove(key string) {
	delete(rs.current, key)
	delete(rs.earliest, key)
	delete(rs.payload, key)
}

// oldestLiveID returns the smallest introducing ID over all live keys.
func (rs *replayState) oldestLiveID() (string, bool) {
	var oldest string
	for _, id := range rs.earliest {
		if oldest == "" || CompareStreamIDs(id, oldest) < 0 {
			oldest = id
		}
	}
	return oldest, oldest != ""
}

// runMaintenance performs one maintenance pass over every owned
// stream. A failure aborts that stream's pass only; the remaining
// streams are still processed and the failed one retries next cycle.
func (s *Store) runMaintenance(ctx context.Context, h maintenanceHandoff) {
	t := time.Now()

	mdts := make([]string, len(h.mdts))
	copy(mdts, h.mdts)
	sort.Strings(mdts)

	for _, mdt := range mdts {
		if ctx.Err() != nil {
			return
		}

		if err := s.maintainStream(ctx, mdt, h); err != nil {
			maintenancePassCountMetricVec.WithLabelValues("error").Inc()
			log.Printf("maintenance pass failed, retrying next cycle: mdt=%s err=%s", mdt, err)
			continue
		}
		maintenancePassCountMetricVec.WithLabelValues("ok").Inc()
	}

	log.Printf("maintenance pass over %d streams finished in %s", len(mdts), time.Since(t).Round(time.Millisecond))
}

// maintainStream replays one stream, injects corrective PURGED events
// for orphaned action keys, and trims the stream past the oldest
// still-live action.
func (s *Store) maintainStream(ctx context.Context, mdt string, h maintenanceHandoff) error {
	streamKey := StreamKey(s.StreamPrefix, mdt)

	rs, err := s.replayStream(ctx, streamKey)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	s.reconcileStream(ctx, mdt, streamKey, rs, h.cache)

	if err := s.trimStream(ctx, mdt, streamKey, rs, h); err != nil {
		return fmt.Errorf("trim: %w", err)
	}
	return nil
}

// replayStream reads the entire stream in pages and reconstructs the
// live action-key state.
func (s *Store) replayStream(ctx context.Context, streamKey string) (*replayState, error) {
	rs := newReplayState()

	from := "-"
	for {
		var entries []StreamEntry
		err := s.Client.Retry(ctx, "xrange "+streamKey, func() (err error) {
			entries, err = s.Client.Range(ctx, streamKey, from, "+", s.ReplayChunkSize)
			return err
		})
		if err != nil {
			return nil, err
		} else if len(entries) == 0 {
			return rs, nil
		}

		for _, entry := range entries {
			var event StreamEvent
			if err := json.Unmarshal(entry.Data, &event); err != nil {
				log.Printf("skipping malformed stream entry: key=%s id=%s err=%s", streamKey, entry.ID, err)
				continue
			}
			rs.apply(entry.ID, event)
		}

		if from, err = NextStreamID(entries[len(entries)-1].ID); err != nil {
			return nil, err
		}
	}
}

// reconcileStream appends a corrective PURGED for every action key
// alive in the replayed stream state but absent from the cache
// snapshot. Such orphans arise from purges missed while the shipper
// was down or Redis unreachable. A failed append defers the orphan to
// the next pass.
func (s *Store) reconcileStream(ctx context.Context, mdt, streamKey string, rs *replayState, cache Cache) {
	cached := make(map[string]struct{})
	for key, entry := range cache {
		if key.MDT == mdt {
			cached[entry.ActionKey()] = struct{}{}
		}
	}

	orphans := make([]string, 0)
	for key := range rs.current {
		if _, ok := cached[key]; !ok {
			orphans = append(orphans, key)
		}
	}
	sort.Strings(orphans)

	now := time.Now().Unix()
	for _, key := range orphans {
		last := rs.payload[key]

		hash := last.Hash
		if hash == "" && last.Raw != "" {
			hash = Digest(last.Raw)
		}

		event := StreamEvent{
			EventType: EventTypePurged,
			MDT:       mdt,
			CatIdx:    last.CatIdx,
			RecIdx:    last.RecIdx,
			Timestamp: now,
			FID:       last.FID,
			Action:    last.Action,
			Status:    StatusPurged,
			ActionKey: key,
			Hash:      hash,
		}

		payload, err := json.Marshal(&event)
		if err != nil {
			log.Printf("cannot marshal corrective purge: key=%s err=%s", key, err)
			continue
		}

		if _, err := s.Client.Append(ctx, streamKey, [][]byte{payload}); err != nil {
			// Deferred: the orphan is re-detected next pass. Keeping it
			// in the replay state also keeps the trim bound safe.
			log.Printf("cannot append corrective purge, deferring: key=%s err=%s", key, err)
			continue
		}

		maintenanceOrphanCountMetric.Inc()
		log.Printf("healed orphaned action: stream=%s action_key=%s", streamKey, key)
		rs.remove(key)
	}
}

// trimStream discards the stream's historical prefix. A stream with no
// live action keys and no cached actions for its MDT is trimmed to zero
// length; otherwise entries below the oldest live introducing ID (or,
// with no live keys, the publisher's first-NEW ID) are removed in
// chunks, re-trimming immediately while a trim removes more than the
// aggressive threshold.
func (s *Store) trimStream(ctx context.Context, mdt, streamKey string, rs *replayState, h maintenanceHandoff) error {
	minID, ok := rs.oldestLiveID()
	if !ok {
		// The replay saw no live action but the cache still holds
		// actions for this MDT: their appends may not have been visible
		// to the replay, so fall back to the publisher's first-NEW ID
		// rather than discarding the stream.
		if cacheHasMDT(h.cache, mdt) {
			id, ok := h.firstNewIDs[mdt]
			if !ok {
				log.Printf("no replayed start id for live stream, skipping trim: stream=%s", streamKey)
				return nil
			}
			minID = id
		} else {
			var removed int64
			err := s.Client.Retry(ctx, "xtrim "+streamKey, func() (err error) {
				removed, err = s.Client.TrimMaxLen(ctx, streamKey, 0)
				return err
			})
			if err != nil {
				return err
			}
			maintenanceTrimCountMetric.Add(float64(removed))
			if removed > 0 {
				log.Printf("trimmed fully historical stream: stream=%s removed=%d", streamKey, removed)
			}
			return nil
		}
	}

	var total int64
	for {
		var removed int64
		err := s.Client.Retry(ctx, "xtrim "+streamKey, func() (err error) {
			removed, err = s.Client.TrimMinID(ctx, streamKey, minID, s.TrimChunkSize)
			return err
		})
		if err != nil {
			return err
		}
		total += removed
		maintenanceTrimCountMetric.Add(float64(removed))

		// An approximate trim can leave whole radix nodes behind;
		// re-issue while it still removes a large backlog.
		if removed <= int64(s.AggressiveTrimThreshold) {
			break
		}
	}

	if total > 0 {
		log.Printf("trimmed stream: stream=%s min_id=%s removed=%d", streamKey, minID, total)
	}
	return nil
}

func cacheHasMDT(cache Cache, mdt string) bool {
	for key := range cache {
		if key.MDT == mdt {
			return true
		}
	}
	return false
}

// Maintenance metrics.
var (
	maintenancePassCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hsm_shipper_maintenance_pass_count",
		Help: "Number of per-stream maintenance passes, by outcome.",
	}, []string{"status"})

	maintenanceOrphanCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hsm_shipper_maintenance_orphan_count",
		Help: "Number of corrective PURGED events appended.",
	})

	maintenanceTrimCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hsm_shipper_maintenance_trim_count",
		Help: "Number of stream entries removed by trims.",
	})
)
