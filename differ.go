package hsmstream

import (
	"sort"
	"time"
)

// Diff compares a freshly scanned snapshot against the last published
// cache and derives the events to ship plus the cache that becomes
// current once those events are successfully published.
//
// The emitted batch is ordered all NEW, then all UPDATE, then all
// PURGED; each section is grouped by MDT and ordered by
// (cat_idx, rec_idx) within an MDT. A NEW for a key therefore always
// precedes any UPDATE or PURGED for the same key in append order.
//
// Diff is pure: it performs no I/O and leaves its inputs untouched.
func Diff(snapshot Snapshot, cache Cache, now time.Time) ([]StreamEvent, Cache) {
	live := snapshot.Live()
	next := cache.Clone()
	ts := now.Unix()

	var news, updates, purged []StreamEvent

	for key, rec := range live {
		entry, ok := cache[key]
		if ok && entry.Hash == rec.Hash {
			continue
		}

		eventType := EventTypeNew
		if ok {
			eventType = EventTypeUpdate
		}
		event := StreamEvent{
			EventType: eventType,
			MDT:       rec.MDT,
			CatIdx:    rec.CatIdx,
			RecIdx:    rec.RecIdx,
			Timestamp: ts,
			FID:       rec.FID,
			Action:    rec.Action,
			Status:    rec.Status,
			ActionKey: rec.ActionKey(),
			Raw:       rec.Raw,
		}
		if ok {
			updates = append(updates, event)
		} else {
			news = append(news, event)
		}

		next[key] = &CacheEntry{
			FID:       rec.FID,
			Action:    rec.Action,
			Status:    rec.Status,
			Raw:       rec.Raw,
			Hash:      rec.Hash,
			Timestamp: ts,
		}
	}

	for key, entry := range cache {
		if _, ok := live[key]; ok {
			continue
		}

		// The cached payload is carried over so consumers can reason
		// about the purge without cross-referencing earlier entries.
		purged = append(purged, StreamEvent{
			EventType: EventTypePurged,
			MDT:       key.MDT,
			CatIdx:    key.CatIdx,
			RecIdx:    key.RecIdx,
			Timestamp: ts,
			FID:       entry.FID,
			Action:    entry.Action,
			Status:    StatusPurged,
			ActionKey: entry.ActionKey(),
			Hash:      entry.Hash,
		})
		delete(next, key)
	}

	sortEvents(news)
	sortEvents(updates)
	sortEvents(purged)

	events := make([]StreamEvent, 0, len(news)+len(updates)+len(purged))
	events = append(events, news...)
	events = append(events, updates...)
	events = append(events, purged...)
	return events, next
}

func sortEvents(events []StreamEvent) {
	sort.Slice(events, func(i, j int) bool {
		return CompareKeys(events[i].Key(), events[j].Key()) < 0
	})
}
