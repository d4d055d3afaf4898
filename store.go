package hsmstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// Store owns the shipper loop and the maintenance worker. The shipper
// loop scans the action logs, diffs the snapshot against the cache,
// publishes the resulting events, and commits the cache; the
// maintenance worker replays, heals, and trims each owned stream on a
// snapshot handed off by the shipper once the reconcile interval has
// elapsed.
type Store struct {
	mu    sync.Mutex
	cache Cache

	cycle             int64     // completed poll cycles
	lastCycleTime     time.Time // end of last successful cycle
	lastCycleEvents   int       // events shipped by last cycle
	lastReconcileTime time.Time // last maintenance hand-off

	// Hand-off from the shipper loop to the maintenance worker.
	maintenanceCh chan maintenanceHandoff

	ctx    context.Context
	cancel func()
	g      errgroup.Group

	// Scanner that discovers and reads the action logs.
	Scanner *Scanner

	// CacheStore that persists the published-state cache.
	CacheStore *CacheStore

	// Client used to talk to the stream backend.
	Client StreamClient

	// Prefix of the per-MDT stream keys.
	StreamPrefix string

	// Delay between shipper poll cycles.
	PollInterval time.Duration

	// Minimum delay between maintenance passes.
	ReconcileInterval time.Duration

	// Page size for maintenance stream replays.
	ReplayChunkSize int

	// Chunk size for partial stream trims.
	TrimChunkSize int

	// Removed-entry count above which a trim is immediately re-issued.
	AggressiveTrimThreshold int

	// If true, log a summary for every cycle, even idle ones.
	Debug bool
}

// NewStore returns a new instance of Store with default settings.
func NewStore(scanner *Scanner, cacheStore *CacheStore, client StreamClient) *Store {
	s := &Store{
		cache:         make(Cache),
		maintenanceCh: make(chan maintenanceHandoff, 1),

		Scanner:    scanner,
		CacheStore: cacheStore,
		Client:     client,

		StreamPrefix:            DefaultStreamPrefix,
		PollInterval:            DefaultPollInterval * time.Second,
		ReconcileInterval:       DefaultReconcileInterval * time.Second,
		ReplayChunkSize:         DefaultReplayChunkSize,
		TrimChunkSize:           DefaultTrimChunkSize,
		AggressiveTrimThreshold: DefaultAggressiveTrimThreshold,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Open loads the cache from disk and begins the background shipper
// loop and maintenance worker.
func (s *Store) Open() error {
	if err := s.loadCache(); err != nil {
		return err
	}

	s.g.Go(func() error { return s.monitorShipper(s.ctx) })
	s.g.Go(func() error { return s.monitorMaintenance(s.ctx) })
	return nil
}

// Close signals both workers to stop, waits for the current cycle to
// finish, and performs one final cache commit.
func (s *Store) Close() error {
	s.cancel()
	err := s.g.Wait()

	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	if e := s.CacheStore.Commit(cache); e != nil {
		log.Printf("cannot commit cache on shutdown: %s", e)
		if err == nil {
			err = e
		}
	}
	return err
}

func (s *Store) loadCache() error {
	cache := s.CacheStore.Load()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = cache

	storeCacheSizeMetric.Set(float64(len(cache)))
	return nil
}

// CacheSize returns the number of entries currently cached.
func (s *Store) CacheSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// Cycle returns the number of completed poll cycles.
func (s *Store) Cycle() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// CacheMDTCounts returns the number of cached entries per MDT.
func (s *Store) CacheMDTCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[string]int)
	for key := range s.cache {
		m[key.MDT]++
	}
	return m
}

// LastCycleTime returns the completion time of the last successful cycle.
func (s *Store) LastCycleTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycleTime
}

// LastReconcileTime returns the time of the last maintenance hand-off.
func (s *Store) LastReconcileTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReconcileTime
}

// monitorShipper runs poll cycles until the store is closed. Cycle
// failures are logged and retried on the next poll; only the cache
// commit after a fully successful publish advances the cache.
func (s *Store) monitorShipper(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := s.RunCycle(ctx); err != nil {
			log.Printf("poll cycle failed, retrying next cycle: %s", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.PollInterval):
		}
	}
}

// monitorMaintenance waits for hand-offs from the shipper loop and
// runs one maintenance pass per hand-off.
func (s *Store) monitorMaintenance(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case h := <-s.maintenanceCh:
			s.runMaintenance(ctx, h)
		}
	}
}

// RunCycle performs one shipper poll cycle: scan, diff, publish,
// commit. The cache only advances after every event of the batch has
// been appended, so a failed publish causes the same batch to be
// re-derived and re-sent on the next cycle.
func (s *Store) RunCycle(ctx context.Context) error {
	t := time.Now()

	snapshot, err := s.Scanner.Scan()
	if err != nil {
		return fmt.Errorf("scan action logs: %w", err)
	}

	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()

	events, next := Diff(snapshot, cache, t)

	firstNewIDs, err := s.publish(ctx, events)
	if err != nil {
		storePublishFailureCountMetric.Inc()
		return fmt.Errorf("publish events: %w", err)
	}

	// An unwritable cache file is not fatal: the in-memory cache still
	// reflects the published state and a restart re-derives the work.
	if err := s.CacheStore.Commit(next); err != nil {
		log.Printf("cannot commit cache, continuing: %s", err)
	}

	s.mu.Lock()
	s.cache = next
	s.cycle++
	s.lastCycleTime = time.Now()
	s.lastCycleEvents = len(events)
	cycle := s.cycle
	s.mu.Unlock()

	storeCycleCountMetric.Inc()
	storeCycleSecondsMetric.Set(time.Since(t).Seconds())
	storeCacheSizeMetric.Set(float64(len(next)))

	if len(events) > 0 || s.Debug {
		log.Printf("cycle %d: shipped %d events, %d actions cached, elapsed %s",
			cycle, len(events), len(next), time.Since(t).Round(time.Millisecond))
	}

	s.triggerMaintenance(snapshot.MDTs(), next, firstNewIDs)
	return nil
}

// publish appends the batch, one pipelined append per target stream,
// in the order produced by the differ. Returns the stream ID of the
// first NEW append per MDT. Any failed append fails the whole batch.
func (s *Store) publish(ctx context.Context, events []StreamEvent) (firstNewIDs map[string]string, err error) {
	firstNewIDs = make(map[string]string)
	if len(events) == 0 {
		return firstNewIDs, nil
	}

	byMDT := make(map[string][]StreamEvent)
	for _, event := range events {
		byMDT[event.MDT] = append(byMDT[event.MDT], event)
		storeEventCountMetricVec.WithLabelValues(string(event.EventType)).Inc()
	}

	mdts := make([]string, 0, len(byMDT))
	for mdt := range byMDT {
		mdts = append(mdts, mdt)
	}
	sort.Strings(mdts)

	for _, mdt := range mdts {
		batch := byMDT[mdt]

		payloads := make([][]byte, len(batch))
		for i, event := range batch {
			if payloads[i], err = json.Marshal(&event); err != nil {
				return nil, fmt.Errorf("marshal event: %w", err)
			}
		}

		ids, err := s.Client.Append(ctx, StreamKey(s.StreamPrefix, mdt), payloads)
		if err != nil {
			return nil, err
		}

		for i, event := range batch {
			if event.EventType == EventTypeNew {
				firstNewIDs[mdt] = ids[i]
				break
			}
		}
	}
	return firstNewIDs, nil
}

// triggerMaintenance hands a deep cache snapshot plus the owned MDT
// set off to the maintenance worker once the reconcile interval has
// elapsed. One hand-off can wait for the worker; a new one is dropped
// while a previous hand-off is still waiting.
func (s *Store) triggerMaintenance(mdts []string, cache Cache, firstNewIDs map[string]string) {
	s.mu.Lock()
	if !s.lastReconcileTime.IsZero() && time.Since(s.lastReconcileTime) < s.ReconcileInterval {
		s.mu.Unlock()
		return
	}
	s.lastReconcileTime = time.Now()
	s.mu.Unlock()

	select {
	case s.maintenanceCh <- maintenanceHandoff{cache: cache.Clone(), mdts: mdts, firstNewIDs: firstNewIDs}:
	default:
		log.Printf("maintenance worker busy, skipping hand-off")
	}
}

// RunOnce performs exactly one poll cycle, plus one maintenance pass
// over the observed MDTs when reconcile is set.
func (s *Store) RunOnce(ctx context.Context, reconcile bool) error {
	if err := s.loadCache(); err != nil {
		return err
	}

	if err := s.RunCycle(ctx); err != nil {
		return err
	}

	if reconcile {
		snapshot, err := s.Scanner.Scan()
		if err != nil {
			return fmt.Errorf("scan action logs: %w", err)
		}

		s.mu.Lock()
		cache := s.cache.Clone()
		s.mu.Unlock()

		s.runMaintenance(ctx, maintenanceHandoff{cache: cache, mdts: snapshot.MDTs()})
	}
	return nil
}

// StoreVar is an expvar wrapper around Store.
type StoreVar Store

func (v *StoreVar) String() string {
	s := (*Store)(v)
	m := storeVarJSON{
		Cycle:         s.Cycle(),
		CacheSize:     s.CacheSize(),
		LastCycleTime: s.LastCycleTime().Format(time.RFC3339),
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "null"
	}
	return string(b)
}

type storeVarJSON struct {
	Cycle         int64  `json:"cycle"`
	CacheSize     int    `json:"cacheSize"`
	LastCycleTime string `json:"lastCycleTime"`
}

// Store metrics.
var (
	storeCycleCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hsm_shipper_cycle_count",
		Help: "Number of completed poll cycles.",
	})

	storeCycleSecondsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hsm_shipper_cycle_seconds",
		Help: "Duration of the last poll cycle, in seconds.",
	})

	storeEventCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hsm_shipper_event_count",
		Help: "Number of events published, by event type.",
	}, []string{"type"})

	storeCacheSizeMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hsm_shipper_cache_size",
		Help: "Number of actions currently cached.",
	})

	storePublishFailureCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hsm_shipper_publish_failure_count",
		Help: "Number of publish batches that failed and will be retried.",
	})
)
