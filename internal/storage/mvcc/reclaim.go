package mvcc

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reclaim drops chain entries that no version at or above the oldest pinned
// version (or head, when nothing is pinned) can see. Reading a version below
// that floor afterwards fails with InvalidatedAccess. It returns the number
// of entries removed.
func (s *Store) Reclaim() int {
	if s.closed.Load() {
		return 0
	}
	start := time.Now()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.pinMu.Lock()
	floor := s.Head()
	for v := range s.pins {
		if v < floor {
			floor = v
		}
	}
	if uint64(floor) > s.floor.Load() {
		s.floor.Store(uint64(floor))
	}
	active := s.activeLocked(s.Head())
	s.pinMu.Unlock()

	removed := 0
	for key := range s.history {
		t, ok := s.tables.Load(key.Class)
		if !ok {
			delete(s.history, key)
			continue
		}
		c, ok := t.chains.Load(key.ObjKey)
		if !ok {
			delete(s.history, key)
			continue
		}
		e := visible(c, floor)
		if e == nil {
			continue
		}
		for old := e.next.Load(); old != nil; old = old.next.Load() {
			removed++
		}
		e.next.Store(nil)
		if c.head.Load() != e {
			continue
		}
		delete(s.history, key)
		if e.record == nil {
			t.chains.Delete(key.ObjKey)
			removed++
		}
	}

	var stale []VersionID
	s.changes.Range(func(v VersionID, _ []Key) bool {
		if v > floor {
			return false
		}
		stale = append(stale, v)
		return true
	})
	for _, v := range stale {
		s.changes.Delete(v)
	}

	s.metrics.UpdateActiveVersions(active)
	if removed > 0 {
		s.metrics.RecordReclaim(time.Since(start).Seconds(), removed)
		s.logger.Debug("Reclaimed version chain entries",
			zap.Int("entries", removed),
			zap.Uint64("floor", uint64(floor)))
	}
	return removed
}

// Reclaimer runs Reclaim periodically in the background
type Reclaimer struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReclaimer creates a reclaimer; call Start to run it.
func NewReclaimer(store *Store, interval time.Duration, logger *zap.Logger) *Reclaimer {
	return &Reclaimer{
		store:    store,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the maintenance loop
func (r *Reclaimer) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Reclaimer) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.store.Reclaim()
		case <-r.stopChan:
			return
		}
	}
}

// Stop stops the maintenance loop and waits for it to exit
func (r *Reclaimer) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
	r.logger.Debug("Reclaimer stopped")
}
