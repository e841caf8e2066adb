package session

import (
	"errors"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"tunsocks/internal/packet"
	plog "tunsocks/pkg/log"
	"tunsocks/pkg/metrics"
)

var (
	ErrTableFull   = errors.New("session table full")
	ErrTableClosed = errors.New("session table closed")
)

const shardCount = 32

// Config holds the capacity and idle thresholds of a Table.
type Config struct {
	MaxSessions       int
	TCPIdle           time.Duration
	TCPHalfClosedIdle time.Duration
	UDPIdle           time.Duration
	ReapInterval      time.Duration
}

type shard struct {
	mu sync.RWMutex
	m  map[packet.FlowKey]*Session
}

// Table maps flow keys to sessions. Lookups and creation are lock-sharded;
// a background reaper evicts idle sessions.
type Table struct {
	cfg    Config
	seed   maphash.Seed
	shards [shardCount]shard
	count  atomic.Int64
	closed atomic.Bool
	now    func() time.Time
	log    *plog.PrefixLogger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewTable(cfg Config) *Table {
	t := &Table{
		cfg:    cfg,
		seed:   maphash.MakeSeed(),
		now:    time.Now,
		log:    plog.NewPrefixLogger("Session"),
		stopCh: make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i].m = make(map[packet.FlowKey]*Session)
	}
	return t
}

func (t *Table) shardFor(k packet.FlowKey) *shard {
	var h maphash.Hash
	h.SetSeed(t.seed)
	h.WriteByte(byte(k.Proto))
	src, dst := k.Src.Addr().As16(), k.Dst.Addr().As16()
	h.Write(src[:])
	h.Write(dst[:])
	h.WriteByte(byte(k.Src.Port() >> 8))
	h.WriteByte(byte(k.Src.Port()))
	h.WriteByte(byte(k.Dst.Port() >> 8))
	h.WriteByte(byte(k.Dst.Port()))
	return &t.shards[h.Sum64()%shardCount]
}

// GetOrCreate returns the session for key, creating it when absent. Exactly
// one of any number of concurrent callers for a new key sees created == true.
func (t *Table) GetOrCreate(key packet.FlowKey) (s *Session, created bool, err error) {
	sh := t.shardFor(key)

	sh.mu.RLock()
	s = sh.m[key]
	sh.mu.RUnlock()
	if s != nil {
		return s, false, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s = sh.m[key]; s != nil {
		return s, false, nil
	}
	if t.closed.Load() {
		return nil, false, ErrTableClosed
	}
	if n := t.count.Add(1); t.cfg.MaxSessions > 0 && n > int64(t.cfg.MaxSessions) {
		t.count.Add(-1)
		metrics.IncrRejected()
		return nil, false, ErrTableFull
	}

	s = newSession(t, key)
	sh.m[key] = s
	return s, true, nil
}

// Get returns the session for key, or nil.
func (t *Table) Get(key packet.FlowKey) *Session {
	sh := t.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.m[key]
}

// Remove closes and removes the session for key. Removing a missing key is a no-op.
func (t *Table) Remove(key packet.FlowKey) {
	if s := t.Get(key); s != nil {
		s.Close(ReasonRemoved)
	}
}

// RemoveSession closes s. Its table entry is dropped only while it still
// belongs to s, so removing a stale session never affects its successor.
func (t *Table) RemoveSession(s *Session) {
	s.Close(ReasonRemoved)
}

// detach drops s from its shard if it is still the current entry for its key.
func (t *Table) detach(s *Session) {
	sh := t.shardFor(s.Key)
	sh.mu.Lock()
	if sh.m[s.Key] == s {
		delete(sh.m, s.Key)
		t.count.Add(-1)
	}
	sh.mu.Unlock()
}

func (t *Table) Len() int {
	return int(t.count.Load())
}

// Range calls f for a snapshot of the current sessions until f returns false.
func (t *Table) Range(f func(*Session) bool) {
	for _, s := range t.snapshot() {
		if !f(s) {
			return
		}
	}
}

func (t *Table) snapshot() []*Session {
	list := make([]*Session, 0, t.Len())
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for _, s := range sh.m {
			list = append(list, s)
		}
		sh.mu.RUnlock()
	}
	return list
}

// CloseAll refuses further sessions and closes every existing one.
func (t *Table) CloseAll(r Reason) {
	t.closed.Store(true)
	for {
		list := t.snapshot()
		if len(list) == 0 {
			return
		}
		for _, s := range list {
			s.Close(r)
		}
	}
}

// ==================== Reaper ====================

// Start launches the idle reaper. Calling it more than once has no effect.
func (t *Table) Start() {
	t.startOnce.Do(func() {
		interval := t.cfg.ReapInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		t.wg.Add(1)
		go t.reapLoop(interval)
	})
}

// Stop halts the reaper and waits for it. Sessions are left untouched.
func (t *Table) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
}

func (t *Table) reapLoop(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if n := t.Reap(); n > 0 {
				t.log.Debug("evicted %d idle sessions, %d remain", n, t.Len())
			}
		}
	}
}

// idleLimit picks the inactivity threshold for s.
func (t *Table) idleLimit(s *Session) time.Duration {
	if s.Key.Proto == packet.UDP {
		return t.cfg.UDPIdle
	}
	if s.State() == StateClosing {
		return t.cfg.TCPHalfClosedIdle
	}
	return t.cfg.TCPIdle
}

// Reap evicts every session idle past its threshold and returns how many
// were evicted. Sessions with a relay operation in flight are skipped.
func (t *Table) Reap() int {
	now := t.now()
	n := 0
	for _, s := range t.snapshot() {
		limit := t.idleLimit(s)
		if limit <= 0 || s.IdleFor(now) < limit {
			continue
		}
		if s.evict() {
			metrics.IncrEvictions()
			t.log.Debug("evict %s (%s) idle %v", s.Key, s.State(), s.IdleFor(now).Round(time.Second))
			n++
		}
	}
	return n
}
