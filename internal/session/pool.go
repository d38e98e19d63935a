package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Observer receives pool events. Implemented by the metrics package.
type Observer interface {
	// PoolSize is called with the pool lock held, so sizes arrive in order.
	// It must not call back into the pool.
	PoolSize(n int)
	Reaped(n int)
}

type nopObserver struct{}

func (nopObserver) PoolSize(int) {}
func (nopObserver) Reaped(int)   {}

// Options configures a Pool.
type Options struct {
	// DisconnectTimeout bounds every client Disconnect issued by the pool.
	DisconnectTimeout time.Duration
	// Observer is optional.
	Observer Observer
}

// Pool is the single authority over which records exist and which client
// connections are open. A record is in the pool iff its client is open.
//
// Two kinds of lock are used: mu guards the map and activity timestamps and
// is never held across network calls; the per-user locks serialize
// operations for one user and may be held across network calls.
type Pool struct {
	mu      sync.Mutex
	records map[string]*Record

	users             *keyedMutex
	disconnectTimeout time.Duration
	observer          Observer
	now               func() time.Time

	reaperMu   sync.Mutex
	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewPool creates an empty pool. Call StartReaper to enable idle eviction.
func NewPool(opts Options) *Pool {
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 10 * time.Second
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	return &Pool{
		records:           make(map[string]*Record),
		users:             newKeyedMutex(),
		disconnectTimeout: opts.DisconnectTimeout,
		observer:          opts.Observer,
		now:               time.Now,
	}
}

// Lock serializes operations for one user. The returned function unlocks.
func (p *Pool) Lock(userID string) func() {
	return p.users.Lock(userID)
}

// Insert stores rec, replacing any previous record for the same user. A
// replaced record's client is disconnected before Insert returns.
func (p *Pool) Insert(ctx context.Context, rec *Record) {
	p.mu.Lock()
	old := p.records[rec.UserID]
	rec.lastActivity = p.now()
	p.records[rec.UserID] = rec
	p.observer.PoolSize(len(p.records))
	p.mu.Unlock()

	if old != nil && old.Client != rec.Client {
		p.disconnect(ctx, old, "replaced")
	}
}

// Get returns the user's record and refreshes its activity timestamp.
func (p *Pool) Get(userID string) (*Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[userID]
	if !ok {
		return nil, false
	}
	rec.lastActivity = p.now()
	return rec, true
}

// Update applies fn to rec while holding the pool lock, so listings never
// observe a half-applied transition. The caller must hold the user's lock.
func (p *Pool) Update(rec *Record, fn func(*Record)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(rec)
}

// Remove evicts the user's record and disconnects its client. It reports
// whether a record existed.
func (p *Pool) Remove(ctx context.Context, userID string) bool {
	p.mu.Lock()
	rec, ok := p.records[userID]
	if ok {
		delete(p.records, userID)
		p.observer.PoolSize(len(p.records))
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	p.disconnect(ctx, rec, "removed")
	return true
}

// Count returns the current number of records.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// LastActivity returns the activity timestamp of the user's record.
func (p *Pool) LastActivity(userID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[userID]
	if !ok {
		return time.Time{}, false
	}
	return rec.lastActivity, true
}

// Info describes the user's record without counting as activity.
func (p *Pool) Info(userID string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[userID]
	if !ok {
		return Info{}, false
	}
	return rec.info(), true
}

// Snapshot lists every record, sorted by user id. Records whose user lock
// is held by an in-flight operation are reported with their last known state.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Info, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Close disconnects and removes every record. Persisted sessions are left
// alone so users are restored after restart.
func (p *Pool) Close(ctx context.Context) {
	p.StopReaper()

	p.mu.Lock()
	recs := make([]*Record, 0, len(p.records))
	for id, rec := range p.records {
		recs = append(recs, rec)
		delete(p.records, id)
	}
	p.observer.PoolSize(0)
	p.mu.Unlock()
	p.disconnectAll(ctx, recs, "shutdown")
}

// disconnect closes rec's client with the pool's timeout. Errors are logged.
func (p *Pool) disconnect(ctx context.Context, rec *Record, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.disconnectTimeout)
	defer cancel()

	if err := rec.Client.Disconnect(ctx); err != nil {
		slog.Warn("failed to disconnect client",
			"user_id", rec.UserID,
			"reason", reason,
			"error", err,
		)
		return
	}
	slog.Debug("client disconnected", "user_id", rec.UserID, "reason", reason)
}

func (p *Pool) disconnectAll(ctx context.Context, recs []*Record, reason string) {
	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *Record) {
			defer wg.Done()
			p.disconnect(ctx, rec, reason)
		}(rec)
	}
	wg.Wait()
}
