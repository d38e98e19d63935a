package session

import (
	"context"
	"log/slog"
	"time"
)

// StartReaper runs Reap every interval in a background goroutine until
// StopReaper or Close is called. Calling it twice is a no-op.
func (p *Pool) StartReaper(interval, maxIdle time.Duration) {
	p.reaperMu.Lock()
	defer p.reaperMu.Unlock()

	if p.stopReaper != nil {
		return
	}
	p.stopReaper = make(chan struct{})
	p.reaperDone = make(chan struct{})

	go p.reapLoop(interval, maxIdle, p.stopReaper, p.reaperDone)
}

// StopReaper stops the background reaper and waits for it to exit.
func (p *Pool) StopReaper() {
	p.reaperMu.Lock()
	defer p.reaperMu.Unlock()

	if p.stopReaper == nil {
		return
	}
	close(p.stopReaper)
	<-p.reaperDone
	p.stopReaper = nil
	p.reaperDone = nil
}

func (p *Pool) reapLoop(interval, maxIdle time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Reap(context.Background(), maxIdle)
		case <-stop:
			return
		}
	}
}

// Reap disconnects and evicts every record idle for at least maxIdle or
// whose connection has died, and returns how many were evicted. Records
// whose user has an operation in flight are skipped. Persisted sessions are not touched, so an evicted
// user is restored transparently on the next read.
func (p *Pool) Reap(ctx context.Context, maxIdle time.Duration) int {
	now := p.now()

	p.mu.Lock()
	var candidates []string
	for userID, rec := range p.records {
		if reapable(rec, now, maxIdle) {
			candidates = append(candidates, userID)
		}
	}
	p.mu.Unlock()

	var evicted []*Record
	var unlocks []func()
	for _, userID := range candidates {
		unlock, ok := p.users.TryLock(userID)
		if !ok {
			slog.Debug("skipping busy session during reap", "user_id", userID)
			continue
		}

		p.mu.Lock()
		rec, ok := p.records[userID]
		if ok && reapable(rec, now, maxIdle) {
			delete(p.records, userID)
			p.observer.PoolSize(len(p.records))
			evicted = append(evicted, rec)
			unlocks = append(unlocks, unlock)
		} else {
			unlock()
		}
		p.mu.Unlock()
	}

	if len(evicted) == 0 {
		return 0
	}

	// Each disconnect is bounded by the pool timeout and they run in
	// parallel, so one stuck connection cannot hold up the others. Errors
	// are logged inside disconnect; the records are already gone.
	p.disconnectAll(ctx, evicted, "idle")
	for _, unlock := range unlocks {
		unlock()
	}

	p.observer.Reaped(len(evicted))
	slog.Info("reaped sessions", "count", len(evicted), "max_idle", maxIdle)
	return len(evicted)
}

// reapable reports whether rec is idle past maxIdle or its connection is gone.
// The caller holds p.mu.
func reapable(rec *Record, now time.Time, maxIdle time.Duration) bool {
	return now.Sub(rec.lastActivity) >= maxIdle || !rec.Client.Alive()
}
