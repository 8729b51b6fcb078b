package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/zeebo/xxh3"

	"changes-agent/src/logger"
)

// Locker provides per-entity mutual exclusion. TryLock never waits: ok is
// false when another holder has the key. release must be called once when
// ok is true.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// MemoryLocker serializes holders within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// PostgresLocker takes session-level advisory locks so that workers in
// different processes exclude each other. Each held lock pins one pool
// connection until it is released.
type PostgresLocker struct {
	db  *sqlx.DB
	log logger.Logger
}

func NewPostgresLocker(db *sqlx.DB, log logger.Logger) *PostgresLocker {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	return &PostgresLocker{db: db, log: log}
}

// lockKey maps key onto the bigint advisory lock space.
func lockKey(key string) int64 {
	return int64(xxh3.HashString(key))
}

func (l *PostgresLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection: %w", err)
	}

	id := lockKey(key)
	var acquired bool
	if err := conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to attempt lock %s: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			defer conn.Close()
			// The caller's context may already be done.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var released bool
			if err := conn.QueryRowxContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, id).Scan(&released); err != nil {
				l.log.Error("[Locker] failed to release advisory lock %s: %v", key, err)
			} else if !released {
				l.log.Warn("[Locker] advisory lock %s was not held", key)
			}
		})
	}, true, nil
}
