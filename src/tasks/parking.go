package tasks

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"changes-agent/src/contracts"
)

// Parking holds delayed tasks until their run time.
type Parking interface {
	Park(ctx context.Context, msg contracts.TaskMessage) error
	// Due removes and returns the tasks whose run time is not after now,
	// earliest first.
	Due(ctx context.Context, now time.Time) ([]contracts.TaskMessage, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryParking keeps parked tasks in process memory. They are lost when
// the process exits; the stale build sweep recovers the affected entities.
type MemoryParking struct {
	mu     sync.Mutex
	parked []contracts.TaskMessage
}

func NewMemoryParking() *MemoryParking {
	return &MemoryParking{}
}

func (p *MemoryParking) Park(ctx context.Context, msg contracts.TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := sort.Search(len(p.parked), func(i int) bool { return p.parked[i].RunAt.After(msg.RunAt) })
	p.parked = append(p.parked, contracts.TaskMessage{})
	copy(p.parked[i+1:], p.parked[i:])
	p.parked[i] = msg
	return nil
}

func (p *MemoryParking) Due(ctx context.Context, now time.Time) ([]contracts.TaskMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := sort.Search(len(p.parked), func(i int) bool { return p.parked[i].RunAt.After(now) })
	due := make([]contracts.TaskMessage, n)
	copy(due, p.parked[:n])
	p.parked = append(p.parked[:0], p.parked[n:]...)
	return due, nil
}

func (p *MemoryParking) Len(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.parked), nil
}

func (p *MemoryParking) Close() error { return nil }

const parkedBucket = "parked"

// BoltParking keeps parked tasks in a BoltDB file so they survive
// restarts. Keys are the run time in big-endian nanoseconds followed by
// the message id, which keeps the bucket in run order.
type BoltParking struct {
	db *bolt.DB
}

// NewBoltParking opens or creates the parking file at path.
func NewBoltParking(path string) (*BoltParking, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(parkedBucket)); err != nil {
			return fmt.Errorf("create parked bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltParking{db: db}, nil
}

func parkKey(runAt time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(runAt.UnixNano()))
	return append(k, id...)
}

func (p *BoltParking) Park(ctx context.Context, msg contracts.TaskMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("task id is required")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(parkedBucket)).Put(parkKey(msg.RunAt, msg.ID), data)
	})
}

func (p *BoltParking) Due(ctx context.Context, now time.Time) ([]contracts.TaskMessage, error) {
	var due []contracts.TaskMessage
	limit := make([]byte, 8)
	binary.BigEndian.PutUint64(limit, uint64(now.UnixNano()))

	err := p.db.Update(func(tx *bolt.Tx) error {
		due = nil
		b := tx.Bucket([]byte(parkedBucket))

		var keys [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k[:8], limit) <= 0; k, v = c.Next() {
			var msg contracts.TaskMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("unmarshal parked task %x: %w", k, err)
			}
			due = append(due, msg)
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("delete parked task: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

func (p *BoltParking) Len(ctx context.Context) (int, error) {
	var n int
	err := p.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(parkedBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

func (p *BoltParking) Close() error {
	return p.db.Close()
}
