package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketInvocations = []byte("invocations")
	bucketNetwork     = []byte("network")
	keyNetState       = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketInvocations, bucketNetwork} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// invocationKey returns the 16 UUID bytes. UUIDv7 bytes sort by time, so
// bucket order is start order.
func invocationKey(id string) ([]byte, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invocation id %q: %w", id, err)
	}
	return u[:], nil
}

func (s *BoltStore) SaveInvocation(inv *Invocation) error {
	key, err := invocationKey(inv.ID)
	if err != nil {
		return err
	}
	data, err := marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvocations)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketInvocations)
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetInvocation(id string) (*Invocation, error) {
	key, err := invocationKey(id)
	if err != nil {
		return nil, fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	var inv Invocation
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvocations)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketInvocations)
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("invocation %s: %w", id, ErrNotFound)
		}
		return unmarshal(data, &inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListInvocations returns up to limit invocations, newest first.
// A limit <= 0 returns all of them.
func (s *BoltStore) ListInvocations(limit int) ([]*Invocation, error) {
	var out []*Invocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvocations)
		if b == nil {
			return nil // no bucket = no history
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var inv Invocation
			if err := unmarshal(v, &inv); err != nil {
				return fmt.Errorf("decode invocation %x: %w", k, err)
			}
			out = append(out, &inv)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvocations)
		if b == nil {
			return nil
		}
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	return removed, err
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	data, err := marshal(state)
	if err != nil {
		return fmt.Errorf("encode network state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		return b.Put(keyNetState, data)
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var state NetworkState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		data := b.Get(keyNetState)
		if data == nil {
			return fmt.Errorf("network state: %w", ErrNotFound)
		}
		return unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
