package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
)

var outgoingPrefix = []byte("sd:outgoing:")

// PebbleStore is a Pebble-backed Store, for a single SD daemon process that
// must not reuse an outgoing session id across restarts.
type PebbleStore struct {
	db     *pebble.DB
	mu     sync.RWMutex
	closed bool
}

// PebbleStoreConfig configures the Pebble store.
type PebbleStoreConfig struct {
	Path string
	Opts *pebble.Options
}

// NewPebbleStore opens (or creates) a Pebble-backed Store at config.Path.
func NewPebbleStore(config PebbleStoreConfig) (*PebbleStore, error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{ErrorIfExists: false}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, err
	}

	return &PebbleStore{db: db}, nil
}

func outgoingKey(peer string) []byte {
	key := make([]byte, len(outgoingPrefix)+len(peer))
	copy(key, outgoingPrefix)
	copy(key[len(outgoingPrefix):], peer)
	return key
}

func (p *PebbleStore) SaveOutgoing(ctx context.Context, rec Record) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return p.db.Set(outgoingKey(rec.Peer), value, pebble.Sync)
}

func (p *PebbleStore) LoadOutgoing(ctx context.Context, peer string) (Record, error) {
	if ctx.Err() != nil {
		return Record{}, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return Record{}, ErrStoreClosed
	}
	p.mu.RUnlock()

	value, closer, err := p.db.Get(outgoingKey(peer))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (p *PebbleStore) ListOutgoing(ctx context.Context) ([]Record, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	p.mu.RUnlock()

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: outgoingPrefix,
		UpperBound: append(append([]byte(nil), outgoingPrefix...), 0xff),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var recs []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return recs, nil
}

func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStoreClosed
	}
	p.closed = true
	return p.db.Close()
}
