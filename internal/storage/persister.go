package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/pkg/logger"
)

// Evictor frees space in the resource cache when the durable store is full
type Evictor interface {
	EvictOldest(ctx context.Context, n int) (int, error)
}

// Persister saves and loads manager snapshots under a namespace
type Persister struct {
	store      KeyValueStore
	codec      Codec
	evictor    Evictor
	evictBatch int
	namespace  string
	logger     *logrus.Logger
}

// NewPersister creates a persister; codec and evictor may be nil
func NewPersister(store KeyValueStore, codec Codec, evictor Evictor, evictBatch int, log *logrus.Logger) *Persister {
	if log == nil {
		log = logger.NewDiscard()
	}
	if codec == nil {
		codec = NopCodec{}
	}
	if evictBatch <= 0 {
		evictBatch = 25
	}
	return &Persister{
		store:      store,
		codec:      codec,
		evictor:    evictor,
		evictBatch: evictBatch,
		logger:     log,
	}
}

// Namespace returns a copy of the persister that prefixes every key with ns + ":"
func (p *Persister) Namespace(ns string) *Persister {
	clone := *p
	clone.namespace = ns
	return &clone
}

func (p *Persister) key(name string) string {
	if p.namespace == "" {
		return name
	}
	return p.namespace + ":" + name
}

// Save serializes v and writes it. On quota exhaustion the oldest cache
// entries are evicted and the write is retried once.
func (p *Persister) Save(ctx context.Context, name string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", p.key(name), err)
	}

	encoded, err := p.codec.Encode(raw)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p.key(name), err)
	}

	err = p.store.Put(ctx, p.key(name), encoded)
	if !errors.Is(err, ErrQuotaExceeded) || p.evictor == nil {
		return err
	}

	evicted, evictErr := p.evictor.EvictOldest(ctx, p.evictBatch)
	p.logger.WithFields(logrus.Fields{
		"key":     p.key(name),
		"evicted": evicted,
	}).Warn("Storage quota exceeded, evicted oldest cache entries")
	if evictErr != nil {
		return fmt.Errorf("quota cleanup failed: %w", evictErr)
	}

	return p.store.Put(ctx, p.key(name), encoded)
}

// Load reads the value saved under name into v; found is false when nothing was saved
func (p *Persister) Load(ctx context.Context, name string, v interface{}) (bool, error) {
	encoded, err := p.store.Get(ctx, p.key(name))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	raw, err := p.codec.Decode(encoded)
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", p.key(name), err)
	}
	return true, nil
}

// Delete removes the value saved under name
func (p *Persister) Delete(ctx context.Context, name string) error {
	return p.store.Delete(ctx, p.key(name))
}
