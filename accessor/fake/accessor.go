// Package fake provides an in-memory stand-in for the metadata store,
// backed by buntdb, for use by tests and local experimentation. It is not
// part of the cache's production path - see accessor.Accessor for the
// contract a real coordination-service client implements.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/teris-io/shortid"
	"github.com/tidwall/buntdb"

	"github.com/ais-cluster/clustercache/accessor"
)

// Accessor implements accessor.Accessor over an in-memory buntdb instance.
// buntdb gives us ordered key iteration (AscendKeys) for free, which is
// what Children() needs for a prefix scan; it does not give us version
// counters, so those are tracked separately under versions.
type Accessor struct {
	db *buntdb.DB

	mu       sync.Mutex
	versions map[string]int64
	sizes    map[string]int
}

// New opens an in-memory (":memory:") buntdb database.
func New() (*Accessor, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open fake accessor store: %w", err)
	}
	return &Accessor{
		db:       db,
		versions: map[string]int64{},
		sizes:    map[string]int{},
	}, nil
}

var _ accessor.Accessor = (*Accessor)(nil)

func (a *Accessor) Close() error { return a.db.Close() }

func (a *Accessor) KeyBuilder() accessor.KeyBuilder { return keyBuilder{} }

func (a *Accessor) Children(_ context.Context, parent accessor.PropertyKey) ([]string, error) {
	// Leaf current-state records are stored under the CurrentState tag, so a
	// CurrentStates parent lists them by the same (instance, session) prefix.
	if parent.Cat == accessor.CurrentStates {
		parent.Cat = accessor.CurrentState
	}
	prefix := parent.Path() + "/"
	var names []string
	err := a.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			rest := strings.TrimPrefix(key, prefix)
			if rest != "" && !strings.Contains(rest, "/") {
				names = append(names, rest)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (a *Accessor) ChildValuesMap(ctx context.Context, parent accessor.PropertyKey, throwOnMissing bool) (map[string]*accessor.Record, error) {
	names, err := a.Children(ctx, parent)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*accessor.Record, len(names))
	for _, name := range names {
		childKey := accessor.NewKey(parent.Cat, append(append([]string{}, parent.Params...), name)...)
		rec, err := a.GetProperty(ctx, childKey)
		if err != nil {
			return nil, err
		}
		if rec == nil && throwOnMissing {
			return nil, fmt.Errorf("child %q of %s missing on fetch", name, parent.Path())
		}
		out[name] = rec
	}
	return out, nil
}

func (a *Accessor) GetProperty(_ context.Context, key accessor.PropertyKey) (*accessor.Record, error) {
	var body string
	err := a.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key.Path())
		if err != nil {
			return err
		}
		body = v
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return &accessor.Record{
		Key:        key,
		Stat:       accessor.Stat{CreationVersion: 1, ModifiedVersion: a.versions[key.Path()], Size: int64(len(body))},
		Body:       []byte(body),
		BucketSize: a.sizes[key.Path()],
	}, nil
}

func (a *Accessor) GetProperties(ctx context.Context, keys []accessor.PropertyKey, throwOnMissing bool) ([]*accessor.Record, error) {
	out := make([]*accessor.Record, len(keys))
	for i, k := range keys {
		rec, err := a.GetProperty(ctx, k)
		if err != nil {
			return nil, err
		}
		if rec == nil && throwOnMissing {
			return nil, fmt.Errorf("property %s missing on fetch", k.Path())
		}
		out[i] = rec
	}
	return out, nil
}

func (a *Accessor) GetPropertyStats(ctx context.Context, keys []accessor.PropertyKey) ([]*accessor.Stat, error) {
	out := make([]*accessor.Stat, len(keys))
	for i, k := range keys {
		rec, err := a.GetProperty(ctx, k)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		out[i] = &rec.Stat
	}
	return out, nil
}

func (a *Accessor) SetProperty(_ context.Context, key accessor.PropertyKey, rec *accessor.Record) (bool, error) {
	err := a.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key.Path(), string(rec.Body), nil)
		return err
	})
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	a.versions[key.Path()]++
	a.sizes[key.Path()] = rec.BucketSize
	a.mu.Unlock()
	return true, nil
}

// NewID mints a short, URL-safe identifier for test fixtures (session ids,
// message ids) using the same generator family the pipeline's own tooling
// favors for human-scannable opaque ids.
func NewID() (string, error) { return shortid.Generate() }

// MustNewID panics on generator failure; for use in test setup where a
// failure means the test environment itself is broken.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}
