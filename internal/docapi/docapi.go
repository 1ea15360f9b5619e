// Package docapi is the API client: document retrieval and update
// injection, embeddable in the gateway or usable standalone. It is the one
// place that knows how to combine a storage snapshot with a stream tail
// into a merged document.
package docapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latticesync/collab/internal/crdt"
	"github.com/latticesync/collab/internal/gatewayerr"
	"github.com/latticesync/collab/internal/redisstream"
	"github.com/latticesync/collab/internal/storage"
)

// Doc is the result of GetDoc: the merged document bytes, the storage
// references that contributed to it, and the highest stream ID observed
// while building the merge. Callers that need to pick up the stream
// immediately after this point (rather than re-reading it) must seed from
// TailID rather than issuing their own, later RangeAll: reading the tail a
// second time after GetDoc returns leaves a window in which a concurrent
// publish lands between the two reads and is skipped by both.
type Doc struct {
	Merged     []byte
	References []storage.Reference
	TailID     string
}

// Client is the API client. It holds no per-room in-memory document state;
// every call recomputes the merge, which is what lets any gateway answer
// for any room without per-process affinity.
type Client struct {
	storage storage.Storage
	stream  redisstream.StreamClient
	factory crdt.Factory

	recentlyQueued   map[redisstream.RoomKey]time.Time
	recentlyQueuedMu sync.Mutex
	queuedTTL        time.Duration
}

// New returns a Client. queuedTTL should equal redisMinMessageLifetime:
// "previously clean" detection uses the same TTL the worker uses to decide
// a stream has drained.
func New(st storage.Storage, stream redisstream.StreamClient, factory crdt.Factory, queuedTTL time.Duration) *Client {
	return &Client{
		storage:        st,
		stream:         stream,
		factory:        factory,
		recentlyQueued: make(map[redisstream.RoomKey]time.Time),
		queuedTTL:      queuedTTL,
	}
}

// GetDoc merges the durable snapshot from storage with the full stream
// tail read via XRANGE.
func (c *Client) GetDoc(ctx context.Context, k redisstream.RoomKey) (*Doc, error) {
	doc := c.factory()

	retrieved, err := c.storage.RetrieveDoc(ctx, k.Room, k.Docid)
	if err != nil {
		return nil, fmt.Errorf("docapi: retrieve snapshot for %s: %w", k, err)
	}

	var refs []storage.Reference
	if retrieved != nil {
		if err := crdt.ValidateSnapshot(retrieved.Merged); err != nil {
			return nil, fmt.Errorf("docapi: snapshot for %s: %w", k, gatewayerr.Wrap(gatewayerr.ErrDataInvariant, err))
		}
		if err := doc.Merge(retrieved.Merged); err != nil {
			return nil, fmt.Errorf("docapi: merge snapshot for %s: %w", k, err)
		}
		refs = retrieved.References
	}

	entries, err := c.stream.RangeAll(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("docapi: range stream for %s: %w", k, err)
	}
	tail := "0"
	for _, e := range entries {
		if err := doc.Merge(e.Data); err != nil {
			return nil, fmt.Errorf("docapi: merge stream entry %s for %s: %w", e.ID, k, err)
		}
		tail = e.ID
	}

	return &Doc{Merged: doc.Snapshot(), References: refs, TailID: tail}, nil
}

// GetStateVector prefers the storage driver's cheaper path, falling back
// to diffing a fully merged doc against empty.
func (c *Client) GetStateVector(ctx context.Context, k redisstream.RoomKey) ([]byte, error) {
	sv, err := c.storage.RetrieveStateVector(ctx, k.Room, k.Docid)
	if err != nil {
		return nil, fmt.Errorf("docapi: retrieve state vector for %s: %w", k, err)
	}
	if sv != nil {
		return sv, nil
	}

	doc, err := c.GetDoc(ctx, k)
	if err != nil {
		return nil, err
	}
	merged := c.factory()
	if err := merged.Merge(doc.Merged); err != nil {
		return nil, fmt.Errorf("docapi: rebuild doc for state vector %s: %w", k, err)
	}
	return merged.StateVector(), nil
}

// AddUpdate publishes to the room stream, and if the room was previously
// clean (no "recently queued" marker), also pushes a worker-queue task so a
// compactor eventually inspects it.
func (c *Client) AddUpdate(ctx context.Context, k redisstream.RoomKey, update []byte) (string, error) {
	if len(update) == 0 {
		return "", fmt.Errorf("docapi: empty update for %s", k)
	}

	id, err := c.stream.Publish(ctx, k, update)
	if err != nil {
		return "", fmt.Errorf("docapi: publish update to %s: %w", k, err)
	}

	if c.markQueuedIfClean(k) {
		if err := c.stream.EnqueueWorkerTask(ctx, k); err != nil {
			return id, fmt.Errorf("docapi: enqueue worker task for %s: %w", k, err)
		}
	}

	return id, nil
}

// markQueuedIfClean returns true (and records the marker) the first time a
// room is touched within queuedTTL, and sweeps any markers that have
// expired so the map does not grow unboundedly.
func (c *Client) markQueuedIfClean(k redisstream.RoomKey) bool {
	c.recentlyQueuedMu.Lock()
	defer c.recentlyQueuedMu.Unlock()

	now := time.Now()
	for rk, until := range c.recentlyQueued {
		if now.After(until) {
			delete(c.recentlyQueued, rk)
		}
	}

	if until, ok := c.recentlyQueued[k]; ok && now.Before(until) {
		return false
	}
	c.recentlyQueued[k] = now.Add(c.queuedTTL)
	return true
}
