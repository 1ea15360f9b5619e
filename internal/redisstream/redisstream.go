// Package redisstream is a thin layer over Redis stream commands, providing
// the ordered, at-least-once delivery primitive the gateway fan-out and the
// worker pool are built on. It is grounded on the redis.UniversalClient
// usage pattern other collaboration backends in the retrieval pack use
// (github.com/redis/go-redis/v9), generalized to XADD/XREAD/XREADGROUP/
// XTRIM/XLEN/XAUTOCLAIM.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/latticesync/collab/internal/gatewayerr"
)

// WorkerGroup is the single consumer group every worker process shares.
const WorkerGroup = "worker"

// RoomKey identifies one room stream.
type RoomKey struct {
	Room  string
	Docid string
}

func (k RoomKey) String() string { return k.Room + ":" + k.Docid }

// ParseRoomKey splits the "room:docid" strings pushed onto the worker queue
// back into their parts. Room names themselves never contain ':' because
// the gateway rejects such room names at connect time.
func ParseRoomKey(s string) (RoomKey, error) {
	room, docid, ok := strings.Cut(s, ":")
	if !ok || room == "" || docid == "" {
		return RoomKey{}, fmt.Errorf("redisstream: malformed room key %q", s)
	}
	return RoomKey{Room: room, Docid: docid}, nil
}

// Entry is one delivered stream record.
type Entry struct {
	Room  string
	Docid string
	ID    string
	Data  []byte
}

// Task is one claimed worker-queue entry.
type Task struct {
	ID      string
	RoomKey RoomKey
}

// Config bundles the stream-timing knobs the gateway and worker share.
type Config struct {
	Prefix        string
	ReadBlock     time.Duration
	WorkerBlock   time.Duration
	StreamMaxLen  int64
	ClaimMinIdle  time.Duration
}

// DefaultConfig matches typical production values for blocking reads
// (readBlockMs/workerBlockMs ≈ 1000ms).
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:       prefix,
		ReadBlock:    1000 * time.Millisecond,
		WorkerBlock:  1000 * time.Millisecond,
		StreamMaxLen: 10000,
		ClaimMinIdle: 30 * time.Second,
	}
}

// StreamClient is the interface the API client, subscription multiplexer,
// and worker depend on. Client (backed by real Redis) and FakeClient
// (in-process, for tests) both satisfy it.
type StreamClient interface {
	RoomStreamKey(k RoomKey) string
	WorkerStreamKey() string

	Publish(ctx context.Context, k RoomKey, data []byte) (id string, err error)
	RangeAll(ctx context.Context, k RoomKey) ([]Entry, error)
	ReadRooms(ctx context.Context, lastID map[RoomKey]string) ([]Entry, error)

	EnqueueWorkerTask(ctx context.Context, k RoomKey) error
	ClaimNextTask(ctx context.Context, consumer string) (*Task, error)
	AckTask(ctx context.Context, t *Task) error
	TaskStillOwned(ctx context.Context, t *Task, consumer string) (bool, error)

	TrimStream(ctx context.Context, k RoomKey, uptoID string) error
	StreamLen(ctx context.Context, k RoomKey) (int64, error)
	DeleteStream(ctx context.Context, k RoomKey) error
}

// wrapTransient classifies a Redis I/O failure (timeout, connection reset,
// cluster redirect) as gatewayerr.ErrTransient so callers like the worker's
// claim loop can decide to retry without string-matching op.
func wrapTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("redisstream: %s: %w", op, gatewayerr.Wrap(gatewayerr.ErrTransient, err))
}

// field holding the binary update payload on every room-stream entry.
const dataField = "m"

// field holding the room key on every worker-queue entry.
const roomField = "room"

// Client wraps a redis.UniversalClient (works for single-node, cluster, and
// sentinel deployments alike).
type Client struct {
	rdb redis.UniversalClient
	cfg Config
}

// New returns a Client. The worker consumer group is created, if missing,
// at the start of every ClaimNextTask call.
func New(rdb redis.UniversalClient, cfg Config) *Client {
	return &Client{rdb: rdb, cfg: cfg}
}

func (c *Client) RoomStreamKey(k RoomKey) string {
	return fmt.Sprintf("%s:room:%s:%s", c.cfg.Prefix, k.Room, k.Docid)
}

func (c *Client) WorkerStreamKey() string {
	return c.cfg.Prefix + ":worker"
}

func (c *Client) Publish(ctx context.Context, k RoomKey, data []byte) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.RoomStreamKey(k),
		MaxLen: c.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{dataField: data},
	}).Result()
	if err != nil {
		return "", wrapTransient(fmt.Sprintf("XADD %s", k), err)
	}
	return id, nil
}

func (c *Client) RangeAll(ctx context.Context, k RoomKey) ([]Entry, error) {
	msgs, err := c.rdb.XRange(ctx, c.RoomStreamKey(k), "-", "+").Result()
	if err != nil {
		return nil, wrapTransient(fmt.Sprintf("XRANGE %s", k), err)
	}
	return toEntries(k, msgs), nil
}

// ReadRooms issues a single XREAD across every stream named in lastID,
// blocking up to cfg.ReadBlock. An empty lastID map returns immediately
// with no entries (nothing to read).
func (c *Client) ReadRooms(ctx context.Context, lastID map[RoomKey]string) ([]Entry, error) {
	if len(lastID) == 0 {
		return nil, nil
	}

	keys := make([]RoomKey, 0, len(lastID))
	streams := make([]string, 0, len(lastID)*2)
	for k := range lastID {
		keys = append(keys, k)
	}
	for _, k := range keys {
		streams = append(streams, c.RoomStreamKey(k))
	}
	for _, k := range keys {
		id := lastID[k]
		if id == "" {
			id = "0"
		}
		streams = append(streams, id)
	}

	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Block:   c.cfg.ReadBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapTransient("XREAD", err)
	}

	var out []Entry
	for _, stream := range res {
		k, ok := keyForStream(keys, c, stream.Stream)
		if !ok {
			continue
		}
		out = append(out, toEntries(k, stream.Messages)...)
	}
	return out, nil
}

func keyForStream(keys []RoomKey, c *Client, streamName string) (RoomKey, bool) {
	for _, k := range keys {
		if c.RoomStreamKey(k) == streamName {
			return k, true
		}
	}
	return RoomKey{}, false
}

func toEntries(k RoomKey, msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values[dataField]
		var data []byte
		switch v := raw.(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		}
		out = append(out, Entry{Room: k.Room, Docid: k.Docid, ID: m.ID, Data: data})
	}
	return out
}

func (c *Client) EnqueueWorkerTask(ctx context.Context, k RoomKey) error {
	_, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.WorkerStreamKey(),
		Values: map[string]interface{}{roomField: k.String()},
	}).Result()
	if err != nil {
		return wrapTransient(fmt.Sprintf("enqueue task %s", k), err)
	}
	return nil
}

func (c *Client) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.WorkerStreamKey(), WorkerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return wrapTransient("create consumer group", err)
	}
	return nil
}

// ClaimNextTask first tries to steal any stale pending entry via XAUTOCLAIM
// (this is how a peer recovers a task abandoned by a crashed worker once
// its claim TTL has elapsed), then falls back to XREADGROUP for new work.
func (c *Client) ClaimNextTask(ctx context.Context, consumer string) (*Task, error) {
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}

	if t, err := c.autoClaimOne(ctx, consumer); err != nil {
		return nil, err
	} else if t != nil {
		return t, nil
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    WorkerGroup,
		Consumer: consumer,
		Streams:  []string{c.WorkerStreamKey(), ">"},
		Count:    1,
		Block:    c.cfg.WorkerBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapTransient("XREADGROUP", err)
	}
	for _, stream := range res {
		for _, m := range stream.Messages {
			rk, err := roomKeyFromValues(m.Values)
			if err != nil {
				// Data invariant violation: ack it so it doesn't wedge the
				// PEL forever and move on.
				c.rdb.XAck(ctx, c.WorkerStreamKey(), WorkerGroup, m.ID)
				continue
			}
			return &Task{ID: m.ID, RoomKey: rk}, nil
		}
	}
	return nil, nil
}

func (c *Client) autoClaimOne(ctx context.Context, consumer string) (*Task, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.WorkerStreamKey(),
		Group:    WorkerGroup,
		Consumer: consumer,
		MinIdle:  c.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapTransient("XAUTOCLAIM", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	m := msgs[0]
	rk, err := roomKeyFromValues(m.Values)
	if err != nil {
		c.rdb.XAck(ctx, c.WorkerStreamKey(), WorkerGroup, m.ID)
		return nil, nil
	}
	return &Task{ID: m.ID, RoomKey: rk}, nil
}

func roomKeyFromValues(values map[string]interface{}) (RoomKey, error) {
	raw, ok := values[roomField]
	if !ok {
		return RoomKey{}, fmt.Errorf("redisstream: task entry missing %q field", roomField)
	}
	s, ok := raw.(string)
	if !ok {
		return RoomKey{}, fmt.Errorf("redisstream: task entry %q field not a string", roomField)
	}
	return ParseRoomKey(s)
}

func (c *Client) AckTask(ctx context.Context, t *Task) error {
	pipe := c.rdb.Pipeline()
	pipe.XAck(ctx, c.WorkerStreamKey(), WorkerGroup, t.ID)
	pipe.XDel(ctx, c.WorkerStreamKey(), t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapTransient(fmt.Sprintf("ack task %s", t.ID), err)
	}
	return nil
}

// TaskStillOwned reports whether t is still in consumer's pending entry
// list, i.e. no peer has stolen it via XAUTOCLAIM in the meantime.
func (c *Client) TaskStillOwned(ctx context.Context, t *Task, consumer string) (bool, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.WorkerStreamKey(),
		Group:  WorkerGroup,
		Start:  t.ID,
		End:    t.ID,
		Count:  1,
	}).Result()
	if err != nil {
		return false, wrapTransient(fmt.Sprintf("XPENDING %s", t.ID), err)
	}
	for _, p := range pending {
		if p.ID == t.ID {
			return p.Consumer == consumer, nil
		}
	}
	return false, nil
}

func (c *Client) TrimStream(ctx context.Context, k RoomKey, uptoID string) error {
	if err := c.rdb.XTrimMinID(ctx, c.RoomStreamKey(k), uptoID).Err(); err != nil {
		return wrapTransient(fmt.Sprintf("XTRIM %s", k), err)
	}
	return nil
}

func (c *Client) StreamLen(ctx context.Context, k RoomKey) (int64, error) {
	n, err := c.rdb.XLen(ctx, c.RoomStreamKey(k)).Result()
	if err != nil {
		return 0, wrapTransient(fmt.Sprintf("XLEN %s", k), err)
	}
	return n, nil
}

func (c *Client) DeleteStream(ctx context.Context, k RoomKey) error {
	if err := c.rdb.Del(ctx, c.RoomStreamKey(k)).Err(); err != nil {
		return wrapTransient(fmt.Sprintf("DEL %s", k), err)
	}
	return nil
}
