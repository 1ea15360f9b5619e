package redisstream

import (
	"context"
	"sync"
)

// FakeClient is an in-process stand-in for Client, used by tests so the
// suite has no external Redis dependency, the same "swap the real driver
// for an in-memory one under test" approach also applied to storage.
// It implements the same ordering and at-least-once semantics a real Redis
// stream gives: monotonically increasing IDs, a single pending-entry table
// per task, and idempotent re-delivery on reclaim.
type FakeClient struct {
	mu      sync.Mutex
	cfg     Config
	seq     int64
	streams map[RoomKey]*fakeStream
	worker  []fakeEntry
	pending map[string]*pendingTask
}

type fakeEntry struct {
	id   string
	data []byte
}

type fakeStream struct {
	entries []fakeEntry
}

type pendingTask struct {
	task     *Task
	consumer string
}

// NewFake returns an empty FakeClient.
func NewFake(cfg Config) *FakeClient {
	return &FakeClient{
		cfg:     cfg,
		streams: make(map[RoomKey]*fakeStream),
		pending: make(map[string]*pendingTask),
	}
}

func (f *FakeClient) nextID() string {
	f.seq++
	return "0-" + itoa(f.seq)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (f *FakeClient) RoomStreamKey(k RoomKey) string { return f.cfg.Prefix + ":room:" + k.String() }
func (f *FakeClient) WorkerStreamKey() string        { return f.cfg.Prefix + ":worker" }

func (f *FakeClient) Publish(_ context.Context, k RoomKey, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[k]
	if !ok {
		s = &fakeStream{}
		f.streams[k] = s
	}
	id := f.nextID()
	cp := append([]byte(nil), data...)
	s.entries = append(s.entries, fakeEntry{id: id, data: cp})
	return id, nil
}

func (f *FakeClient) RangeAll(_ context.Context, k RoomKey) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[k]
	if !ok {
		return nil, nil
	}
	return entriesFrom(k, s.entries, ""), nil
}

func entriesFrom(k RoomKey, all []fakeEntry, after string) []Entry {
	var out []Entry
	for _, e := range all {
		if after != "" && CompareID(e.id, after) <= 0 {
			continue
		}
		out = append(out, Entry{Room: k.Room, Docid: k.Docid, ID: e.id, Data: e.data})
	}
	return out
}

func (f *FakeClient) ReadRooms(_ context.Context, lastID map[RoomKey]string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Entry
	for k, after := range lastID {
		s, ok := f.streams[k]
		if !ok {
			continue
		}
		out = append(out, entriesFrom(k, s.entries, after)...)
	}
	return out, nil
}

func (f *FakeClient) EnqueueWorkerTask(_ context.Context, k RoomKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID()
	f.worker = append(f.worker, fakeEntry{id: id, data: []byte(k.String())})
	return nil
}

func (f *FakeClient) ClaimNextTask(_ context.Context, consumer string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, e := range f.worker {
		if _, claimed := f.pending[e.id]; claimed {
			continue
		}
		rk, err := ParseRoomKey(string(e.data))
		if err != nil {
			f.worker = append(f.worker[:i], f.worker[i+1:]...)
			continue
		}
		t := &Task{ID: e.id, RoomKey: rk}
		f.pending[e.id] = &pendingTask{task: t, consumer: consumer}
		return t, nil
	}
	return nil, nil
}

// Reclaim simulates a peer's XAUTOCLAIM stealing a pending entry after its
// owner disappears; it is exposed for tests exercising the worker-crash
// scenario rather than being part of the StreamClient interface (the real
// autoclaim runs inside every Client.ClaimNextTask call and takes entries
// that have been idle for at least ClaimMinIdle).
func (f *FakeClient) Reclaim(id, newConsumer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pending[id]; ok {
		p.consumer = newConsumer
	}
}

func (f *FakeClient) AckTask(_ context.Context, t *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.pending, t.ID)
	for i, e := range f.worker {
		if e.id == t.ID {
			f.worker = append(f.worker[:i], f.worker[i+1:]...)
			break
		}
	}
	return nil
}

func (f *FakeClient) TaskStillOwned(_ context.Context, t *Task, consumer string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pending[t.ID]
	if !ok {
		return false, nil
	}
	return p.consumer == consumer, nil
}

func (f *FakeClient) TrimStream(_ context.Context, k RoomKey, uptoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[k]
	if !ok {
		return nil
	}
	var kept []fakeEntry
	for _, e := range s.entries {
		if CompareID(e.id, uptoID) >= 0 {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (f *FakeClient) StreamLen(_ context.Context, k RoomKey) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[k]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (f *FakeClient) DeleteStream(_ context.Context, k RoomKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, k)
	return nil
}

var _ StreamClient = (*FakeClient)(nil)
