// Package subscription implements the per-gateway subscription multiplexer:
// the in-memory table binding locally-connected clients to rooms, and the
// single background loop that drains Redis on their behalf.
package subscription

import (
	"context"
	"log"
	"sync"

	"github.com/latticesync/collab/internal/docapi"
	"github.com/latticesync/collab/internal/protocol"
	"github.com/latticesync/collab/internal/redisstream"
)

// Client is anything the multiplexer can deliver frames to: a WebSocket
// session, in production, or a mock in tests.
type Client interface {
	// Send delivers one wire frame. It must not block; implementations with
	// a bounded outbound buffer should return false (rather than blocking)
	// when the buffer is full, so the caller can apply backpressure policy.
	Send(frame []byte) bool
	// SessionID identifies this client for origin-echo suppression. It is
	// never sent on the wire.
	SessionID() string
}

type roomEntry struct {
	lastID  string
	clients map[Client]struct{}
}

type originKey struct {
	k  redisstream.RoomKey
	id string
}

// Table is the per-gateway subscription multiplexer. The zero value is not
// usable; construct with NewTable.
type Table struct {
	mu    sync.Mutex
	rooms map[redisstream.RoomKey]*roomEntry

	origin   map[originKey]string
	originMu sync.Mutex

	stream redisstream.StreamClient
	api    *docapi.Client

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTable returns a Table that is not yet running its background loop;
// call Start to begin draining Redis.
func NewTable(stream redisstream.StreamClient, api *docapi.Client) *Table {
	return &Table{
		rooms:  make(map[redisstream.RoomKey]*roomEntry),
		origin: make(map[originKey]string),
		stream: stream,
		api:    api,
		stop:   make(chan struct{}),
	}
}

// Start launches the background read loop. Safe to call once.
func (t *Table) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.loop(ctx)
}

// Stop halts the background loop and waits for it to exit.
func (t *Table) Stop() {
	close(t.stop)
	t.wg.Wait()
}

// Subscribe registers c for room k. If the room had no prior subscribers,
// it primes the room's lastID at the same stream tail GetDoc observed while
// building the merge, so the read loop won't re-deliver history the initial
// sync already carried. Seeding from GetDoc's own TailID (rather than a
// second, independent RangeAll after it returns) matters: a second read
// opens a window in which a publish landing between the two reads would be
// both absent from the merged doc and skipped forever by the read loop,
// since lastID would already be past it.
func (t *Table) Subscribe(ctx context.Context, k redisstream.RoomKey, c Client) error {
	t.mu.Lock()
	room, existed := t.rooms[k]
	if !existed {
		room = &roomEntry{lastID: "0", clients: make(map[Client]struct{})}
		t.rooms[k] = room
	}
	room.clients[c] = struct{}{}
	t.mu.Unlock()

	doc, err := t.api.GetDoc(ctx, k)
	if err != nil {
		return err
	}

	if !existed {
		t.mu.Lock()
		room.lastID = doc.TailID
		t.mu.Unlock()
	}

	frame := protocol.Encode(protocol.KindUpdate, doc.Merged)
	c.Send(frame)
	return nil
}

// Unsubscribe removes c from room k. If k's client set becomes empty, the
// room is dropped from the table entirely; the next read-loop cycle will no
// longer include it in the XREAD fan-in.
func (t *Table) Unsubscribe(k redisstream.RoomKey, c Client) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[k]
	if !ok {
		return
	}
	delete(room.clients, c)
	if len(room.clients) == 0 {
		delete(t.rooms, k)
	}
}

// Publish pushes update to Redis via the API client and, if origin is
// non-empty, remembers the resulting stream ID so the read loop can skip
// re-delivering it to the originating session once the loop observes it
// come back from Redis. This origin-correlation strategy is used in place
// of relying solely on CRDT idempotence for local echo suppression.
func (t *Table) Publish(ctx context.Context, k redisstream.RoomKey, update []byte, origin string) (string, error) {
	if origin == "" {
		return t.api.AddUpdate(ctx, k, update)
	}
	// originMu is held across the publish so the read loop's takeOrigin
	// cannot look up the new entry before its origin has been recorded.
	t.originMu.Lock()
	defer t.originMu.Unlock()
	id, err := t.api.AddUpdate(ctx, k, update)
	if err != nil {
		return "", err
	}
	t.origin[originKey{k: k, id: id}] = origin
	return id, nil
}

// BroadcastLocal delivers data immediately to every local subscriber of k
// except the session identified by origin. It is used for awareness frames,
// which never touch Redis and so need a purely local fan-out path rather
// than round-tripping through the read loop.
func (t *Table) BroadcastLocal(k redisstream.RoomKey, frame []byte, origin string) {
	t.mu.Lock()
	room, ok := t.rooms[k]
	if !ok {
		t.mu.Unlock()
		return
	}
	clients := make([]Client, 0, len(room.clients))
	for c := range room.clients {
		if c.SessionID() != origin {
			clients = append(clients, c)
		}
	}
	t.mu.Unlock()

	for _, c := range clients {
		c.Send(frame)
	}
}

// RoomCount and ClientCount back the administrative stats surface.
func (t *Table) RoomCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}

func (t *Table) ClientCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.rooms {
		n += len(r.clients)
	}
	return n
}

func (t *Table) loop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		snapshot := t.snapshotLastIDs()
		entries, err := t.stream.ReadRooms(ctx, snapshot)
		if err != nil {
			log.Printf("subscription: ReadRooms error (will retry): %v", err)
			continue
		}
		t.deliver(entries)
	}
}

func (t *Table) snapshotLastIDs() map[redisstream.RoomKey]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[redisstream.RoomKey]string, len(t.rooms))
	for k, r := range t.rooms {
		out[k] = r.lastID
	}
	return out
}

func (t *Table) deliver(entries []redisstream.Entry) {
	for _, e := range entries {
		k := redisstream.RoomKey{Room: e.Room, Docid: e.Docid}

		t.mu.Lock()
		room, ok := t.rooms[k]
		if !ok || redisstream.CompareID(e.ID, room.lastID) <= 0 {
			t.mu.Unlock()
			continue
		}
		room.lastID = e.ID
		clients := make([]Client, 0, len(room.clients))
		for c := range room.clients {
			clients = append(clients, c)
		}
		t.mu.Unlock()

		origin := t.takeOrigin(k, e.ID)
		frame := protocol.Encode(protocol.KindUpdate, e.Data)
		for _, c := range clients {
			if origin != "" && c.SessionID() == origin {
				continue
			}
			if !c.Send(frame) {
				log.Printf("subscription: dropped frame for slow client in room %s", k)
			}
		}
	}
}

func (t *Table) takeOrigin(k redisstream.RoomKey, id string) string {
	t.originMu.Lock()
	defer t.originMu.Unlock()

	ok := originKey{k: k, id: id}
	origin := t.origin[ok]
	delete(t.origin, ok)
	return origin
}
