package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/latticesync/collab/internal/crdt"
	"github.com/latticesync/collab/internal/docapi"
	"github.com/latticesync/collab/internal/protocol"
	"github.com/latticesync/collab/internal/redisstream"
	"github.com/latticesync/collab/internal/storage"
)

// mockClient simulates a WebSocket session for testing, the same role the
// fan-out tests exercise.
type mockClient struct {
	id       string
	mu       sync.Mutex
	received [][]byte
	full     bool
}

func newMockClient(id string) *mockClient {
	return &mockClient{id: id}
}

func (m *mockClient) Send(frame []byte) bool {
	if m.full {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, frame)
	return true
}

func (m *mockClient) SessionID() string { return m.id }

func (m *mockClient) snapshot() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.received))
	copy(out, m.received)
	return out
}

func newTestTable() (*Table, *redisstream.FakeClient) {
	st := storage.NewMemory()
	stream := redisstream.NewFake(redisstream.DefaultConfig("t"))
	api := docapi.New(st, stream, crdt.NewLogDocFactory(), 100*time.Millisecond)
	return NewTable(stream, api), stream
}

func TestSubscribeDeliversCurrentDoc(t *testing.T) {
	ctx := context.Background()
	table, stream := newTestTable()
	k := redisstream.RoomKey{Room: "r1", Docid: "index"}

	stream.Publish(ctx, k, []byte("preexisting"))

	a := newMockClient("a")
	if err := table.Subscribe(ctx, k, a); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	received := a.snapshot()
	if len(received) != 1 {
		t.Fatalf("expected 1 sync-step-2 frame, got %d", len(received))
	}
	msgs, err := protocol.DecodeAll(received[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msgs[0].Kind != protocol.KindUpdate {
		t.Fatalf("expected KindUpdate, got %v", msgs[0].Kind)
	}
}

func TestPublishBroadcastsToOtherClientsButNotOrigin(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable()
	k := redisstream.RoomKey{Room: "r1", Docid: "index"}
	table.Start(ctx)
	defer table.Stop()

	a := newMockClient("a")
	b := newMockClient("b")
	table.Subscribe(ctx, k, a)
	table.Subscribe(ctx, k, b)

	if _, err := table.Publish(ctx, k, []byte("hello"), a.SessionID()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.snapshot()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	bFrames := b.snapshot()
	if len(bFrames) < 2 {
		t.Fatalf("expected b to receive sync-step-2 plus the broadcast update, got %d frames", len(bFrames))
	}

	aFrames := a.snapshot()
	if len(aFrames) != 1 {
		t.Fatalf("expected a (the origin) to receive only its own sync-step-2, got %d frames", len(aFrames))
	}
}

func TestUnsubscribeRemovesEmptyRoom(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable()
	k := redisstream.RoomKey{Room: "r1", Docid: "index"}

	a := newMockClient("a")
	table.Subscribe(ctx, k, a)
	if table.RoomCount() != 1 {
		t.Fatalf("expected 1 room, got %d", table.RoomCount())
	}

	table.Unsubscribe(k, a)
	if table.RoomCount() != 0 {
		t.Fatalf("expected room to be dropped after last client leaves, got %d", table.RoomCount())
	}
}

func TestTwoGatewaysOneRoomDeliversAcrossTablesWithoutDoubleDelivery(t *testing.T) {
	ctx := context.Background()

	st := storage.NewMemory()
	stream := redisstream.NewFake(redisstream.DefaultConfig("t"))
	apiG1 := docapi.New(st, stream, crdt.NewLogDocFactory(), 100*time.Millisecond)
	apiG2 := docapi.New(st, stream, crdt.NewLogDocFactory(), 100*time.Millisecond)

	g1 := NewTable(stream, apiG1)
	g2 := NewTable(stream, apiG2)
	g1.Start(ctx)
	defer g1.Stop()
	g2.Start(ctx)
	defer g2.Stop()

	k := redisstream.RoomKey{Room: "r1", Docid: "index"}

	a := newMockClient("a") // connected to gateway G1
	b := newMockClient("b") // connected to gateway G2
	if err := g1.Subscribe(ctx, k, a); err != nil {
		t.Fatalf("Subscribe a on g1: %v", err)
	}
	if err := g2.Subscribe(ctx, k, b); err != nil {
		t.Fatalf("Subscribe b on g2: %v", err)
	}

	if _, err := g1.Publish(ctx, k, []byte("u"), a.SessionID()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.snapshot()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	bFrames := b.snapshot()
	if len(bFrames) != 2 {
		t.Fatalf("expected b on the second gateway to receive sync-step-2 plus a's update within one XREAD cycle, got %d frames", len(bFrames))
	}

	// give both gateways' loops another cycle to settle before checking a
	// was not handed back its own write.
	time.Sleep(50 * time.Millisecond)
	aFrames := a.snapshot()
	if len(aFrames) != 1 {
		t.Fatalf("expected a (the origin, on the first gateway) to never be delivered its own update, got %d frames", len(aFrames))
	}
}

func TestBroadcastLocalSkipsOriginAndDoesNotTouchRedis(t *testing.T) {
	ctx := context.Background()
	table, stream := newTestTable()
	k := redisstream.RoomKey{Room: "r1", Docid: "index"}

	a := newMockClient("a")
	b := newMockClient("b")
	table.Subscribe(ctx, k, a)
	table.Subscribe(ctx, k, b)

	frame := protocol.Encode(protocol.KindAwareness, []byte("cursor-update"))
	table.BroadcastLocal(k, frame, a.SessionID())

	if len(b.snapshot()) != 2 {
		t.Fatalf("expected b to get sync-step-2 plus the awareness frame, got %d", len(b.snapshot()))
	}
	if len(a.snapshot()) != 1 {
		t.Fatalf("expected a (origin) to not receive its own awareness frame, got %d", len(a.snapshot()))
	}

	n, _ := stream.StreamLen(ctx, k)
	if n != 0 {
		t.Fatalf("expected awareness traffic to never touch the room stream, got length %d", n)
	}
}
