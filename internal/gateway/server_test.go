package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticesync/collab/internal/auth"
	"github.com/latticesync/collab/internal/crdt"
	"github.com/latticesync/collab/internal/docapi"
	"github.com/latticesync/collab/internal/protocol"
	"github.com/latticesync/collab/internal/redisstream"
	"github.com/latticesync/collab/internal/storage"
	"github.com/latticesync/collab/internal/subscription"
)

func newTestServer(t *testing.T) (*httptest.Server, *subscription.Table) {
	t.Helper()

	st := storage.NewMemory()
	stream := redisstream.NewFake(redisstream.DefaultConfig("test"))
	api := docapi.New(st, stream, crdt.NewLogDocFactory(), time.Minute)
	table := subscription.NewTable(stream, api)

	ctx, cancel := context.WithCancel(context.Background())
	table.Start(ctx)
	t.Cleanup(func() {
		cancel()
		table.Stop()
	})

	srv := NewServer(table, api, auth.AllowAll{}, crdt.NewLogDocFactory())
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeWS))
	t.Cleanup(ts.Close)

	return ts, table
}

func dial(t *testing.T, ts *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + room + "?token=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestServeWSDeliversInitialSyncStep2(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts, "room-a")
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	msgs, err := protocol.DecodeAll(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msgs[0].Kind != protocol.KindUpdate {
		t.Fatalf("expected KindUpdate for initial sync, got %v", msgs[0].Kind)
	}
}

func TestServeWSBroadcastsUpdateBetweenSessions(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dial(t, ts, "room-b")
	defer a.Close()
	b := dial(t, ts, "room-b")
	defer b.Close()

	// drain the initial sync-step-2 frame each session receives.
	a.ReadMessage()
	b.ReadMessage()

	update := []byte("hello")
	frame := protocol.Encode(protocol.KindUpdate, update)
	if err := a.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("session b never received the broadcast: %v", err)
	}
	msgs, err := protocol.DecodeAll(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(msgs[0].Payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", msgs[0].Payload)
	}
}

func TestServeWSAwarenessNeverEchoesToSender(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dial(t, ts, "room-c")
	defer a.Close()
	a.ReadMessage()

	frame := protocol.Encode(protocol.KindAwareness, []byte("cursor"))
	if err := a.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatal("expected no echo of the sender's own awareness frame")
	}
}

func TestServeWSClosesWithProtocolViolationOnMalformedFrame(t *testing.T) {
	ts, _ := newTestServer(t)

	conn := dial(t, ts, "room-d")
	defer conn.Close()
	conn.ReadMessage()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != 1003 {
		t.Fatalf("expected close code 1003, got %d", closeErr.Code)
	}
}

func TestServeWSClosesSlowClientWithBackpressure(t *testing.T) {
	ts, _ := newTestServer(t)

	slow := dial(t, ts, "room-e")
	defer slow.Close()
	slow.ReadMessage() // drain the initial sync-step-2; never read again.

	writer := dial(t, ts, "room-e")
	defer writer.Close()
	writer.ReadMessage()

	update := protocol.Encode(protocol.KindUpdate, []byte("x"))
	for i := 0; i < sendBufferSize+100; i++ {
		if err := writer.WriteMessage(websocket.BinaryMessage, update); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	slow.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := slow.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error for the slow client, got %v", err)
	}
	if closeErr.Code != 1008 {
		t.Fatalf("expected close code 1008, got %d", closeErr.Code)
	}
}

func TestServeWSRejectsEmptyRoom(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
