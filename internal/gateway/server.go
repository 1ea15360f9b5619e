// Package gateway implements the WebSocket session manager: per-connection
// handshake/auth, protocol dispatch, and backpressure, built on
// gorilla/websocket (read/write pumps, per-session rate limiting, ping/pong
// keepalive).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticesync/collab/internal/auth"
	"github.com/latticesync/collab/internal/crdt"
	"github.com/latticesync/collab/internal/docapi"
	"github.com/latticesync/collab/internal/gatewayerr"
	"github.com/latticesync/collab/internal/protocol"
	"github.com/latticesync/collab/internal/ratelimit"
	"github.com/latticesync/collab/internal/redisstream"
	"github.com/latticesync/collab/internal/subscription"
)

const (
	messagesPerSecond = 100
	messageBurst      = 200
	maxRateViolations = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server dispatches accepted WebSocket connections to the subscription
// multiplexer and API client.
type Server struct {
	table    *subscription.Table
	api      *docapi.Client
	checker  auth.Checker
	factory  crdt.Factory
	limiters *ratelimit.PerSession
}

// NewServer wires the gateway's dependencies. table must already be
// running (Table.Start).
func NewServer(table *subscription.Table, api *docapi.Client, checker auth.Checker, factory crdt.Factory) *Server {
	return &Server{
		table:    table,
		api:      api,
		checker:  checker,
		factory:  factory,
		limiters: ratelimit.NewPerSession(messagesPerSecond, messageBurst, 10000),
	}
}

// ServeWS upgrades the request and runs the session until it closes. Room
// is taken from the URL path (ws://host:port/{room}); docid is always
// "index" unless a "doc" query parameter overrides it.
func (srv *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	room := strings.Trim(r.URL.Path, "/")
	if room == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	if strings.Contains(room, ":") {
		http.Error(w, "room must not contain ':'", http.StatusBadRequest)
		return
	}
	docid := r.URL.Query().Get("doc")
	if docid == "" {
		docid = "index"
	}
	k := redisstream.RoomKey{Room: room, Docid: docid}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade error: %v", err)
		return
	}

	sess := NewSession(conn, newSessionID())

	ctx := context.Background()
	token, err := srv.handshake(ctx, sess, r)
	if err != nil {
		log.Printf("gateway: handshake failed for room %s: %v", room, err)
		sess.close(1003, "handshake failed")
		return
	}

	result, err := srv.checker.Check(ctx, token, room)
	if err != nil || result.Permission == auth.PermissionNone {
		authErr := gatewayerr.Wrap(gatewayerr.ErrAuthFailed, fmt.Errorf("checker rejected token for room %s", room))
		log.Printf("gateway: %v", authErr)
		sess.close(4001, "unauthorized")
		return
	}

	if err := srv.table.Subscribe(ctx, k, sess); err != nil {
		log.Printf("gateway: subscribe failed for room %s: %v", room, gatewayerr.Wrap(gatewayerr.ErrTransient, err))
		sess.close(1011, "internal error")
		return
	}

	go sess.writePump()
	srv.readLoop(ctx, sess, k)

	srv.table.Unsubscribe(k, sess)
	srv.limiters.Remove(sess.id)
}

// handshake awaits an auth frame, or accepts a token carried directly on
// the URL query parameter.
func (srv *Server) handshake(ctx context.Context, sess *Session, r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	if err := sess.writeFrame(protocol.Encode(protocol.KindAuthRequest, nil)); err != nil {
		return "", err
	}

	data, err := sess.readOne()
	if err != nil {
		return "", err
	}
	msgs, err := protocol.DecodeAll(data)
	if err != nil {
		return "", protocol.ErrMalformed
	}
	if msgs[0].Kind != protocol.KindAuthReply {
		return "", protocol.ErrMalformed
	}
	_ = ctx
	return string(msgs[0].Payload), nil
}

func (srv *Server) readLoop(ctx context.Context, sess *Session, k redisstream.RoomKey) {
	violations := 0

	err := sess.readPump(func(data []byte) error {
		msgs, err := protocol.DecodeAll(data)
		if err != nil {
			log.Printf("gateway: malformed frame from %s in room %s: %v", sess.id, k.Room, err)
			return gatewayerr.Wrap(gatewayerr.ErrProtocolViolation, err)
		}

		for _, m := range msgs {
			if !srv.limiters.Get(sess.id).Allow() {
				violations++
				if violations%100 == 1 {
					log.Printf("gateway: rate limit exceeded for %s in room %s (warning #%d)", sess.id, k.Room, violations)
				}
				if violations > maxRateViolations {
					log.Printf("gateway: disconnecting %s for excessive rate limit violations", sess.id)
					return errRateLimited
				}
				continue
			}

			if err := srv.handleMessage(ctx, sess, k, m); err != nil {
				return err
			}
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, gatewayerr.ErrProtocolViolation):
		sess.close(1003, "malformed frame")
	case errors.Is(err, errRateLimited):
		sess.close(1008, "rate limit exceeded")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
	default:
		log.Printf("gateway: session %s in room %s ended: %v", sess.id, k.Room, err)
	}
}

var errRateLimited = ratelimitError{}

type ratelimitError struct{}

func (ratelimitError) Error() string { return "gateway: session disconnected for excessive rate limit violations" }

func (srv *Server) handleMessage(ctx context.Context, sess *Session, k redisstream.RoomKey, m protocol.Message) error {
	switch m.Kind {
	case protocol.KindSyncStep1:
		return srv.replyStep2(ctx, sess, k, m.Payload)

	case protocol.KindUpdate:
		if _, err := srv.table.Publish(ctx, k, m.Payload, sess.id); err != nil {
			log.Printf("gateway: publish failed for room %s: %v", k.Room, err)
		}
		return nil

	case protocol.KindAwareness:
		frame := protocol.Encode(protocol.KindAwareness, m.Payload)
		srv.table.BroadcastLocal(k, frame, sess.id)
		return nil

	case protocol.KindAuthReply:
		// Re-auth mid-session is not part of this system's contract; ignore.
		return nil

	default:
		return gatewayerr.Wrap(gatewayerr.ErrProtocolViolation, protocol.ErrMalformed)
	}
}

// replyStep2 answers a sync-step-1 frame with sync-step-2 computed from
// the current merged doc and the remote state vector.
func (srv *Server) replyStep2(ctx context.Context, sess *Session, k redisstream.RoomKey, remoteSV []byte) error {
	doc, err := srv.api.GetDoc(ctx, k)
	if err != nil {
		return err
	}
	merged := srv.factory()
	if err := merged.Merge(doc.Merged); err != nil {
		return err
	}
	diff := merged.Diff(remoteSV)
	return sess.writeFrame(protocol.Encode(protocol.KindUpdate, diff))
}

// pingInterval documents the cadence operators should budget for when
// tuning reverse-proxy idle timeouts against this gateway's keepalive.
const pingInterval = 30 * time.Second
