package integration

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cadenzalab/woodshed/backend/internal/auth"
	"github.com/cadenzalab/woodshed/backend/internal/database"
	"github.com/cadenzalab/woodshed/backend/internal/realtime"
	"github.com/cadenzalab/woodshed/backend/internal/server"
	"github.com/cadenzalab/woodshed/backend/internal/store"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const e2eSecret = "integration-signing-secret"

type stack struct {
	server *httptest.Server
	issuer *auth.Issuer
}

// newStack assembles the full pipeline: sqlite, gorm store, hub, token
// verification, and the gin router behind a live test server.
func newStack(t *testing.T) *stack {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get database handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	recordStore, err := store.NewGormStore(store.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	hub, err := realtime.NewHub(realtime.HubConfig{Store: recordStore})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}

	issuer := auth.NewIssuer(auth.IssuerConfig{
		SigningSecret: []byte(e2eSecret),
		Issuer:        "woodshed-auth",
		Audience:      "woodshed-sync",
		TokenTTL:      time.Minute,
	})
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(e2eSecret),
		Issuer:        "woodshed-auth",
		Audience:      "woodshed-sync",
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{Verifier: verifier, Hub: hub})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &stack{server: ts, issuer: issuer}
}

// dial connects a device for userID and consumes the WELCOME greeting.
func (s *stack) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	token, _, err := s.issuer.Issue(userID, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") +
		"/sync/ws?userId=" + userID + "&token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", userID, err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	welcome := readFrame(t, conn)
	if welcome.Type != realtime.MessageWelcome {
		t.Fatalf("expected WELCOME, got %s", welcome.Type)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) realtime.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg realtime.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return msg
}

func assertNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg realtime.Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("expected no frame, got %s", msg.Type)
	}
}

func TestEntryBroadcastAcrossDevices(t *testing.T) {
	s := newStack(t)

	deviceX := s.dial(t, "user-a")
	deviceY := s.dial(t, "user-a")

	err := deviceX.WriteJSON(map[string]interface{}{
		"type":  "ENTRY_CREATED",
		"entry": map[string]interface{}{"entryId": "e-100", "duration": 45, "notes": "  scales  "},
	})
	if err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	got := readFrame(t, deviceY)
	if got.Type != realtime.MessageEntryCreated {
		t.Fatalf("expected ENTRY_CREATED, got %s", got.Type)
	}
	if got.Entry["id"] != "e-100" {
		t.Fatalf("expected sanitized id e-100, got %v", got.Entry["id"])
	}
	if _, legacy := got.Entry["entryId"]; legacy {
		t.Fatalf("legacy identifier field leaked through: %v", got.Entry)
	}
	if got.Entry["notes"] != "scales" {
		t.Fatalf("expected trimmed notes, got %q", got.Entry["notes"])
	}

	// The originating device never hears its own mutation back.
	assertNoFrame(t, deviceX)
}

func TestBroadcastIsolatedPerUser(t *testing.T) {
	s := newStack(t)

	deviceA := s.dial(t, "user-a")
	deviceB := s.dial(t, "user-b")

	err := deviceA.WriteJSON(map[string]interface{}{
		"type":  "PIECE_ADDED",
		"piece": map[string]interface{}{"scoreId": "p-1", "title": "Etude"},
	})
	if err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	assertNoFrame(t, deviceB)
}

func TestCatchUpAfterReconnect(t *testing.T) {
	s := newStack(t)

	deviceX := s.dial(t, "user-a")
	deviceY := s.dial(t, "user-a")

	err := deviceX.WriteJSON(map[string]interface{}{
		"type":  "ENTRY_CREATED",
		"entry": map[string]interface{}{"id": "e-1", "duration": 30},
	})
	if err != nil {
		t.Fatalf("failed to write entry frame: %v", err)
	}
	err = deviceX.WriteJSON(map[string]interface{}{
		"type":  "PIECE_ADDED",
		"piece": map[string]interface{}{"scoreId": "p-1", "title": "Partita"},
	})
	if err != nil {
		t.Fatalf("failed to write piece frame: %v", err)
	}

	// The broadcast reaching the second device means the coordinator has
	// already persisted both mutations.
	if got := readFrame(t, deviceY); got.Type != realtime.MessageEntryCreated {
		t.Fatalf("expected ENTRY_CREATED, got %s", got.Type)
	}
	if got := readFrame(t, deviceY); got.Type != realtime.MessagePieceAdded {
		t.Fatalf("expected PIECE_ADDED, got %s", got.Type)
	}

	deviceZ := s.dial(t, "user-a")
	since := time.Now().Add(-time.Hour).UTC()
	err = deviceZ.WriteJSON(map[string]interface{}{
		"type":         "SYNC_REQUEST",
		"lastSyncTime": since.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("failed to write sync request: %v", err)
	}

	var sawEntries, sawPieces bool
	for i := 0; i < 2; i++ {
		frame := readFrame(t, deviceZ)
		switch frame.Type {
		case realtime.MessageBulkSync:
			sawEntries = true
			if len(frame.Entries) != 1 || frame.Entries[0]["id"] != "e-1" {
				t.Fatalf("unexpected bulk entries: %#v", frame.Entries)
			}
		case realtime.MessageRepertoireBulkSync:
			sawPieces = true
			if len(frame.Pieces) != 1 || frame.Pieces[0]["id"] != "p-1" {
				t.Fatalf("unexpected bulk pieces: %#v", frame.Pieces)
			}
		default:
			t.Fatalf("unexpected catch-up frame: %s", frame.Type)
		}
	}
	if !sawEntries || !sawPieces {
		t.Fatalf("incomplete catch-up: entries=%v pieces=%v", sawEntries, sawPieces)
	}
}

func TestCatchUpReplaysTombstones(t *testing.T) {
	s := newStack(t)

	deviceX := s.dial(t, "user-a")

	err := deviceX.WriteJSON(map[string]interface{}{
		"type":  "ENTRY_CREATED",
		"entry": map[string]interface{}{"id": "e-1", "duration": 30},
	})
	if err != nil {
		t.Fatalf("failed to write entry frame: %v", err)
	}
	err = deviceX.WriteJSON(map[string]interface{}{
		"type":    "ENTRY_DELETED",
		"entryId": "e-1",
	})
	if err != nil {
		t.Fatalf("failed to write delete frame: %v", err)
	}

	deviceZ := s.dial(t, "user-a")
	// Give the coordinator time to drain the delete before asking.
	waitForDeleted(t, s, deviceZ)
}

func waitForDeleted(t *testing.T, s *stack, conn *websocket.Conn) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		since := time.Now().Add(-time.Hour).UTC()
		err := conn.WriteJSON(map[string]interface{}{
			"type":         "SYNC_REQUEST",
			"lastSyncTime": since.Format(time.RFC3339),
		})
		if err != nil {
			t.Fatalf("failed to write sync request: %v", err)
		}
		frame := readFrame(t, conn)
		if frame.Type == realtime.MessageEntryDeleted && frame.EntryID == "e-1" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("never saw tombstone replay, last frame %s", frame.Type)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMalformedFrameErrorsOnlySender(t *testing.T) {
	s := newStack(t)

	deviceX := s.dial(t, "user-a")
	deviceY := s.dial(t, "user-a")

	if err := deviceX.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("failed to write garbage: %v", err)
	}

	got := readFrame(t, deviceX)
	if got.Type != realtime.MessageError {
		t.Fatalf("expected ERROR for sender, got %s", got.Type)
	}
	assertNoFrame(t, deviceY)
}

func TestPingKeepsConnectionAlive(t *testing.T) {
	s := newStack(t)

	conn := s.dial(t, "user-a")
	if err := conn.WriteJSON(map[string]interface{}{"type": "PING"}); err != nil {
		t.Fatalf("failed to write ping: %v", err)
	}
	if got := readFrame(t, conn); got.Type != realtime.MessagePong {
		t.Fatalf("expected PONG, got %s", got.Type)
	}
}

func TestForeignTokenRejected(t *testing.T) {
	s := newStack(t)

	token, _, err := s.issuer.Issue("user-b", "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") +
		"/sync/ws?userId=user-a&token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail for foreign token")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Fatalf("expected 403 response, got %#v", resp)
	}
	_ = resp.Body.Close()
}
