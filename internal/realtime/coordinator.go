package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cadenzalab/woodshed/backend/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLookback      = 7 * 24 * time.Hour
	defaultCatchupLimit  = 500
	defaultStaleAfter    = 5 * time.Minute
	defaultSweepInterval = time.Minute
	inboxCapacity        = 256

	welcomeText     = "connected to woodshed sync"
	nothingToSync   = "nothing to sync"
	syncUnavailable = "sync temporarily unavailable"
)

// Peer is the outbound half of a device connection. Send marshals one frame;
// Close performs a normal-closure shutdown of the underlying socket.
type Peer interface {
	Send(msg *Message) error
	Close() error
}

// Connection is the ephemeral per-socket state owned by a coordinator.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
	LastPing    time.Time

	peer Peer
}

// ConnectionInfo is the monitoring view of a connection.
type ConnectionInfo struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastPing     time.Time `json:"lastPing"`
}

// CoordinatorConfig tunes one per-user coordinator.
type CoordinatorConfig struct {
	UserID        string
	Store         store.Store
	Logger        *zap.Logger
	Clock         func() time.Time
	Lookback      time.Duration
	CatchupLimit  int
	StaleAfter    time.Duration
	SweepInterval time.Duration

	// onIdle is invoked once, right before the actor goroutine exits with an
	// empty registry. The hub uses it to drop its reference.
	onIdle func(*Coordinator)
}

// Coordinator is the per-user actor. All registry mutation, persistence, and
// broadcast for one user happen on its single goroutine; other goroutines
// only enqueue commands.
type Coordinator struct {
	userID        string
	store         store.Store
	logger        *zap.Logger
	clock         func() time.Time
	lookback      time.Duration
	catchupLimit  int
	staleAfter    time.Duration
	sweepInterval time.Duration
	onIdle        func(*Coordinator)

	inbox chan command

	mu      sync.Mutex
	stopped bool

	// Owned exclusively by the run loop.
	conns      map[string]*Connection
	sweepTimer *time.Timer
}

type command interface{}

type attachCmd struct{ conn *Connection }

type detachCmd struct{ connID string }

type frameCmd struct {
	connID string
	raw    []byte
}

type sweepCmd struct{}

type statusCmd struct{ reply chan []ConnectionInfo }

func newCoordinator(cfg CoordinatorConfig) *Coordinator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}
	catchupLimit := cfg.CatchupLimit
	if catchupLimit <= 0 {
		catchupLimit = defaultCatchupLimit
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	c := &Coordinator{
		userID:        cfg.UserID,
		store:         cfg.Store,
		logger:        logger.With(zap.String("user_id", cfg.UserID)),
		clock:         clock,
		lookback:      lookback,
		catchupLimit:  catchupLimit,
		staleAfter:    staleAfter,
		sweepInterval: sweepInterval,
		onIdle:        cfg.onIdle,
		inbox:         make(chan command, inboxCapacity),
		conns:         make(map[string]*Connection),
	}
	go c.run()
	return c
}

// enqueue hands a command to the actor. Returns false when the actor has
// already stopped (the caller should route to a fresh coordinator) or when
// the inbox is saturated.
func (c *Coordinator) enqueue(cmd command) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	select {
	case c.inbox <- cmd:
		return true
	default:
		c.logger.Warn("coordinator inbox saturated, dropping command")
		return false
	}
}

// stopIfDrained atomically decides whether the actor may exit: nothing queued
// and nothing connected. Taking the lock here closes the race against a
// concurrent enqueue.
func (c *Coordinator) stopIfDrained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) > 0 {
		return false
	}
	c.stopped = true
	return true
}

func (c *Coordinator) run() {
	for cmd := range c.inbox {
		switch typed := cmd.(type) {
		case attachCmd:
			c.handleAttach(typed.conn)
		case detachCmd:
			c.removeConnection(typed.connID, false)
		case frameCmd:
			c.handleFrame(typed.connID, typed.raw)
		case sweepCmd:
			c.handleSweep()
		case statusCmd:
			typed.reply <- c.snapshot()
		}

		if len(c.conns) == 0 && c.stopIfDrained() {
			if c.sweepTimer != nil {
				c.sweepTimer.Stop()
				c.sweepTimer = nil
			}
			if c.onIdle != nil {
				c.onIdle(c)
			}
			return
		}
	}
}

func (c *Coordinator) handleAttach(conn *Connection) {
	c.conns[conn.ID] = conn
	if c.sweepTimer == nil {
		c.scheduleSweep()
	}
	welcome := &Message{
		Type:      MessageWelcome,
		Timestamp: c.clock().UTC(),
		Message:   welcomeText,
	}
	c.sendTo(conn, welcome)
	c.logger.Info("device connected",
		zap.String("connection_id", conn.ID),
		zap.Int("device_count", len(c.conns)))
}

func (c *Coordinator) handleFrame(connID string, raw []byte) {
	conn, ok := c.conns[connID]
	if !ok {
		return
	}

	msg, err := DecodeMessage(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownMessageType) {
			c.logger.Warn("ignoring unknown message type",
				zap.String("connection_id", connID),
				zap.String("type", string(msg.Type)))
			return
		}
		c.sendError(conn, "invalid message format")
		return
	}

	conn.LastPing = c.clock().UTC()

	switch msg.Type {
	case MessagePing:
		c.sendTo(conn, &Message{Type: MessagePong, Timestamp: c.clock().UTC()})
	case MessageSyncRequest:
		c.handleSyncRequest(conn, msg)
	case MessageEntryCreated, MessageEntryUpdated:
		c.handleEntryUpsert(conn, msg)
	case MessageEntryDeleted:
		c.handleEntryDelete(conn, msg)
	case MessagePieceAdded, MessagePieceUpdated:
		c.handlePieceUpsert(conn, msg)
	case MessagePieceRemoved, MessagePieceDissociated:
		c.handlePieceDetach(conn, msg)
	default:
		if msg.ServerOnly() {
			c.logger.Warn("ignoring server-only message from client",
				zap.String("connection_id", connID),
				zap.String("type", string(msg.Type)))
		}
	}
}

func (c *Coordinator) handleEntryUpsert(conn *Connection, msg *Message) {
	entry := SanitizeEntry(msg.Entry)
	if entry == nil {
		c.sendError(conn, "invalid entry payload")
		return
	}
	entryID, _ := entry["id"].(string)

	if _, err := c.store.Upsert(context.Background(), c.userID, store.EntityTypeEntry, entryID, entry, conn.ID); err != nil {
		// Durability is best-effort relative to real-time delivery: the
		// broadcast below proceeds regardless.
		c.logger.Error("entry persistence failed",
			zap.String("entry_id", entryID), zap.Error(err))
	}
	c.touchWatermark()

	outbound := *msg
	outbound.Entry = entry
	c.broadcast(&outbound, conn.ID)
}

func (c *Coordinator) handleEntryDelete(conn *Connection, msg *Message) {
	entryID := msg.EntryID
	if entryID == "" && msg.Entry != nil {
		entryID = resolveIdentifier(msg.Entry, entryIDFields)
	}
	if entryID == "" {
		c.sendError(conn, "invalid entry payload")
		return
	}

	if _, err := c.store.SoftDelete(context.Background(), c.userID, store.EntityTypeEntry, entryID); err != nil {
		c.logger.Error("entry delete persistence failed",
			zap.String("entry_id", entryID), zap.Error(err))
	}
	c.touchWatermark()

	outbound := *msg
	outbound.Entry = nil
	outbound.EntryID = entryID
	c.broadcast(&outbound, conn.ID)
}

func (c *Coordinator) handlePieceUpsert(conn *Connection, msg *Message) {
	piece := SanitizePiece(msg.Piece)
	if piece == nil {
		c.sendError(conn, "invalid piece payload")
		return
	}
	pieceID, _ := piece["id"].(string)

	if _, err := c.store.Upsert(context.Background(), c.userID, store.EntityTypePiece, pieceID, piece, conn.ID); err != nil {
		c.logger.Error("piece persistence failed",
			zap.String("piece_id", pieceID), zap.Error(err))
	}
	c.touchWatermark()

	outbound := *msg
	outbound.Piece = piece
	c.broadcast(&outbound, conn.ID)
}

// handlePieceDetach covers PIECE_REMOVED and PIECE_DISSOCIATED. A dissociation
// carrying the updated piece payload persists as an upsert; an identifier-only
// frame tombstones the record.
func (c *Coordinator) handlePieceDetach(conn *Connection, msg *Message) {
	if msg.Type == MessagePieceDissociated && msg.Piece != nil {
		c.handlePieceUpsert(conn, msg)
		return
	}

	pieceID := msg.ScoreID
	if pieceID == "" && msg.Piece != nil {
		pieceID = resolveIdentifier(msg.Piece, pieceIDFields)
	}
	if pieceID == "" {
		c.sendError(conn, "invalid piece payload")
		return
	}

	if _, err := c.store.SoftDelete(context.Background(), c.userID, store.EntityTypePiece, pieceID); err != nil {
		c.logger.Error("piece delete persistence failed",
			zap.String("piece_id", pieceID), zap.Error(err))
	}
	c.touchWatermark()

	outbound := *msg
	outbound.Piece = nil
	outbound.ScoreID = pieceID
	c.broadcast(&outbound, conn.ID)
}

func (c *Coordinator) handleSyncRequest(conn *Connection, msg *Message) {
	now := c.clock().UTC()
	since := now.Add(-c.lookback)
	if msg.LastSyncTime != nil && !msg.LastSyncTime.IsZero() {
		since = msg.LastSyncTime.UTC()
	}

	ctx := context.Background()
	entryRecords, entryErr := c.store.QueryNewerThan(ctx, c.userID, store.EntityTypeEntry, since, c.catchupLimit)
	pieceRecords, pieceErr := c.store.QueryNewerThan(ctx, c.userID, store.EntityTypePiece, since, c.catchupLimit)
	if entryErr != nil || pieceErr != nil {
		// Catch-up failure must never crash the connection; degrade to a
		// neutral acknowledgment and let the client retry later.
		c.logger.Error("catch-up query failed",
			zap.NamedError("entries", entryErr), zap.NamedError("pieces", pieceErr))
		c.sendTo(conn, &Message{Type: MessageSyncResponse, Timestamp: now, Message: syncUnavailable})
		return
	}

	entries, entryTombstones := c.splitRecords(entryRecords, SanitizeEntry)
	pieces, pieceTombstones := c.splitRecords(pieceRecords, SanitizePiece)

	sent := false
	if len(entries) > 0 {
		c.sendTo(conn, &Message{Type: MessageBulkSync, Timestamp: now, Entries: entries})
		sent = true
	}
	if len(pieces) > 0 {
		c.sendTo(conn, &Message{Type: MessageRepertoireBulkSync, Timestamp: now, Pieces: pieces})
		sent = true
	}

	// Tombstone replay: a device offline during a delete learns of it here
	// instead of carrying the ghost record forever.
	for _, entryID := range entryTombstones {
		c.sendTo(conn, &Message{Type: MessageEntryDeleted, Timestamp: now, EntryID: entryID})
		sent = true
	}
	for _, pieceID := range pieceTombstones {
		c.sendTo(conn, &Message{Type: MessagePieceRemoved, Timestamp: now, ScoreID: pieceID})
		sent = true
	}

	if !sent {
		c.sendTo(conn, &Message{Type: MessageSyncResponse, Timestamp: now, Message: nothingToSync})
	}
}

// splitRecords separates live payloads from tombstones, re-sanitizing every
// live payload as a defense against historically malformed stored data.
func (c *Coordinator) splitRecords(records []store.Record, sanitize func(map[string]interface{}) map[string]interface{}) ([]map[string]interface{}, []string) {
	var live []map[string]interface{}
	var tombstones []string
	for _, record := range records {
		if record.Deleted() {
			tombstones = append(tombstones, record.EntityID)
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(record.Data), &payload); err != nil {
			c.logger.Warn("skipping undecodable stored payload",
				zap.String("entity_type", record.EntityType),
				zap.String("entity_id", record.EntityID), zap.Error(err))
			continue
		}
		cleaned := sanitize(payload)
		if cleaned == nil {
			c.logger.Warn("skipping unsalvageable stored payload",
				zap.String("entity_type", record.EntityType),
				zap.String("entity_id", record.EntityID))
			continue
		}
		live = append(live, cleaned)
	}
	return live, tombstones
}

func (c *Coordinator) handleSweep() {
	now := c.clock().UTC()
	for id, conn := range c.conns {
		if now.Sub(conn.LastPing) <= c.staleAfter {
			continue
		}
		c.logger.Info("evicting stale connection",
			zap.String("connection_id", id),
			zap.Time("last_ping", conn.LastPing))
		c.removeConnection(id, true)
	}
	if len(c.conns) > 0 {
		c.scheduleSweep()
	} else {
		c.sweepTimer = nil
	}
}

// scheduleSweep arms the next eviction pass. The timer is only rearmed while
// the registry is non-empty so an idle user consumes zero background work.
func (c *Coordinator) scheduleSweep() {
	c.sweepTimer = time.AfterFunc(c.sweepInterval, func() {
		c.enqueue(sweepCmd{})
	})
}

func (c *Coordinator) broadcast(msg *Message, senderID string) {
	var failed []string
	for id, conn := range c.conns {
		if id == senderID {
			continue
		}
		if err := conn.peer.Send(msg); err != nil {
			c.logger.Warn("broadcast delivery failed, evicting connection",
				zap.String("connection_id", id), zap.Error(err))
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		c.removeConnection(id, true)
	}
}

func (c *Coordinator) sendTo(conn *Connection, msg *Message) {
	if err := conn.peer.Send(msg); err != nil {
		c.logger.Warn("send failed, evicting connection",
			zap.String("connection_id", conn.ID), zap.Error(err))
		c.removeConnection(conn.ID, true)
	}
}

func (c *Coordinator) sendError(conn *Connection, text string) {
	c.sendTo(conn, &Message{Type: MessageError, Timestamp: c.clock().UTC(), Error: text})
}

func (c *Coordinator) removeConnection(connID string, closePeer bool) {
	conn, ok := c.conns[connID]
	if !ok {
		return
	}
	delete(c.conns, connID)
	if closePeer {
		if err := conn.peer.Close(); err != nil {
			c.logger.Debug("peer close failed", zap.String("connection_id", connID), zap.Error(err))
		}
	}
	c.logger.Info("device disconnected",
		zap.String("connection_id", connID),
		zap.Int("device_count", len(c.conns)))
}

// touchWatermark is fire-and-forget bookkeeping. Failure is logged and
// discarded here, never propagated into the write/broadcast path.
func (c *Coordinator) touchWatermark() {
	token, err := uuid.NewV7()
	if err != nil {
		c.logger.Warn("watermark token generation failed", zap.Error(err))
		return
	}
	if err := c.store.UpdateWatermark(context.Background(), c.userID, token.String(), len(c.conns)); err != nil {
		c.logger.Warn("watermark update failed", zap.Error(err))
	}
}

func (c *Coordinator) snapshot() []ConnectionInfo {
	infos := make([]ConnectionInfo, 0, len(c.conns))
	for _, conn := range c.conns {
		infos = append(infos, ConnectionInfo{
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			ConnectedAt:  conn.ConnectedAt,
			LastPing:     conn.LastPing,
		})
	}
	return infos
}
