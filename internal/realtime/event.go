package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType tags every frame exchanged over a sync connection.
type MessageType string

const (
	// Client-to-server mutation tags.
	MessageEntryCreated     MessageType = "ENTRY_CREATED"
	MessageEntryUpdated     MessageType = "ENTRY_UPDATED"
	MessageEntryDeleted     MessageType = "ENTRY_DELETED"
	MessagePieceAdded       MessageType = "PIECE_ADDED"
	MessagePieceUpdated     MessageType = "PIECE_UPDATED"
	MessagePieceRemoved     MessageType = "PIECE_REMOVED"
	MessagePieceDissociated MessageType = "PIECE_DISSOCIATED"

	// Client-to-server protocol tags.
	MessageSyncRequest MessageType = "SYNC_REQUEST"
	MessagePing        MessageType = "PING"

	// Server-to-client tags.
	MessagePong               MessageType = "PONG"
	MessageWelcome            MessageType = "WELCOME"
	MessageBulkSync           MessageType = "BULK_SYNC"
	MessageRepertoireBulkSync MessageType = "REPERTOIRE_BULK_SYNC"
	MessageSyncResponse       MessageType = "SYNC_RESPONSE"
	MessageError              MessageType = "ERROR"
)

var (
	// ErrUnparseableFrame indicates the frame was not a JSON object.
	ErrUnparseableFrame = errors.New("realtime: unparseable frame")
	// ErrUnknownMessageType indicates a tag outside the known set.
	ErrUnknownMessageType = errors.New("realtime: unknown message type")
	// ErrInvalidMessageShape indicates a known tag whose payload fields do not match its schema.
	ErrInvalidMessageShape = errors.New("realtime: invalid message shape")
)

// Message is the wire representation of a ChangeEvent. Exactly one of the
// payload fields is populated, matching the tag's schema.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp,omitzero"`

	Entry   map[string]interface{}   `json:"entry,omitempty"`
	Entries []map[string]interface{} `json:"entries,omitempty"`
	Piece   map[string]interface{}   `json:"piece,omitempty"`
	Pieces  []map[string]interface{} `json:"pieces,omitempty"`
	EntryID string                   `json:"entryId,omitempty"`
	ScoreID string                   `json:"scoreId,omitempty"`

	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
	Message      string     `json:"message,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// DecodeMessage parses a frame into a Message and checks the tag-specific
// shape. Unknown tags return ErrUnknownMessageType with the partially decoded
// message so the caller can log the tag before ignoring the frame.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableFrame, err)
	}
	if !knownMessageType(msg.Type) {
		return &msg, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
	if err := msg.validateShape(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func knownMessageType(t MessageType) bool {
	switch t {
	case MessageEntryCreated, MessageEntryUpdated, MessageEntryDeleted,
		MessagePieceAdded, MessagePieceUpdated, MessagePieceRemoved, MessagePieceDissociated,
		MessageSyncRequest, MessagePing, MessagePong, MessageWelcome,
		MessageBulkSync, MessageRepertoireBulkSync, MessageSyncResponse, MessageError:
		return true
	}
	return false
}

// ServerOnly reports whether the tag is only ever emitted by the server.
// Receipt of one of these from a client is unexpected and gets ignored.
func (m *Message) ServerOnly() bool {
	switch m.Type {
	case MessagePong, MessageWelcome, MessageBulkSync, MessageRepertoireBulkSync,
		MessageSyncResponse, MessageError:
		return true
	}
	return false
}

func (m *Message) validateShape() error {
	switch m.Type {
	case MessageEntryCreated, MessageEntryUpdated:
		if m.Entry == nil {
			return fmt.Errorf("%w: %s requires an entry payload", ErrInvalidMessageShape, m.Type)
		}
	case MessageEntryDeleted:
		if m.EntryID == "" && m.Entry == nil {
			return fmt.Errorf("%w: %s requires an entry identifier", ErrInvalidMessageShape, m.Type)
		}
	case MessagePieceAdded, MessagePieceUpdated:
		if m.Piece == nil {
			return fmt.Errorf("%w: %s requires a piece payload", ErrInvalidMessageShape, m.Type)
		}
	case MessagePieceRemoved, MessagePieceDissociated:
		if m.ScoreID == "" && m.Piece == nil {
			return fmt.Errorf("%w: %s requires a piece identifier", ErrInvalidMessageShape, m.Type)
		}
	case MessageBulkSync:
		if m.Entries == nil {
			return fmt.Errorf("%w: %s requires entries", ErrInvalidMessageShape, m.Type)
		}
	case MessageRepertoireBulkSync:
		if m.Pieces == nil {
			return fmt.Errorf("%w: %s requires pieces", ErrInvalidMessageShape, m.Type)
		}
	}
	return nil
}
