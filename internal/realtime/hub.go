package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/cadenzalab/woodshed/backend/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("realtime: store is required")
	errMissingUserID = errors.New("realtime: user identifier is required")
	errMissingPeer   = errors.New("realtime: peer is required")
)

// HubConfig describes the dependencies shared by all coordinators.
type HubConfig struct {
	Store         store.Store
	Logger        *zap.Logger
	Clock         func() time.Time
	Lookback      time.Duration
	CatchupLimit  int
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// Hub supervises one coordinator per active user. Every connection and frame
// for a user is routed to the same coordinator, which serializes all work for
// that user. Coordinators whose registry empties shut themselves down and the
// hub drops its reference, so idle users cost nothing.
type Hub struct {
	cfg HubConfig

	mu           sync.Mutex
	coordinators map[string]*Coordinator
}

// NewHub constructs the supervising registry.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Hub{
		cfg:          cfg,
		coordinators: make(map[string]*Coordinator),
	}, nil
}

// Attach registers a new device connection for the user and returns its
// connection id. The coordinator greets the device with a WELCOME frame.
func (h *Hub) Attach(userID string, peer Peer) (string, error) {
	if userID == "" {
		return "", errMissingUserID
	}
	if peer == nil {
		return "", errMissingPeer
	}

	connID, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	now := h.cfg.Clock().UTC()
	conn := &Connection{
		ID:          connID.String(),
		UserID:      userID,
		ConnectedAt: now,
		LastPing:    now,
		peer:        peer,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		coordinator, ok := h.coordinators[userID]
		if !ok {
			coordinator = newCoordinator(CoordinatorConfig{
				UserID:        userID,
				Store:         h.cfg.Store,
				Logger:        h.cfg.Logger,
				Clock:         h.cfg.Clock,
				Lookback:      h.cfg.Lookback,
				CatchupLimit:  h.cfg.CatchupLimit,
				StaleAfter:    h.cfg.StaleAfter,
				SweepInterval: h.cfg.SweepInterval,
				onIdle:        h.reap,
			})
			h.coordinators[userID] = coordinator
		}
		if coordinator.enqueue(attachCmd{conn: conn}) {
			return conn.ID, nil
		}
		// Lost the race against an idle shutdown; replace and retry.
		delete(h.coordinators, userID)
	}
}

// Dispatch routes one inbound frame to the user's coordinator. Frames for
// unknown users or already-stopped coordinators are dropped.
func (h *Hub) Dispatch(userID, connID string, raw []byte) {
	if coordinator := h.lookup(userID); coordinator != nil {
		coordinator.enqueue(frameCmd{connID: connID, raw: raw})
	}
}

// Detach removes a connection, typically after its read loop ended.
func (h *Hub) Detach(userID, connID string) {
	if coordinator := h.lookup(userID); coordinator != nil {
		coordinator.enqueue(detachCmd{connID: connID})
	}
}

// Status reports every active connection across all users.
func (h *Hub) Status() []ConnectionInfo {
	h.mu.Lock()
	coordinators := make([]*Coordinator, 0, len(h.coordinators))
	for _, coordinator := range h.coordinators {
		coordinators = append(coordinators, coordinator)
	}
	h.mu.Unlock()

	var infos []ConnectionInfo
	for _, coordinator := range coordinators {
		reply := make(chan []ConnectionInfo, 1)
		if !coordinator.enqueue(statusCmd{reply: reply}) {
			continue
		}
		infos = append(infos, <-reply...)
	}
	return infos
}

func (h *Hub) lookup(userID string) *Coordinator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.coordinators[userID]
}

// reap drops the hub's reference to a coordinator that went idle. The
// coordinator marks itself stopped before calling this, so a concurrent
// Attach observing the stale entry retries with a fresh instance.
func (h *Hub) reap(c *Coordinator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.coordinators[c.userID] == c {
		delete(h.coordinators, c.userID)
	}
}
