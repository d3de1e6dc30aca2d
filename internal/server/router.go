package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cadenzalab/woodshed/backend/internal/auth"
	"github.com/cadenzalab/woodshed/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errMissingVerifier = errors.New("token verifier dependency required")
	errMissingHub      = errors.New("sync hub dependency required")
)

// TokenVerifier validates a bearer token and extracts the identity it carries.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Dependencies wires the HTTP surface to the sync core.
type Dependencies struct {
	Verifier TokenVerifier
	Hub      *realtime.Hub
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the sync websocket, the
// monitoring endpoint, and liveness.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.Verifier,
		hub:      deps.Hub,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/sync/status", handler.handleStatus)
	router.GET("/sync/ws", handler.handleSyncSocket)

	return router, nil
}

type httpHandler struct {
	verifier TokenVerifier
	hub      *realtime.Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	devices := h.hub.Status()
	c.JSON(http.StatusOK, gin.H{
		"connections": len(devices),
		"devices":     devices,
	})
}

// handleSyncSocket gates the websocket upgrade: 400 for missing parameters,
// 401 for a token that fails verification, 403 when the token's subject does
// not match the claimed user. A valid-but-wrong-user token must never be
// accepted for another user's channel.
func (h *httpHandler) handleSyncSocket(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("userId"))
	token := strings.TrimSpace(c.Query("token"))
	if userID == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_parameters"})
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("sync token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if claims.UserID != userID {
		h.logger.Warn("sync identity mismatch",
			zap.String("claimed_user_id", userID),
			zap.String("token_user_id", claims.UserID))
		c.JSON(http.StatusForbidden, gin.H{"error": "identity_mismatch"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	peer := newSocketPeer(socket)
	connID, err := h.hub.Attach(userID, peer)
	if err != nil {
		h.logger.Error("connection attach failed", zap.Error(err))
		_ = peer.Close()
		return
	}

	h.readPump(userID, connID, socket)
}

// readPump forwards inbound frames to the hub until the socket dies, then
// detaches the connection. Recovery for anything missed is the catch-up
// protocol on the next reconnect, not frame retry.
func (h *httpHandler) readPump(userID, connID string, socket *websocket.Conn) {
	defer h.hub.Detach(userID, connID)
	for {
		messageType, raw, err := socket.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.hub.Dispatch(userID, connID, raw)
	}
}
