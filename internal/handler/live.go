package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sakif/feedsync/internal/auth"
	"github.com/sakif/feedsync/internal/feed"
	"github.com/sakif/feedsync/internal/livequery"
	"github.com/sakif/feedsync/internal/model"
)

const liveMaxPingFailures = 3

// SessionChecker re-validates the session a live connection was opened
// with. session.Service implements it.
type SessionChecker interface {
	StillValid(ctx context.Context, p *model.Principal) (bool, error)
}

// LiveConfig tunes the live feed websocket.
type LiveConfig struct {
	// OriginPatterns are the cross-origin hosts allowed to connect.
	OriginPatterns []string
	// RecheckEvery is how often the session is re-checked.
	RecheckEvery time.Duration
	// PingEvery and PingTimeout drive the heartbeat.
	PingEvery   time.Duration
	PingTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

// DefaultLiveConfig returns production timings.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		RecheckEvery: time.Minute,
		PingEvery:    25 * time.Second,
		PingTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// LiveHandler streams the head window over a websocket.
type LiveHandler struct {
	hub      *livequery.Hub
	sessions SessionChecker
	cfg      LiveConfig
	logger   *slog.Logger
}

func NewLiveHandler(hub *livequery.Hub, sessions SessionChecker, cfg LiveConfig, logger *slog.Logger) *LiveHandler {
	def := DefaultLiveConfig()
	if cfg.RecheckEvery <= 0 {
		cfg.RecheckEvery = def.RecheckEvery
	}
	if cfg.PingEvery <= 0 {
		cfg.PingEvery = def.PingEvery
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &LiveHandler{
		hub:      hub,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// HandleLive upgrades to a websocket and pushes the head window: once on
// connect, then after every change.
//
// HTTP: GET /api/feed/live?limit=10
// Auth: Required
//
// Every frame is a model.LiveMessage. The server closes with
// StatusPolicyViolation once the session that opened the connection is
// revoked or expires. Client messages are ignored.
func (h *LiveHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "No session"})
		return
	}

	limit := feed.PageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > livequery.MaxLimit {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "limit must be between 1 and " + strconv.Itoa(livequery.MaxLimit),
				Field:   "limit",
			})
			return
		}
		limit = n
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Error("live: accept failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	// CloseRead keeps the read side drained (pongs, close frames) and ends
	// ctx when the peer goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(context.Background()))
	defer cancel()

	log := h.logger.With(slog.String("uid", principal.UID), slog.Int("limit", limit))

	sub, err := h.hub.Subscribe(ctx, limit)
	if err != nil {
		log.Error("live: subscribe failed", slog.String("error", err.Error()))
		h.fail(ctx, conn, websocket.StatusInternalError, "head query failed")
		return
	}
	defer sub.Close()

	log.Info("live: connected")
	defer log.Info("live: disconnected")

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		h.heartbeat(ctx, cancel, conn, log)
	}()
	defer func() {
		cancel()
		<-heartbeatDone
	}()

	recheck := time.NewTicker(h.cfg.RecheckEvery)
	defer recheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case head, ok := <-sub.Snapshots():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := h.write(ctx, conn, model.LiveMessage{Type: model.LiveSnapshot, Posts: nonNil(head)}); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Info("live: write failed",
						slog.Any("close_status", websocket.CloseStatus(err)),
						slog.String("error", err.Error()),
					)
				}
				return
			}

		case <-recheck.C:
			valid, err := h.sessions.StillValid(ctx, principal)
			if err != nil {
				// A store hiccup is not proof of revocation; try again next tick.
				log.Warn("live: session re-check failed", slog.String("error", err.Error()))
				continue
			}
			if !valid {
				log.Info("live: session no longer valid")
				h.fail(ctx, conn, websocket.StatusPolicyViolation, "session revoked")
				return
			}
		}
	}
}

func (h *LiveHandler) heartbeat(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, log *slog.Logger) {
	t := time.NewTicker(h.cfg.PingEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, h.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				failures++
				log.Info("live: ping failed", slog.Int("failures", failures), slog.String("error", err.Error()))
				if failures >= liveMaxPingFailures {
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					cancel()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (h *LiveHandler) write(ctx context.Context, conn *websocket.Conn, msg model.LiveMessage) error {
	wctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, msg)
}

// fail sends an error frame, then closes with code.
func (h *LiveHandler) fail(ctx context.Context, conn *websocket.Conn, code websocket.StatusCode, reason string) {
	_ = h.write(ctx, conn, model.LiveMessage{Type: model.LiveError, Message: reason})
	_ = conn.Close(code, reason)
}
