package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/metrics"
	"github.com/JakeFAU/listing-stream/internal/pipeline"
	"github.com/JakeFAU/listing-stream/internal/registry"
	"github.com/JakeFAU/listing-stream/internal/scrape"
)

const maxInboundMessage = 4096

// streamRun upgrades the request and attaches the connection to the run for
// the requested query. The connection stays open after the run ends until
// the client closes it.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	key := s.runs.KeyFor(r.URL.Query().Get("q"))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := newWSSubscriber(uuid.NewString(), conn, s.cfg, s.logger)
	metrics.IncSubscribers()
	defer metrics.DecSubscribers()
	s.track(sub)
	defer s.untrack(sub)

	runID, detach, err := s.runs.Attach(key, sub)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, pipeline.ErrShuttingDown) {
			code = websocket.CloseTryAgainLater
		}
		msg := websocket.FormatCloseMessage(code, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.Close()
		s.logger.Warn("attach failed", zap.String("key", string(key)), zap.Error(err))
		return
	}
	s.logger.Info("subscriber attached",
		zap.String("subscriber_id", sub.ID()),
		zap.String("run_id", runID),
		zap.String("key", string(key)),
	)

	go sub.writePump()
	sub.readPump()

	detach()
	sub.Close()
	<-sub.done
	s.logger.Info("subscriber detached", zap.String("subscriber_id", sub.ID()), zap.String("run_id", runID))
}

// wsSubscriber adapts a websocket connection to registry.Subscriber. Send
// enqueues into a bounded outbox drained by a single writer goroutine, so
// frames leave in the order they were sent and a slow client never blocks
// the broadcaster.
type wsSubscriber struct {
	id           string
	conn         *websocket.Conn
	outbox       chan scrape.Event
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	closeOnce   sync.Once
	closed      chan struct{}
	done        chan struct{}
	closeCode   int
	closeReason string
}

var _ registry.Subscriber = (*wsSubscriber)(nil)

func newWSSubscriber(id string, conn *websocket.Conn, cfg Config, logger *zap.Logger) *wsSubscriber {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &wsSubscriber{
		id:           id,
		conn:         conn,
		outbox:       make(chan scrape.Event, cfg.OutboxSize),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger.With(zap.String("subscriber_id", id)),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (s *wsSubscriber) ID() string { return s.id }

// Send enqueues evt. It fails with registry.ErrSubscriberClosed after Close.
// When the client has fallen behind it fails with registry.ErrOutboxFull and
// the connection is shut down with a policy-violation close.
func (s *wsSubscriber) Send(_ context.Context, evt scrape.Event) error {
	select {
	case <-s.closed:
		return registry.ErrSubscriberClosed
	default:
	}
	select {
	case s.outbox <- evt:
		return nil
	case <-s.closed:
		return registry.ErrSubscriberClosed
	default:
		s.shutdown(websocket.ClosePolicyViolation, "subscriber fell behind")
		return registry.ErrOutboxFull
	}
}

// Close stops the writer with a normal closure. It is safe to call more than
// once; the first close code wins.
func (s *wsSubscriber) Close() {
	s.shutdown(websocket.CloseNormalClosure, "")
}

func (s *wsSubscriber) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.closed)
	})
}

func (s *wsSubscriber) writePump() {
	defer close(s.done)
	defer func() { _ = s.conn.Close() }()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			s.flush()
			msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
			return
		case evt := <-s.outbox:
			if err := s.write(evt); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.Debug("websocket ping failed", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

// flush writes whatever is still queued, stopping at the first failure.
func (s *wsSubscriber) flush() {
	for {
		select {
		case evt := <-s.outbox:
			if err := s.write(evt); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSubscriber) write(evt scrape.Event) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(evt); err != nil {
		return fmt.Errorf("write %s event: %w", evt.Kind, err)
	}
	return nil
}

// readPump discards inbound frames and returns once the peer goes away.
func (s *wsSubscriber) readPump() {
	pongWait := 2 * s.pingInterval
	s.conn.SetReadLimit(maxInboundMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
