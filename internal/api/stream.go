package api

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
	"github.com/presencewatch/presence-go/internal/session"
)

const (
	// Time allowed to write a message to the client
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client
	pongWait = 60 * time.Second

	// Send pings to client with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames; anything larger is a protocol error
	maxMessageSize = 512
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
}

// originChecker accepts requests without an Origin header, any origin when
// "*" is configured, and otherwise origins whose scheme://host matches.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		candidate := u.Scheme + "://" + u.Host
		return slices.ContainsFunc(allowed, func(a string) bool {
			return strings.EqualFold(strings.TrimSuffix(a, "/"), candidate)
		})
	}
}

// wsSink delivers session messages over one websocket connection
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex // guards writes; gorilla allows one concurrent writer
	once sync.Once
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

// Send writes msg as one JSON text frame. The write deadline is the earlier
// of writeWait and ctx's deadline.
func (w *wsSink) Send(ctx context.Context, msg *session.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteJSON(msg)
}

// readPump consumes client frames so control messages are processed, and
// calls disconnected once the peer goes away or stops answering pings.
func (w *wsSink) readPump(disconnected func()) {
	defer disconnected()

	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pingLoop keeps the connection alive until ctx is done
func (w *wsSink) pingLoop(ctx context.Context, disconnected func()) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				disconnected()
				return
			}
		}
	}
}

// close sends a close frame with code and closes the connection. Safe to
// call more than once.
func (w *wsSink) close(code int, reason string) {
	w.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = w.conn.Close()
	})
}

// handleStream upgrades the request and runs one streaming session over the
// connection. It returns once the session has ended and the connection is
// closed.
func (s *Server) handleStream(c echo.Context) error {
	remote := c.RealIP()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		s.log.Warn("websocket upgrade failed",
			logger.String("remote", remote),
			logger.Error(err))
		return nil
	}

	sink := newWSSink(conn)
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	var pumps sync.WaitGroup
	pumps.Go(func() { sink.readPump(cancel) })
	pumps.Go(func() { sink.pingLoop(ctx, cancel) })

	runErr := s.sessions.Run(ctx, sink, logger.String("remote", remote))

	cancel()
	code, reason := closeCodeFor(runErr)
	sink.close(code, reason)
	pumps.Wait()

	if runErr != nil && !errors.Is(runErr, session.ErrShuttingDown) {
		s.log.Debug("stream closed with error",
			logger.String("remote", remote),
			logger.Error(runErr))
	}
	return nil
}

func closeCodeFor(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, "session ended"
	case errors.Is(err, session.ErrShuttingDown):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, "session failed"
	}
}
