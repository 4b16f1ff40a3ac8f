package sentinel

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nathanregner/hydra-sentinel/internal/protocol"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Idempotent KeepAwake resend period; also the longest a session
	// waits between change ticks before re-evaluating.
	resendInterval = 30 * time.Second
)

// handleWebSocket upgrades GET /ws?host_name=<name> into a builder
// session. The upgrade is accepted only if the store accepts the
// connection; unknown or already-connected hosts are rejected with 400.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	hostName := r.URL.Query().Get("host_name")

	handle, err := s.store.Connect(hostName, time.Now())
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejecting builder")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		handle.Release()
		s.log.Warn().Err(err).Str("host", hostName).Msg("upgrade failed")
		return
	}

	log := s.log.With().Str("host", hostName).Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("builder connected")

	session := &builderSession{
		log:    log,
		store:  s.store,
		conn:   conn,
		handle: handle,
	}
	if err := session.run(s.sessionCtx()); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("builder disconnected")
	} else {
		log.Info().Msg("builder disconnected")
	}
}

// builderSession is one accepted builder connection: a send task
// streaming KeepAwake commands and a receive task folding every inbound
// frame into the liveness table.
type builderSession struct {
	log    zerolog.Logger
	store  *Store
	conn   *websocket.Conn
	handle *BuilderHandle
}

// run drives the session until either task ends, then tears the other
// down promptly. The handle is released on every exit path, which
// performs the disconnect and change tick exactly once.
func (s *builderSession) run(ctx context.Context) error {
	defer s.handle.Release()
	defer func() { _ = s.conn.Close() }()

	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- s.sendLoop(ctx) }()
	go func() { errc <- s.recvLoop() }()

	err := <-errc
	// Unblock the sibling: cancel stops the send loop, closing the
	// connection stops a blocked read.
	cancel()
	_ = s.conn.Close()
	<-errc
	return err
}

// sendLoop streams `{"KeepAwake": <bool>}` frames: one per iteration,
// re-evaluated on every store change and at least every resendInterval
// so the peer always has a fresh, idempotent command.
func (s *builderSession) sendLoop(ctx context.Context) error {
	sub := s.store.Subscribe()
	defer sub.Close()

	timer := time.NewTimer(resendInterval)
	defer timer.Stop()

	for {
		wanted := s.handle.Wanted()
		if wanted {
			s.log.Info().Msg("requesting builder stay awake")
		}

		data, err := protocol.KeepAwake(wanted).Encode()
		if err != nil {
			return err
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(resendInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.C():
		case <-timer.C:
		}
	}
}

// recvLoop treats every inbound frame, control frames included, as a
// heartbeat. A close frame ends the session cleanly; malformed frames
// surface as read errors from the websocket layer.
func (s *builderSession) recvLoop() error {
	heartbeat := func() error {
		return s.handle.Heartbeat(time.Now())
	}

	// gorilla dispatches ping/pong to handlers from within ReadMessage;
	// a handler error aborts the read, which aborts the session.
	s.conn.SetPingHandler(func(appData string) error {
		if err := heartbeat(); err != nil {
			return err
		}
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	s.conn.SetPongHandler(func(string) error {
		return heartbeat()
	})

	for {
		_, _, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Msg("builder closed connection")
				return nil
			}
			return err
		}
		if err := heartbeat(); err != nil {
			return err
		}
		s.log.Trace().Msg("heartbeat")
	}
}
