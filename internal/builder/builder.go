package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nathanregner/hydra-sentinel/internal/protocol"
)

const (
	// Minimum interval between connect-and-serve cycles.
	reconnectInterval = 30 * time.Second

	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second

	// The server re-sends KeepAwake at least every 30 s; a silent
	// connection for three periods is dead.
	readWait = 90 * time.Second
)

// Builder is the client half of the sentinel protocol: one long-lived
// websocket used as a liveness channel (outbound pings) and a command
// channel (inbound keep-awake instructions).
type Builder struct {
	cfg    *Config
	log    zerolog.Logger
	awaker Awaker

	// Non-nil while sleep suppression is held. Touched by the receive
	// loop and, once that loop has exited, by session teardown; never
	// by two goroutines at once.
	awakeRelease func() error
}

// New creates a builder client.
func New(cfg *Config, log zerolog.Logger, awaker Awaker) *Builder {
	return &Builder{
		cfg:    cfg,
		log:    log.With().Str("component", "builder").Logger(),
		awaker: awaker,
	}
}

// Run maintains the connection until ctx is cancelled, re-dialing after
// every disconnect with at least reconnectInterval between cycles.
func (b *Builder) Run(ctx context.Context) error {
	limiter := NewRateLimiter(reconnectInterval)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		err := b.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			b.log.Error().Err(err).Msg("session ended, reconnecting")
		} else {
			b.log.Info().Msg("session closed, reconnecting")
		}
	}
}

// session dials the server and serves one connection to completion.
func (b *Builder) session(ctx context.Context) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	// Whatever ends the session, the local inhibitor must not outlive it.
	defer b.setKeepAwake(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- b.pingLoop(ctx, conn) }()
	go func() { errc <- b.recvLoop(conn) }()

	err = <-errc
	cancel()
	_ = conn.Close()
	<-errc
	return err
}

// connect dials with exponential-jitter backoff. It gives up only when
// ctx is cancelled or the backoff's elapsed ceiling is hit, in which
// case the outer loop rate-limits and starts over.
func (b *Builder) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	serverURL := b.cfg.ServerURL()

	var conn *websocket.Conn
	operation := func() error {
		b.log.Info().Str("url", serverURL).Msg("connecting")
		c, resp, err := dialer.DialContext(ctx, serverURL, nil)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("%s: %w", resp.Status, err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		b.log.Error().Err(err).Dur("retry_in", next).Msg("connect failed")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify); err != nil {
		return nil, err
	}

	b.log.Info().Msg("connected")
	return conn, nil
}

// pingLoop sends a ping immediately and then every heartbeat interval.
// Any frame counts as a heartbeat on the server side.
func (b *Builder) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// recvLoop applies inbound keep-awake commands. Malformed frames are
// logged and ignored; a close frame ends the session cleanly.
func (b *Builder) recvLoop(conn *websocket.Conn) error {
	resetDeadline := func() error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	}
	if err := resetDeadline(); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error { return resetDeadline() })
	conn.SetPingHandler(func(appData string) error {
		if err := resetDeadline(); err != nil {
			return err
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Info().Msg("server closed connection")
				return nil
			}
			return err
		}
		if err := resetDeadline(); err != nil {
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			b.log.Warn().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}
		b.setKeepAwake(*msg.KeepAwake)
	}
}

// setKeepAwake applies a keep-awake command, acting only on transitions:
// the server re-sends its current wish every 30 s, so repeats are the
// common case.
func (b *Builder) setKeepAwake(on bool) {
	held := b.awakeRelease != nil
	if on == held {
		return
	}

	if on {
		release, err := b.awaker.Acquire("Build queued")
		if err != nil {
			b.log.Error().Err(err).Msg("failed to acquire keep-awake")
			return
		}
		b.awakeRelease = release
		b.log.Info().Msg("server requested keep-awake")
		return
	}

	if err := b.awakeRelease(); err != nil {
		b.log.Error().Err(err).Msg("failed to release keep-awake")
	}
	b.awakeRelease = nil
	b.log.Info().Msg("server cancelled keep-awake")
}
