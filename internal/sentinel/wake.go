package sentinel

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/nathanregner/hydra-sentinel/internal/model"
)

const (
	// Longest the broadcaster waits between change ticks before
	// re-checking which machines need waking.
	wakeInterval = 30 * time.Second

	// Discard port; wake-on-LAN listeners only inspect the payload.
	wakePort = 9
)

// WakeBroadcaster wakes sleeping builders: whenever the store changes
// (or every wakeInterval), it sends a magic packet to every builder that
// is wanted by the queue, absent from the liveness table, and has a
// configured hardware address.
type WakeBroadcaster struct {
	log   zerolog.Logger
	store *Store
}

// NewWakeBroadcaster builds a broadcaster over the store.
func NewWakeBroadcaster(log zerolog.Logger, store *Store) *WakeBroadcaster {
	return &WakeBroadcaster{
		log:   log.With().Str("component", "wake").Logger(),
		store: store,
	}
}

// Run broadcasts until ctx is cancelled. Socket and send failures are
// logged and do not abort the loop.
func (w *WakeBroadcaster) Run(ctx context.Context) error {
	sub := w.store.Subscribe()
	defer sub.Close()

	timer := time.NewTimer(wakeInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.C():
		case <-timer.C:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wakeInterval)

		addrs := w.store.MachinesToWake()
		if len(addrs) == 0 {
			continue
		}
		if err := w.wakeAll(addrs); err != nil {
			w.log.Error().Err(err).Msg("failed to open broadcast socket")
		}
	}
}

// wakeAll opens a fresh UDP socket, broadcasts one magic packet per
// address, and discards the socket.
func (w *WakeBroadcaster) wakeAll(addrs []model.MacAddress) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	to := &net.UDPAddr{IP: net.IPv4bcast, Port: wakePort}
	for _, addr := range addrs {
		if _, err := conn.WriteToUDP(magicPacket(addr), to); err != nil {
			w.log.Error().Err(err).Stringer("mac", addr).Msg("failed to send WOL packet")
			continue
		}
		w.log.Debug().Stringer("mac", addr).Msg("sent WOL packet")
	}
	return nil
}

// magicPacket builds the 102-byte wake-on-LAN payload: six 0xFF octets
// followed by the target address repeated sixteen times.
func magicPacket(addr model.MacAddress) []byte {
	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, addr[:]...)
	}
	return packet
}
