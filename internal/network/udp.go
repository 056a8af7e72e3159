// Package network provides the UDP transport shared by the chat server and
// the console client.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/energizer-project/groupchat/internal/protocol"
	"github.com/energizer-project/groupchat/internal/util"
)

// Handler consumes received datagrams. data is only valid for the duration
// of the call.
type Handler interface {
	HandleDatagram(data []byte, addr *net.UDPAddr)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(data []byte, addr *net.UDPAddr)

// HandleDatagram calls f.
func (f HandlerFunc) HandleDatagram(data []byte, addr *net.UDPAddr) {
	f(data, addr)
}

// Options tune a transport.
type Options struct {
	// RatePerSec limits datagrams accepted from one source address.
	// Zero disables limiting.
	RatePerSec float64
	Burst      int

	// ReceiveBuffer sets SO_RCVBUF when positive.
	ReceiveBuffer int
}

const limiterIdle = time.Minute

// ErrDatagramTooLarge is returned by Send for oversized datagrams.
var ErrDatagramTooLarge = errors.New("datagram exceeds maximum size")

type sourceLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

// UDPTransport owns one UDP socket. Serve runs the receive loop; Send may
// be called concurrently from any goroutine.
type UDPTransport struct {
	conn   *net.UDPConn
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	limiters  map[string]*sourceLimiter
	lastPrune time.Time

	received atomic.Uint64
	dropped  atomic.Uint64
	sent     atomic.Uint64
}

// Listen binds a UDP socket on address. Use port 0 for an ephemeral port,
// as the client does.
func Listen(ctx context.Context, address string, opts Options) (*UDPTransport, error) {
	lc := socketListenConfig(opts.ReceiveBuffer)
	pc, err := lc.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on udp %s: %w", address, err)
	}

	t := &UDPTransport{
		conn:      pc.(*net.UDPConn),
		opts:      opts,
		logger:    util.ComponentLogger("transport"),
		limiters:  make(map[string]*sourceLimiter),
		lastPrune: time.Now(),
	}
	t.logger.Info().Str("addr", t.conn.LocalAddr().String()).Msg("UDP socket bound")
	return t, nil
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams and hands them to h until ctx is cancelled or the
// socket is closed.
func (t *UDPTransport) Serve(ctx context.Context, h Handler) error {
	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()

	// One spare byte detects datagrams above the protocol limit.
	buf := make([]byte, protocol.MaxDatagramSize+1)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				t.logger.Info().Msg("UDP receive loop stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Error().Err(err).Msg("UDP read error")
			continue
		}
		t.received.Add(1)

		if !t.allow(addr) {
			t.dropped.Add(1)
			t.logger.Debug().Str("addr", addr.String()).Msg("rate limit exceeded, datagram dropped")
			continue
		}

		h.HandleDatagram(buf[:n], addr)
	}
}

func (t *UDPTransport) allow(addr *net.UDPAddr) bool {
	if t.opts.RatePerSec <= 0 {
		return true
	}

	now := time.Now()
	key := addr.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastPrune) > limiterIdle {
		for k, l := range t.limiters {
			if now.Sub(l.seen) > limiterIdle {
				delete(t.limiters, k)
			}
		}
		t.lastPrune = now
	}

	l, ok := t.limiters[key]
	if !ok {
		burst := t.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		l = &sourceLimiter{limiter: rate.NewLimiter(rate.Limit(t.opts.RatePerSec), burst)}
		t.limiters[key] = l
	}
	l.seen = now
	return l.limiter.AllowN(now, 1)
}

// Send writes one datagram to addr.
func (t *UDPTransport) Send(data []byte, addr *net.UDPAddr) error {
	if len(data) > protocol.MaxDatagramSize {
		return fmt.Errorf("failed to send to %s: %w: %d bytes", addr, ErrDatagramTooLarge, len(data))
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send to %s: %w", addr, err)
	}
	t.sent.Add(1)
	return nil
}

// Close closes the socket, which also ends Serve.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// Stats reports datagram counters.
func (t *UDPTransport) Stats() (received, dropped, sent uint64) {
	return t.received.Load(), t.dropped.Load(), t.sent.Load()
}

// ResolveEndpoint resolves host:port for sending.
func ResolveEndpoint(endpoint string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", endpoint, err)
	}
	return addr, nil
}

// ReuseAddrListenConfig returns a listen config with SO_REUSEADDR set. The
// admin HTTP listener uses it to rebind right after a restart.
func ReuseAddrListenConfig() net.ListenConfig {
	return socketListenConfig(0)
}
