// Package dnsforward implements the optional DNS-over-overlay forwarder:
// accept DNS-over-TCP (RFC 7766 framing) queries on a local port, tunnel
// the framed message through the overlay to a fixed resolver (with a
// single fallback), and relay the framed response back unmodified. It is
// fully separable from pkg/socks — nothing here is reachable from, or
// reaches into, the SOCKS dispatcher (spec.md §4.6, §9).
package dnsforward

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/torgate/torgate/pkg/isolation"
	"github.com/torgate/torgate/pkg/logger"
	"github.com/torgate/torgate/pkg/resilience"
)

const (
	// maxMessageSize is the largest DNS-over-TCP message this forwarder
	// accepts. Messages of length 0 or greater than this are rejected.
	maxMessageSize = 4096

	dialTimeout = 15 * time.Second
)

// Overlay is the dependency the forwarder needs: open a stream to a
// destination under a given isolation token. Declared locally, matching
// the same small-interface convention pkg/socks and pkg/chaff use.
type Overlay interface {
	Connect(ctx context.Context, host string, port int, token isolation.Token) (net.Conn, error)
}

// Resolver names a fixed upstream DNS-over-TCP resolver the forwarder
// tunnels queries to.
type Resolver struct {
	Host string
	Port int
}

// Forwarder accepts DNS-over-TCP connections and relays each framed query
// to the primary resolver, falling back to the fallback resolver exactly
// once if the primary round trip (dial, write or read) fails.
type Forwarder struct {
	overlay  Overlay
	primary  Resolver
	fallback Resolver
	log      *logger.Logger
}

// New builds a Forwarder. A zero-value fallback disables the fallback
// attempt (every query is tried against primary only).
func New(overlay Overlay, primary, fallback Resolver, log *logger.Logger) *Forwarder {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Forwarder{
		overlay:  overlay,
		primary:  primary,
		fallback: fallback,
		log:      log.Component("dnsforward"),
	}
}

// Handle services one accepted DNS-over-TCP connection: read one framed
// query, forward it, write back the framed response, and close. Matches
// listener.Handler's signature.
func (f *Forwarder) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	query, err := readFrame(conn)
	if err != nil {
		f.log.Debug("dnsforward: read query failed", "error", err)
		return
	}

	resp, err := f.forward(ctx, query)
	if err != nil {
		f.log.Debug("dnsforward: forward failed", "error", err)
		return
	}

	if err := writeFrame(conn, resp); err != nil {
		f.log.Debug("dnsforward: write response failed", "error", err)
	}
}

// forward dials the primary resolver through the overlay and, on failure,
// falls back to the fallback resolver exactly once — spec.md §4.6's
// "a single fallback", rendered with pkg/resilience's fixed 2-attempt
// policy rather than an open-ended backoff schedule.
func (f *Forwarder) forward(ctx context.Context, query []byte) ([]byte, error) {
	resolvers := []Resolver{f.primary}
	if f.fallback.Host != "" {
		resolvers = append(resolvers, f.fallback)
	}

	// MaxAttempts counts *retries*, so len(resolvers)-1 gives exactly one
	// fallback attempt when a fallback is configured, and zero when it
	// isn't — spec.md §4.6's "a single fallback", not an open-ended
	// backoff schedule.
	policy := resilience.SingleFallbackPolicy()
	policy.MaxAttempts = len(resolvers) - 1

	idx := 0
	var resp []byte
	err := resilience.RetryWithPolicy(ctx, policy, func() error {
		r := resolvers[idx]
		idx++
		var rerr error
		resp, rerr = f.roundTrip(ctx, r, query)
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("dnsforward: all resolvers failed: %w", err)
	}
	return resp, nil
}

func (f *Forwarder) roundTrip(ctx context.Context, r Resolver, query []byte) ([]byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	// DNS isolation never touches the SOCKS isolation registry — resolver
	// traffic gets its own ephemeral token so a client's DNS lookups can
	// never be correlated with its SOCKS circuit via a shared token.
	conn, err := f.overlay.Connect(dialCtx, r.Host, r.Port, isolation.Ephemeral())
	if err != nil {
		return nil, fmt.Errorf("connect %s:%d: %w", r.Host, r.Port, err)
	}
	defer conn.Close()

	if err := writeFrame(conn, query); err != nil {
		return nil, fmt.Errorf("write query: %w", err)
	}

	resp, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// readFrame reads one RFC 7766 2-byte-length-prefixed message, rejecting
// lengths of 0 or greater than maxMessageSize.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n == 0 {
		return nil, fmt.Errorf("zero-length message rejected")
	}
	if n > maxMessageSize {
		return nil, fmt.Errorf("message length %d exceeds maximum %d", n, maxMessageSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}
	return buf, nil
}

// writeFrame writes msg with its RFC 7766 2-byte big-endian length prefix.
func writeFrame(w io.Writer, msg []byte) error {
	if len(msg) == 0 || len(msg) > maxMessageSize {
		return fmt.Errorf("message length %d out of range", len(msg))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}
