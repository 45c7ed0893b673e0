// Package socks implements the SOCKS5 dispatcher: the per-connection state
// machine that negotiates a SOCKS5 session, derives an isolation token,
// opens a stream through the overlay, replies to the client, and splices
// the two streams with zero-residue buffers.
package socks

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/torgate/torgate/pkg/isolation"
	"github.com/torgate/torgate/pkg/logger"
	"github.com/torgate/torgate/pkg/pool"
	"github.com/torgate/torgate/pkg/secret"
)

const (
	socksVersion = 0x05

	methodNoAuth   = 0x00
	methodUserPass = 0x02
	methodNoAccept = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySuccess        = 0x00
	replyGeneralFailure = 0x01

	maxDomainLength = 255
)

// genericFailureReply is the single failure reply byte string this
// dispatcher ever emits — the uniform response spec.md §4.1 requires so
// that no client-observable distinction leaks the reason for failure.
var genericFailureReply = []byte{socksVersion, replyGeneralFailure, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}

func successReply() []byte {
	return []byte{socksVersion, replySuccess, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
}

// Overlay is the dependency the dispatcher uses to turn a destination and
// an isolation token into a duplex stream. It is satisfied by
// *overlay.Client; declared locally to keep pkg/socks free of an import on
// pkg/overlay's embedded-Tor machinery (and trivially fakeable in tests).
type Overlay interface {
	Connect(ctx context.Context, host string, port int, token isolation.Token) (net.Conn, error)
}

// Dispatcher holds the dependencies shared by every session: the overlay
// connector, the isolation registry, and the feature flags/timeouts that
// shape session behavior. One Dispatcher is created at startup and handles
// every accepted connection.
type Dispatcher struct {
	overlay            Overlay
	registry           *isolation.Registry
	autoIsolateDomains bool
	handshakeTimeout   time.Duration
	log                *logger.Logger
	nextSessionID      atomic.Uint64
}

// NewDispatcher builds a Dispatcher. A zero handshakeTimeout uses the
// spec's 10-second default.
func NewDispatcher(ov Overlay, registry *isolation.Registry, autoIsolateDomains bool, handshakeTimeout time.Duration, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault()
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Dispatcher{
		overlay:            ov,
		registry:           registry,
		autoIsolateDomains: autoIsolateDomains,
		handshakeTimeout:   handshakeTimeout,
		log:                log.Component("socks"),
	}
}

// session is the transient per-connection state spec.md §3 names. It never
// outlives one call to Handle and is never serialized.
type session struct {
	conn     net.Conn
	credHash *uint64
	token    isolation.Token
}

// Handle conducts one SOCKS5 session on conn, matching listener.Handler's
// signature so a Dispatcher can be passed straight to Listener.Serve. It
// returns once either side closes or any protocol error occurs; it never
// propagates an error to the caller — every failure either produces the
// generic failure reply (if the reply phase was reached) or a silent close.
func (d *Dispatcher) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s := &session{conn: conn}
	sessionLog := d.log.Session(logger.SessionID(d.nextSessionID.Add(1)))

	deadline := time.Now().Add(d.handshakeTimeout)
	conn.SetDeadline(deadline)

	method, err := d.greeting(s)
	if err != nil {
		sessionLog.Warn("socks: greeting failed", "error", err)
		return
	}
	if method == methodNoAccept {
		return
	}

	if method == methodUserPass {
		if err := d.subnegotiate(s); err != nil {
			sessionLog.Warn("socks: subnegotiation failed", "error", err)
			return
		}
	}

	host, port, err := d.request(s)
	if err != nil {
		sessionLog.Warn("socks: request failed", "error", err)
		d.sendFailure(s)
		return
	}

	token := d.selectToken(s, host)

	// spec.md's disclosure-minimization rule: the destination may only
	// reach log output at debug level, never at info or above, even on
	// this success path.
	sessionLog.Destination(host.String()).Debug("socks: dialing overlay", "port", port)

	hsCtx, hsCancel := context.WithDeadline(ctx, deadline)
	overlayConn, connectErr := d.overlay.Connect(hsCtx, host.String(), port, token)
	hsCancel()
	host.Wipe()

	if connectErr != nil {
		sessionLog.Warn("socks: overlay connect failed")
		d.sendFailure(s)
		return
	}
	defer overlayConn.Close()

	if _, err := conn.Write(successReply()); err != nil {
		return
	}

	// The handshake is complete; the relay phase has no deadline of its own.
	conn.SetDeadline(time.Time{})

	d.relay(conn, overlayConn)
}

// greeting implements state 1: read the method list, select a method
// (preferring user/pass so credentials can key circuit isolation), and
// reply. A version mismatch fails uniformly — the connection is closed
// without any bytes written, since no method has been negotiated to reply
// under.
func (d *Dispatcher) greeting(s *session) (byte, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return 0, fmt.Errorf("read greeting header: %w", err)
	}
	if hdr[0] != socksVersion {
		return 0, fmt.Errorf("unsupported version %d", hdr[0])
	}

	n := int(hdr[1])
	methods := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(s.conn, methods); err != nil {
			return 0, fmt.Errorf("read methods: %w", err)
		}
	}

	var haveNoAuth, haveUserPass bool
	for _, m := range methods {
		switch m {
		case methodNoAuth:
			haveNoAuth = true
		case methodUserPass:
			haveUserPass = true
		}
	}

	var chosen byte
	switch {
	case haveUserPass:
		chosen = methodUserPass
	case haveNoAuth:
		chosen = methodNoAuth
	default:
		chosen = methodNoAccept
	}

	if _, err := s.conn.Write([]byte{socksVersion, chosen}); err != nil {
		return 0, fmt.Errorf("write method reply: %w", err)
	}
	return chosen, nil
}

// subnegotiate implements state 2: accept any credentials, hash them for
// isolation, and wipe the raw bytes immediately.
func (d *Dispatcher) subnegotiate(s *session) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return fmt.Errorf("read auth header: %w", err)
	}
	ulen := int(hdr[1])
	hdr[0], hdr[1] = 0, 0

	uname := secret.New(ulen)
	if ulen > 0 {
		if _, err := io.ReadFull(s.conn, uname); err != nil {
			return fmt.Errorf("read username: %w", err)
		}
	}

	plenBuf := make([]byte, 1)
	if _, err := io.ReadFull(s.conn, plenBuf); err != nil {
		uname.Wipe()
		return fmt.Errorf("read password length: %w", err)
	}
	plen := int(plenBuf[0])
	plenBuf[0] = 0

	passwd := secret.New(plen)
	if plen > 0 {
		if _, err := io.ReadFull(s.conn, passwd); err != nil {
			uname.Wipe()
			passwd.Wipe()
			return fmt.Errorf("read password: %w", err)
		}
	}

	h := isolation.HashCredentials(uname, passwd)
	s.credHash = &h
	uname.Wipe()
	passwd.Wipe()

	if _, err := s.conn.Write([]byte{0x01, 0x00}); err != nil {
		return fmt.Errorf("write auth reply: %w", err)
	}
	return nil
}

// request implements state 3: parse the CONNECT request and destination.
// The returned host is a secret.Bytes the caller is responsible for wiping
// once it is no longer needed for the overlay dial.
func (d *Dispatcher) request(s *session) (secret.Bytes, int, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return nil, 0, fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != socksVersion {
		return nil, 0, fmt.Errorf("unsupported version %d", hdr[0])
	}
	if hdr[1] != cmdConnect {
		return nil, 0, fmt.Errorf("unsupported command %d", hdr[1])
	}

	var host secret.Bytes
	switch hdr[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(s.conn, addr); err != nil {
			return nil, 0, fmt.Errorf("read ipv4 address: %w", err)
		}
		host = secret.Bytes(net.IP(addr).String())
		for i := range addr {
			addr[i] = 0
		}
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(s.conn, lenBuf); err != nil {
			return nil, 0, fmt.Errorf("read domain length: %w", err)
		}
		l := int(lenBuf[0])
		lenBuf[0] = 0
		if l > maxDomainLength {
			return nil, 0, fmt.Errorf("domain length %d exceeds maximum", l)
		}
		name := secret.New(l)
		if l > 0 {
			if _, err := io.ReadFull(s.conn, name); err != nil {
				return nil, 0, fmt.Errorf("read domain: %w", err)
			}
		}
		host = secret.Bytes(name.String())
		name.Wipe()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(s.conn, addr); err != nil {
			return nil, 0, fmt.Errorf("read ipv6 address: %w", err)
		}
		host = secret.Bytes(net.IP(addr).String())
		for i := range addr {
			addr[i] = 0
		}
	default:
		return nil, 0, fmt.Errorf("unsupported address type %d", hdr[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(s.conn, portBuf); err != nil {
		host.Wipe()
		return nil, 0, fmt.Errorf("read port: %w", err)
	}
	port := int(binary.BigEndian.Uint16(portBuf))
	portBuf[0], portBuf[1] = 0, 0

	return host, port, nil
}

// selectToken implements state 4: credential isolation takes priority over
// destination isolation, which in turn takes priority over the shared
// default token.
func (d *Dispatcher) selectToken(s *session, host secret.Bytes) isolation.Token {
	switch {
	case s.credHash != nil:
		return d.registry.GetOrInsert(*s.credHash)
	case d.autoIsolateDomains:
		return d.registry.GetOrInsert(isolation.HashDestination(string(host)))
	default:
		return isolation.DefaultToken()
	}
}

func (d *Dispatcher) sendFailure(s *session) {
	s.conn.Write(genericFailureReply)
}

// relay implements state 7: two independent directions, each copying
// through a pooled, wiped-after-use 8 KiB buffer, joined with try-join
// semantics — closing both connections as soon as either direction
// finishes is what unblocks the other's pending read.
func (d *Dispatcher) relay(client, remote net.Conn) {
	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		defer remote.Close()
		defer client.Close()
		return copyBuffered(remote, client)
	})
	g.Go(func() error {
		defer client.Close()
		defer remote.Close()
		return copyBuffered(client, remote)
	})

	g.Wait()
}

// copyBuffered moves bytes from src to dst through a pooled buffer, wiping
// it after every write so no payload byte survives past its relay.
func copyBuffered(dst io.Writer, src io.Reader) error {
	buf := pool.RelayBufferPool.Get()
	defer pool.RelayBufferPool.Put(buf)

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				for i := 0; i < n; i++ {
					buf[i] = 0
				}
				return werr
			}
			for i := 0; i < n; i++ {
				buf[i] = 0
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
