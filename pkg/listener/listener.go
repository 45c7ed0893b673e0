// Package listener binds the SOCKS5 frontend's TCP port, optionally wraps
// each accepted socket in a TLS server handshake, and hands the resulting
// byte-duplex connection off to a per-connection handler.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/torgate/torgate/pkg/logger"
)

// Handler is invoked once per accepted connection. When TLS is enabled the
// connection is a *tls.Conn whose server handshake runs on the handler's
// first Read or Write. It owns the connection and must close it before
// returning.
type Handler func(ctx context.Context, conn net.Conn)

// Listener is the accept-loop frontend. A bind failure is fatal to the
// listener's own task, never to the process — the supervisor decides what
// that means at the call site.
type Listener struct {
	addr      string
	tlsConfig *tls.Config
	log       *logger.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// New builds a Listener bound to addr. If certPath and keyPath are both
// non-empty, accepted sockets are wrapped in a TLS server handshake using a
// certificate loaded once here at construction time.
func New(addr, certPath, keyPath string, log *logger.Logger) (*Listener, error) {
	if log == nil {
		log = logger.NewDefault()
	}

	l := &Listener{
		addr: addr,
		log:  log.Component("listener"),
	}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("listener: load TLS key pair: %w", err)
		}
		l.tlsConfig = recommendedTLSConfig(cert)
	}

	return l, nil
}

// recommendedTLSConfig pins the minimum version and cipher suites to a
// conservative, forward-secrecy-only set, adapted from the security helper
// the teacher used for its own control-protocol TLS option.
func recommendedTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// Serve binds addr and runs the accept loop until ctx is cancelled or the
// listener is closed. Each accepted connection is handled in its own
// goroutine; handler panics are recovered and logged so one bad connection
// never takes down the accept loop.
func (l *Listener) Serve(ctx context.Context, handle Handler) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", l.addr, err)
	}
	l.ln = ln
	l.log.Info("listening", "address", ln.Addr().String(), "tls", l.tlsConfig != nil)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
				return fmt.Errorf("listener: accept: %w", err)
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		if l.tlsConfig != nil {
			conn = tls.Server(conn, l.tlsConfig)
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("connection handler panic recovered", "panic", r)
				}
			}()
			defer conn.Close()
			handle(ctx, conn)
		}()
	}
}
