// Package overlay wraps an embedded Tor process (via cretz/bine) as the
// anonymizing overlay network the dispatcher relays through. It exposes
// exactly the two operations the rest of this repo needs: bootstrap, and a
// per-connection connect that carries an isolation token to Tor using the
// SOCKS5 username/password fields (Tor's native IsolateSOCKSAuth
// convention), so two connects with different tokens are guaranteed to
// land on disjoint circuits.
package overlay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cretz/bine/tor"
	"golang.org/x/net/proxy"

	"github.com/torgate/torgate/pkg/autoconfig"
	"github.com/torgate/torgate/pkg/config"
	"github.com/torgate/torgate/pkg/isolation"
	"github.com/torgate/torgate/pkg/logger"
	"github.com/torgate/torgate/pkg/resilience"
)

// Client is the bootstrapped handle shared read-only by every dispatcher
// task, the chaff generator, and the DNS forwarder.
type Client struct {
	t       *tor.Tor
	breaker *resilience.CircuitBreaker
	log     *logger.Logger
}

// Bootstrap starts an embedded Tor process rooted at cfg's state/cache
// directories and waits for it to reach the public network. Bootstrap
// failure is fatal to the process per spec.md §4.4/§7.
func Bootstrap(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NewDefault()
	}

	// bine wants a dedicated subdirectory for the scratch files it creates
	// while launching the embedded Tor process, not the bare cache root —
	// keeping it separate from whatever else lives under OverlayCacheDir
	// also keeps CleanupTempFiles' glob patterns from racing a live launch.
	tempDir, err := autoconfig.EnsureSubDir(cfg.OverlayCacheDir, "tmp")
	if err != nil {
		return nil, fmt.Errorf("overlay: prepare temp dir: %w", err)
	}

	startConf := &tor.StartConf{
		DataDir:         cfg.OverlayStateDir,
		TempDataDirBase: tempDir,
		NoAutoSocksPort: true,
	}

	c := &Client{
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		log:     log.Component("overlay"),
	}

	err = c.breaker.Execute(ctx, func() error {
		t, err := tor.Start(ctx, startConf)
		if err != nil {
			return fmt.Errorf("overlay: start: %w", err)
		}
		if err := t.EnableNetwork(ctx, true); err != nil {
			t.Close()
			return fmt.Errorf("overlay: enable network: %w", err)
		}
		c.t = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("overlay bootstrapped")
	return c, nil
}

// Close tears down the embedded Tor process.
func (c *Client) Close() error {
	if c.t == nil {
		return nil
	}
	return c.t.Close()
}

// dialTimeout bounds how long a single overlay connect attempt may take,
// distinct from (and nested inside) the dispatcher's overall handshake
// timeout.
const dialTimeout = 30 * time.Second

// Connect opens a duplex stream to (host, port) through the overlay,
// carrying token as the stream's isolation key. Two concurrent Connect
// calls with equal tokens may share a circuit; calls with differing tokens
// never do.
func (c *Client) Connect(ctx context.Context, host string, port int, token isolation.Token) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var conn net.Conn
	err := c.breaker.Execute(ctx, func() error {
		dialer, err := c.t.Dialer(dialCtx, &tor.DialConf{
			Auth: &proxy.Auth{User: token.String(), Password: token.String()},
		})
		if err != nil {
			return fmt.Errorf("overlay: dialer: %w", err)
		}

		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			conn, err = ctxDialer.DialContext(dialCtx, "tcp", addr)
		} else {
			conn, err = dialer.Dial("tcp", addr)
		}
		if err != nil {
			return fmt.Errorf("overlay: connect: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
