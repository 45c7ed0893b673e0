// Package app implements the supervisor/lifecycle described in spec.md
// §4.4: the ordered startup that installs hardening, bootstraps the
// overlay, and spawns the listener, cover-traffic, and DNS-forwarder tasks
// as independent goroutines, then waits for a shutdown signal. Adapted
// from the teacher's pkg/client/client.go lifecycle skeleton
// (ctx/cancel/WaitGroup/shutdownOnce), stripped of the directory/circuit
// pool/control-protocol machinery the embedded overlay now owns entirely.
package app

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/torgate/torgate/pkg/autoconfig"
	"github.com/torgate/torgate/pkg/chaff"
	"github.com/torgate/torgate/pkg/config"
	"github.com/torgate/torgate/pkg/dnsforward"
	"github.com/torgate/torgate/pkg/hardening"
	"github.com/torgate/torgate/pkg/isolation"
	"github.com/torgate/torgate/pkg/listener"
	"github.com/torgate/torgate/pkg/logger"
	"github.com/torgate/torgate/pkg/overlay"
	"github.com/torgate/torgate/pkg/socks"
)

// primaryResolver / fallbackResolver are the built-in DNS-over-TCP
// resolvers the forwarder tunnels queries to when DNS forwarding is
// enabled.
var (
	primaryResolver  = dnsforward.Resolver{Host: "1.1.1.1", Port: 53}
	fallbackResolver = dnsforward.Resolver{Host: "9.9.9.9", Port: 53}
)

// App owns the supervisor's lifecycle: the bootstrapped overlay client,
// every spawned background task, and the shutdown machinery that brings
// them all down together.
type App struct {
	cfg *config.Config
	log *logger.Logger

	overlay *overlay.Client

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// Run executes the full startup sequence spec.md §4.4 lists and blocks
// until ctx is cancelled (typically by a termination signal the caller
// installed). selfCheck, when true, causes Run to return immediately after
// a successful overlay bootstrap without starting any services — the
// behavior behind the gateway's single --selfcheck flag.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger, selfCheck bool) error {
	if log == nil {
		log = logger.NewDefault()
	}

	// Step 1: install the default TLS/crypto provider. Go's crypto/tls has
	// no separate provider-registration step the way rustls does; the
	// standard library's implementation is always present, so this step
	// reduces to a log line recording that fact for operators used to
	// seeing it in the startup sequence.
	log.Info("crypto provider ready", "provider", "crypto/tls (stdlib)")

	// Step 2: logging is already initialized by the caller (cmd/torgate),
	// which must run before anything else can usefully log.

	// Step 3 (CLI parsing) happens in cmd/torgate before Run is called.

	// Step 4: cfg is already loaded by the caller.

	// Step 5: strict-mode hardening, with the non-root check.
	if cfg.StrictMode {
		if err := hardening.Apply(log, true); err != nil {
			return fmt.Errorf("app: strict-mode hardening failed: %w", err)
		}
		if err := checkNotRoot(); err != nil {
			return fmt.Errorf("app: refusing to run as root in strict mode: %w", err)
		}
	} else {
		// Best-effort outside strict mode: failures are logged, not fatal.
		hardening.Apply(log, false)
	}

	// Step 6: create the overlay state/cache directories with 0700 perms,
	// then sweep any .tmp/.temp/.lock~ leftovers a prior unclean shutdown
	// of the embedded Tor process left behind — best-effort, since a
	// sweep failure should never block startup.
	if err := autoconfig.EnsureDataDir(cfg.OverlayStateDir); err != nil {
		return fmt.Errorf("app: create overlay state dir: %w", err)
	}
	if err := autoconfig.CleanupTempFiles(cfg.OverlayStateDir); err != nil {
		log.Warn("app: overlay state dir cleanup failed", "error", err)
	}
	if cfg.OverlayCacheDir != cfg.OverlayStateDir {
		if err := autoconfig.EnsureDataDir(cfg.OverlayCacheDir); err != nil {
			return fmt.Errorf("app: create overlay cache dir: %w", err)
		}
		if err := autoconfig.CleanupTempFiles(cfg.OverlayCacheDir); err != nil {
			log.Warn("app: overlay cache dir cleanup failed", "error", err)
		}
	}

	// Step 7: bootstrap the overlay client.
	log.Info("bootstrapping overlay client")
	overlayClient, err := overlay.Bootstrap(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("app: overlay bootstrap failed: %w", err)
	}
	log.Info("overlay bootstrap complete")

	// Step 8: selfcheck mode exits now without starting services.
	if selfCheck {
		log.Info("selfcheck passed, exiting")
		return overlayClient.Close()
	}

	appCtx, cancel := context.WithCancel(ctx)
	a := &App{
		cfg:     cfg,
		log:     log.Component("app"),
		overlay: overlayClient,
		ctx:     appCtx,
		cancel:  cancel,
	}
	defer a.shutdown()

	registry := isolation.NewRegistry(cfg.IsolationCapacity)
	dispatcher := socks.NewDispatcher(overlayClient, registry, cfg.AutoIsolateDomains, cfg.HandshakeTimeout, log)

	// Step 9: spawn the listener frontend.
	socksAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.SocksPort)
	socksListener, err := listener.New(socksAddr, cfg.TLSCertPath, cfg.TLSKeyPath, log)
	if err != nil {
		return fmt.Errorf("app: build SOCKS listener: %w", err)
	}
	a.spawn("socks-listener", func() {
		if err := socksListener.Serve(appCtx, dispatcher.Handle); err != nil {
			a.log.Error("socks listener exited", "error", err)
		}
	})

	// Step 10: cover-traffic generator, if enabled.
	if cfg.ChaffEnabled {
		generator := chaff.New(overlayClient, cfg.ChaffMinInterval, cfg.ChaffMaxInterval, log)
		a.spawn("chaff", func() {
			generator.Run(appCtx)
		})
	}

	// Step 11: DNS forwarder, if enabled.
	if cfg.DNSForwardEnabled {
		dnsAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.DNSPort)
		dnsListener, err := listener.New(dnsAddr, "", "", log)
		if err != nil {
			return fmt.Errorf("app: build DNS listener: %w", err)
		}
		forwarder := dnsforward.New(overlayClient, primaryResolver, fallbackResolver, log)
		a.spawn("dns-forwarder", func() {
			if err := dnsListener.Serve(appCtx, forwarder.Handle); err != nil {
				a.log.Error("dns listener exited", "error", err)
			}
		})
	}

	// Step 12: await a termination signal. In-flight connections are
	// abandoned on shutdown — the OS and the overlay reclaim their
	// resources, and any overlay state directory is expected to be
	// tmpfs-backed by the operator.
	<-appCtx.Done()
	a.log.Info("shutdown signal received")
	return nil
}

// checkNotRoot enforces spec.md §4.4 step 5's strict-mode rule: abort if
// the process is running as euid 0, regardless of what hardening.Apply
// itself reported. os.Geteuid reports -1 on platforms without the concept
// (e.g. Windows), which this check treats as "not root."
func checkNotRoot() error {
	if euid := os.Geteuid(); euid == 0 {
		return fmt.Errorf("effective uid is 0")
	}
	return nil
}

// spawn launches fn in its own goroutine tracked by the App's WaitGroup,
// recovering any panic so one failing task never takes down the process.
func (a *App) spawn(name string, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("task panic recovered", "task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// shutdown cancels the app context and waits (with a bounded timeout) for
// every spawned task to return, then closes the overlay client. It runs at
// most once regardless of how many times it is called.
func (a *App) shutdown() {
	a.shutdownOnce.Do(func() {
		a.cancel()

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			a.log.Warn("shutdown timeout exceeded, abandoning remaining tasks")
		}

		if err := a.overlay.Close(); err != nil {
			a.log.Warn("overlay close failed", "error", err)
		}
	})
}
