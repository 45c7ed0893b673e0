// Package chaff implements the optional cover-traffic generator: a
// behaviorally independent task that periodically opens and discards
// overlay streams to a small fixed list of popular destinations, to reduce
// idle-period observability. It must never share isolation tokens with
// real traffic and must never make its cadence dependent on real traffic
// (spec.md §4.5).
package chaff

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/torgate/torgate/pkg/isolation"
	"github.com/torgate/torgate/pkg/logger"
)

// Overlay is the dependency the generator needs: open a stream to a
// destination under a given isolation token. Declared locally so this
// package never imports pkg/overlay's embedded-Tor machinery, matching
// pkg/socks's Overlay interface.
type Overlay interface {
	Connect(ctx context.Context, host string, port int, token isolation.Token) (net.Conn, error)
}

// payload is the minimal fixed payload written to each cover stream before
// it is discarded. Its exact bytes are never inspected by any peer this
// repo controls; size only needs to look like ordinary traffic.
var payload = []byte("GET / HTTP/1.0\r\n\r\n")

// destinations is the small fixed list of popular, low-controversy HTTPS
// endpoints cover traffic connects to. Never the same entry twice in a row,
// so the stream's target doesn't become a detectable fixed signal.
var destinations = []struct {
	host string
	port int
}{
	{"www.wikipedia.org", 443},
	{"www.mozilla.org", 443},
	{"www.debian.org", 443},
	{"duckduckgo.com", 443},
}

// Generator runs the cover-traffic loop on its own schedule, with no
// signals from or to the real-traffic dispatcher.
type Generator struct {
	overlay     Overlay
	minInterval time.Duration
	maxInterval time.Duration
	log         *logger.Logger
	rng         *rand.Rand

	lastIndex int
}

// New builds a Generator. minInterval/maxInterval bound the uniform random
// delay between cover connections (spec.md §9's cadence open question,
// decided in DESIGN.md as uniform [30s, 300s] by default).
func New(overlay Overlay, minInterval, maxInterval time.Duration, log *logger.Logger) *Generator {
	if log == nil {
		log = logger.NewDefault()
	}
	if minInterval <= 0 {
		minInterval = 30 * time.Second
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	return &Generator{
		overlay:     overlay,
		minInterval: minInterval,
		maxInterval: maxInterval,
		log:         log.Component("chaff"),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		lastIndex:   -1,
	}
}

// Run blocks until ctx is cancelled, opening and discarding a cover stream
// at each randomized interval. Every error is swallowed: chaff traffic is
// best-effort and must never surface a failure to anything outside this
// package.
func (g *Generator) Run(ctx context.Context) {
	g.log.Info("chaff: cover traffic generator started",
		"min_interval", g.minInterval, "max_interval", g.maxInterval)

	for {
		wait := g.nextInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		g.fire(ctx)
	}
}

// nextInterval picks a uniform random delay in [minInterval, maxInterval].
func (g *Generator) nextInterval() time.Duration {
	if g.maxInterval == g.minInterval {
		return g.minInterval
	}
	span := g.maxInterval - g.minInterval
	return g.minInterval + time.Duration(g.rng.Int63n(int64(span)))
}

// fire opens one cover stream under a fresh, never-registered isolation
// token, writes the fixed payload, reads whatever comes back, and closes —
// matching original_source/src/chaff.rs's "minimal, symmetric I/O" shape.
func (g *Generator) fire(ctx context.Context) {
	dest := g.nextDestination()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, err := g.overlay.Connect(connCtx, dest.host, dest.port, isolation.Ephemeral())
	if err != nil {
		g.log.Debug("chaff: cover connect failed", "error", err)
		return
	}
	defer conn.Close()

	conn.Write(payload)
	buf := make([]byte, 1024)
	conn.Read(buf)
}

// nextDestination rotates through the fixed destination list, never
// repeating the previous pick, so a fixed-period observer can't key on "the
// same host every time."
func (g *Generator) nextDestination() struct {
	host string
	port int
} {
	idx := g.rng.Intn(len(destinations))
	if len(destinations) > 1 {
		for idx == g.lastIndex {
			idx = g.rng.Intn(len(destinations))
		}
	}
	g.lastIndex = idx
	return destinations[idx]
}
