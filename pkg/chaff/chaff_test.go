package chaff

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/torgate/torgate/pkg/isolation"
)

type fakeOverlay struct {
	mu     sync.Mutex
	tokens []isolation.Token
	hosts  []string
}

func (f *fakeOverlay) Connect(_ context.Context, host string, _ int, token isolation.Token) (net.Conn, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.hosts = append(f.hosts, host)
	f.mu.Unlock()

	server, client := net.Pipe()
	go func() {
		buf := make([]byte, 64)
		server.Read(buf)
		server.Close()
	}()
	return client, nil
}

func (f *fakeOverlay) snapshot() ([]isolation.Token, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]isolation.Token(nil), f.tokens...), append([]string(nil), f.hosts...)
}

func TestGenerator_FiresAtLeastOnce(t *testing.T) {
	ov := &fakeOverlay{}
	g := New(ov, 10*time.Millisecond, 20*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	g.Run(ctx)

	tokens, hosts := ov.snapshot()
	if len(tokens) == 0 {
		t.Fatal("expected at least one cover connection")
	}
	if len(hosts) == 0 {
		t.Fatal("expected at least one destination host recorded")
	}
}

func TestGenerator_EachFireUsesFreshUnregisteredToken(t *testing.T) {
	ov := &fakeOverlay{}
	g := New(ov, 5*time.Millisecond, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	g.Run(ctx)

	tokens, _ := ov.snapshot()
	if len(tokens) < 2 {
		t.Skip("not enough fires in the time budget to compare tokens")
	}
	seen := map[string]bool{}
	for _, tok := range tokens {
		if seen[tok.String()] {
			t.Fatalf("chaff reused an isolation token across connections: %s", tok.String())
		}
		seen[tok.String()] = true
	}
}

func TestGenerator_ConnectErrorsAreSwallowed(t *testing.T) {
	g := New(errOverlay{}, 5*time.Millisecond, 10*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	// Must not panic despite every connect attempt failing.
	g.Run(ctx)
}

type errOverlay struct{}

func (errOverlay) Connect(context.Context, string, int, isolation.Token) (net.Conn, error) {
	return nil, context.DeadlineExceeded
}

func TestGenerator_DefaultsAppliedForInvalidBounds(t *testing.T) {
	g := New(&fakeOverlay{}, 0, 0, nil)
	if g.minInterval <= 0 {
		t.Fatal("expected a positive default min interval")
	}
	if g.maxInterval < g.minInterval {
		t.Fatal("expected maxInterval >= minInterval")
	}
}

func TestGenerator_NextDestinationAvoidsImmediateRepeat(t *testing.T) {
	g := New(&fakeOverlay{}, time.Second, time.Second, nil)
	prev := g.nextDestination()
	for i := 0; i < 50; i++ {
		next := g.nextDestination()
		if next.host == prev.host && next.port == prev.port && len(destinations) > 1 {
			t.Fatal("nextDestination repeated the same entry back to back")
		}
		prev = next
	}
}
