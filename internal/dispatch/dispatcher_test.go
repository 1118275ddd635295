package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/relay-bot/internal/models"
	"github.com/xaenox/relay-bot/internal/storage"
)

type staticRoutes map[int64][]int64

func (s staticRoutes) AllRoutes(context.Context) (map[int64][]int64, error) {
	return s, nil
}

type brokenRoutes struct{}

func (brokenRoutes) AllRoutes(context.Context) (map[int64][]int64, error) {
	return nil, errors.New("store unavailable")
}

type fakeRelayer struct {
	mu       sync.Mutex
	fail     map[int64]bool
	panicOn  map[int64]bool
	block    map[int64]bool
	attempts []int64
}

func (f *fakeRelayer) Relay(ctx context.Context, dest, origin int64, messageID int) error {
	f.mu.Lock()
	f.attempts = append(f.attempts, dest)
	fail, panics, block := f.fail[dest], f.panicOn[dest], f.block[dest]
	f.mu.Unlock()

	if panics {
		panic("boom")
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("chat not found")
	}
	return nil
}

func (f *fakeRelayer) attempted() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.attempts))
	copy(out, f.attempts)
	return out
}

func TestOnMessageNoRoute(t *testing.T) {
	relayer := &fakeRelayer{}
	d := New(staticRoutes{100: {200}}, relayer, Config{}, zap.NewNop())

	res, err := d.OnMessage(context.Background(), 999, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("expected zero result, got %+v", res)
	}
	if len(relayer.attempted()) != 0 {
		t.Fatalf("no relay expected")
	}
}

func TestOnMessageEmptyDestinations(t *testing.T) {
	relayer := &fakeRelayer{}
	d := New(staticRoutes{100: {}}, relayer, Config{}, zap.NewNop())

	res, err := d.OnMessage(context.Background(), 100, 1)
	if err != nil || res.Attempted != 0 {
		t.Fatalf("expected no-op, got %+v err=%v", res, err)
	}
}

func TestOnMessageCountsPartialFailures(t *testing.T) {
	dests := []int64{1, 2, 3, 4, 5, 6, 7}
	fail := map[int64]bool{2: true, 5: true, 7: true}
	relayer := &fakeRelayer{fail: fail}
	d := New(staticRoutes{100: dests}, relayer, Config{MaxConcurrency: 3}, zap.NewNop())

	res, err := d.OnMessage(context.Background(), 100, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, k := len(dests), len(fail)
	if res.Attempted != n || res.Succeeded != n-k || res.Failed != k {
		t.Fatalf("expected (%d,%d,%d), got %+v", n, n-k, k, res)
	}
	if res.DispatchID == "" {
		t.Fatalf("expected a dispatch id")
	}
	if got := len(relayer.attempted()); got != n {
		t.Fatalf("every destination must be attempted, got %d", got)
	}
}

func TestOnMessageStableOrderWhenSerial(t *testing.T) {
	relayer := &fakeRelayer{fail: map[int64]bool{300: true}}
	d := New(staticRoutes{100: {300, 200, 400}}, relayer, Config{MaxConcurrency: 1}, zap.NewNop())

	if _, err := d.OnMessage(context.Background(), 100, 1); err != nil {
		t.Fatal(err)
	}
	got := relayer.attempted()
	want := []int64{300, 200, 400}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected attempts %v, got %v", want, got)
		}
	}
}

func TestOnMessageSlowDestinationTimesOutAlone(t *testing.T) {
	relayer := &fakeRelayer{block: map[int64]bool{200: true}}
	d := New(staticRoutes{100: {200, 300}}, relayer, Config{Timeout: 20 * time.Millisecond}, zap.NewNop())

	res, err := d.OnMessage(context.Background(), 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempted != 2 || res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("expected (2,1,1), got %+v", res)
	}
}

func TestOnMessagePanickingRelayIsAFailure(t *testing.T) {
	relayer := &fakeRelayer{panicOn: map[int64]bool{200: true}}
	d := New(staticRoutes{100: {200, 300}}, relayer, Config{}, zap.NewNop())

	res, err := d.OnMessage(context.Background(), 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("expected one success and one failure, got %+v", res)
	}
}

func TestOnMessageRouteError(t *testing.T) {
	d := New(brokenRoutes{}, &fakeRelayer{}, Config{}, zap.NewNop())
	if _, err := d.OnMessage(context.Background(), 100, 1); err == nil {
		t.Fatalf("expected route loading error")
	}
}

func TestRelayOneWrapsFailureKind(t *testing.T) {
	d := New(staticRoutes{}, &fakeRelayer{fail: map[int64]bool{9: true}}, Config{}, zap.NewNop())
	err := d.relayOne(context.Background(), 9, 1, 1)
	if !errors.Is(err, models.ErrRelayFailure) {
		t.Fatalf("expected ErrRelayFailure, got %v", err)
	}
}

func TestScenarioPartialFailureLeavesWorkflowUntouched(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	if err := store.SetBaseGroup(ctx, 1, models.ChatRef{ID: 100}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{200, 300} {
		if err := store.AddDestination(ctx, 1, models.ChatRef{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SetWorkflowState(ctx, 1, models.StateAwaitingBase); err != nil {
		t.Fatal(err)
	}

	d := New(store, &fakeRelayer{fail: map[int64]bool{200: true}}, Config{}, zap.NewNop())
	res, err := d.OnMessage(ctx, 100, 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempted != 2 || res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("expected (2,1,1), got %+v", res)
	}
	state, _ := store.GetWorkflowState(ctx, 1)
	if state != models.StateAwaitingBase {
		t.Fatalf("dispatch must not touch workflow state, got %q", state)
	}
	dests, _ := store.ListDestinations(ctx, 1)
	if len(dests) != 2 {
		t.Fatalf("dispatch must not touch destinations, got %+v", dests)
	}
}

func TestScenarioSingleDestination(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	_ = store.SetBaseGroup(ctx, 1, models.ChatRef{ID: 100})
	_ = store.AddDestination(ctx, 1, models.ChatRef{ID: 200})

	relayer := &fakeRelayer{}
	d := New(store, relayer, Config{}, zap.NewNop())
	res, err := d.OnMessage(ctx, 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	got := relayer.attempted()
	if res.Attempted != 1 || len(got) != 1 || got[0] != 200 {
		t.Fatalf("expected exactly one relay to 200, got %+v attempts=%v", res, got)
	}
}
