package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/park2mqtt/internal/twopark"
)

// mockAPI is a scriptable API implementation. Behavior is controlled
// through the function fields; nil fields succeed with empty payloads.
type mockAPI struct {
	mu sync.Mutex

	authenticateFn func() error
	getBalanceFn   func(productID string) (twopark.Balance, error)
	getDetailsFn   func(productID string) (twopark.ProductDetails, error)

	authCalls    int
	balanceCalls int
}

func (m *mockAPI) Authenticate(ctx context.Context, email, password string) error {
	m.mu.Lock()
	m.authCalls++
	fn := m.authenticateFn
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (m *mockAPI) GetBalance(ctx context.Context, productID string) (twopark.Balance, error) {
	m.mu.Lock()
	m.balanceCalls++
	fn := m.getBalanceFn
	m.mu.Unlock()
	if fn == nil {
		return twopark.Balance{}, nil
	}
	return fn(productID)
}

func (m *mockAPI) GetProductDetails(ctx context.Context, productID string) (twopark.ProductDetails, error) {
	m.mu.Lock()
	fn := m.getDetailsFn
	m.mu.Unlock()
	if fn == nil {
		return twopark.ProductDetails{}, nil
	}
	return fn(productID)
}

func (m *mockAPI) calls() (auth, balance int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authCalls, m.balanceCalls
}

func testProducts() []twopark.Product {
	return []twopark.Product{
		{ID: "P1", Name: "Visitor parking", Options: "FLPN", Location: "BDA1317"},
	}
}

func visitorDetails(ids ...string) twopark.ProductDetails {
	var details twopark.ProductDetails
	var members []twopark.Member
	for _, id := range ids {
		members = append(members, twopark.Member{ID: id, Identifier: id, Type: "FLPN", Active: "NO"})
	}
	details.Identifications = []twopark.Identification{{Members: members}}
	return details
}

func newTestCoordinator(api *mockAPI) *Coordinator {
	return New(Config{
		API:         api,
		Credentials: Credentials{Email: "user@example.com", Password: "hunter2"},
		Products:    testProducts(),
		Interval:    time.Minute,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestRefreshPublishesSnapshot(t *testing.T) {
	api := &mockAPI{
		getBalanceFn: func(string) (twopark.Balance, error) {
			return twopark.Balance{Parameters: []twopark.Param{{Label: "AMOUNT", Value: "4"}}}, nil
		},
		getDetailsFn: func(string) (twopark.ProductDetails, error) {
			return visitorDetails("m1"), nil
		},
	}
	c := newTestCoordinator(api)

	var notified Snapshot
	c.AddListener(func(s Snapshot) { notified = s })

	if err := c.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := c.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot() = nil after successful refresh")
	}
	state, ok := snap["P1"]
	if !ok {
		t.Fatal("snapshot missing product P1")
	}
	if state.Balance == nil || *state.Balance != 4 {
		t.Errorf("Balance = %v, want 4", state.Balance)
	}
	if len(state.Members) != 1 || state.Members[0].ID != "m1" {
		t.Errorf("Members = %+v", state.Members)
	}
	if notified == nil {
		t.Error("listener not invoked")
	}
	if !c.Healthy() {
		t.Errorf("Healthy() = false, LastError = %v", c.LastError())
	}
}

func TestTransientFailureKeepsPreviousSnapshot(t *testing.T) {
	api := &mockAPI{
		getDetailsFn: func(string) (twopark.ProductDetails, error) {
			return visitorDetails("m1"), nil
		},
	}
	c := newTestCoordinator(api)

	if err := c.refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	first := c.Snapshot()

	listenerCalls := 0
	c.AddListener(func(Snapshot) { listenerCalls++ })

	api.mu.Lock()
	api.getBalanceFn = func(string) (twopark.Balance, error) {
		return twopark.Balance{}, &twopark.ConnError{Op: "get_balance.json", Err: errors.New("connection refused")}
	}
	api.mu.Unlock()

	err := c.refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("error = %v, want ErrRefreshFailed", err)
	}
	if errors.Is(err, ErrAuthFailed) {
		t.Error("transient failure misclassified as auth failure")
	}

	snap := c.Snapshot()
	if len(snap) != len(first) || snap["P1"].Members[0].ID != "m1" {
		t.Error("snapshot changed after failed cycle")
	}
	if listenerCalls != 0 {
		t.Errorf("listener invoked %d times on a failed cycle", listenerCalls)
	}
	if !errors.Is(c.LastError(), ErrRefreshFailed) {
		t.Errorf("LastError = %v", c.LastError())
	}

	auth, _ := api.calls()
	if auth != 0 {
		t.Errorf("Authenticate called %d times for a connection failure", auth)
	}
}

func TestSessionExpiryReauthenticatesOnce(t *testing.T) {
	expired := true
	api := &mockAPI{}
	api.getBalanceFn = func(string) (twopark.Balance, error) {
		api.mu.Lock()
		defer api.mu.Unlock()
		if expired {
			return twopark.Balance{}, &twopark.AuthError{Message: "Not logged in"}
		}
		return twopark.Balance{}, nil
	}
	api.authenticateFn = func() error {
		api.mu.Lock()
		defer api.mu.Unlock()
		expired = false
		return nil
	}
	api.getDetailsFn = func(string) (twopark.ProductDetails, error) {
		return visitorDetails("m1"), nil
	}

	c := newTestCoordinator(api)
	if err := c.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	auth, balance := api.calls()
	if auth != 1 {
		t.Errorf("Authenticate called %d times, want 1", auth)
	}
	if balance != 2 {
		t.Errorf("GetBalance called %d times, want 2 (original + retry)", balance)
	}
	if c.Snapshot() == nil {
		t.Error("snapshot not published after successful re-authentication")
	}
}

func TestReauthenticationFailureIsFatal(t *testing.T) {
	api := &mockAPI{
		getBalanceFn: func(string) (twopark.Balance, error) {
			return twopark.Balance{}, &twopark.AuthError{Message: "Not logged in"}
		},
		authenticateFn: func() error {
			return &twopark.AuthError{Message: "Invalid credentials"}
		},
	}
	c := newTestCoordinator(api)

	err := c.refresh(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("error = %v, want ErrAuthFailed", err)
	}
}

func TestRunReturnsOnAuthFailure(t *testing.T) {
	api := &mockAPI{
		getBalanceFn: func(string) (twopark.Balance, error) {
			return twopark.Balance{}, &twopark.AuthError{Message: "Not logged in"}
		},
		authenticateFn: func() error {
			return &twopark.AuthError{Message: "Invalid credentials"}
		},
	}
	c := newTestCoordinator(api)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAuthFailed) {
			t.Errorf("Run returned %v, want ErrAuthFailed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after fatal auth failure")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	api := &mockAPI{}
	c := newTestCoordinator(api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Let the immediate first cycle complete, then cancel.
	deadline := time.After(5 * time.Second)
	for c.Snapshot() == nil {
		select {
		case <-deadline:
			t.Fatal("first cycle never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on cancellation, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNewMemberDetection(t *testing.T) {
	members := []string{"m1", "m2"}
	api := &mockAPI{}
	api.getDetailsFn = func(string) (twopark.ProductDetails, error) {
		api.mu.Lock()
		defer api.mu.Unlock()
		return visitorDetails(members...), nil
	}
	c := newTestCoordinator(api)

	var events []string
	c.OnNewMembers(func(productID string, fresh []Member) {
		for _, m := range fresh {
			events = append(events, "new:"+m.ID)
		}
	})
	c.AddListener(func(Snapshot) {
		events = append(events, "snapshot")
	})

	// First cycle seeds the tracking set and reports nothing.
	if err := c.refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if len(events) != 1 || events[0] != "snapshot" {
		t.Fatalf("events after first cycle = %v, want [snapshot]", events)
	}

	// Second cycle with an additional member reports only the new one,
	// and does so before the snapshot listener fires.
	events = nil
	api.mu.Lock()
	members = []string{"m1", "m2", "m3"}
	api.mu.Unlock()

	if err := c.refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	want := []string{"new:m3", "snapshot"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}

	// A stable member list reports nothing further.
	events = nil
	if err := c.refresh(context.Background()); err != nil {
		t.Fatalf("third refresh: %v", err)
	}
	if len(events) != 1 || events[0] != "snapshot" {
		t.Errorf("events after stable cycle = %v, want [snapshot]", events)
	}
}

func TestSetInterval(t *testing.T) {
	c := newTestCoordinator(&mockAPI{})

	if c.Interval() != time.Minute {
		t.Errorf("initial Interval = %v", c.Interval())
	}

	c.SetInterval(10 * time.Minute)
	if c.Interval() != 10*time.Minute {
		t.Errorf("Interval = %v after SetInterval", c.Interval())
	}

	// A second change before the loop drains the channel replaces the
	// pending value instead of blocking.
	c.SetInterval(20 * time.Minute)
	c.SetInterval(30 * time.Minute)
	if c.Interval() != 30*time.Minute {
		t.Errorf("Interval = %v, want most recent value", c.Interval())
	}

	c.SetInterval(0) // ignored
	if c.Interval() != 30*time.Minute {
		t.Errorf("Interval = %v after SetInterval(0)", c.Interval())
	}
}

func TestRequestRefreshNeverBlocks(t *testing.T) {
	c := newTestCoordinator(&mockAPI{})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.RequestRefresh()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestRefresh blocked")
	}
}

func TestRefreshRequestsCoalesceIntoInFlightCycle(t *testing.T) {
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	api := &mockAPI{
		getBalanceFn: func(string) (twopark.Balance, error) {
			started <- struct{}{}
			<-release
			return twopark.Balance{}, nil
		},
	}
	c := newTestCoordinator(api) // 1 minute interval, no tick during the test

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Block the immediate first cycle inside its fetch.
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never started")
	}

	// Requests arriving while the cycle is in flight are satisfied by
	// that cycle's result.
	for i := 0; i < 5; i++ {
		c.RequestRefresh()
	}
	release <- struct{}{}

	select {
	case <-started:
		t.Fatal("pending refresh requests started an extra cycle")
	case <-time.After(200 * time.Millisecond):
	}

	// A request after the cycle finished triggers exactly one more.
	c.RequestRefresh()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh request after the cycle was not honored")
	}
	release <- struct{}{}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on cancellation, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if _, balance := api.calls(); balance != 2 {
		t.Errorf("GetBalance called %d times, want 2", balance)
	}
}
