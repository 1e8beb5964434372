// Package poll implements the refresh coordinator for 2Park products:
// it periodically fetches balance and details for every tracked
// product, normalizes the payloads into an immutable snapshot, and
// notifies listeners. Session expiry is handled with a single
// re-authentication retry per fetch; a failed re-authentication is
// promoted to a fatal error since it requires new credentials rather
// than another attempt.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/park2mqtt/internal/twopark"
)

// Failure kinds for a refresh cycle. Use errors.Is to classify the
// error returned by a cycle or reported by LastError.
var (
	// ErrRefreshFailed marks a transient failure: the cycle was
	// abandoned, the previous snapshot kept, and the next attempt
	// happens at the normal interval.
	ErrRefreshFailed = errors.New("refresh failed")

	// ErrAuthFailed marks a fatal authentication failure: the stored
	// credentials no longer work and polling cannot continue.
	ErrAuthFailed = errors.New("authentication failed")
)

// Config configures a Coordinator.
type Config struct {
	// API performs the remote calls.
	API API

	// Credentials are used to re-authenticate when the session expires.
	Credentials Credentials

	// Products is the immutable discovered product list. Cycle order
	// follows this slice.
	Products []twopark.Product

	// Interval between refresh cycles.
	Interval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Coordinator drives refresh cycles over all tracked products.
// Cycles never overlap: the run loop executes them serially, and a
// refresh requested while a cycle is in flight is satisfied by that
// cycle's result instead of starting another fetch.
type Coordinator struct {
	cfg Config

	snapshot   atomic.Pointer[Snapshot]
	intervalNs atomic.Int64

	refreshCh  chan struct{}
	intervalCh chan time.Duration

	mu           sync.Mutex
	listeners    []func(Snapshot)
	newMemberFns []func(productID string, members []Member)
	seen         map[string]map[string]bool // product ID → member IDs as of last success
	lastErr      error
}

// New creates a Coordinator. Call [Coordinator.Run] to start polling.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	c := &Coordinator{
		cfg:        cfg,
		refreshCh:  make(chan struct{}, 1),
		intervalCh: make(chan time.Duration, 1),
	}
	c.intervalNs.Store(int64(cfg.Interval))
	return c
}

// Snapshot returns the last successfully published snapshot, or nil
// before the first successful cycle. The returned map must be treated
// as read-only.
func (c *Coordinator) Snapshot() Snapshot {
	p := c.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// AddListener registers a callback invoked synchronously, in
// registration order, after every successful snapshot publication.
// Register listeners before calling Run.
func (c *Coordinator) AddListener(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnNewMembers registers a callback invoked when a refresh cycle
// yields members not present in the previous successful cycle, in the
// order they appear in the product's member list. New-member callbacks
// run before snapshot listeners so that subscribers can announce an
// entity before its first state arrives. The first successful cycle
// seeds the tracking set and reports nothing.
func (c *Coordinator) OnNewMembers(fn func(productID string, members []Member)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newMemberFns = append(c.newMemberFns, fn)
}

// RequestRefresh asks for an immediate out-of-interval refresh. It
// never blocks; if a refresh is already pending or in flight, the
// request coalesces into it.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// SetInterval changes the polling interval at runtime. The running
// loop picks it up before its next cycle.
func (c *Coordinator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.intervalNs.Store(int64(d))
	select {
	case c.intervalCh <- d:
	default:
		// Replace a pending change rather than queue behind it.
		select {
		case <-c.intervalCh:
		default:
		}
		select {
		case c.intervalCh <- d:
		default:
		}
	}
}

// Interval returns the current polling interval.
func (c *Coordinator) Interval() time.Duration {
	return time.Duration(c.intervalNs.Load())
}

// LastError returns the failure of the most recent cycle, or nil if
// it succeeded. Classify with errors.Is against ErrRefreshFailed and
// ErrAuthFailed.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Healthy reports whether the most recent cycle succeeded.
func (c *Coordinator) Healthy() bool {
	return c.LastError() == nil
}

// Run executes refresh cycles until ctx is cancelled, starting with
// an immediate one. It returns nil on cancellation and an error
// wrapping ErrAuthFailed when re-authentication fails, at which point
// polling cannot continue without new credentials.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Interval())
	defer ticker.Stop()

	if err := c.refresh(ctx); errors.Is(err, ErrAuthFailed) {
		return err
	}
	c.drainPending()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-c.intervalCh:
			ticker.Reset(d)
			c.cfg.Logger.Info("refresh interval changed", "interval", d.String())
			continue
		case <-ticker.C:
		case <-c.refreshCh:
		}

		if err := c.refresh(ctx); errors.Is(err, ErrAuthFailed) {
			return err
		}
		c.drainPending()
	}
}

// drainPending absorbs refresh requests that arrived while a cycle
// was in flight; they are satisfied by the cycle that just finished.
func (c *Coordinator) drainPending() {
	select {
	case <-c.refreshCh:
	default:
	}
}

// refresh runs one full cycle: fetch and normalize every product,
// then publish the new snapshot. Any per-product failure abandons the
// whole cycle and leaves the previous snapshot untouched.
func (c *Coordinator) refresh(ctx context.Context) error {
	start := time.Now()
	next := make(Snapshot, len(c.cfg.Products))

	for _, product := range c.cfg.Products {
		balance, details, err := c.fetchProduct(ctx, product.ID)
		if err != nil {
			c.setLastErr(err)
			if errors.Is(err, ErrAuthFailed) {
				c.cfg.Logger.Error("2park authentication failed, polling halted", "error", err)
			} else {
				c.cfg.Logger.Warn("refresh cycle failed, keeping previous snapshot",
					"product_id", product.ID, "error", err)
			}
			return err
		}
		next[product.ID] = buildProductState(product, balance, details)
	}

	c.publish(next)
	c.setLastErr(nil)
	c.cfg.Logger.Debug("refresh cycle complete",
		"products", len(next),
		"elapsed", time.Since(start).Truncate(time.Millisecond).String(),
	)
	return nil
}

// fetchProduct fetches balance and details for one product, applying
// the session-expiry policy: on an auth failure, re-authenticate once
// with the stored credentials and retry both calls once. A failed
// re-authentication (or an auth failure on the retried calls) is
// fatal; connection failures anywhere are transient.
func (c *Coordinator) fetchProduct(ctx context.Context, productID string) (twopark.Balance, twopark.ProductDetails, error) {
	balance, details, err := c.fetchOnce(ctx, productID)
	if err == nil {
		return balance, details, nil
	}

	var authErr *twopark.AuthError
	if !errors.As(err, &authErr) {
		return twopark.Balance{}, twopark.ProductDetails{}, fmt.Errorf("%w: product %s: %v", ErrRefreshFailed, productID, err)
	}

	c.cfg.Logger.Info("2park session expired, re-authenticating", "product_id", productID)
	if aerr := c.cfg.API.Authenticate(ctx, c.cfg.Credentials.Email, c.cfg.Credentials.Password); aerr != nil {
		if errors.As(aerr, &authErr) {
			return twopark.Balance{}, twopark.ProductDetails{}, fmt.Errorf("%w: %v", ErrAuthFailed, aerr)
		}
		return twopark.Balance{}, twopark.ProductDetails{}, fmt.Errorf("%w: re-authentication: %v", ErrRefreshFailed, aerr)
	}

	balance, details, err = c.fetchOnce(ctx, productID)
	if err != nil {
		if errors.As(err, &authErr) {
			return twopark.Balance{}, twopark.ProductDetails{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return twopark.Balance{}, twopark.ProductDetails{}, fmt.Errorf("%w: product %s: %v", ErrRefreshFailed, productID, err)
	}
	return balance, details, nil
}

func (c *Coordinator) fetchOnce(ctx context.Context, productID string) (twopark.Balance, twopark.ProductDetails, error) {
	balance, err := c.cfg.API.GetBalance(ctx, productID)
	if err != nil {
		return twopark.Balance{}, twopark.ProductDetails{}, err
	}
	details, err := c.cfg.API.GetProductDetails(ctx, productID)
	if err != nil {
		return twopark.Balance{}, twopark.ProductDetails{}, err
	}
	return balance, details, nil
}

// publish swaps in the new snapshot, detects newly appeared members
// against the previous cycle's tracking set, and notifies callbacks.
func (c *Coordinator) publish(next Snapshot) {
	c.snapshot.Store(&next)

	type found struct {
		productID string
		members   []Member
	}

	c.mu.Lock()
	firstCycle := c.seen == nil
	var discovered []found
	newSeen := make(map[string]map[string]bool, len(next))
	for _, product := range c.cfg.Products {
		state, ok := next[product.ID]
		if !ok {
			continue
		}
		ids := make(map[string]bool, len(state.Members))
		var fresh []Member
		for _, m := range state.Members {
			ids[m.ID] = true
			if !firstCycle && !c.seen[product.ID][m.ID] {
				fresh = append(fresh, m)
			}
		}
		newSeen[product.ID] = ids
		if len(fresh) > 0 {
			discovered = append(discovered, found{product.ID, fresh})
		}
	}
	c.seen = newSeen
	newMemberFns := slices.Clone(c.newMemberFns)
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, d := range discovered {
		c.cfg.Logger.Info("new members discovered",
			"product_id", d.productID, "count", len(d.members))
		for _, fn := range newMemberFns {
			fn(d.productID, d.members)
		}
	}
	for _, fn := range listeners {
		fn(next)
	}
}

func (c *Coordinator) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
