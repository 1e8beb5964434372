// Package command translates inbound start/stop parking commands into
// 2Park API calls, resolving plates and locations from the current
// coordinator snapshot and the per-product plate selection.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/park2mqtt/internal/poll"
	"github.com/nugget/park2mqtt/internal/twopark"
)

// UserError is a failure caused by the command input or the account's
// current state (missing plate, no active session). It is surfaced to
// the user and never retried.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

// ActionAPI is the slice of the 2Park client the dispatcher needs.
type ActionAPI interface {
	StartAction(ctx context.Context, productID, licensePlate, timeEnd, location, timeStart string) error
	StopAction(ctx context.Context, productID, actionID string) error
}

// StateSource provides the current snapshot and accepts refresh
// requests. Satisfied by *poll.Coordinator.
type StateSource interface {
	Snapshot() poll.Snapshot
	RequestRefresh()
}

// SelectionStore holds the currently selected plate option per
// product, written by the license-plate select entity. It exists so
// the start command can resolve its plate fallback through an explicit
// dependency instead of scanning entity state elsewhere. Selections
// are session state and are not persisted.
type SelectionStore struct {
	mu      sync.Mutex
	options map[string]string // product ID → display option
}

// NewSelectionStore creates an empty selection store.
func NewSelectionStore() *SelectionStore {
	return &SelectionStore{options: make(map[string]string)}
}

// Set records the selected option for a product.
func (s *SelectionStore) Set(productID, option string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[productID] = option
}

// Get returns the selected option for a product, or "" if none.
func (s *SelectionStore) Get(productID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options[productID]
}

// Clear removes the selection for a product (e.g. when the selected
// plate disappeared from the member list).
func (s *SelectionStore) Clear(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.options, productID)
}

// FormatPlateOption renders a member as a select option:
// "PLATE (nickname)" or just "PLATE".
func FormatPlateOption(plate, nickname string) string {
	if nickname != "" {
		return fmt.Sprintf("%s (%s)", plate, nickname)
	}
	return plate
}

// ExtractPlate strips the trailing parenthetical nickname annotation
// from a select option: "HRL96K (Mats)" → "HRL96K".
func ExtractPlate(option string) string {
	plate, _, _ := strings.Cut(option, " (")
	return plate
}

// NormalizeTimeEnd expands a bare HH:MM end time to a full datetime on
// today's date ("18:30" → "31-08-2026 18:30:59"). Anything longer than
// five characters, or without a colon, is passed through unchanged as
// a full datetime string.
func NormalizeTimeEnd(input string, now time.Time) string {
	if len(input) <= 5 && strings.Contains(input, ":") {
		return fmt.Sprintf("%s %s:59", now.Format("02-01-2006"), input)
	}
	return input
}

// Dispatcher handles the two inbound commands. All dependencies are
// passed in explicitly; it holds no global state.
type Dispatcher struct {
	api        ActionAPI
	state      StateSource
	selections *SelectionStore
	products   map[string]twopark.Product
	logger     *slog.Logger
}

// NewDispatcher creates a command dispatcher over the immutable
// product catalog.
func NewDispatcher(api ActionAPI, state StateSource, selections *SelectionStore, products []twopark.Product, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]twopark.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return &Dispatcher{
		api:        api,
		state:      state,
		selections: selections,
		products:   byID,
		logger:     logger,
	}
}

// StartParking starts a session for a plate on a product. When no
// plate is supplied, it falls back to the product's currently selected
// plate. On success an immediate refresh is requested so entities
// reflect the new session without waiting for the next interval.
func (d *Dispatcher) StartParking(ctx context.Context, productID, licensePlate, timeEnd string) error {
	product, ok := d.products[productID]
	if !ok {
		return &UserError{Message: fmt.Sprintf("unknown product %q", productID)}
	}

	if licensePlate == "" {
		if option := d.selections.Get(productID); option != "" {
			licensePlate = ExtractPlate(option)
		}
	}
	if licensePlate == "" {
		return &UserError{Message: "no license plate given and none selected"}
	}

	if product.Location == "" {
		return &UserError{Message: fmt.Sprintf("product %q has no location, cannot start parking", product.Name)}
	}

	timeEnd = NormalizeTimeEnd(timeEnd, time.Now())

	err := d.api.StartAction(ctx, productID, licensePlate, timeEnd, product.Location, "")
	var apiErr *twopark.APIError
	if errors.As(err, &apiErr) {
		return &UserError{Message: apiErr.Message}
	}
	if err != nil {
		return err
	}

	d.state.RequestRefresh()
	return nil
}

// StopParking stops the active session for a plate on a product. The
// plate is matched case-insensitively against the snapshot's member
// list; only a member with an active session and a known action ID
// qualifies. No network call is made when the lookup fails.
func (d *Dispatcher) StopParking(ctx context.Context, productID, licensePlate string) error {
	licensePlate = strings.ToUpper(strings.TrimSpace(licensePlate))
	if licensePlate == "" {
		return &UserError{Message: "no license plate given"}
	}

	state, ok := d.state.Snapshot()[productID]
	if !ok {
		return &UserError{Message: fmt.Sprintf("unknown product %q", productID)}
	}

	actionID := ""
	for _, m := range state.Members {
		if !m.Active || !strings.EqualFold(m.Identifier, licensePlate) {
			continue
		}
		if attrs, ok := poll.CurrentAction(m); ok && attrs.ActionID != "" {
			actionID = attrs.ActionID
			break
		}
	}
	if actionID == "" {
		return &UserError{Message: fmt.Sprintf("no active parking session for %s", licensePlate)}
	}

	err := d.api.StopAction(ctx, productID, actionID)
	var apiErr *twopark.APIError
	if errors.As(err, &apiErr) {
		return &UserError{Message: apiErr.Message}
	}
	if err != nil {
		return err
	}

	d.state.RequestRefresh()
	return nil
}
