package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/park2mqtt/internal/poll"
	"github.com/nugget/park2mqtt/internal/twopark"
)

type mockActionAPI struct {
	mu sync.Mutex

	startErr error
	stopErr  error

	startCalls []startCall
	stopCalls  []stopCall
}

type startCall struct {
	productID, licensePlate, timeEnd, location, timeStart string
}

type stopCall struct {
	productID, actionID string
}

func (m *mockActionAPI) StartAction(ctx context.Context, productID, licensePlate, timeEnd, location, timeStart string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls = append(m.startCalls, startCall{productID, licensePlate, timeEnd, location, timeStart})
	return m.startErr
}

func (m *mockActionAPI) StopAction(ctx context.Context, productID, actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls = append(m.stopCalls, stopCall{productID, actionID})
	return m.stopErr
}

type mockState struct {
	mu        sync.Mutex
	snapshot  poll.Snapshot
	refreshes int
}

func (m *mockState) Snapshot() poll.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *mockState) RequestRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
}

func (m *mockState) refreshCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

func testDispatcher(api *mockActionAPI, state *mockState, selections *SelectionStore) *Dispatcher {
	products := []twopark.Product{
		{ID: "P1", Name: "Visitor parking", Options: "FLPN", Location: "BDA1317"},
		{ID: "P2", Name: "No location", Options: "FLPN"},
	}
	return NewDispatcher(api, state, selections, products,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStartParkingExplicitPlate(t *testing.T) {
	api := &mockActionAPI{}
	state := &mockState{}
	d := testDispatcher(api, state, NewSelectionStore())

	err := d.StartParking(context.Background(), "P1", "AB12CD", "31-12-2026 18:30:59")
	if err != nil {
		t.Fatalf("StartParking: %v", err)
	}

	if len(api.startCalls) != 1 {
		t.Fatalf("StartAction called %d times", len(api.startCalls))
	}
	call := api.startCalls[0]
	if call.productID != "P1" || call.licensePlate != "AB12CD" || call.location != "BDA1317" {
		t.Errorf("call = %+v", call)
	}
	if call.timeEnd != "31-12-2026 18:30:59" {
		t.Errorf("timeEnd = %q, full datetime must pass through unchanged", call.timeEnd)
	}
	if state.refreshCount() != 1 {
		t.Errorf("refresh requested %d times, want 1", state.refreshCount())
	}
}

func TestStartParkingUsesSelectedPlate(t *testing.T) {
	api := &mockActionAPI{}
	selections := NewSelectionStore()
	selections.Set("P1", "HRL96K (Mats)")
	d := testDispatcher(api, &mockState{}, selections)

	if err := d.StartParking(context.Background(), "P1", "", "31-12-2026 18:30:59"); err != nil {
		t.Fatalf("StartParking: %v", err)
	}
	if api.startCalls[0].licensePlate != "HRL96K" {
		t.Errorf("licensePlate = %q, want nickname stripped", api.startCalls[0].licensePlate)
	}
}

func TestStartParkingUserErrors(t *testing.T) {
	tests := []struct {
		name      string
		productID string
		plate     string
	}{
		{"unknown product", "P9", "AB12CD"},
		{"no plate and no selection", "P1", ""},
		{"product without location", "P2", "AB12CD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockActionAPI{}
			state := &mockState{}
			d := testDispatcher(api, state, NewSelectionStore())

			err := d.StartParking(context.Background(), tt.productID, tt.plate, "18:30")
			var userErr *UserError
			if !errors.As(err, &userErr) {
				t.Fatalf("error = %v, want *UserError", err)
			}
			if len(api.startCalls) != 0 {
				t.Error("StartAction called despite user error")
			}
			if state.refreshCount() != 0 {
				t.Error("refresh requested despite user error")
			}
		})
	}
}

func TestStartParkingAPIErrorBecomesUserError(t *testing.T) {
	api := &mockActionAPI{startErr: &twopark.APIError{Op: "start_action", Message: "Saldo ontoereikend"}}
	state := &mockState{}
	d := testDispatcher(api, state, NewSelectionStore())

	err := d.StartParking(context.Background(), "P1", "AB12CD", "18:30")
	var userErr *UserError
	if !errors.As(err, &userErr) {
		t.Fatalf("error = %v, want *UserError", err)
	}
	if userErr.Message != "Saldo ontoereikend" {
		t.Errorf("Message = %q, want remote message", userErr.Message)
	}
	if state.refreshCount() != 0 {
		t.Error("refresh requested after failed start")
	}
}

func activeSnapshot() poll.Snapshot {
	return poll.Snapshot{
		"P1": poll.ProductState{
			Name: "Visitor parking",
			Members: []poll.Member{
				{
					ID: "m1", Identifier: "AB12CD", Active: true,
					Actions: []poll.Action{{ID: "a1"}},
				},
				{
					// Same plate, not parked: must not match.
					ID: "m2", Identifier: "EF34GH", Active: false,
					Actions: []poll.Action{{ID: "a2"}},
				},
			},
		},
	}
}

func TestStopParking(t *testing.T) {
	api := &mockActionAPI{}
	state := &mockState{snapshot: activeSnapshot()}
	d := testDispatcher(api, state, NewSelectionStore())

	if err := d.StopParking(context.Background(), "P1", "ab12cd"); err != nil {
		t.Fatalf("StopParking: %v", err)
	}

	if len(api.stopCalls) != 1 {
		t.Fatalf("StopAction called %d times", len(api.stopCalls))
	}
	if api.stopCalls[0].actionID != "a1" {
		t.Errorf("actionID = %q, want a1", api.stopCalls[0].actionID)
	}
	if state.refreshCount() != 1 {
		t.Errorf("refresh requested %d times, want 1", state.refreshCount())
	}
}

func TestStopParkingInactiveMember(t *testing.T) {
	api := &mockActionAPI{}
	state := &mockState{snapshot: activeSnapshot()}
	d := testDispatcher(api, state, NewSelectionStore())

	err := d.StopParking(context.Background(), "P1", "EF34GH")
	var userErr *UserError
	if !errors.As(err, &userErr) {
		t.Fatalf("error = %v, want *UserError for inactive member", err)
	}
	if len(api.stopCalls) != 0 {
		t.Error("StopAction called for a member without an active session")
	}
}

func TestStopParkingEmptyPlate(t *testing.T) {
	api := &mockActionAPI{}
	d := testDispatcher(api, &mockState{snapshot: activeSnapshot()}, NewSelectionStore())

	err := d.StopParking(context.Background(), "P1", "   ")
	var userErr *UserError
	if !errors.As(err, &userErr) {
		t.Fatalf("error = %v, want *UserError", err)
	}
}

func TestNormalizeTimeEnd(t *testing.T) {
	now := time.Date(2026, 8, 31, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want string
	}{
		{"18:30", "31-08-2026 18:30:59"},
		{"7:05", "31-08-2026 7:05:59"},
		{"01-09-2026 18:30:00", "01-09-2026 18:30:00"},
		{"whatever", "whatever"},
	}
	for _, tt := range tests {
		if got := NormalizeTimeEnd(tt.in, now); got != tt.want {
			t.Errorf("NormalizeTimeEnd(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlateOptionRoundTrip(t *testing.T) {
	tests := []struct {
		plate, nickname, option string
	}{
		{"HRL96K", "Mats", "HRL96K (Mats)"},
		{"AB12CD", "", "AB12CD"},
	}
	for _, tt := range tests {
		option := FormatPlateOption(tt.plate, tt.nickname)
		if option != tt.option {
			t.Errorf("FormatPlateOption(%q, %q) = %q, want %q", tt.plate, tt.nickname, option, tt.option)
		}
		if got := ExtractPlate(option); got != tt.plate {
			t.Errorf("ExtractPlate(%q) = %q, want %q", option, got, tt.plate)
		}
	}
}

func TestSelectionStore(t *testing.T) {
	s := NewSelectionStore()

	if got := s.Get("P1"); got != "" {
		t.Errorf("Get on empty store = %q", got)
	}

	s.Set("P1", "AB12CD (Mats)")
	if got := s.Get("P1"); got != "AB12CD (Mats)" {
		t.Errorf("Get = %q", got)
	}

	s.Clear("P1")
	if got := s.Get("P1"); got != "" {
		t.Errorf("Get after Clear = %q", got)
	}
}
