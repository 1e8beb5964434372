package poll

import (
	"context"
	"strings"

	"github.com/nugget/park2mqtt/internal/twopark"
)

// API is the slice of the 2Park client the coordinator needs. Keeps
// the poll package decoupled from the HTTP client so cycles can be
// driven from tests with a mock.
type API interface {
	Authenticate(ctx context.Context, email, password string) error
	GetBalance(ctx context.Context, productID string) (twopark.Balance, error)
	GetProductDetails(ctx context.Context, productID string) (twopark.ProductDetails, error)
}

// Credentials are the stored account credentials used for
// re-authentication when the session expires mid-cycle.
type Credentials struct {
	Email    string
	Password string
}

// Snapshot maps product ID to the normalized state of that product.
// A snapshot is built fresh every successful refresh cycle and
// replaces the previous one wholesale; it is never mutated after
// publication, so holders may read it without locking.
type Snapshot map[string]ProductState

// ProductState is the flat, normalized per-product state extracted
// from the balance and details payloads.
type ProductState struct {
	// Balance is nil when the balance payload carried no parsable
	// AMOUNT parameter.
	Balance      *float64
	CurrencyCode string
	CurrencyDesc string
	Name         string
	Options      string
	Location     string
	Members      []Member
}

// Member is a normalized license plate entry. ID is the stable
// identity used for new-member detection; Identifier is the plate.
type Member struct {
	ID         string
	Identifier string
	Type       string
	Active     bool
	Nickname   string
	Actions    []Action
}

// Action is a parking session attached to a member. Only the first
// action in a member's list is semantically meaningful (the current
// session).
type Action struct {
	ID         string
	Parameters []twopark.Param
}

// ActionAttrs are the display attributes of a member's current
// parking session.
type ActionAttrs struct {
	ParkingStart  string
	ParkingEnd    string
	EstimatedCost string
	ActionID      string
}

// IsFLPN reports whether the product uses the permit-type (FLPN)
// normalization branch. The branch is fixed for the product's
// lifetime since Options is immutable after discovery.
func IsFLPN(options string) bool {
	return strings.Contains(options, memberTypeFLPN)
}
