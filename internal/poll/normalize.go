package poll

import (
	"strconv"

	"github.com/nugget/park2mqtt/internal/twopark"
)

// Member type tags and flags as used on the wire.
const (
	memberTypeFLPN = "FLPN" // permit-type members, nested under identifications
	memberTypeLPN  = "LPN"  // visitor-type members, flat list
	activeYes      = "YES"
)

// Normalization is deliberately failure-free: a missing or malformed
// field degrades to an absent value so a partially broken payload
// still yields a usable ProductState.

// ExtractBalance returns the AMOUNT parameter of a balance payload as
// a float, or nil when the parameter is missing or unparsable.
func ExtractBalance(balance twopark.Balance) *float64 {
	for _, param := range balance.Parameters {
		if param.Label == "AMOUNT" {
			v, err := strconv.ParseFloat(param.Value, 64)
			if err != nil {
				return nil
			}
			return &v
		}
	}
	return nil
}

// ExtractParam returns the value of the first parameter with the
// given label, or "" when absent.
func ExtractParam(params []twopark.Param, label string) string {
	for _, param := range params {
		if param.Label == label {
			return param.Value
		}
	}
	return ""
}

// ExtractFLPNMembers collects FLPN-tagged members from a product's
// identification groups. A member may appear under multiple
// identifications; duplicates are dropped by member ID, keeping
// first-seen order.
func ExtractFLPNMembers(details twopark.ProductDetails) []twopark.Member {
	seen := make(map[string]bool)
	var members []twopark.Member
	for _, identification := range details.Identifications {
		for _, m := range identification.Members {
			if m.Type == memberTypeFLPN && !seen[m.ID] {
				seen[m.ID] = true
				members = append(members, m)
			}
		}
	}
	return members
}

// FilterLPNMembers returns the visitor-type members from a product's
// flat member list, preserving order.
func FilterLPNMembers(details twopark.ProductDetails) []twopark.Member {
	var members []twopark.Member
	for _, m := range details.Members {
		if m.Type == memberTypeLPN {
			members = append(members, m)
		}
	}
	return members
}

// ExtractNickname returns the NICKNAME parameter of a member, or "".
func ExtractNickname(m twopark.Member) string {
	return ExtractParam(m.Parameters, "NICKNAME")
}

// buildProductState normalizes one product's raw balance and details
// payloads into a flat ProductState, selecting the member source by
// the product's options tag.
func buildProductState(product twopark.Product, balance twopark.Balance, details twopark.ProductDetails) ProductState {
	var raw []twopark.Member
	if IsFLPN(product.Options) {
		raw = ExtractFLPNMembers(details)
	} else {
		raw = FilterLPNMembers(details)
	}

	members := make([]Member, 0, len(raw))
	for _, m := range raw {
		actions := make([]Action, 0, len(m.Actions))
		for _, a := range m.Actions {
			actions = append(actions, Action{ID: a.ID, Parameters: a.Parameters})
		}
		members = append(members, Member{
			ID:         m.ID,
			Identifier: m.Identifier,
			Type:       m.Type,
			Active:     m.Active == activeYes,
			Nickname:   ExtractNickname(m),
			Actions:    actions,
		})
	}

	return ProductState{
		Balance:      ExtractBalance(balance),
		CurrencyCode: ExtractParam(balance.Parameters, "CURRENCY_CODE"),
		CurrencyDesc: ExtractParam(balance.Parameters, "CURRENCY_DESC"),
		Name:         product.Name,
		Options:      product.Options,
		Location:     product.Location,
		Members:      members,
	}
}

// CurrentAction returns the display attributes of a member's current
// parking session. ok is false when the member has no actions at all;
// unknown parameter labels are ignored.
func CurrentAction(m Member) (attrs ActionAttrs, ok bool) {
	if len(m.Actions) == 0 {
		return ActionAttrs{}, false
	}
	action := m.Actions[0]
	for _, param := range action.Parameters {
		switch param.Label {
		case "TIMESTART":
			attrs.ParkingStart = param.Value
		case "TIMEEND":
			attrs.ParkingEnd = param.Value
		case "AMOUNT":
			attrs.EstimatedCost = param.Value
		}
	}
	attrs.ActionID = action.ID
	return attrs, true
}
