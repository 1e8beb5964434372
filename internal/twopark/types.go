package twopark

import "encoding/json"

// Param is a label/value pair as used throughout the 2Park API.
// Balances, members, actions, and product parameter groups all carry
// their payload in lists of these.
type Param struct {
	Label string `json:"prr_label"`
	Value string `json:"prr_value"`
}

// Product is one parking product (a resident permit or a visitor
// scheme) under the account, flattened from the two-level category
// hierarchy returned by get_categories. Products are immutable after
// discovery and are persisted across restarts.
type Product struct {
	ID        string      `json:"pdt_id"`
	Name      string      `json:"pdt_name"`
	ValidFrom string      `json:"pdt_valid_from,omitempty"`
	ValidTo   string      `json:"pdt_valid_to,omitempty"`
	IsBlocked string      `json:"pdt_is_blocked,omitempty"`
	Options   string      `json:"pdt_options"`
	MaxActive json.Number `json:"pdt_member_pool_max_active,omitempty"`

	// Location is derived at discovery time from the product's
	// parameter groups (or from the product ID as a fallback) and is
	// required to start a parking action. Empty when neither source
	// yields one.
	Location string `json:"pdt_location,omitempty"`
}

// Balance is the raw balance payload for a product. The interesting
// values (AMOUNT, CURRENCY_CODE, CURRENCY_DESC) hide in Parameters.
type Balance struct {
	Parameters []Param `json:"ble_parameters"`
}

// ProductDetails is the raw get_category_product_details payload.
// Visitor schemes list their plates in Members; resident permits nest
// theirs under Identifications.
type ProductDetails struct {
	Members         []Member         `json:"pdt_members"`
	Identifications []Identification `json:"pdt_identifications"`
}

// Identification is a nested member group on permit-type products.
// The same member may appear under multiple identifications.
type Identification struct {
	Members []Member `json:"idn_members"`
}

// Member is a license plate registered under a product. ID is the
// stable identity across refresh cycles; Identifier is the plate
// string shown to the user.
type Member struct {
	ID         string   `json:"mbr_id"`
	Identifier string   `json:"mbr_identifier"`
	Type       string   `json:"mbr_type"`
	Active     string   `json:"mbr_active"`
	Parameters []Param  `json:"mbr_parameters"`
	Actions    []Action `json:"mbr_actions"`
}

// Action is a remote-tracked parking session attached to a member.
// ID is required to stop the session and may be absent on historical
// entries.
type Action struct {
	ID         string  `json:"atn_id,omitempty"`
	Parameters []Param `json:"atn_parameters"`
}

// envelope is the JSON wrapper every 2Park endpoint returns. The
// major status code is "OK" on success; Message carries the remote
// error text otherwise.
type envelope struct {
	Status struct {
		Code struct {
			Major string `json:"major"`
		} `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
	Data json.RawMessage `json:"data"`
}

// categoriesData is the get_categories payload: two levels deep, with
// products nested under categories.
type categoriesData struct {
	Categories []struct {
		Products []wireProduct `json:"cty_products"`
	} `json:"categories"`
}

// wireProduct is a product as it appears in get_categories, including
// the parameter groups that are scanned for the LOCATION default. The
// groups are dropped after flattening.
type wireProduct struct {
	Product
	ParameterGroups []struct {
		Parameters []Param `json:"pgr_parameters"`
	} `json:"pdt_parameter_groups"`
}

// balanceData wraps the balance object inside the get_balance payload.
type balanceData struct {
	Balance Balance `json:"balance"`
}
