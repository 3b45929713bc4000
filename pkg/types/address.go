package types

// Address is the immutable shipping snapshot stored on an order. It is
// copied from the checkout session at fulfillment time and never updated
// afterwards, so later address-book edits cannot rewrite history.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}
