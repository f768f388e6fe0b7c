package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultName is used when the payload carries no customer first name.
	DefaultName = "Cliente"
	// Unavailable is the display placeholder for missing contact fields.
	Unavailable = "No disponible"
)

// Order is the snapshot of an incoming order event. It is rebuilt from the
// webhook payload on every delivery and persisted as-is in the pending map.
type Order struct {
	ID              string     `json:"id"`
	Number          string     `json:"order_number,omitempty"`
	CreatedAt       string     `json:"created_at,omitempty"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name,omitempty"`
	Email           string     `json:"email,omitempty"`
	Phone           string     `json:"phone"`
	Currency        string     `json:"currency,omitempty"`
	TotalPrice      string     `json:"total_price,omitempty"`
	PaymentGateways []string   `json:"payment_gateways,omitempty"`
	FinancialStatus string     `json:"financial_status,omitempty"`
	LineItems       []LineItem `json:"line_items"`
	ReceivedAt      time.Time  `json:"received_at"`
	// Notified is set once an operator received the new-order message.
	Notified        bool       `json:"notified,omitempty"`
}

// LineItem is a single purchased product.
type LineItem struct {
	Title    string `json:"title"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price,omitempty"`
}

// LineTotal returns quantity × unit price. The second value is false when the
// price is empty or not a decimal number.
func (li LineItem) LineTotal() (decimal.Decimal, bool) {
	price, err := decimal.NewFromString(strings.TrimSpace(li.Price))
	if err != nil {
		return decimal.Zero, false
	}
	return price.Mul(decimal.NewFromInt(int64(li.Quantity))).Round(2), true
}

// timeLayouts are tried in order when parsing CreatedAt.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// CreatedTime parses CreatedAt. Layouts without a zone are read as UTC.
func (o *Order) CreatedTime() (time.Time, bool) {
	raw := strings.TrimSpace(o.CreatedAt)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// HasEmail reports whether the order carries a usable customer address.
func (o *Order) HasEmail() bool {
	e := strings.TrimSpace(o.Email)
	return e != "" && e != Unavailable && strings.Contains(e, "@")
}

// HasPhone reports whether a customer phone was resolved from the payload.
func (o *Order) HasPhone() bool {
	return o.Phone != "" && o.Phone != Unavailable
}

// FullName joins first and last name.
func (o *Order) FullName() string {
	return strings.TrimSpace(o.FirstName + " " + o.LastName)
}

// DisplayNumber is the human-facing order reference: the platform's order
// name when present, the raw identifier otherwise.
func (o *Order) DisplayNumber() string {
	if o.Number != "" {
		return o.Number
	}
	return "#" + o.ID
}

// Gateways joins payment gateway names for display.
func (o *Order) Gateways() string {
	if len(o.PaymentGateways) == 0 {
		return Unavailable
	}
	return strings.Join(o.PaymentGateways, ", ")
}

// Total renders the order total with its currency.
func (o *Order) Total() string {
	if o.TotalPrice == "" {
		return Unavailable
	}
	if o.Currency == "" {
		return o.TotalPrice
	}
	return o.TotalPrice + " " + o.Currency
}
