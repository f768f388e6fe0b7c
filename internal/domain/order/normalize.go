package order

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Normalize extracts an Order from a loosely structured webhook payload.
// It never fails: every missing or malformed field degrades to its default.
// Payloads should be decoded with json.Decoder.UseNumber so that large
// numeric identifiers survive intact.
func Normalize(payload map[string]any, receivedAt time.Time) Order {
	customer := object(payload, "customer")
	billing := object(payload, "billing_address")
	shipping := object(payload, "shipping_address")

	o := Order{
		ID:              str(payload["id"]),
		Number:          str(payload["name"]),
		CreatedAt:       str(payload["created_at"]),
		FirstName:       firstOf(DefaultName, str(customer["first_name"]), str(billing["first_name"]), str(shipping["first_name"])),
		LastName:        firstOf("", str(customer["last_name"]), str(billing["last_name"]), str(shipping["last_name"])),
		Email:           firstOf("", str(payload["email"]), str(customer["email"]), str(payload["contact_email"])),
		Phone:           firstOf(Unavailable, str(payload["phone"]), str(customer["phone"]), str(billing["phone"]), str(shipping["phone"])),
		Currency:        str(payload["currency"]),
		TotalPrice:      str(payload["total_price"]),
		FinancialStatus: str(payload["financial_status"]),
		ReceivedAt:      receivedAt.UTC(),
		LineItems:       []LineItem{},
	}

	if gateways, ok := payload["payment_gateway_names"].([]any); ok {
		for _, g := range gateways {
			if s := str(g); s != "" {
				o.PaymentGateways = append(o.PaymentGateways, s)
			}
		}
	}

	if items, ok := payload["line_items"].([]any); ok {
		for _, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			title := str(item["title"])
			if title == "" {
				title = str(item["name"])
			}
			if title == "" {
				title = "Producto"
			}
			qty := integer(item["quantity"])
			if qty <= 0 {
				qty = 1
			}
			o.LineItems = append(o.LineItems, LineItem{
				Title:    title,
				Quantity: qty,
				Price:    str(item["price"]),
			})
		}
	}

	return o
}

func object(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// str renders scalar JSON values as trimmed strings. Objects, arrays and nil
// yield "".
func str(v any) string {
	switch v := v.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e18 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func integer(v any) int {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

func firstOf(fallback string, values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return fallback
}
