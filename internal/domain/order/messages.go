package order

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/go-faster/errors"
)

// operatorNotification is sent to every operator when a new order is admitted.
func operatorNotification(o *Order, confirmURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛒 Nuevo pedido %s\n\n", o.DisplayNumber())
	fmt.Fprintf(&b, "👤 Cliente: %s\n", o.FullName())
	fmt.Fprintf(&b, "📞 Teléfono: %s\n", o.Phone)
	fmt.Fprintf(&b, "📧 Email: %s\n", displayOr(o.Email))
	if o.CreatedAt != "" {
		fmt.Fprintf(&b, "🕒 Fecha: %s\n", o.CreatedAt)
	}
	b.WriteString("\n📦 Productos:\n")
	if len(o.LineItems) == 0 {
		b.WriteString("- (sin productos)\n")
	}
	for _, li := range o.LineItems {
		fmt.Fprintf(&b, "- %s x%d", li.Title, li.Quantity)
		if li.Price != "" {
			fmt.Fprintf(&b, " (%s)", li.Price)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n💰 Total: %s\n", o.Total())
	fmt.Fprintf(&b, "💳 Pago: %s\n", o.Gateways())
	fmt.Fprintf(&b, "📄 Estado: %s\n", displayOr(o.FinancialStatus))
	fmt.Fprintf(&b, "\n✅ Confirmar pago y enviar instrucciones al cliente:\n%s", confirmURL)
	return b.String()
}

// adminReceipt is sent to operators once the customer email went out.
func adminReceipt(o *Order) string {
	return fmt.Sprintf("✅ Pedido %s confirmado.\nCorreo con instrucciones de pago enviado a %s (%s).",
		o.DisplayNumber(), o.Email, o.FullName())
}

const testMessage = "🔔 Mensaje de prueba: este número recibirá las notificaciones de nuevos pedidos."

func displayOr(s string) string {
	if strings.TrimSpace(s) == "" {
		return Unavailable
	}
	return s
}

//go:embed templates/customer_email.html
var customerEmailHTML string

var customerEmailTmpl = template.Must(template.New("customer_email").Parse(customerEmailHTML))

type emailLine struct {
	Title    string
	Quantity int
	Price    string
	Total    string
}

type emailData struct {
	Name         string
	Number       string
	Lines        []emailLine
	Total        string
	Gateways     string
	Instructions []string
}

// customerEmail renders the payment-instructions email for o.
func customerEmail(o *Order, instructions string) (subject, body string, err error) {
	data := emailData{
		Name:     o.FirstName,
		Number:   o.DisplayNumber(),
		Total:    o.Total(),
		Gateways: o.Gateways(),
	}
	for _, li := range o.LineItems {
		line := emailLine{Title: li.Title, Quantity: li.Quantity, Price: li.Price}
		if total, ok := li.LineTotal(); ok {
			line.Total = total.StringFixed(2)
		}
		data.Lines = append(data.Lines, line)
	}
	for _, p := range strings.Split(instructions, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			data.Instructions = append(data.Instructions, p)
		}
	}

	var buf bytes.Buffer
	if err := customerEmailTmpl.Execute(&buf, data); err != nil {
		return "", "", errors.Wrap(err, "render customer email")
	}
	return fmt.Sprintf("Instrucciones de pago para tu pedido %s", data.Number), buf.String(), nil
}
