// Package mail sends customer emails over SMTP.
package mail

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

const (
	DefaultHost    = "smtp.gmail.com"
	DefaultPort    = 587
	DefaultTimeout = 10 * time.Second
)

// Config holds SMTP account settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// From defaults to Username.
	From     string
	FromName string
}

// Configured reports whether credentials are present.
func (c Config) Configured() bool {
	return c.Username != "" && c.Password != "" && c.sender() != ""
}

func (c Config) sender() string {
	if c.From != "" {
		return c.From
	}
	return c.Username
}

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error
}

// Notifier sends one message per SMTP session.
type Notifier struct {
	cfg  Config
	dial func(Config) (sender, error)
}

// NewNotifier creates a Notifier. Missing credentials are not an error:
// Send then reports every message as undelivered.
func NewNotifier(cfg Config) *Notifier {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Notifier{cfg: cfg, dial: dialSMTP}
}

func dialSMTP(cfg Config) (sender, error) {
	c, err := gomail.NewClient(cfg.Host,
		gomail.WithPort(cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.Username),
		gomail.WithPassword(cfg.Password),
		gomail.WithTLSPolicy(gomail.TLSMandatory),
		gomail.WithTimeout(DefaultTimeout),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create smtp client")
	}
	return c, nil
}

// Send delivers an HTML message to one recipient and reports whether the
// server accepted it.
func (n *Notifier) Send(ctx context.Context, to, subject, html string) bool {
	lg := zctx.From(ctx).With(zap.String("to", to))
	if !n.cfg.Configured() {
		lg.Warn("Mail credentials not configured, email not sent")
		return false
	}

	msg, err := n.message(to, subject, html)
	if err != nil {
		lg.Error("Failed to build email", zap.Error(err))
		return false
	}

	client, err := n.dial(n.cfg)
	if err != nil {
		lg.Error("Failed to prepare SMTP client", zap.Error(err))
		return false
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		lg.Error("Email send failed",
			zap.String("host", n.cfg.Host),
			zap.Int("port", n.cfg.Port),
			zap.Error(err),
		)
		return false
	}

	lg.Info("Email sent", zap.String("subject", subject))
	return true
}

func (n *Notifier) message(to, subject, html string) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	from := n.cfg.sender()
	if n.cfg.FromName != "" {
		if err := msg.FromFormat(n.cfg.FromName, from); err != nil {
			return nil, errors.Wrap(err, "from")
		}
	} else if err := msg.From(from); err != nil {
		return nil, errors.Wrap(err, "from")
	}
	if err := msg.To(to); err != nil {
		return nil, errors.Wrap(err, "to")
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, html)
	return msg, nil
}
