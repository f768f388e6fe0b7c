package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/orderbridge/internal/mail"
	"github.com/xenking/orderbridge/internal/messaging"
)

const defaultAddr = "0.0.0.0:5000"

// Config holds the complete application configuration, loadable from
// environment variables (ORDERBRIDGE_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string        `default:"0.0.0.0:5000" usage:"HTTP listen address"`
	PublicURL   string        `usage:"External base URL used in confirmation links (defaults to the request host)" flag:"public-url"`
	DatabaseURL string        `usage:"PostgreSQL URL; when set the ledger is stored in PostgreSQL (ORDERBRIDGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	StaleAfter  time.Duration `default:"24h" usage:"Orders created longer ago than this are ignored" flag:"stale-after"`
	Ledger      LedgerConfig
	Messaging   MessagingConfig
	Mail        MailConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// LedgerConfig controls the file ledger and pending expiry.
type LedgerConfig struct {
	ProcessedPath string        `default:"pedidos_procesados.json" usage:"Processed ids document (.gz for compression)"`
	PendingPath   string        `default:"pedidos_pendientes.json" usage:"Pending orders document (.gz for compression)"`
	PendingTTL    time.Duration `default:"0" usage:"Expire unconfirmed orders after this age (0 disables)"`
	SweepInterval time.Duration `default:"1h" usage:"How often expired pending orders are swept"`
}

// MessagingConfig holds the messaging provider account and operator list.
type MessagingConfig struct {
	BaseURL    string        `default:"https://api.twilio.com" usage:"Messaging provider API root"`
	AccountSID string        `env:"ACCOUNT_SID" usage:"Provider account SID (or TWILIO_ACCOUNT_SID)"`
	AuthToken  string        `env:"AUTH_TOKEN" usage:"Provider auth token (or TWILIO_AUTH_TOKEN)"`
	From       string        `usage:"Sender phone number (or TWILIO_WHATSAPP_NUMBER)"`
	Channel    string        `default:"whatsapp" usage:"Address channel prefix"`
	Recipients []string      `usage:"Operator phone numbers notified of every order"`
	Delay      time.Duration `default:"1s" usage:"Delay between consecutive messages of a broadcast"`
}

// MailConfig holds SMTP settings for customer emails.
type MailConfig struct {
	Host                string `default:"smtp.gmail.com" usage:"SMTP relay host"`
	Port                int    `default:"587" usage:"SMTP relay port (STARTTLS)"`
	Username            string `usage:"SMTP username"`
	Password            string `usage:"SMTP password"`
	From                string `usage:"Sender address (defaults to the username)"`
	FromName            string `default:"Tienda" usage:"Sender display name"`
	PaymentInstructions string `usage:"Payment instructions appended to the customer email, one paragraph per line"`
}

// RateLimitConfig controls the per-client token bucket on fan-out endpoints.
type RateLimitConfig struct {
	RPS   float64 `default:"5" usage:"Sustained requests per second per client"`
	Burst int     `default:"20" usage:"Burst size per client"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// placeholders are sample credential values that must never reach the
// provider.
var placeholders = map[string]bool{
	"TU_SID":   true,
	"TU_TOKEN": true,
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "ORDERBRIDGE",
		Files:     []string{"config.yaml", "/etc/orderbridge/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps conventional variable names (PORT, DATABASE_URL
// and the provider's TWILIO_* names) onto unset fields.
func (c *Config) applyPlatformDefaults() {
	fallback := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	fallback(&c.DatabaseURL, "DATABASE_URL")
	fallback(&c.Messaging.AccountSID, "TWILIO_ACCOUNT_SID")
	fallback(&c.Messaging.AuthToken, "TWILIO_AUTH_TOKEN")
	fallback(&c.Messaging.From, "TWILIO_WHATSAPP_NUMBER")

	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}

	recipients := c.Messaging.Recipients[:0]
	for _, r := range c.Messaging.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	c.Messaging.Recipients = recipients
}

// Validate fails on missing or placeholder messaging credentials and an
// empty operator list. Mail credentials are optional.
func (c *Config) Validate() error {
	required := []struct {
		name, value string
	}{
		{"messaging account SID (ORDERBRIDGE_MESSAGING_ACCOUNT_SID or TWILIO_ACCOUNT_SID)", c.Messaging.AccountSID},
		{"messaging auth token (ORDERBRIDGE_MESSAGING_AUTH_TOKEN or TWILIO_AUTH_TOKEN)", c.Messaging.AuthToken},
		{"messaging sender (ORDERBRIDGE_MESSAGING_FROM or TWILIO_WHATSAPP_NUMBER)", c.Messaging.From},
	}
	for _, r := range required {
		v := strings.TrimSpace(r.value)
		if v == "" {
			return errors.Errorf("%s is required", r.name)
		}
		if placeholders[v] {
			return errors.Errorf("%s holds placeholder value %q", r.name, v)
		}
	}
	if len(c.Messaging.Recipients) == 0 {
		return errors.New("at least one operator recipient is required (ORDERBRIDGE_MESSAGING_RECIPIENTS)")
	}
	if c.StaleAfter <= 0 {
		return errors.New("stale-after must be positive")
	}
	return nil
}

// MailConfigured reports whether customer emails can be sent.
func (c *Config) MailConfigured() bool {
	return c.mailConfig().Configured()
}

// Warnings lists settings that are valid but degrade the workflow.
func (c *Config) Warnings() []string {
	var out []string
	if !c.MailConfigured() {
		out = append(out, "Mail credentials missing, customer emails will not be sent")
	}
	if strings.TrimSpace(c.Mail.PaymentInstructions) == "" {
		out = append(out, "Payment instructions not configured, customer emails will not include them")
	}
	return out
}

func (c *Config) mailConfig() mail.Config {
	return mail.Config{
		Host:     c.Mail.Host,
		Port:     c.Mail.Port,
		Username: c.Mail.Username,
		Password: c.Mail.Password,
		From:     c.Mail.From,
		FromName: c.Mail.FromName,
	}
}

func (c *Config) messagingConfig() messaging.Config {
	return messaging.Config{
		BaseURL:    c.Messaging.BaseURL,
		AccountSID: c.Messaging.AccountSID,
		AuthToken:  c.Messaging.AuthToken,
		From:       c.Messaging.From,
		Channel:    c.Messaging.Channel,
		Delay:      c.Messaging.Delay,
	}
}
