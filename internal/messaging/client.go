// Package messaging delivers operator notifications through a Twilio-style
// REST messaging API.
package messaging

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the provider API root.
	DefaultBaseURL = "https://api.twilio.com"
	// DefaultChannel prefixes every address.
	DefaultChannel = "whatsapp"
	// DefaultDelay separates consecutive sends in a broadcast.
	DefaultDelay = time.Second
	// DefaultTimeout bounds every outbound call.
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 64 << 10
)

// Config describes the provider account.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	// From is the sender phone; it is normalized like any recipient.
	From    string
	Channel string
	// Delay between consecutive sends in Broadcast. Negative disables it.
	Delay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// Client sends messages. It is safe for concurrent use.
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
}

// New creates a Client. Empty fields in cfg take package defaults.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Delay == 0 {
		cfg.Delay = DefaultDelay
	}
	c := &Client{
		cfg: cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") +
			"/2010-04-01/Accounts/" + url.PathEscape(cfg.AccountSID) + "/Messages.json",
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeAddress converts a phone value into a channel address such as
// "whatsapp:+5491155550000". Any existing channel prefix is replaced and
// the number gets exactly one leading "+". Length and country code are not
// validated.
func NormalizeAddress(channel, phone string) string {
	p := strings.TrimSpace(phone)
	if i := strings.IndexByte(p, ':'); i >= 0 {
		p = strings.TrimSpace(p[i+1:])
	}
	p = strings.TrimLeft(p, "+")
	if p == "" {
		return ""
	}
	p = "+" + p
	if channel == "" {
		return p
	}
	return channel + ":" + p
}

// Send delivers body to one recipient and reports whether the provider
// accepted it. Failures are logged, never returned.
func (c *Client) Send(ctx context.Context, to, body string) bool {
	addr := NormalizeAddress(c.cfg.Channel, to)
	lg := zctx.From(ctx).With(zap.String("to", addr))
	if addr == "" {
		lg.Warn("Empty recipient address, message not sent")
		return false
	}

	status, respBody, err := c.post(ctx, addr, body)
	if err != nil {
		lg.Error("Message send failed", zap.Error(err))
		return false
	}
	if status < 200 || status > 299 {
		fields := []zap.Field{
			zap.Int("status", status),
			zap.ByteString("body", respBody),
		}
		if perr, ok := decodeProviderError(respBody); ok {
			fields = append(fields,
				zap.Int64("provider_code", perr.Code),
				zap.String("provider_message", perr.Message),
				zap.String("more_info", perr.MoreInfo),
			)
		}
		lg.Error("Message rejected by provider", fields...)
		return false
	}

	lg.Debug("Message delivered", zap.Int("status", status))
	return true
}

// Broadcast sends body to every recipient sequentially with Config.Delay
// between calls. A cancelled context marks the remaining recipients as
// undelivered.
func (c *Client) Broadcast(ctx context.Context, recipients []string, body string) map[string]bool {
	results := make(map[string]bool, len(recipients))
	for i, r := range recipients {
		if i > 0 && c.cfg.Delay > 0 {
			if err := sleep(ctx, c.cfg.Delay); err != nil {
				for _, rest := range recipients[i:] {
					results[rest] = false
				}
				zctx.From(ctx).Warn("Broadcast interrupted",
					zap.Int("remaining", len(recipients)-i),
					zap.Error(err),
				)
				return results
			}
		}
		results[r] = c.Send(ctx, r, body)
	}
	return results
}

func (c *Client) post(ctx context.Context, to, body string) (int, []byte, error) {
	form := url.Values{}
	form.Set("From", NormalizeAddress(c.cfg.Channel, c.cfg.From))
	form.Set("To", to)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, errors.Wrap(err, "build request")
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "do request")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "read response")
	}
	return resp.StatusCode, respBody, nil
}

// providerError is the provider's JSON error envelope.
type providerError struct {
	Code     int64
	Message  string
	MoreInfo string
}

func decodeProviderError(body []byte) (providerError, bool) {
	var (
		perr  providerError
		found bool
	)
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "code":
			if d.Next() != jx.Number {
				return d.Skip()
			}
			v, err := d.Int64()
			if err != nil {
				return err
			}
			perr.Code = v
			found = true
		case "message":
			if d.Next() != jx.String {
				return d.Skip()
			}
			v, err := d.Str()
			if err != nil {
				return err
			}
			perr.Message = v
			found = true
		case "more_info":
			if d.Next() != jx.String {
				return d.Skip()
			}
			v, err := d.Str()
			if err != nil {
				return err
			}
			perr.MoreInfo = v
		default:
			return d.Skip()
		}
		return nil
	})
	if err != nil {
		return providerError{}, false
	}
	return perr, found
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
