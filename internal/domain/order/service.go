package order

import (
	"context"
	"maps"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Sentinel errors returned by the workflow.
var (
	ErrMissingOrderID = errors.New("order id is missing")
	ErrNotPending     = errors.New("order is not pending confirmation")
	ErrMissingEmail   = errors.New("order has no customer email")
	ErrMailFailed     = errors.New("customer email could not be sent")
)

// DefaultStaleAfter is the age beyond which a newly seen order is ignored.
const DefaultStaleAfter = 24 * time.Hour

// Messenger delivers text messages over the chat channel. Delivery failures
// are reported through the boolean results, never as errors.
type Messenger interface {
	Send(ctx context.Context, to, body string) bool
	Broadcast(ctx context.Context, recipients []string, body string) map[string]bool
}

// Mailer sends a single HTML email and reports whether it was accepted.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) bool
}

// Outcome is the terminal branch an intake event took.
type Outcome string

const (
	OutcomeNotified         Outcome = "notified"
	OutcomeAlreadyPending   Outcome = "already_pending"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeStale            Outcome = "stale"
)

// IntakeRequest is one webhook delivery.
type IntakeRequest struct {
	Payload map[string]any
	// BaseURL prefixes the confirmation link sent to operators.
	BaseURL string
}

// IntakeResult describes what happened to an intake event.
type IntakeResult struct {
	Order      Order
	Outcome    Outcome
	Deliveries map[string]bool
}

// Delivered reports whether at least one operator received the notification.
func (r *IntakeResult) Delivered() bool {
	return anyDelivered(r.Deliveries)
}

// ConfirmResult describes a completed confirmation.
type ConfirmResult struct {
	Order      Order
	Deliveries map[string]bool
}

// Status is the operational summary exposed on the root endpoint.
type Status struct {
	Recipients []string
	Counts     Counts
}

// ServiceConfig holds workflow tunables.
type ServiceConfig struct {
	// Recipients are the operator addresses notified of every order.
	Recipients []string
	// StaleAfter defaults to DefaultStaleAfter when zero.
	StaleAfter time.Duration
	// PendingTTL expires unconfirmed orders. Zero keeps them forever.
	PendingTTL time.Duration
	// PaymentInstructions is appended to the customer email, one paragraph
	// per line.
	PaymentInstructions string
}

// Option configures a Service.
type Option func(*Service)

// WithMeterProvider sets the meter provider used for workflow counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider used for workflow spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// Service implements the order confirmation workflow:
// unseen → pending → processed.
type Service struct {
	ledger    Ledger
	messenger Messenger
	mailer    Mailer
	cfg       ServiceConfig
	now       func() time.Time

	confirms  singleflight.Group
	announces singleflight.Group

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	intakes        metric.Int64Counter
	deliveries     metric.Int64Counter
	confirmations  metric.Int64Counter
}

// NewService creates a Service with the required collaborators.
func NewService(ledger Ledger, messenger Messenger, mailer Mailer, cfg ServiceConfig, opts ...Option) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	s := &Service{
		ledger:         ledger,
		messenger:      messenger,
		mailer:         mailer,
		cfg:            cfg,
		now:            time.Now,
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	const scope = "github.com/xenking/orderbridge/internal/domain/order"
	s.tracer = s.tracerProvider.Tracer(scope)
	meter := s.meterProvider.Meter(scope)
	s.intakes = counter(meter, "orderbridge.intake.events", "Order events received, by outcome")
	s.deliveries = counter(meter, "orderbridge.notifications", "Operator messages attempted, by kind and result")
	s.confirmations = counter(meter, "orderbridge.confirmations", "Confirmation attempts, by result")
	return s
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// Intake runs an incoming order event through the workflow. It ignores
// cancellation of ctx: an admitted order is always announced in full.
func (s *Service) Intake(ctx context.Context, req IntakeRequest) (_ *IntakeResult, rerr error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "order.Intake")
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	now := s.now()
	o := Normalize(req.Payload, now)
	if o.ID == "" {
		return nil, ErrMissingOrderID
	}
	span.SetAttributes(attribute.String("order.id", o.ID))
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))

	result := &IntakeResult{Order: o}
	finish := func(outcome Outcome) (*IntakeResult, error) {
		result.Outcome = outcome
		span.SetAttributes(attribute.String("order.outcome", string(outcome)))
		s.intakes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
		return result, nil
	}

	processed, err := s.ledger.IsProcessed(ctx, o.ID)
	if err != nil {
		return nil, errors.Wrap(err, "check processed")
	}
	if processed {
		lg.Info("Order already processed, ignoring redelivery")
		return finish(OutcomeAlreadyProcessed)
	}

	if created, ok := o.CreatedTime(); ok && now.Sub(created) > s.cfg.StaleAfter {
		lg.Info("Order is stale, not processing",
			zap.Time("created_at", created),
			zap.Duration("age", now.Sub(created)),
		)
		return finish(OutcomeStale)
	}

	admitted, err := s.ledger.Admit(ctx, o)
	if err != nil {
		return nil, errors.Wrap(err, "admit order")
	}
	switch admitted {
	case AlreadyProcessed:
		lg.Info("Order processed concurrently, ignoring redelivery")
		return finish(OutcomeAlreadyProcessed)
	case AlreadyPending:
		lg.Info("Order already pending confirmation, snapshot refreshed")
		return finish(OutcomeAlreadyPending)
	case PendingUnannounced:
		lg.Info("Order pending but never announced, notifying operators again")
	}

	result.Deliveries = s.announce(ctx, &o, req.BaseURL)

	if !result.Delivered() {
		lg.Error("No operator received the new order notification",
			zap.Int("recipients", len(s.cfg.Recipients)),
		)
	} else {
		lg.Info("Operators notified of new order")
	}
	return finish(OutcomeNotified)
}

// announce broadcasts the new-order message and flags the pending snapshot
// once anyone received it. Overlapping deliveries of the same order share
// one broadcast.
func (s *Service) announce(ctx context.Context, o *Order, baseURL string) map[string]bool {
	v, _, _ := s.announces.Do(o.ID, func() (any, error) {
		text := operatorNotification(o, ConfirmURL(baseURL, o.ID))
		deliveries := s.messenger.Broadcast(ctx, s.cfg.Recipients, text)
		s.recordDeliveries(ctx, "new_order", deliveries)
		if anyDelivered(deliveries) {
			if err := s.ledger.MarkNotified(ctx, o.ID); err != nil {
				// A later redelivery will announce the order again.
				zctx.From(ctx).Warn("Failed to flag order as notified",
					zap.String("order_id", o.ID),
					zap.Error(err),
				)
			}
		}
		return deliveries, nil
	})
	return maps.Clone(v.(map[string]bool))
}

// Pending returns the snapshot of a pending order.
func (s *Service) Pending(ctx context.Context, id string) (*Order, error) {
	o, err := s.ledger.GetPending(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotPending
		}
		return nil, errors.Wrap(err, "get pending")
	}
	return o, nil
}

// Confirm completes a pending order: the customer is emailed the payment
// instructions, the order is promoted to processed and operators receive a
// receipt. Concurrent confirmations of the same order share one execution,
// which runs to completion even if its callers are cancelled.
func (s *Service) Confirm(ctx context.Context, id string) (*ConfirmResult, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, _ := s.confirms.Do(id, func() (any, error) {
		return s.confirm(ctx, id)
	})
	result := "ok"
	switch {
	case errors.Is(err, ErrNotPending):
		result = "not_pending"
	case errors.Is(err, ErrMissingEmail):
		result = "missing_email"
	case errors.Is(err, ErrMailFailed):
		result = "mail_failed"
	case err != nil:
		result = "error"
	}
	s.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if err != nil {
		return nil, err
	}
	return v.(*ConfirmResult), nil
}

func (s *Service) confirm(ctx context.Context, id string) (_ *ConfirmResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Confirm",
		trace.WithAttributes(attribute.String("order.id", id)),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()
	lg := zctx.From(ctx).With(zap.String("order_id", id))

	o, err := s.Pending(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.HasEmail() {
		lg.Warn("Cannot confirm order without customer email")
		return nil, ErrMissingEmail
	}

	subject, body, err := customerEmail(o, s.cfg.PaymentInstructions)
	if err != nil {
		return nil, err
	}
	if !s.mailer.Send(ctx, o.Email, subject, body) {
		lg.Warn("Customer email failed, order stays pending")
		return nil, ErrMailFailed
	}

	if err := s.ledger.Promote(ctx, id); err != nil {
		return nil, errors.Wrap(err, "promote order")
	}
	lg.Info("Order confirmed and promoted to processed")

	deliveries := s.messenger.Broadcast(ctx, s.cfg.Recipients, adminReceipt(o))
	s.recordDeliveries(ctx, "receipt", deliveries)

	return &ConfirmResult{Order: *o, Deliveries: deliveries}, nil
}

// TestRecipients broadcasts a fixed test message to every operator.
func (s *Service) TestRecipients(ctx context.Context) map[string]bool {
	deliveries := s.messenger.Broadcast(ctx, s.cfg.Recipients, testMessage)
	s.recordDeliveries(ctx, "test", deliveries)
	return deliveries
}

// Status reports configured recipients and ledger counts.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	counts, err := s.ledger.Counts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ledger counts")
	}
	return &Status{Recipients: s.cfg.Recipients, Counts: counts}, nil
}

// SweepPending removes pending orders older than the configured TTL and
// returns how many were expired. Expired orders are not promoted.
func (s *Service) SweepPending(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.PendingTTL <= 0 {
		return 0, nil
	}
	return ExpirePending(ctx, s.ledger, now.Add(-s.cfg.PendingTTL))
}

// RunSweeper calls SweepPending every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if s.cfg.PendingTTL <= 0 || interval <= 0 {
		return nil
	}
	lg := zctx.From(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			n, err := s.SweepPending(ctx, now)
			if err != nil {
				lg.Error("Pending sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				lg.Info("Expired pending orders", zap.Int("count", n))
			}
		}
	}
}

// ExpirePending removes pending entries received before cutoff.
func ExpirePending(ctx context.Context, ledger Ledger, cutoff time.Time) (int, error) {
	pending, err := ledger.ListPending(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list pending")
	}
	expired := 0
	for _, o := range pending {
		if o.ReceivedAt.IsZero() || !o.ReceivedAt.Before(cutoff) {
			continue
		}
		if err := ledger.RemovePending(ctx, o.ID); err != nil {
			return expired, errors.Wrapf(err, "remove pending %s", o.ID)
		}
		expired++
	}
	return expired, nil
}

// ConfirmURL builds the operator confirmation link for id.
func ConfirmURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/confirmar/" + url.PathEscape(id)
}

func (s *Service) recordDeliveries(ctx context.Context, kind string, deliveries map[string]bool) {
	for _, ok := range deliveries {
		s.deliveries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("delivered", ok),
		))
	}
}

func anyDelivered(deliveries map[string]bool) bool {
	for _, ok := range deliveries {
		if ok {
			return true
		}
	}
	return false
}
