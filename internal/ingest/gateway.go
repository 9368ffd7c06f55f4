// Package ingest turns submitted payloads into stored readings and runs the
// post-write steps in a fixed order.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/alarming"
	"github.com/arsenis-cmd/AirAware/internal/aqi"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/protocol"
	"github.com/arsenis-cmd/AirAware/internal/resilience"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

// DefaultMaxClockSkew is how far in the future a reading may be stamped
const DefaultMaxClockSkew = model.DefaultMaxClockSkew

// DirtyMarker is told about every stored timestamp
type DirtyMarker interface {
	MarkDirty(ts time.Time)
}

// EventSink receives reading.created events
type EventSink interface {
	PublishReading(ctx context.Context, ev *protocol.ReadingEvent) error
}

// Alerts bundles what the gateway needs to evaluate alerts
type Alerts struct {
	Engine     *alarming.Engine
	Thresholds alarming.ThresholdSource
	Notifier   alarming.Notifier
}

// Option configures a Gateway
type Option func(*Gateway)

// WithDirtyMarker registers the rollup engine
func WithDirtyMarker(m DirtyMarker) Option {
	return func(g *Gateway) { g.dirty = m }
}

// WithEventSinks adds sinks for reading.created events
func WithEventSinks(sinks ...EventSink) Option {
	return func(g *Gateway) { g.sinks = append(g.sinks, sinks...) }
}

// WithAlerts enables alert evaluation for readings that carry a user
func WithAlerts(a Alerts) Option {
	return func(g *Gateway) {
		if a.Engine != nil && a.Thresholds != nil && a.Notifier != nil {
			g.alerts = &a
		}
	}
}

// WithMaxClockSkew overrides DefaultMaxClockSkew
func WithMaxClockSkew(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.maxSkew = d
		}
	}
}

// WithRawRetention rejects readings older than d, which the retention sweep
// has already dropped or is about to. Zero accepts any age.
func WithRawRetention(d time.Duration) Option {
	return func(g *Gateway) { g.rawKeep = d }
}

// WithRetry overrides the retry policy for store writes
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(g *Gateway) { g.retry = cfg }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway validates, stores and fans out readings
type Gateway struct {
	store   store.ReadingStore
	dirty   DirtyMarker
	sinks   []EventSink
	alerts  *Alerts
	maxSkew time.Duration
	rawKeep time.Duration
	retry   resilience.RetryConfig
	now     func() time.Time
	logger  *zap.Logger
}

// NewGateway creates a gateway writing to s
func NewGateway(s store.ReadingStore, opts ...Option) *Gateway {
	g := &Gateway{
		store:   s,
		maxSkew: DefaultMaxClockSkew,
		retry:   resilience.DefaultRetryConfig(),
		now:     time.Now,
		logger:  zap.L().With(zap.String("component", "ingest")),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.retry.OnRetry == nil {
		g.retry.OnRetry = resilience.RetryLogger("ingest", "append")
	}
	return g
}

// Submit stores one payload. The write must succeed before anything else
// runs; later steps only log their failures.
func (g *Gateway) Submit(ctx context.Context, p protocol.ReadingPayload) (model.Reading, error) {
	now := g.now().UTC()

	r, err := p.ToReading()
	if err != nil {
		return r, err
	}
	if r.Timestamp.After(now.Add(g.maxSkew)) {
		return r, model.NewValidationError("timestamp", "is too far in the future")
	}
	if g.rawKeep > 0 && !r.Timestamp.After(now.Add(-g.rawKeep)) {
		return r, model.NewValidationError("timestamp", "is older than raw retention")
	}

	r.ID = uuid.NewString()
	r.ReceivedAt = now
	r.AQI, r.AQICategory = aqi.FromOptional(r.PM25)

	stored, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (model.Reading, error) {
		return g.store.Append(ctx, r)
	})
	if err != nil {
		return r, eris.Wrap(err, "ingest: append reading")
	}

	if g.dirty != nil {
		g.dirty.MarkDirty(stored.Timestamp)
	}
	g.publish(ctx, &stored, now)
	g.evaluateAlerts(ctx, &stored, now)

	return stored, nil
}

func (g *Gateway) publish(ctx context.Context, r *model.Reading, now time.Time) {
	if len(g.sinks) == 0 {
		return
	}
	ev := protocol.NewReadingEvent(*r, now)
	for _, sink := range g.sinks {
		if err := sink.PublishReading(ctx, ev); err != nil {
			g.logger.Warn("failed to publish reading event",
				zap.String("reading_id", r.ID),
				zap.Error(err),
			)
		}
	}
}

func (g *Gateway) evaluateAlerts(ctx context.Context, r *model.Reading, now time.Time) {
	if g.alerts == nil || r.UserID == "" {
		return
	}
	t, ok, err := g.alerts.Thresholds.Thresholds(ctx, r.UserID)
	if err != nil {
		g.logger.Warn("failed to load thresholds", zap.String("user_id", r.UserID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if _, err := g.alerts.Engine.EvaluateReading(ctx, r, t, g.alerts.Notifier, now); err != nil {
		g.logger.Warn("alert evaluation failed",
			zap.String("user_id", r.UserID),
			zap.String("reading_id", r.ID),
			zap.Error(err),
		)
	}
}

// Result is the outcome of one payload in a batch
type Result struct {
	Reading model.Reading
	Err     error
}

// SubmitBatch submits each payload in order. One failure does not stop the rest.
func (g *Gateway) SubmitBatch(ctx context.Context, payloads []protocol.ReadingPayload) []Result {
	out := make([]Result, len(payloads))
	for i, p := range payloads {
		r, err := g.Submit(ctx, p)
		out[i] = Result{Reading: r, Err: err}
	}
	return out
}

// SubmitQueued stores a submission taken off the submission topic. A
// conflict means the message was redelivered after it was stored, so it
// counts as done.
func (g *Gateway) SubmitQueued(ctx context.Context, msg *protocol.SubmissionMessage) error {
	_, err := g.Submit(ctx, msg.Payload)
	if model.IsConflict(err) {
		g.logger.Debug("duplicate submission",
			zap.String("connection_id", msg.ConnectionID),
			zap.String("device_id", msg.Payload.DeviceID))
		return nil
	}
	return err
}
