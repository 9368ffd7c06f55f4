package alarming

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/keylock"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/protocol"
	"github.com/arsenis-cmd/AirAware/internal/resilience"
)

// Severity grades an alert
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Reason explains a decision
type Reason string

const (
	ReasonThresholdExceeded Reason = "threshold_exceeded"
	ReasonEscalation        Reason = "escalation"
	ReasonBelowThreshold    Reason = "below_threshold"
	ReasonQuietHours        Reason = "quiet_hours"
	ReasonCooldown          Reason = "cooldown"
	ReasonInsufficientDelta Reason = "insufficient_delta"
)

// Decision is the outcome of evaluating one value
type Decision struct {
	Emit      bool     `json:"emit"`
	Reason    Reason   `json:"reason"`
	Severity  Severity `json:"severity,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
}

// Input is one metric value to evaluate for a user
type Input struct {
	UserID     string
	Metric     string
	Value      float64
	Limits     Limits
	QuietHours *QuietHours
	Now        time.Time

	ReadingID string
	Latitude  float64
	Longitude float64
}

// Notifier delivers emitted alerts. An error means the alert was not sent.
type Notifier interface {
	Notify(ctx context.Context, ev *protocol.AlertEvent) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, ev *protocol.AlertEvent) error

// Notify implements Notifier
func (f NotifierFunc) Notify(ctx context.Context, ev *protocol.AlertEvent) error {
	return f(ctx, ev)
}

// Config holds the deduplication parameters
type Config struct {
	Cooldown time.Duration
	MinDelta float64
	// StateRetention is how long a record is kept after its alert. It must
	// outlast the cooldown by more than any lag between evaluation time and
	// wall time. Default cooldown + 24h.
	StateRetention time.Duration
	Retry          resilience.RetryConfig
}

// stateRetentionMargin is added to the cooldown when StateRetention is unset
const stateRetentionMargin = 24 * time.Hour

// DefaultConfig returns a two hour cooldown and a minimum delta of 20
func DefaultConfig() Config {
	return Config{
		Cooldown: 2 * time.Hour,
		MinDelta: 20,
		Retry:    resilience.DefaultRetryConfig(),
	}
}

// Engine decides whether a value should alert a user and records what it
// emitted. Evaluations for the same user and metric are serialized; other
// pairs proceed in parallel.
type Engine struct {
	states StateStore
	cfg    Config
	locks  *keylock.Map[string]
	logger *zap.Logger
}

// NewEngine creates an alert engine; zero config fields take defaults
func NewEngine(states StateStore, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MinDelta <= 0 {
		cfg.MinDelta = def.MinDelta
	}
	if cfg.StateRetention < cfg.Cooldown {
		cfg.StateRetention = cfg.Cooldown + stateRetentionMargin
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("alarming", "alert state")
	}
	return &Engine{
		states: states,
		cfg:    cfg,
		locks:  keylock.New[string](),
		logger: zap.L().With(zap.String("component", "alarming")),
	}
}

// Decide is the pure decision function. prev is the last emitted alert for
// the pair, nil when idle.
func (e *Engine) Decide(prev *State, in Input) Decision {
	if !(in.Value > in.Limits.Warning) {
		return Decision{Reason: ReasonBelowThreshold}
	}

	d := Decision{Severity: SeverityWarning, Threshold: in.Limits.Warning}
	if in.Limits.Danger != nil && in.Value > *in.Limits.Danger {
		d.Severity = SeverityDanger
		d.Threshold = *in.Limits.Danger
	}

	if in.QuietHours.Contains(in.Now) {
		d.Reason = ReasonQuietHours
		return d
	}

	if prev != nil && in.Now.Sub(prev.LastAlert) < e.cfg.Cooldown {
		switch {
		case d.Severity == SeverityDanger && prev.LastSeverity != SeverityDanger:
			d.Emit = true
			d.Reason = ReasonEscalation
		case math.Abs(in.Value-prev.LastValue) < e.cfg.MinDelta:
			d.Reason = ReasonInsufficientDelta
		default:
			d.Reason = ReasonCooldown
		}
		return d
	}

	d.Emit = true
	d.Reason = ReasonThresholdExceeded
	return d
}

// Evaluate decides under the pair's lock and, on Emit, notifies and then
// records the alert. A failed notification leaves the state untouched so
// the next value can alert again.
func (e *Engine) Evaluate(ctx context.Context, in Input, notifier Notifier) (Decision, error) {
	if in.UserID == "" || in.Metric == "" {
		return Decision{}, model.NewValidationError("alert", "user and metric are required")
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	in.Now = in.Now.UTC()

	key := StateKey(in.UserID, in.Metric)
	unlock := e.locks.Lock(key)
	defer unlock()

	type lookup struct {
		state State
		found bool
	}
	got, err := resilience.DoVal(ctx, e.cfg.Retry, func(ctx context.Context) (lookup, error) {
		s, ok, err := e.states.Get(ctx, key)
		return lookup{s, ok}, err
	})
	if err != nil {
		return Decision{}, eris.Wrapf(err, "alarming: load state %s", key)
	}

	var prev *State
	if got.found {
		prev = &got.state
	}
	d := e.Decide(prev, in)
	if !d.Emit {
		e.logger.Debug("alert suppressed",
			zap.String("user_id", in.UserID),
			zap.String("metric", in.Metric),
			zap.Float64("value", in.Value),
			zap.String("reason", string(d.Reason)),
		)
		return d, nil
	}

	ev := &protocol.AlertEvent{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Metric:    in.Metric,
		Value:     in.Value,
		Threshold: d.Threshold,
		Severity:  string(d.Severity),
		Reason:    string(d.Reason),
		Timestamp: in.Now,
		ReadingID: in.ReadingID,
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
	}
	if err := notifier.Notify(ctx, ev); err != nil {
		return d, eris.Wrapf(err, "alarming: notify %s", key)
	}

	next := State{LastAlert: in.Now, LastValue: in.Value, LastSeverity: d.Severity}
	err = resilience.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		return e.states.Set(ctx, key, next, e.cfg.StateRetention)
	})
	if err != nil {
		// The alert went out; the next value may repeat it
		return d, eris.Wrapf(err, "alarming: record state %s", key)
	}

	e.logger.Info("alert emitted",
		zap.String("alert_id", ev.ID),
		zap.String("user_id", in.UserID),
		zap.String("metric", in.Metric),
		zap.Float64("value", in.Value),
		zap.String("severity", ev.Severity),
		zap.String("reason", ev.Reason),
	)
	return d, nil
}

// alertMetrics are the reading fields checked against user thresholds
var alertMetrics = []string{model.FieldAQI, model.FieldPM25}

// EvaluateReading checks every configured metric of a stored reading for
// its owner. Metrics without limits are skipped, and so is a reading without
// pm25 since its AQI is the saturated fallback rather than a measurement.
func (e *Engine) EvaluateReading(ctx context.Context, r *model.Reading, t UserThresholds, notifier Notifier, now time.Time) (map[string]Decision, error) {
	out := make(map[string]Decision, len(alertMetrics))
	var errs []error
	for _, metric := range alertMetrics {
		limits, ok := t.Limits(metric)
		if !ok {
			continue
		}
		value := r.Field(metric)
		if r.PM25 == nil || value == nil {
			continue
		}

		d, err := e.Evaluate(ctx, Input{
			UserID:     r.UserID,
			Metric:     metric,
			Value:      *value,
			Limits:     limits,
			QuietHours: t.QuietHours,
			Now:        now,
			ReadingID:  r.ID,
			Latitude:   r.Latitude,
			Longitude:  r.Longitude,
		}, notifier)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[metric] = d
	}
	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}
