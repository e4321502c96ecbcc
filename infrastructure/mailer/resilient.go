package mailer

import (
	"context"
	"time"

	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/infrastructure/resilience"
)

// retryConfig retries a transient send failure (SMTP connection reset,
// provider throttling) a few times before the circuit breaker counts it as
// a failure (spec §7: storage/egress errors are logged, pipeline continues).
var retryConfig = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2,
	Jitter:       0.2,
}

// Resilient wraps a Mailer with retry-with-backoff and a circuit breaker, so
// a flaky transport doesn't take down the Email Scheduler's collection loop
// and a persistently failing transport stops being hammered.
type Resilient struct {
	next   Mailer
	cb     *resilience.CircuitBreaker
	logger *logging.Logger
}

// NewResilient wraps next. cb may be nil, in which case a default
// configuration is used.
func NewResilient(next Mailer, cb *resilience.CircuitBreaker, logger *logging.Logger) *Resilient {
	if cb == nil {
		cb = resilience.New(resilience.DefaultConfig())
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resilient{next: next, cb: cb, logger: logger}
}

func (r *Resilient) Send(ctx context.Context, msg Message) error {
	err := r.cb.Execute(ctx, func() error {
		return resilience.Retry(ctx, retryConfig, func() error {
			return r.next.Send(ctx, msg)
		})
	})
	if err != nil {
		r.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"recipient":  msg.Recipient,
			"templateId": msg.TemplateID,
			"cbState":    r.cb.State().String(),
		}).WithError(err).Warn("mailer: send failed after retries")
	}
	return err
}
