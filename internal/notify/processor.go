package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "medstaff/internal/errors"
	"medstaff/pkg/logger"
)

const (
	// markTimeout bounds state writes that outlive the consuming context.
	markTimeout  = 5 * time.Second
	recoverBatch = 500
)

// Recorder observes delivery outcomes, typically for metrics.
type Recorder interface {
	NotificationProcessed(status string)
}

// Processor consumes notification ids and delivers them through every
// configured channel.
type Processor struct {
	store       Store
	consumer    Consumer
	producer    Producer
	channels    []Channel
	workerCount int
	logger      *slog.Logger
	recorder    Recorder
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger overrides the component logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount sets the number of consuming goroutines.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithChannels sets the delivery channels. In-app is always first.
func WithChannels(channels ...Channel) ProcessorOption {
	return func(p *Processor) {
		for _, ch := range channels {
			if ch != nil {
				p.channels = append(p.channels, ch)
			}
		}
	}
}

// WithRecorder installs an outcome observer.
func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		p.recorder = r
	}
}

// NewProcessor builds a Processor.
func NewProcessor(store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		consumer:    consumer,
		producer:    producer,
		channels:    []Channel{InAppChannel{}},
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("notify")
	}
	return p
}

// Start blocks consuming the queue until ctx is cancelled. Notifications a
// previous run left pending, failed or stuck in sending are re-published
// while the workers come up.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "notification consumer not configured")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.republish(ctx)
	}()
	err := p.consumer.Consume(ctx, p.workerCount, p.handle)
	<-done
	return err
}

func (p *Processor) republish(ctx context.Context) {
	if p.store == nil || p.producer == nil {
		return
	}
	ids, err := p.store.Recoverable(ctx, recoverBatch)
	if err != nil {
		p.logger.Error("list recoverable notifications failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := p.producer.Publish(ctx, id); err != nil {
			p.logger.Warn("republish notification failed", "notification_id", id, "error", err)
			return
		}
	}
	if len(ids) > 0 {
		p.logger.Info("notifications republished", "count", len(ids))
	}
}

func (p *Processor) handle(ctx context.Context, id string) error {
	if p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor not initialised")
	}
	n, err := p.store.Claim(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDelivered) || errors.Is(err, ErrExhausted) || errors.Is(err, ErrConflict) {
			p.logger.Debug("skipping notification", "notification_id", id, "reason", err.Error())
			return nil
		}
		p.logger.Error("claim notification failed", "notification_id", id, "error", err)
		return err
	}

	if deliverErr := p.deliver(ctx, n); deliverErr != nil {
		return p.handleFailure(ctx, n, deliverErr)
	}

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	if err := p.store.MarkDelivered(markCtx, n.ID); err != nil {
		p.logger.Error("mark notification delivered failed", "notification_id", n.ID, "error", err)
		return p.handleFailure(ctx, n, err)
	}
	p.record(StatusDelivered)
	p.logger.Debug("notification delivered", "notification_id", n.ID, "attempts", n.Attempts)
	return nil
}

func (p *Processor) deliver(ctx context.Context, n *Notification) error {
	var errs []error
	for _, ch := range p.channels {
		if err := ch.Deliver(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) handleFailure(ctx context.Context, n *Notification, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeDeliveryFailure
	}
	// an interrupted delivery keeps its remaining attempts
	interrupted := ctx.Err() != nil
	retryable := interrupted || xerrors.RetryableError(cause)
	terminal := n.Attempts >= n.MaxRetries || !retryable

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	if err := p.store.MarkFailed(markCtx, n.ID, string(code), cause.Error(), terminal); err != nil {
		p.logger.Error("mark notification failed errored", "notification_id", n.ID, "error", err)
		return err
	}
	p.record(StatusFailed)
	logger.Audit().Warn("notification_delivery_failed",
		slog.String("notification_id", n.ID),
		slog.String("tenant", string(n.TenantID)),
		slog.String("user_id", n.UserID),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", n.Attempts),
		slog.Int("max_retries", n.MaxRetries),
	)

	if interrupted {
		p.logger.Info("notification left for recovery", "notification_id", n.ID)
		return nil
	}
	if !terminal {
		if err := p.producer.Publish(ctx, n.ID); err != nil {
			return xerrors.Wrap(CodeNotificationPublish, err, fmt.Sprintf("requeue notification %s", n.ID))
		}
		p.logger.Debug("notification requeued", "notification_id", n.ID, "attempts", n.Attempts)
	}
	return nil
}

func (p *Processor) record(status Status) {
	if p.recorder != nil {
		p.recorder.NotificationProcessed(string(status))
	}
}
