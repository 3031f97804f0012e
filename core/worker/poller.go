// Package worker consumes queued work with one long-poll loop per process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lora-orchestrator/core/queue"

	"go.uber.org/zap"
)

// Queue is the consumer side of a work queue
type Queue interface {
	Receive(ctx context.Context, opts queue.ReceiveOptions) ([]queue.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
}

// Handler processes one message body. Returning nil acknowledges the message;
// any error leaves it on the queue for redelivery.
type Handler func(ctx context.Context, body []byte) error

// TaskRecorder counts processed messages by task and result
type TaskRecorder interface {
	RecordTask(task, result string)
}

// RetryAfter is returned by handlers whose precondition is not met yet. The
// message is made visible again after Delay instead of the full visibility
// timeout.
type RetryAfter struct {
	Delay  time.Duration
	Reason string
}

func (e *RetryAfter) Error() string {
	return fmt.Sprintf("not ready, retry in %s: %s", e.Delay, e.Reason)
}

// Retry builds a *RetryAfter
func Retry(delay time.Duration, format string, args ...interface{}) error {
	return &RetryAfter{Delay: delay, Reason: fmt.Sprintf(format, args...)}
}

// PollerConfig tunes the receive loop
type PollerConfig struct {
	Name              string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	MaxMessages       int32
	ErrorBackoff      time.Duration
}

func (c *PollerConfig) setDefaults() {
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 60 * time.Second
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 1
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
}

// Poller long-polls a queue and handles messages one at a time
type Poller struct {
	queue    Queue
	handler  Handler
	cfg      PollerConfig
	recorder TaskRecorder
	logger   *zap.Logger
}

// NewPoller creates a poller. recorder may be nil.
func NewPoller(q Queue, handler Handler, cfg PollerConfig, recorder TaskRecorder, logger *zap.Logger) *Poller {
	cfg.setDefaults()
	return &Poller{
		queue:    q,
		handler:  handler,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "poller"), zap.String("queue", cfg.Name)),
	}
}

// Run polls until ctx is cancelled. Cancellation is observed between
// receives; a message being handled is finished first.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		zap.Duration("wait_time", p.cfg.WaitTime),
		zap.Duration("visibility_timeout", p.cfg.VisibilityTimeout),
	)

	opts := queue.ReceiveOptions{
		MaxMessages:       p.cfg.MaxMessages,
		WaitTime:          p.cfg.WaitTime,
		VisibilityTimeout: p.cfg.VisibilityTimeout,
	}

	for {
		if ctx.Err() != nil {
			p.logger.Info("poller stopped")
			return nil
		}

		messages, err := p.queue.Receive(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("poller stopped")
				return nil
			}
			p.logger.Error("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}

		for _, msg := range messages {
			p.process(context.WithoutCancel(ctx), msg)
		}
	}
}

func (p *Poller) process(ctx context.Context, msg queue.Message) {
	log := p.logger.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))
	start := time.Now()

	err := p.handler(ctx, []byte(msg.Body))

	var retry *RetryAfter
	switch {
	case err == nil:
		if err := p.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			// the message will be redelivered; handlers tolerate that
			log.Error("failed to delete handled message", zap.Error(err))
		}
		p.record("success")
		log.Info("message handled", zap.Duration("duration", time.Since(start)))

	case errors.As(err, &retry):
		if err := p.queue.ChangeVisibility(ctx, msg.ReceiptHandle, retry.Delay); err != nil {
			log.Warn("failed to shorten visibility timeout", zap.Error(err))
		}
		p.record("retry")
		log.Info("message not ready", zap.String("reason", retry.Reason), zap.Duration("retry_in", retry.Delay))

	default:
		p.record("error")
		log.Error("message handler failed, leaving for redelivery", zap.Error(err))
	}
}

func (p *Poller) record(result string) {
	if p.recorder != nil {
		p.recorder.RecordTask(p.cfg.Name, result)
	}
}
