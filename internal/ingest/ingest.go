// Package ingest turns batches of measurement events into counter
// increments. It bounds batch size and in-flight concurrency, retries
// transient backend failures, and parks events it cannot deliver instead of
// failing the whole batch.
package ingest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/switchboard-io/switchboard/internal/evaluation"
	"github.com/switchboard-io/switchboard/internal/model"
	"github.com/switchboard-io/switchboard/internal/resilience"
	"github.com/switchboard-io/switchboard/internal/stats"
)

// EventType discriminates measurement events.
type EventType string

const (
	EventConfigFetch          EventType = "config_fetch"
	EventFlagEvaluation       EventType = "flag_evaluation"
	EventExperimentExposure   EventType = "experiment_exposure"
	EventExperimentConversion EventType = "experiment_conversion"
)

// Event is one measurement event reported by an SDK or edge service.
type Event struct {
	Type        EventType `json:"type"`
	Platform    string    `json:"platform"`
	Environment string    `json:"environment"`
	Key         string    `json:"key"`

	// ServedValue is set on flag_evaluation events ("A", "B", or empty for
	// a default serve).
	ServedValue model.ServedValue `json:"servedValue,omitempty"`

	// VariationKey is set on exposure and conversion events.
	VariationKey string `json:"variationKey,omitempty"`

	// MetricKey is set on conversion events.
	MetricKey string `json:"metricKey,omitempty"`

	Context model.EvaluationContext `json:"context"`
}

// Validate checks the fields required for the event's type.
func (e Event) Validate() error {
	if e.Platform == "" || e.Environment == "" || e.Key == "" {
		return eris.Errorf("ingest: event missing platform/environment/key")
	}
	switch e.Type {
	case EventConfigFetch, EventFlagEvaluation:
		return nil
	case EventExperimentExposure:
		if e.VariationKey == "" {
			return eris.New("ingest: exposure event missing variationKey")
		}
		return nil
	case EventExperimentConversion:
		if e.VariationKey == "" || e.MetricKey == "" {
			return eris.New("ingest: conversion event missing variationKey or metricKey")
		}
		return nil
	default:
		return eris.Errorf("ingest: unknown event type %q", e.Type)
	}
}

const (
	// MaxBatchSize is the hard cap on events per ProcessBatch call.
	MaxBatchSize = 100

	// maxInFlight bounds concurrent event processing to protect the
	// counter backend from burst amplification.
	maxInFlight = 25
)

// EventFailure records one event the batch could not deliver.
type EventFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Total     int            `json:"total"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Failures  []EventFailure `json:"failures,omitempty"`
}

// Processor delivers event batches to the stats service.
type Processor struct {
	stats   *stats.Service
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	dlq     *resilience.DeadLetterQueue
}

// Option configures a Processor.
type Option func(*Processor)

// WithRateLimiter throttles event delivery against the counter backend.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(p *Processor) { p.limiter = l }
}

// WithRetryConfig overrides the default backend retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(p *Processor) { p.retry = cfg }
}

// WithCircuitBreaker short-circuits delivery while the backend is failing.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Processor) { p.breaker = cb }
}

// WithDeadLetterQueue parks undeliverable events for later replay.
func WithDeadLetterQueue(q *resilience.DeadLetterQueue) Option {
	return func(p *Processor) { p.dlq = q }
}

func NewProcessor(statsSvc *stats.Service, opts ...Option) *Processor {
	p := &Processor{
		stats: statsSvc,
		retry: resilience.DefaultRetryConfig(),
	}
	p.retry.OnRetry = resilience.RetryLogger("counter", "ingest event")
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessBatch delivers up to MaxBatchSize events. One event failing is
// logged, counted, and skipped; the rest of the batch proceeds. The only
// errors returned are an oversized batch and context cancellation.
func (p *Processor) ProcessBatch(ctx context.Context, events []Event) (*BatchResult, error) {
	if len(events) > MaxBatchSize {
		return nil, eris.Errorf("ingest: batch of %d exceeds limit of %d", len(events), MaxBatchSize)
	}

	result := &BatchResult{Total: len(events)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for i, ev := range events {
		i, ev := i, ev
		g.Go(func() error {
			if err := p.processEvent(gctx, ev); err != nil {
				zap.L().Warn("event skipped",
					zap.Int("index", i),
					zap.String("type", string(ev.Type)),
					zap.String("key", ev.Key),
					zap.Error(err))
				p.park(ev, err)

				mu.Lock()
				result.Failed++
				result.Failures = append(result.Failures, EventFailure{Index: i, Error: err.Error()})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			result.Processed++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "ingest: process batch")
	}
	if err := ctx.Err(); err != nil {
		return result, eris.Wrap(err, "ingest: batch interrupted")
	}
	return result, nil
}

func (p *Processor) processEvent(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "ingest: rate limit wait")
		}
	}

	deliver := func(ctx context.Context) error {
		return resilience.Do(ctx, p.retry, func(ctx context.Context) error {
			return p.record(ctx, ev)
		})
	}
	if p.breaker != nil {
		return p.breaker.Execute(ctx, deliver)
	}
	return deliver(ctx)
}

func (p *Processor) record(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventConfigFetch:
		return p.stats.RecordConfigFetch(ctx, ev.Platform, ev.Environment, ev.Key)
	case EventFlagEvaluation:
		res := evaluation.FlagResult{ServedValue: ev.ServedValue}
		return p.stats.RecordFlagEvaluation(ctx, ev.Platform, ev.Environment, ev.Key, res, ev.Context)
	case EventExperimentExposure:
		return p.stats.RecordExposure(ctx, ev.Platform, ev.Environment, ev.Key, ev.VariationKey)
	case EventExperimentConversion:
		return p.stats.RecordConversion(ctx, ev.Platform, ev.Environment, ev.Key, ev.VariationKey, ev.MetricKey)
	default:
		return eris.Errorf("ingest: unknown event type %q", ev.Type)
	}
}

func (p *Processor) park(ev Event, failure error) {
	if p.dlq == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		zap.L().Error("cannot serialize event for dead letter queue", zap.Error(err))
		return
	}
	p.dlq.Push(payload, failure, p.retry.MaxAttempts)
}
