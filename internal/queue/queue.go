package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/akinyi-dev/backend-gems/internal/resilience"
)

// Job is a unit of asynchronous work, such as delivering a payment receipt
// email after a listing term is activated.
type Job struct {
	Kind        string
	Payload     []byte
	DedupKey    string
	MaxAttempts int
	Delay       time.Duration
}

// Enqueuer publishes jobs onto Redis sorted-set queues keyed by kind.
type Enqueuer struct {
	R        *redis.Client
	Prefix   string
	DedupTTL time.Duration
}

// Enqueue inserts the job. When a dedup key is supplied the job is enqueued at
// most once within the dedup window, so callers can enqueue from retried
// callbacks without producing duplicate deliveries.
func (e Enqueuer) Enqueue(ctx context.Context, j Job) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(j.Kind)
	if kind == "" {
		return errors.New("queue: job kind is required")
	}
	env := envelope{
		Kind:        kind,
		Key:         j.DedupKey,
		Payload:     j.Payload,
		MaxAttempts: j.MaxAttempts,
	}
	if env.MaxAttempts <= 0 {
		env.MaxAttempts = 6
	}
	env.AvailableAt = time.Now().Add(j.Delay).UnixNano()

	if env.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, dedupKey(e.Prefix, kind, env.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	enqueuedTotal.WithLabelValues(kind).Inc()
	return e.R.ZAdd(ctx, queueKey(e.Prefix, kind), redis.Z{
		Score:  float64(env.AvailableAt),
		Member: raw,
	}).Err()
}

// Worker consumes jobs of a single kind with bounded concurrency. Jobs being
// handled are parked in a processing set so a crashed worker's jobs become
// visible again after the visibility timeout.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	Handler           func(context.Context, Job) error
	RetryBase         time.Duration
	RetryJitter       float64
	Logger            *zerolog.Logger
}

// Run processes jobs until the context is cancelled.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	qKey := queueKey(w.Prefix, kind)
	pKey := processingKey(w.Prefix, kind)

	reclaimTicker := time.NewTicker(time.Second)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-reclaimTicker.C:
			if err := w.reclaimExpired(ctx, pKey, qKey); err != nil {
				return err
			}
		default:
		}

		res, err := w.R.ZPopMin(ctx, qKey, 1).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if err == redis.Nil {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		if len(res) == 0 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		member, ok := res[0].Member.(string)
		if !ok {
			continue
		}
		env, err := decodeEnvelope(member)
		if err != nil {
			continue
		}
		now := time.Now().UnixNano()
		if env.AvailableAt > now {
			// not due yet
			w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(env.AvailableAt), Member: member})
			sleep := time.Duration(env.AvailableAt - now)
			if sleep > time.Second {
				sleep = time.Second
			}
			time.Sleep(sleep)
			continue
		}

		env.Attempt++
		rawBytes, err := json.Marshal(env)
		if err != nil {
			continue
		}
		raw := string(rawBytes)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, pKey, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, env envelope) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			err := w.Handler(jobCtx, Job{Kind: kind, Payload: env.Payload, DedupKey: env.Key})
			if err != nil {
				w.handleFailure(jobCtx, qKey, pKey, raw, env, retryBase)
				return
			}
			processedTotal.WithLabelValues(kind).Inc()
			w.ack(jobCtx, pKey, raw, env)
		}(raw, env)
	}
}

func (w Worker) handleFailure(ctx context.Context, qKey, pKey, raw string, env envelope, base time.Duration) {
	failedTotal.WithLabelValues(env.Kind).Inc()
	if raw != "" {
		_ = w.R.ZRem(ctx, pKey, raw)
	}
	if env.MaxAttempts > 0 && env.Attempt >= env.MaxAttempts {
		deadTotal.WithLabelValues(env.Kind).Inc()
		if w.Logger != nil {
			w.Logger.Error().
				Str("kind", env.Kind).
				Str("dedup_key", env.Key).
				Int("attempt", env.Attempt).
				Msg("job_moved_to_dlq")
		}
		rawBytes, err := json.Marshal(env)
		if err != nil {
			return
		}
		_ = w.R.LPush(ctx, dlqKey(w.Prefix, env.Kind), rawBytes).Err()
		if env.Key != "" {
			_ = w.R.Del(ctx, dedupKey(w.Prefix, env.Kind, env.Key)).Err()
		}
		return
	}
	delay := resilience.Backoff(base, env.Attempt, w.RetryJitter)
	env.AvailableAt = time.Now().Add(delay).UnixNano()
	rawBytes, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(env.AvailableAt), Member: string(rawBytes)}).Err()
}

func (w Worker) ack(ctx context.Context, pKey, raw string, env envelope) {
	if raw != "" {
		_ = w.R.ZRem(ctx, pKey, raw)
	}
	if env.Key != "" {
		_ = w.R.Del(ctx, dedupKey(w.Prefix, env.Kind, env.Key)).Err()
	}
}

// reclaimExpired moves jobs whose visibility deadline has passed back onto the
// main queue for redelivery.
func (w Worker) reclaimExpired(ctx context.Context, pKey, qKey string) error {
	now := float64(time.Now().UnixNano())
	due, err := w.R.ZRangeByScore(ctx, pKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for _, raw := range due {
		env, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		_ = w.R.ZRem(ctx, pKey, raw).Err()
		env.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(env)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(env.AvailableAt), Member: encoded}).Err()
	}
	return nil
}

// DeadLetters returns up to limit raw payloads parked on the kind's DLQ.
func DeadLetters(ctx context.Context, r *redis.Client, prefix, kind string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.LRange(ctx, dlqKey(prefix, kind), 0, limit-1).Result()
}

func queueKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s", kind)
	}
	return fmt.Sprintf("%s:queue:%s", prefix, kind)
}

func processingKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:processing", kind)
	}
	return fmt.Sprintf("%s:%s:processing", prefix, kind)
}

func dlqKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:dlq", kind)
	}
	return fmt.Sprintf("%s:%s:dlq", prefix, kind)
}

func dedupKey(prefix, kind, key string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:dedup:%s:%s", kind, key)
	}
	return fmt.Sprintf("%s:dedup:%s:%s", prefix, kind, key)
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' {
			continue
		}
		return ""
	}
	return kind
}

func decodeEnvelope(raw string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

type envelope struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}
