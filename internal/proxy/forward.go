package proxy

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/TygarWright/Deepseek-Rotator/internal/activity"
	"github.com/TygarWright/Deepseek-Rotator/internal/keypool"
	"github.com/TygarWright/Deepseek-Rotator/internal/upstream"
	"github.com/google/uuid"
)

const (
	// baseCooldown + [0, cooldownJitter) is used for a 429 without Retry-After.
	baseCooldown   = 300 * time.Millisecond
	cooldownJitter = 200 * time.Millisecond
)

// forwardRequest is one shaped inbound request ready to be sent upstream.
type forwardRequest struct {
	RequestID string
	Model     string
	Prompt    string
	Body      []byte
}

// Result is the terminal outcome of Forward. For a non-exhausted result,
// Status, ContentType and Body are the upstream's, untouched.
type Result struct {
	Status      int
	ContentType string
	Body        []byte

	KeyIndex  int
	KeyMasked string
	Attempts  int
	Exhausted bool
}

type attemptOutcome int

const (
	// outcomeDone: the upstream answered with a status the caller must see.
	outcomeDone attemptOutcome = iota
	// outcomeRetry: the key was at fault or unreachable; rotate and try again.
	outcomeRetry
)

// Rotation reasons, also used as log fields and metric labels.
const (
	reasonRateLimited  = "rate_limited"
	reasonUnauthorized = "unauthorized"
	reasonTransport    = "transport"
	reasonTimeout      = "timeout"
	reasonManual       = "manual"
)

// classify maps one upstream attempt onto the rotation policy.
//
//	transport error / timeout → retry
//	429                       → retry, key cools down
//	401, 403                  → retry, key is dead
//	anything else             → done, passed through as-is
func classify(resp *upstream.Response, err error) (attemptOutcome, string) {
	if err != nil {
		var te *upstream.TransportError
		if errors.As(err, &te) && te.Timeout {
			return outcomeRetry, reasonTimeout
		}
		return outcomeRetry, reasonTransport
	}
	switch resp.Status {
	case http.StatusTooManyRequests:
		return outcomeRetry, reasonRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return outcomeRetry, reasonUnauthorized
	}
	return outcomeDone, ""
}

// Forward sends req upstream, rotating through the key pool until it gets a
// terminal response or has made one attempt per key.
//
// Every attempt reads the pool's active key afresh, so rotations made by
// concurrent requests are honoured. Exactly one activity entry is appended
// per call that reaches a terminal outcome, including exhaustion. The only
// errors returned are context errors from ctx, and only when an attempt failed
// without a response; a response already received is always returned.
func (g *Gateway) Forward(ctx context.Context, req *forwardRequest) (*Result, error) {
	start := time.Now()
	n := g.pool.Len()

	lastIndex, lastMasked := -1, ""
	attempts := 0

	for attempts < n {
		idx, key, err := g.pool.Active()
		if err != nil {
			// Pool emptied by an admin removal mid-request.
			break
		}
		lastIndex, lastMasked = idx, keypool.Mask(key)
		attempts++

		upStart := time.Now()
		resp, err := g.upstream.ChatCompletion(ctx, key, req.Body)
		upDur := time.Since(upStart)

		if err != nil {
			if ctxErr := callerDone(ctx); ctxErr != nil {
				// The caller gave up; the key is not at fault.
				return nil, ctxErr
			}
		}

		outcome, reason := classify(resp, err)
		if g.metrics != nil {
			label := reason
			if outcome == outcomeDone {
				label = "ok"
				if resp.Status >= 400 {
					label = "passthrough"
				}
			}
			g.metrics.ObserveUpstreamAttempt(label, upDur)
		}

		if outcome == outcomeDone {
			g.pool.RecordUse(key)
			res := &Result{
				Status:      resp.Status,
				ContentType: resp.ContentType,
				Body:        resp.Body,
				KeyIndex:    idx,
				KeyMasked:   lastMasked,
				Attempts:    attempts,
			}
			g.record(req, res, start, responseSnippet(responseText(resp.Body)))
			return res, nil
		}

		attrs := []any{
			slog.String("request_id", req.RequestID),
			slog.Int("key_index", idx),
			slog.String("key", lastMasked),
			slog.String("reason", reason),
			slog.Int("attempt", attempts),
			slog.Int64("latency_ms", upDur.Milliseconds()),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}

		var pause time.Duration
		switch reason {
		case reasonRateLimited:
			cd := resp.RetryAfter
			if cd <= 0 {
				cd = baseCooldown + g.jitter()
			}
			g.pool.MarkCooldown(key, cd)
			attrs = append(attrs, slog.Duration("cooldown", cd))
			pause = min(cd, g.pauseMax)
		case reasonUnauthorized:
			g.pool.MarkDead(key)
			attrs = append(attrs, slog.Int("status", resp.Status))
			g.log.WarnContext(ctx, "key_marked_dead", attrs...)
		}
		if reason != reasonUnauthorized {
			g.log.WarnContext(ctx, "upstream_attempt_failed", attrs...)
		}

		g.pool.Advance()
		if g.metrics != nil {
			g.metrics.RecordRotation(reason)
		}

		if pause > 0 && attempts < n {
			if err := sleepCtx(ctx, pause); err != nil {
				return nil, err
			}
		}
	}

	g.log.WarnContext(ctx, "pool_exhausted",
		slog.String("request_id", req.RequestID),
		slog.Int("attempts", attempts),
		slog.Int("pool_size", n),
		slog.Duration("elapsed", time.Since(start)),
	)
	if g.metrics != nil {
		g.metrics.RecordExhausted()
	}

	res := &Result{
		Status:    http.StatusTooManyRequests,
		KeyIndex:  lastIndex,
		KeyMasked: lastMasked,
		Attempts:  attempts,
		Exhausted: true,
	}
	g.record(req, res, start, "")
	return res, nil
}

// record appends the terminal outcome to the activity log and the async
// access log.
func (g *Gateway) record(req *forwardRequest, res *Result, start time.Time, response string) {
	e := activity.Entry{
		ID:        uuid.New(),
		RequestID: req.RequestID,
		Time:      time.Now().UTC(),
		LatencyMs: time.Since(start).Milliseconds(),
		KeyIndex:  res.KeyIndex,
		KeyMasked: res.KeyMasked,
		Model:     req.Model,
		Prompt:    promptSnippet(req.Prompt),
		Response:  response,
		Status:    res.Status,
		Attempts:  res.Attempts,
		Exhausted: res.Exhausted,
	}
	g.activity.Append(e)
	if g.reqLogger != nil {
		g.reqLogger.Log(e)
	}
}

// callerDone reports ctx's error, treating a deadline that has already passed
// as expired even if ctx's own timer has not fired yet. The upstream attempt
// is cut at the same deadline and may return first.
func callerDone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return nil
}

func defaultJitter() time.Duration {
	return rand.N(cooldownJitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
