package model

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/tool"
)

// RetryOptions configures the resilient provider wrapper.
type RetryOptions struct {
	// MaxAttempts is the total number of tries per request, including the first.
	MaxAttempts int
	// BaseBackoff is the first retry delay; subsequent delays double, plus jitter.
	BaseBackoff time.Duration
	// RequestsPerSecond limits outbound provider calls. Zero disables the limiter.
	RequestsPerSecond float64
	// Classify reports whether an error is transient and worth retrying.
	// Nil uses DefaultClassify.
	Classify func(error) bool
}

// DefaultClassify treats rate-limit and server-side failures as transient.
func DefaultClassify(err error) bool {
	if err == nil {
		return false
	}
	type statusCoder interface{ HTTPStatus() int }
	if sc, ok := err.(statusCoder); ok {
		code := sc.HTTPStatus()
		return code == 429 || code >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "resource exhausted", "unavailable", "overloaded", "deadline exceeded", "internal error", "500", "502", "503"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryProvider wraps another Provider with exponential backoff, jitter and a
// client-side rate limiter.
type retryProvider struct {
	next     Provider
	opts     RetryOptions
	limiter  *rate.Limiter
	classify func(error) bool
}

var _ Provider = (*retryProvider)(nil)

// WithRetry wraps a provider so that rate-limit and transient errors are
// retried with exponential backoff up to a fixed attempt cap. Exhausting the
// budget surfaces ErrProviderUnavailable; non-retryable errors surface
// ErrProviderFatal immediately.
func WithRetry(next Provider, opts RetryOptions) Provider {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	classify := opts.Classify
	if classify == nil {
		classify = DefaultClassify
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &retryProvider{next: next, opts: opts, limiter: limiter, classify: classify}
}

func (p *retryProvider) Name() string { return p.next.Name() }

func (p *retryProvider) List(ctx context.Context) ([]domain.Model, error) {
	return p.next.List(ctx)
}

func (p *retryProvider) Generate(ctx context.Context, modelName, instructions string, messages []Message, decls []tool.Declaration) (ModelStream, error) {
	var lastErr error
	for attempt := 0; attempt < p.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * p.opts.BaseBackoff
			jitter := time.Duration(rand.Int63n(int64(p.opts.BaseBackoff)))
			slog.Warn("Retrying provider request", "attempt", attempt, "backoff", backoff+jitter, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		stream, err := p.next.Generate(ctx, modelName, instructions, messages, decls)
		if err == nil {
			// The provider surfaces most failures while iterating the stream,
			// so resolve it here — retries must cover the whole exchange.
			resp, rerr := stream.FullResponse()
			stream.Close()
			if rerr == nil {
				return &bufferedStream{resp: resp}, nil
			}
			err = rerr
		}

		if !p.classify(err) {
			return nil, fmt.Errorf("%w: %v", ErrProviderFatal, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrProviderUnavailable, p.opts.MaxAttempts, lastErr)
}

// bufferedStream is a ModelStream over an already-resolved response.
type bufferedStream struct {
	resp Response
}

func (s *bufferedStream) FullResponse() (Response, error) { return s.resp, nil }
func (s *bufferedStream) Close() error                    { return nil }
