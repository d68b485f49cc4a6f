package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/tool"
)

// flakyProvider fails a configurable number of times before succeeding.
type flakyProvider struct {
	failures int
	err      error
	failOn   string // "generate" or "stream"
	calls    int
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) List(ctx context.Context) ([]domain.Model, error) { return nil, nil }

func (p *flakyProvider) Generate(ctx context.Context, modelName, instructions string, messages []Message, decls []tool.Declaration) (ModelStream, error) {
	p.calls++
	if p.calls <= p.failures {
		if p.failOn == "stream" {
			return &failingStream{err: p.err}, nil
		}
		return nil, p.err
	}
	return &bufferedStream{resp: Response{
		Message: Message{Role: domain.RoleAssistant, Content: []Content{{Type: domain.ContentTypeText, Text: "ok"}}},
	}}, nil
}

type failingStream struct{ err error }

func (s *failingStream) FullResponse() (Response, error) { return Response{}, s.err }
func (s *failingStream) Close() error                    { return nil }

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	next := &flakyProvider{failures: 2, err: errors.New("429 resource exhausted")}
	p := WithRetry(next, RetryOptions{MaxAttempts: 4, BaseBackoff: time.Millisecond})

	stream, err := p.Generate(context.Background(), "m", "", nil, nil)
	require.NoError(t, err)
	resp, err := stream.FullResponse()
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content[0].Text)
	assert.Equal(t, 3, next.calls)
}

func TestRetryCoversStreamResolution(t *testing.T) {
	// Errors surfaced while resolving the stream are retried too.
	next := &flakyProvider{failures: 1, err: errors.New("503 service unavailable"), failOn: "stream"}
	p := WithRetry(next, RetryOptions{MaxAttempts: 3, BaseBackoff: time.Millisecond})

	stream, err := p.Generate(context.Background(), "m", "", nil, nil)
	require.NoError(t, err)
	_, err = stream.FullResponse()
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestRetryExhaustionSurfacesUnavailable(t *testing.T) {
	next := &flakyProvider{failures: 100, err: errors.New("rate limit exceeded")}
	p := WithRetry(next, RetryOptions{MaxAttempts: 3, BaseBackoff: time.Millisecond})

	_, err := p.Generate(context.Background(), "m", "", nil, nil)
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 3, next.calls)
}

func TestRetryFatalErrorsFailFast(t *testing.T) {
	next := &flakyProvider{failures: 100, err: errors.New("invalid api key")}
	p := WithRetry(next, RetryOptions{MaxAttempts: 4, BaseBackoff: time.Millisecond})

	_, err := p.Generate(context.Background(), "m", "", nil, nil)
	require.ErrorIs(t, err, ErrProviderFatal)
	assert.Equal(t, 1, next.calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	next := &flakyProvider{failures: 100, err: errors.New("503 service unavailable")}
	p := WithRetry(next, RetryOptions{MaxAttempts: 10, BaseBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Generate(ctx, "m", "", nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "provider error" }
func (e statusErr) HTTPStatus() int { return e.code }

func TestDefaultClassify(t *testing.T) {
	assert.False(t, DefaultClassify(nil))
	assert.True(t, DefaultClassify(statusErr{429}))
	assert.True(t, DefaultClassify(statusErr{503}))
	assert.False(t, DefaultClassify(statusErr{400}))
	assert.True(t, DefaultClassify(errors.New("model is overloaded")))
	assert.True(t, DefaultClassify(errors.New("context deadline exceeded")))
	assert.False(t, DefaultClassify(errors.New("invalid request")))
}
