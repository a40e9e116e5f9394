// Package llm defines the language-model provider contract used by graph
// nodes, plus the per-invocation stream observer that turns streamed output
// into generation events.
package llm

import (
	"context"
	"errors"

	"github.com/PipeOpsHQ/finagent/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools            bool
	Streaming        bool
	StructuredOutput bool
}

type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}

// StreamingProvider is implemented by providers that can deliver output
// incrementally.
type StreamingProvider interface {
	Provider
	GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error)
}

// StreamObserver receives the lifecycle of one generation. Implementations are
// per invocation and are carried in the context.
type StreamObserver interface {
	GenerationStart(ctx context.Context, provider string)
	GenerationToken(ctx context.Context, token string)
	GenerationComplete(ctx context.Context, resp types.Response, err error)
}

type observerKey struct{}

func WithStreamObserver(ctx context.Context, obs StreamObserver) context.Context {
	if obs == nil {
		return ctx
	}
	return context.WithValue(ctx, observerKey{}, obs)
}

func StreamObserverFrom(ctx context.Context) StreamObserver {
	obs, _ := ctx.Value(observerKey{}).(StreamObserver)
	return obs
}

// Generate calls p, streaming through the context's StreamObserver when both
// are available. Without streaming support the full response is reported as a
// single token.
func Generate(ctx context.Context, p Provider, req types.Request) (types.Response, error) {
	if p == nil {
		return types.Response{}, errors.New("llm provider is required")
	}
	obs := StreamObserverFrom(ctx)
	if obs == nil {
		return p.Generate(ctx, req)
	}

	obs.GenerationStart(ctx, p.Name())
	var (
		resp types.Response
		err  error
	)
	if sp, ok := p.(StreamingProvider); ok && p.Capabilities().Streaming {
		resp, err = sp.GenerateStream(ctx, req, func(chunk types.StreamChunk) error {
			if chunk.Text != "" {
				obs.GenerationToken(ctx, chunk.Text)
			}
			return nil
		})
	} else {
		resp, err = p.Generate(ctx, req)
		if err == nil && resp.Message.Content != "" {
			obs.GenerationToken(ctx, resp.Message.Content)
		}
	}
	obs.GenerationComplete(ctx, resp, err)
	return resp, err
}
