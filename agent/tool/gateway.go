package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

const DefaultTimeout = 10 * time.Second

// Gateway runs registered tools under a per-call deadline.
type Gateway struct {
	registry *Registry
	tracer   trace.Tracer
}

var _ contractx.ToolInvoker = (*Gateway)(nil)

func NewGateway(registry *Registry) *Gateway {
	return &Gateway{
		registry: registry,
		tracer:   otel.Tracer("github.com/tanpawarit/Chative-Expert-Panel/agent/tool"),
	}
}

func (g *Gateway) Registry() *Registry { return g.registry }

// Invoke returns ErrToolNotFound for unknown tools. Any run failure, including
// the deadline, is returned as an error wrapping ErrToolFailed alongside a
// ToolResult whose Error field carries the message.
func (g *Gateway) Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) (contractx.ToolResult, error) {
	spec, ok := g.registry.Lookup(name)
	if !ok {
		return contractx.ToolResult{Tool: name, Error: "tool is not available"},
			fmt.Errorf("%w: tool=%s", contractx.ErrToolNotFound, name)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, span := g.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.Int64("tool.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	started := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := spec.Run(ctx, args)
		done <- outcome{value: v, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	logger := zerolog.Ctx(ctx).With().Str("tool", name).Dur("elapsed", time.Since(started)).Logger()
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		logger.Warn().Err(out.err).Msg("tool call failed")

		result := contractx.ToolResult{Tool: name, Error: out.err.Error()}
		if errors.Is(out.err, context.DeadlineExceeded) {
			result.Error = fmt.Sprintf("timed out after %s", timeout)
			return result, fmt.Errorf("%w: tool=%s timed out after %s: %w", contractx.ErrToolFailed, name, timeout, context.DeadlineExceeded)
		}
		return result, fmt.Errorf("%w: tool=%s: %w", contractx.ErrToolFailed, name, out.err)
	}

	logger.Debug().Msg("tool call completed")
	return contractx.ToolResult{Tool: name, Result: out.value}, nil
}
