package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Do runs fn until it succeeds or p advises against another attempt. The
// returned error is always a classified *Error.
func Do(ctx context.Context, p Policy, scope Scope, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, scope, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func DoValue[T any](ctx context.Context, p Policy, scope Scope, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, Classify(scope, err)
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, Classify(scope, ctxErr)
		}

		rec := Classify(scope, err)
		advice := p.Advise(attempt, rec)
		if !advice.Retry {
			return zero, rec
		}

		zerolog.Ctx(ctx).Debug().
			Err(err).
			Str("scope", scope.String()).
			Str("kind", string(rec.Kind)).
			Int("attempt", attempt).
			Dur("backoff", advice.Delay).
			Msg("retrying after failure")

		timer := time.NewTimer(advice.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, Classify(scope, ctx.Err())
		case <-timer.C:
		}
	}
}
