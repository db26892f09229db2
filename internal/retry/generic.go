package retry

import "context"

// DoWithResultTyped is a type-safe generic wrapper around Retryer.DoWithResult.
//
// Usage:
//
//	ok, err := retry.DoWithResultTyped(r, ctx, func(attempt int) (bool, error) {
//	    return post(attempt)
//	})
func DoWithResultTyped[T any](r Retryer, ctx context.Context, fn func(attempt int) (T, error)) (T, error) {
	result, err := r.DoWithResult(ctx, func(attempt int) (any, error) {
		return fn(attempt)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
