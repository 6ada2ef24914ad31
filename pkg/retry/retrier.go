package retry

import "context"

// Retrier runs calls against a connection until they succeed or the
// strategy gives up. The error of the last attempt is returned unchanged.
type Retrier struct {
	strategy Strategy
	conn     Connection
}

func NewRetrier(strategy Strategy, conn Connection) *Retrier {
	return &Retrier{strategy: strategy, conn: conn}
}

func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil || !r.strategy.ShouldRetry(ctx, err, r.conn) {
			return err
		}
	}
}

func call[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
