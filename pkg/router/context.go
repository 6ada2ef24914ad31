package router

import "context"

type primaryKey struct{}

// UsePrimary marks ctx so reads issued with it go to the primary. It is the
// entry point for statements that modify data but do not look like writes,
// such as SELECT ... FOR UPDATE.
func UsePrimary(ctx context.Context) context.Context {
	return context.WithValue(ctx, primaryKey{}, true)
}

func primaryRequested(ctx context.Context) bool {
	v, _ := ctx.Value(primaryKey{}).(bool)
	return v
}
