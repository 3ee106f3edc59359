package experiment

import "context"

// UserResolver supplies the stable pseudonymous ID of the current user.
type UserResolver interface {
	UserID(ctx context.Context) (string, bool)
}

type UserResolverFunc func(ctx context.Context) (string, bool)

func (f UserResolverFunc) UserID(ctx context.Context) (string, bool) {
	return f(ctx)
}

type userKey struct{}

// WithUserID returns a context carrying the current user ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext is the default UserResolver.
var UserFromContext UserResolver = UserResolverFunc(func(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
})
