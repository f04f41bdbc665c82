package logging

import "context"

// contextKey is private so tags set here cannot collide with other packages.
type contextKey int

const (
	sessionIDKey contextKey = iota
	taskIDKey
	componentKey
	actorKey
)

func withString(ctx context.Context, key contextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithSession tags ctx with the session driving the work.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return withString(ctx, sessionIDKey, sessionID)
}

// WithTask tags ctx with the task being operated on.
func WithTask(ctx context.Context, taskID string) context.Context {
	return withString(ctx, taskIDKey, taskID)
}

// WithComponent tags ctx with the subsystem producing the records, such as
// "workflow" or "compose".
func WithComponent(ctx context.Context, component string) context.Context {
	return withString(ctx, componentKey, component)
}

// WithActor tags ctx with who drives the command, such as "operator" or
// "agent".
func WithActor(ctx context.Context, actor string) context.Context {
	return withString(ctx, actorKey, actor)
}

// SessionIDFromContext returns the tagged session id, or "".
func SessionIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, sessionIDKey)
}

// TaskIDFromContext returns the tagged task id, or "".
func TaskIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, taskIDKey)
}

// ComponentFromContext returns the tagged component, or "".
func ComponentFromContext(ctx context.Context) string {
	return stringFrom(ctx, componentKey)
}

// ActorFromContext returns the tagged actor, or "".
func ActorFromContext(ctx context.Context) string {
	return stringFrom(ctx, actorKey)
}
