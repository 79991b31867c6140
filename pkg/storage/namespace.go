package storage

import "context"

type ctxKey int

const (
	namespaceHeldKey ctxKey = iota
	vdevProbeKey
)

// WithNamespaceHeld marks ctx as running with the pool namespace lock
// already held by the caller, so volume opens must not try to take it.
func WithNamespaceHeld(ctx context.Context) context.Context {
	return context.WithValue(ctx, namespaceHeldKey, true)
}

// NamespaceHeld reports whether ctx carries the namespace-held marker
func NamespaceHeld(ctx context.Context) bool {
	held, _ := ctx.Value(namespaceHeldKey).(bool)
	return held
}

// WithVdevProbe marks ctx as a pool probing devices for a missing vdev.
// Volumes refuse such opens unless recursive pools are allowed.
func WithVdevProbe(ctx context.Context) context.Context {
	return context.WithValue(ctx, vdevProbeKey, true)
}

// VdevProbe reports whether ctx carries the vdev-probe marker
func VdevProbe(ctx context.Context) bool {
	probe, _ := ctx.Value(vdevProbeKey).(bool)
	return probe
}
