package settings

import "context"

// IntSource looks up an optional integer override.
type IntSource func(ctx context.Context) (int, bool)

// FirstInt returns the first value any source provides, or fallback.
func FirstInt(ctx context.Context, fallback int, sources ...IntSource) int {
	for _, src := range sources {
		if src == nil {
			continue
		}
		if v, ok := src(ctx); ok {
			return v
		}
	}
	return fallback
}

// Resolver answers settings read at job start: a value stored in the
// settings table wins over the static configuration default.
type Resolver struct {
	Store             *Store
	DefaultMaxRetries int
}

func (r *Resolver) MaxRetries(ctx context.Context) int {
	var stored IntSource
	if r.Store != nil {
		stored = func(ctx context.Context) (int, bool) {
			n, ok := r.Store.Int(ctx, KeyMaxDownloadRetries)
			return n, ok && n >= 0
		}
	}
	return FirstInt(ctx, r.DefaultMaxRetries, stored)
}
