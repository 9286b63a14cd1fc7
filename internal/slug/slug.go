// Package slug derives unique URL-safe identifiers for venue names.
package slug

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Make lowercases the name, strips everything outside [a-z0-9-], collapses
// repeated separators and trims leading/trailing ones. It can return the
// empty string; Allocator substitutes a random identifier in that case.
func Make(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// ExistsFunc reports whether a candidate slug is already taken in durable
// storage.
type ExistsFunc func(ctx context.Context, slug string) (bool, error)

// Allocator hands out collision-free slugs. It consults durable storage via
// the caller's ExistsFunc and an in-memory working set of slugs allocated in
// the current batch, so multiple new entities in one batch cannot collide
// before any of them is persisted.
type Allocator struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewAllocator creates an Allocator with an empty working set.
func NewAllocator() *Allocator {
	return &Allocator{pending: make(map[string]struct{})}
}

// Allocate returns a slug for name that is unused in both the durable scope
// and the current batch, resolving collisions with -1, -2, ... suffixes.
func (a *Allocator) Allocate(ctx context.Context, name string, exists ExistsFunc) (string, error) {
	base := Make(name)
	if base == "" {
		base = "cafe-" + strings.Split(uuid.NewString(), "-")[0]
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := base
	for n := 1; ; n++ {
		taken, err := a.taken(ctx, candidate, exists)
		if err != nil {
			return "", fmt.Errorf("check slug %q: %w", candidate, err)
		}
		if !taken {
			a.pending[candidate] = struct{}{}
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}

// Reset drops the in-flight working set; the scheduler calls it at batch
// boundaries once allocations have been persisted.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = make(map[string]struct{})
}

func (a *Allocator) taken(ctx context.Context, candidate string, exists ExistsFunc) (bool, error) {
	if _, ok := a.pending[candidate]; ok {
		return true, nil
	}
	if exists == nil {
		return false, nil
	}
	return exists(ctx, candidate)
}
