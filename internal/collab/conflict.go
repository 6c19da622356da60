package collab

import "sync"

// versionTracker keeps a monotonically increasing version per resource.
// An edit is stale unless its base version matches the resource's current
// version exactly; a client can neither rebase on history nor claim a
// version that does not exist yet. Fresh edits bump the counter.
type versionTracker struct {
	mu       sync.Mutex
	versions map[string]int64
}

func newVersionTracker() *versionTracker {
	return &versionTracker{versions: make(map[string]int64)}
}

// Apply records an edit against a resource. It returns the resource's
// version after the call and whether the edit was stale. Stale edits do
// not advance the version.
func (t *versionTracker) Apply(resource string, base int64) (version int64, stale bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.versions[resource]
	if base != current {
		return current, true
	}
	current++
	t.versions[resource] = current
	return current, false
}

// Current returns the resource's version without modifying it.
func (t *versionTracker) Current(resource string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.versions[resource]
}
