package session

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aistudioproxy/gateway/internal/errdefs"
)

// ProfileRing tracks the ordered auth-profile rotation. Profiles marked
// failed stay failed for the rest of the process lifetime; when every
// profile has failed the rotation is exhausted and recovery is fatal.
//
// Mutated only by Tier 2 recovery while the session mutex is held, but
// status endpoints read it concurrently, hence the lock.
type ProfileRing struct {
	mu     sync.Mutex
	paths  []string
	index  int
	failed map[string]bool
}

// LoadProfiles builds the rotation from every .json profile under dir,
// sorted by name. If active names one of them, the rotation starts there.
func LoadProfiles(dir, active string) (*ProfileRing, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan auth profiles: %w", err)
	}
	sort.Strings(paths)

	r := &ProfileRing{paths: paths, failed: make(map[string]bool)}
	if active != "" {
		for i, p := range paths {
			if p == active || filepath.Base(p) == filepath.Base(active) {
				r.index = i
				break
			}
		}
	}
	return r, nil
}

// Current returns the active profile path, or "" when none are configured.
func (r *ProfileRing) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.paths) == 0 {
		return ""
	}
	return r.paths[r.index]
}

// Len returns the total number of profiles.
func (r *ProfileRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// Remaining returns how many profiles have not yet been marked failed.
func (r *ProfileRing) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths) - len(r.failed)
}

// MarkFailedAndAdvance marks the current profile failed and moves to the
// next untried one, returning its path. Returns RecoveryExhausted once no
// untried profile remains.
func (r *ProfileRing) MarkFailedAndAdvance(reqID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.paths) == 0 {
		return "", errdefs.RecoveryExhausted(reqID, "no auth profiles configured")
	}

	r.failed[r.paths[r.index]] = true

	for step := 1; step <= len(r.paths); step++ {
		next := (r.index + step) % len(r.paths)
		if !r.failed[r.paths[next]] {
			r.index = next
			return r.paths[next], nil
		}
	}
	return "", errdefs.RecoveryExhausted(reqID,
		fmt.Sprintf("all %d auth profiles have failed", len(r.paths)))
}
