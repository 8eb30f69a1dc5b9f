// Package snapshot implements the volume snapshot coordinator (C3): create
// and release a group of point-in-time, read-only views of live volumes, and
// map a live volume path to its snapshot-prefixed replacement.
package snapshot

import (
	"strings"
	"sync"

	"github.com/chronos-imaging/chronos/internal/chronoserr"
)

// Backend is the OS-facing half of C3: create one shadow copy per volume and
// release a set of them. Implemented for Windows via VSS; a fake backend
// drives tests.
type Backend interface {
	// IsAvailable reports whether the environment supports snapshotting at
	// all (VSS service reachable, etc).
	IsAvailable() bool
	// CreateShadowCopy creates one VSS shadow copy of volumePath and returns
	// the device-namespace path under which its frozen contents can be
	// opened for read (e.g. \\?\GLOBALROOT\Device\HarddiskVolumeShadowCopyN).
	CreateShadowCopy(volumePath string) (shadowPath string, shadowID string, err error)
	// ReleaseShadowCopy deletes a previously created shadow copy by ID.
	ReleaseShadowCopy(shadowID string) error
}

// SnapshotSet owns a group of shadow copies created together. Release frees
// every member atomically (best-effort: every member is attempted even if
// one release fails, and every failure is collected).
type SnapshotSet struct {
	backend  Backend
	mu       sync.Mutex
	released bool
	mapping  map[string]string // live volume path -> snapshot path
	ids      []string
}

// SnapshotPath returns the replacement path to use instead of liveVolumePath,
// or (\"\", false) if that volume was not part of this set.
func (s *SnapshotSet) SnapshotPath(liveVolumePath string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.mapping[normalizeVolumePath(liveVolumePath)]
	return p, ok
}

// Release frees every snapshot in the set. Idempotent: a second call is a
// no-op. Collects every per-member failure rather than stopping at the
// first, since a stuck release must not leak the rest of the set.
func (s *SnapshotSet) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	var errs []string
	for _, id := range s.ids {
		if err := s.backend.ReleaseShadowCopy(id); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return chronoserr.New(chronoserr.KindDeviceIoError, "snapshot.Release", errorsJoin(errs))
	}
	return nil
}

// Coordinator builds snapshot sets over a Backend (C3).
type Coordinator struct {
	backend Backend
}

// New returns a Coordinator over the given backend.
func New(backend Backend) *Coordinator {
	return &Coordinator{backend: backend}
}

// IsAvailable reports whether the environment can produce snapshots at all.
// The backup engine treats "false" as a documented degradation, not a
// failure: it proceeds without a snapshot set.
func (c *Coordinator) IsAvailable() bool {
	return c.backend.IsAvailable()
}

// CreateSnapshotSet creates one shadow copy per distinct volume path. On
// failure of any member, every shadow copy already created in this call is
// released and the error is returned; no partial SnapshotSet is ever
// exposed to the caller, matching spec.md's "on failure of any member, none
// are exposed" contract.
func (c *Coordinator) CreateSnapshotSet(volumes []string) (*SnapshotSet, error) {
	set := &SnapshotSet{backend: c.backend, mapping: map[string]string{}}

	seen := map[string]bool{}
	for _, v := range volumes {
		key := normalizeVolumePath(v)
		if seen[key] {
			continue
		}
		seen[key] = true

		shadowPath, shadowID, err := c.backend.CreateShadowCopy(v)
		if err != nil {
			_ = set.Release()
			return nil, chronoserr.New(chronoserr.KindDeviceIoError, "snapshot.CreateSnapshotSet", err)
		}
		set.mapping[key] = shadowPath
		set.ids = append(set.ids, shadowID)
	}
	return set, nil
}

func normalizeVolumePath(p string) string {
	return strings.ToUpper(strings.TrimRight(p, `\`))
}

func errorsJoin(msgs []string) error {
	return joinedError(strings.Join(msgs, "; "))
}

type joinedError string

func (e joinedError) Error() string { return string(e) }
