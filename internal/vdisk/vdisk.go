// Package vdisk implements the virtual disk container driver (C2): create,
// open, attach, and detach an industry-standard fixed-size virtual disk
// image, exposing the attachment as a raw-disk path C1 can open. The core
// does not define its own container format — it drives the host's own
// disk-image services, the way the pack's Windows storage-host libraries
// drive Mount-DiskImage/Dismount-DiskImage and friends.
package vdisk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/chronoserr"
)

// IsContainerPath reports whether path's extension identifies a
// virtual-disk container the backup engine must create and attach, rather
// than a plain image file it writes bytes to directly.
func IsContainerPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vhd", ".vhdx":
		return true
	default:
		return false
	}
}

var log = logging.Logger()

// AttachedContainer exclusively owns the lifetime of an attached virtual
// disk image. Release is guaranteed on every exit path — callers must
// defer Release immediately after a successful attach.
type AttachedContainer struct {
	path         string
	physicalPath string
	driveLetter  string

	svc      *Service
	released bool
	mu       sync.Mutex
}

// PhysicalPath is the raw device path C1 can open for the duration of this
// attachment.
func (a *AttachedContainer) PhysicalPath() string { return a.physicalPath }

// DriveLetter is set when the attachment was made through MountToDriveLetter.
func (a *AttachedContainer) DriveLetter() string { return a.driveLetter }

// Release detaches the container. Calling it more than once is a no-op, so
// it is safe to defer unconditionally alongside an explicit early release
// on the success path.
func (a *AttachedContainer) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true
	return a.svc.dismountLocked(a.path)
}

// Backend performs the host-level attach/detach/create operations. The
// production backend shells out to Mount-DiskImage/Dismount-DiskImage/
// New-VHD (backend_windows.go); tests substitute an in-memory fake.
type Backend interface {
	CreateContainerFile(path string, sizeBytes int64, sectorSize int64) error
	Attach(path string, readOnly bool) (physicalPath string, err error)
	Detach(path string) error
	AssignDriveLetter(physicalPath string) (driveLetter string, err error)
	ReleaseDriveLetter(driveLetter string) error
}

// Service is the process-wide attachment table (C2's required shared
// resource): the sole mutator of which containers are currently attached,
// guarded by a mutex that is never held across I/O.
type Service struct {
	backend Backend

	mu          sync.Mutex
	attachments map[string]*AttachedContainer
}

// NewService builds a Service over the given Backend.
func NewService(backend Backend) *Service {
	return &Service{backend: backend, attachments: map[string]*AttachedContainer{}}
}

// CreateAndAttachForWrite atomically creates a new fixed-size container of
// exactly sizeBytes with the requested sector size, attaches it, and
// returns the handle. Any pre-existing file at path is removed first; on
// any failure after creation, the file is removed so a partial container
// never survives.
func (s *Service) CreateAndAttachForWrite(path string, sizeBytes int64, sectorSize int64) (ac *AttachedContainer, err error) {
	if _, statErr := os.Stat(path); statErr == nil {
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, chronoserr.New(chronoserr.KindDeviceIoError, "vdisk.CreateAndAttachForWrite", rmErr)
		}
	}

	created := false
	defer func() {
		if err != nil && created {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warnf("cleanup container file %s after failed attach: %v", path, rmErr)
			}
		}
	}()

	if err = s.backend.CreateContainerFile(path, sizeBytes, sectorSize); err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "vdisk.CreateAndAttachForWrite", err)
	}
	created = true

	physicalPath, attachErr := s.backend.Attach(path, false)
	if attachErr != nil {
		err = chronoserr.New(chronoserr.KindDeviceIoError, "vdisk.CreateAndAttachForWrite", attachErr)
		return nil, err
	}

	ac = &AttachedContainer{path: path, physicalPath: physicalPath, svc: s}
	s.mu.Lock()
	s.attachments[path] = ac
	s.mu.Unlock()
	return ac, nil
}

// AttachReadOnly attaches an existing container; parent-chain references
// (differencing disks) are resolved by the host container service itself,
// never re-implemented here.
func (s *Service) AttachReadOnly(path string) (*AttachedContainer, error) {
	physicalPath, err := s.backend.Attach(path, true)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "vdisk.AttachReadOnly", err)
	}
	ac := &AttachedContainer{path: path, physicalPath: physicalPath, svc: s}
	s.mu.Lock()
	s.attachments[path] = ac
	s.mu.Unlock()
	return ac, nil
}

// MountToDriveLetter attaches path and assigns an available single-letter
// mount, searching Z..D descending, recording the assignment for release.
func (s *Service) MountToDriveLetter(path string, readOnly bool) (*AttachedContainer, error) {
	physicalPath, err := s.backend.Attach(path, readOnly)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "vdisk.MountToDriveLetter", err)
	}
	letter, err := s.backend.AssignDriveLetter(physicalPath)
	if err != nil {
		if derr := s.backend.Detach(path); derr != nil {
			log.Warnf("detach %s after failed drive-letter assignment: %v", path, derr)
		}
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "vdisk.MountToDriveLetter", err)
	}
	ac := &AttachedContainer{path: path, physicalPath: physicalPath, driveLetter: letter, svc: s}
	s.mu.Lock()
	s.attachments[path] = ac
	s.mu.Unlock()
	return ac, nil
}

// Dismount releases the attachment associated with path, if any.
func (s *Service) Dismount(path string) error {
	return s.dismountLocked(path)
}

func (s *Service) dismountLocked(path string) error {
	s.mu.Lock()
	ac, ok := s.attachments[path]
	if ok {
		delete(s.attachments, path)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if ac.driveLetter != "" {
		if err := s.backend.ReleaseDriveLetter(ac.driveLetter); err != nil {
			log.Warnf("release drive letter %s for %s: %v", ac.driveLetter, path, err)
		}
	}
	if err := s.backend.Detach(path); err != nil {
		return chronoserr.New(chronoserr.KindDeviceIoError, "vdisk.Dismount", err)
	}
	return nil
}

// DismountAll releases every attachment owned by the process; invoked on
// shutdown.
func (s *Service) DismountAll() error {
	s.mu.Lock()
	paths := make([]string, 0, len(s.attachments))
	for p := range s.attachments {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := s.dismountLocked(p); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dismount %s: %w", p, err)
		}
	}
	return firstErr
}
