package rawio

import (
	"fmt"
	"os"

	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/chronoserr"
)

var log = logging.Logger()

// PathResolver maps disk/partition identities to the OS path an engine
// should open, plus the geometry (size, sector size) C1 must report without
// consulting any filesystem-inventory service — just device ioctls. The
// Windows implementation (geometry_windows.go) backs this with
// IOCTL_DISK_GET_DRIVE_GEOMETRY_EX; tests substitute a map-backed fake.
type PathResolver interface {
	DiskPath(index uint32) (path string, sizeBytes int64, sectorSize int64, err error)
	PartitionPath(diskIndex, partitionNumber uint32) (path string, sizeBytes int64, sectorSize int64, err error)
	ProbeSectorSize(path string) (int64, error)
}

// VolumePreparer locks, dismounts, and sets offline every volume backed by
// a physical path before it is opened for write, and undoes that on
// release. The spec requires this preparation to be released on every exit
// path, which callers satisfy by deferring the returned release func.
type VolumePreparer interface {
	Prepare(physicalPath string) (release func() error, err error)
}

// OSProvider is the real Provider implementation: it resolves identities to
// paths via Resolver and opens them as ordinary os.File handles. Because
// Windows exposes physical disks, partitions, and volume snapshots all
// through the same CreateFile-compatible namespace, one file-backed
// implementation covers every Provider method; only geometry probing and
// write preparation are platform-specific and pluggable.
type OSProvider struct {
	Resolver PathResolver
	Preparer VolumePreparer
}

// NewOSProvider builds the production Provider.
func NewOSProvider(resolver PathResolver, preparer VolumePreparer) *OSProvider {
	return &OSProvider{Resolver: resolver, Preparer: preparer}
}

func (p *OSProvider) OpenDisk(index uint32) (ReadHandle, error) {
	path, size, sectorSize, err := p.Resolver.DiskPath(index)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceNotConnected, "rawio.OpenDisk", err)
	}
	return p.openForRead(path, size, sectorSize)
}

func (p *OSProvider) OpenPartition(diskIndex, partitionNumber uint32) (ReadHandle, error) {
	path, size, sectorSize, err := p.Resolver.PartitionPath(diskIndex, partitionNumber)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceNotConnected, "rawio.OpenPartition", err)
	}
	return p.openForRead(path, size, sectorSize)
}

func (p *OSProvider) OpenPathForRead(path string, expectedSize int64) (ReadHandle, error) {
	sectorSize, err := p.Resolver.ProbeSectorSize(path)
	if err != nil {
		return nil, chronoserr.FromOSError("rawio.OpenPathForRead", err)
	}
	return p.openForRead(path, expectedSize, sectorSize)
}

func (p *OSProvider) openForRead(path string, size, sectorSize int64) (ReadHandle, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, mapOpenError("rawio.openForRead", err)
	}
	return &fileReadHandle{f: f, countingReader: countingReader{r: f, sectorSz: sectorSize, size: size}}, nil
}

func (p *OSProvider) OpenDiskForWrite(physicalPath string) (WriteHandle, error) {
	return p.openForWrite(physicalPath)
}

func (p *OSProvider) OpenPartitionForWrite(diskIndex, partitionNumber uint32) (WriteHandle, error) {
	path, _, _, err := p.Resolver.PartitionPath(diskIndex, partitionNumber)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceNotConnected, "rawio.OpenPartitionForWrite", err)
	}
	return p.openForWrite(path)
}

func (p *OSProvider) openForWrite(path string) (WriteHandle, error) {
	size, sectorSize, err := p.geometryFor(path)
	if err != nil {
		return nil, err
	}

	var release func() error
	if p.Preparer != nil {
		release, err = p.Preparer.Prepare(path)
		if err != nil {
			return nil, chronoserr.New(chronoserr.KindDeviceBusy, "rawio.openForWrite", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if release != nil {
			if rerr := release(); rerr != nil {
				log.Warnf("release volume preparation after failed open: %v", rerr)
			}
		}
		return nil, mapOpenError("rawio.openForWrite", err)
	}

	return &fileWriteHandle{
		f:             f,
		release:       release,
		countingWriter: countingWriter{w: f, sectorSz: sectorSize, size: size},
	}, nil
}

func (p *OSProvider) geometryFor(path string) (size, sectorSize int64, err error) {
	sectorSize, err = p.Resolver.ProbeSectorSize(path)
	if err != nil {
		return 0, 0, chronoserr.FromOSError("rawio.geometryFor", err)
	}
	fi, statErr := os.Stat(path)
	if statErr == nil && fi.Size() > 0 {
		return fi.Size(), sectorSize, nil
	}
	return 0, sectorSize, nil
}

type fileReadHandle struct {
	f *os.File
	countingReader
}

func (h *fileReadHandle) Close() error { return h.f.Close() }

type fileWriteHandle struct {
	f       *os.File
	release func() error
	countingWriter
}

func (h *fileWriteHandle) Close() error {
	closeErr := h.f.Close()
	if h.release != nil {
		if err := h.release(); err != nil {
			if closeErr != nil {
				return fmt.Errorf("close: %w; release volume preparation: %v", closeErr, err)
			}
			return fmt.Errorf("release volume preparation: %w", err)
		}
	}
	return closeErr
}

func mapOpenError(op string, err error) error {
	return chronoserr.FromOSError(op, err)
}
