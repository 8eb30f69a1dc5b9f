package diskenum

import "github.com/chronos-imaging/chronos/internal/model"

// FakeDiskPathSource registers a fixed set of disks by index, backed by a
// path on the test filesystem (typically a byte-for-byte disk image file)
// instead of a real \\.\PhysicalDriveN path.
type FakeDiskPathSource struct {
	entries map[uint32]fakeDiskEntry
}

type fakeDiskEntry struct {
	path       string
	sizeBytes  int64
	sectorSize int64
}

func NewFakeDiskPathSource() *FakeDiskPathSource {
	return &FakeDiskPathSource{entries: map[uint32]fakeDiskEntry{}}
}

func (f *FakeDiskPathSource) Add(index uint32, path string, sizeBytes, sectorSize int64) {
	f.entries[index] = fakeDiskEntry{path: path, sizeBytes: sizeBytes, sectorSize: sectorSize}
}

func (f *FakeDiskPathSource) DiskPath(index uint32) (string, int64, int64, error) {
	e, ok := f.entries[index]
	if !ok {
		return "", 0, 0, errUnknownDisk(index)
	}
	return e.path, e.sizeBytes, e.sectorSize, nil
}

func (f *FakeDiskPathSource) KnownDiskIndexes() []uint32 {
	out := make([]uint32, 0, len(f.entries))
	for idx := range f.entries {
		out = append(out, idx)
	}
	return out
}

type unknownDiskError struct{ index uint32 }

func (e unknownDiskError) Error() string { return "diskenum: unknown disk index" }

func errUnknownDisk(index uint32) error { return unknownDiskError{index: index} }

// FakeRoleSource returns canned role/model/serial data per disk index.
type FakeRoleSource struct {
	Roles map[uint32]model.DiskIdentity
}

func NewFakeRoleSource() *FakeRoleSource {
	return &FakeRoleSource{Roles: map[uint32]model.DiskIdentity{}}
}

func (f *FakeRoleSource) DiskRole(index uint32) (model.DiskIdentity, bool) {
	di, ok := f.Roles[index]
	return di, ok
}

// FakeVolumePathSource returns a canned volume access path for a given
// (disk, partition) pair, or reports none known.
type FakeVolumePathSource struct {
	Paths map[[2]uint32]string
}

func NewFakeVolumePathSource() *FakeVolumePathSource {
	return &FakeVolumePathSource{Paths: map[[2]uint32]string{}}
}

func (f *FakeVolumePathSource) Add(diskIndex, partitionNumber uint32, path string) {
	f.Paths[[2]uint32{diskIndex, partitionNumber}] = path
}

func (f *FakeVolumePathSource) VolumePath(diskIndex, partitionNumber uint32) (string, bool) {
	path, ok := f.Paths[[2]uint32{diskIndex, partitionNumber}]
	return path, ok
}
