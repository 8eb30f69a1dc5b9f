package rawio

import "fmt"

// FakeResolver backs tests and non-Windows builds: disks and partitions map
// to ordinary files the test creates under a temp directory, with geometry
// supplied directly instead of probed by ioctl.
type FakeResolver struct {
	Disks      map[uint32]fakeEntry
	Partitions map[string]fakeEntry // key: "diskIndex:partitionNumber"
	SectorSize int64
}

type fakeEntry struct {
	Path string
	Size int64
}

// NewFakeResolver returns an empty resolver with the given default sector
// size (used by ProbeSectorSize for arbitrary paths such as snapshot
// substitutes).
func NewFakeResolver(sectorSize int64) *FakeResolver {
	return &FakeResolver{
		Disks:      map[uint32]fakeEntry{},
		Partitions: map[string]fakeEntry{},
		SectorSize: sectorSize,
	}
}

// AddDisk registers a backing file path for a disk index.
func (r *FakeResolver) AddDisk(index uint32, path string, size int64) {
	r.Disks[index] = fakeEntry{Path: path, Size: size}
}

// AddPartition registers a backing file path for a disk:partition pair.
func (r *FakeResolver) AddPartition(diskIndex, partitionNumber uint32, path string, size int64) {
	r.Partitions[fmt.Sprintf("%d:%d", diskIndex, partitionNumber)] = fakeEntry{Path: path, Size: size}
}

func (r *FakeResolver) DiskPath(index uint32) (string, int64, int64, error) {
	e, ok := r.Disks[index]
	if !ok {
		return "", 0, 0, fmt.Errorf("no fake disk registered for index %d", index)
	}
	return e.Path, e.Size, r.SectorSize, nil
}

func (r *FakeResolver) PartitionPath(diskIndex, partitionNumber uint32) (string, int64, int64, error) {
	e, ok := r.Partitions[fmt.Sprintf("%d:%d", diskIndex, partitionNumber)]
	if !ok {
		return "", 0, 0, fmt.Errorf("no fake partition registered for %d:%d", diskIndex, partitionNumber)
	}
	return e.Path, e.Size, r.SectorSize, nil
}

func (r *FakeResolver) ProbeSectorSize(path string) (int64, error) {
	return r.SectorSize, nil
}

// NopPreparer performs no volume preparation; used in tests where the
// backing store is an ordinary file, not a live volume.
type NopPreparer struct{}

func (NopPreparer) Prepare(physicalPath string) (func() error, error) {
	return func() error { return nil }, nil
}
