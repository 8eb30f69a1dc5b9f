package diskenum

import (
	"testing"

	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
)

type fakeDiskAccessor struct {
	pt    partition.Table
	ptErr error
}

func (f *fakeDiskAccessor) GetPartitionTable() (partition.Table, error) {
	return f.pt, f.ptErr
}

func gptWithTwoPartitions() *gpt.Table {
	return &gpt.Table{
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
		ProtectiveMBR:      true,
		Partitions: []*gpt.Partition{
			{Start: 2048, End: 4095, Name: "ESP"},
			{Start: 4096, End: 8191, Name: "BASIC-DATA"},
		},
	}
}

func newTestEnumerator(t *testing.T, pt partition.Table) (*Enumerator, *FakeDiskPathSource) {
	t.Helper()
	paths := NewFakeDiskPathSource()
	paths.Add(0, "fake:0", 1<<20, 512)
	e := New(paths, nil, nil)
	e.openDisk = func(path string) (diskAccessor, func() error, error) {
		return &fakeDiskAccessor{pt: pt}, func() error { return nil }, nil
	}
	return e, paths
}

func TestListPartitionsGPTSortedAndNumbered(t *testing.T) {
	e, _ := newTestEnumerator(t, gptWithTwoPartitions())

	parts, err := e.ListPartitions(0)
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if parts[0].Number != 1 || parts[1].Number != 2 {
		t.Errorf("expected 1-based sequential numbering, got %d,%d", parts[0].Number, parts[1].Number)
	}
	if parts[0].Offset >= parts[1].Offset {
		t.Errorf("expected partitions sorted by offset, got %+v", parts)
	}
	if parts[0].Offset != 2048*512 || parts[0].SizeBytes != (4095-2048+1)*512 {
		t.Errorf("unexpected partition[0] geometry: %+v", parts[0])
	}
}

func TestListPartitionsMBR(t *testing.T) {
	mbrTable := &mbr.Table{
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
		Partitions: []*mbr.Partition{
			{Type: 0x83, Start: 2048, Size: 2048},
		},
	}
	e, _ := newTestEnumerator(t, mbrTable)

	parts, err := e.ListPartitions(0)
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected 1 partition, got %d", len(parts))
	}
	if parts[0].Offset != 2048*512 || parts[0].SizeBytes != 2048*512 {
		t.Errorf("unexpected geometry: %+v", parts[0])
	}
}

func TestListPartitionsSkipsEmptyGPTEntries(t *testing.T) {
	pt := &gpt.Table{
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
		Partitions: []*gpt.Partition{
			{Start: 0, End: 0},
			{Start: 2048, End: 4095},
		},
	}
	e, _ := newTestEnumerator(t, pt)

	parts, err := e.ListPartitions(0)
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected the zeroed entry to be skipped, got %d partitions", len(parts))
	}
}

func TestListPartitionsEnrichesVolumePath(t *testing.T) {
	paths := NewFakeDiskPathSource()
	paths.Add(0, "fake:0", 1<<20, 512)
	volumes := NewFakeVolumePathSource()
	volumes.Add(0, 1, `\\?\Volume{guid}\`)
	e := New(paths, nil, volumes)
	e.openDisk = func(path string) (diskAccessor, func() error, error) {
		return &fakeDiskAccessor{pt: gptWithTwoPartitions()}, func() error { return nil }, nil
	}

	parts, err := e.ListPartitions(0)
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if parts[0].VolumePath != `\\?\Volume{guid}\` {
		t.Errorf("expected volume path enrichment on partition 1, got %+v", parts[0])
	}
	if parts[1].VolumePath != "" {
		t.Errorf("expected partition 2 to have no volume path, got %q", parts[1].VolumePath)
	}
}

func TestListDisksAndGetDiskMergeRoleSource(t *testing.T) {
	paths := NewFakeDiskPathSource()
	paths.Add(0, "fake:0", 128<<20, 512)
	roles := NewFakeRoleSource()
	roles.Roles[0] = model.DiskIdentity{Model: "Fake Disk", Serial: "SN123", IsSystem: true}
	e := New(paths, roles, nil)

	disks, err := e.ListDisks()
	if err != nil {
		t.Fatalf("ListDisks: %v", err)
	}
	if len(disks) != 1 {
		t.Fatalf("expected 1 disk, got %d", len(disks))
	}
	if disks[0].Model != "Fake Disk" || disks[0].Serial != "SN123" || !disks[0].IsSystem {
		t.Errorf("role source fields not merged: %+v", disks[0])
	}
	if disks[0].SizeBytes != 128<<20 {
		t.Errorf("expected path-source size to survive when role size is zero, got %d", disks[0].SizeBytes)
	}

	got, ok, err := e.GetDisk(0)
	if err != nil || !ok {
		t.Fatalf("GetDisk(0): %v, ok=%v", err, ok)
	}
	if got.Index != 0 {
		t.Errorf("unexpected disk: %+v", got)
	}

	if _, ok, err := e.GetDisk(99); err != nil || ok {
		t.Fatalf("GetDisk(99): expected not-ok, got ok=%v err=%v", ok, err)
	}
}

func TestRefreshClearsCache(t *testing.T) {
	paths := NewFakeDiskPathSource()
	paths.Add(0, "fake:0", 1<<20, 512)
	e := New(paths, nil, nil)

	if _, err := e.ListDisks(); err != nil {
		t.Fatalf("ListDisks: %v", err)
	}
	if !e.warm {
		t.Fatal("expected enumerator to be warm after first ListDisks")
	}
	if err := e.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if e.warm {
		t.Fatal("expected Refresh to clear warm state")
	}
}
