package rangeplan

import (
	"testing"

	"github.com/chronos-imaging/chronos/internal/allocranges"
	"github.com/chronos-imaging/chronos/internal/model"
)

func TestPlanPartitionFallsBackWhenNoVolumePath(t *testing.T) {
	p := New(allocranges.NewFakeProvider())
	part := model.Partition{Offset: 1 << 20, SizeBytes: 10 << 20}
	if _, ok := p.PlanPartition(part, "", nil); ok {
		t.Fatal("expected no plan when partition has no volume path")
	}
}

func TestPlanPartitionSelfReadGuard(t *testing.T) {
	alloc := allocranges.NewFakeProvider()
	alloc.Ranges[`D:\`] = []model.AllocatedRange{{Offset: 0, Length: 1 << 20}}
	p := New(alloc)
	part := model.Partition{Offset: 0, SizeBytes: 10 << 20, VolumePath: `D:\`}

	if _, ok := p.PlanPartition(part, `D:\`, nil); ok {
		t.Fatal("expected self-read (source volume == destination drive) to fall back to full copy")
	}
}

func TestPlanPartitionEmitsShiftedRanges(t *testing.T) {
	alloc := allocranges.NewFakeProvider()
	alloc.Ranges[`\\?\Volume{a}\`] = []model.AllocatedRange{
		{Offset: 0, Length: 4096},
		{Offset: 8192, Length: 4096},
	}
	p := New(alloc)
	part := model.Partition{Offset: 1 << 20, SizeBytes: 64 << 20, VolumePath: `\\?\Volume{a}\`}

	ranges, ok := p.PlanPartition(part, "", nil)
	if !ok {
		t.Fatal("expected a plan")
	}
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %d", len(ranges))
	}
	if ranges[0].Offset != part.Offset {
		t.Errorf("expected range offsets shifted by partition offset, got %+v", ranges[0])
	}
}

func TestPlanPartitionRejectsOverBudgetTotal(t *testing.T) {
	alloc := allocranges.NewFakeProvider()
	alloc.Ranges[`\\?\Volume{a}\`] = []model.AllocatedRange{{Offset: 0, Length: 100 << 20}}
	p := New(alloc)
	part := model.Partition{Offset: 0, SizeBytes: 10 << 20, VolumePath: `\\?\Volume{a}\`}

	if _, ok := p.PlanPartition(part, "", nil); ok {
		t.Fatal("expected over-budget allocated total to fall back to full copy")
	}
}

type fakeSnapshot struct {
	mapping map[string]string
}

func (f fakeSnapshot) SnapshotPath(live string) (string, bool) {
	p, ok := f.mapping[live]
	return p, ok
}

func TestPlanPartitionUsesSnapshotSubstitution(t *testing.T) {
	alloc := allocranges.NewFakeProvider()
	alloc.Ranges[`\\?\GLOBALROOT\Device\Shadow1`] = []model.AllocatedRange{{Offset: 0, Length: 4096}}
	p := New(alloc)
	part := model.Partition{Offset: 0, SizeBytes: 64 << 20, VolumePath: `\\?\Volume{a}\`}
	snap := fakeSnapshot{mapping: map[string]string{`\\?\Volume{a}\`: `\\?\GLOBALROOT\Device\Shadow1`}}

	ranges, ok := p.PlanPartition(part, "", snap)
	if !ok || len(ranges) != 1 {
		t.Fatalf("expected the snapshot-substituted path to be queried, got ok=%v ranges=%+v", ok, ranges)
	}
}

// scenario 1: full-disk sparse backup. 128 MiB disk, GPT, 512-byte sectors,
// one 64 MiB NTFS partition with 10 MiB allocated.
func TestPlanDiskFullDiskSparseBackupScenario(t *testing.T) {
	const (
		sector    = 512
		diskSize  = 128 << 20
		partSize  = 64 << 20
		partStart = 1 << 20
	)
	disk := model.DiskIdentity{SizeBytes: diskSize, LogicalSectorSize: sector}
	part := model.Partition{Number: 1, Offset: partStart, SizeBytes: partSize, VolumePath: `\\?\Volume{a}\`}

	alloc := allocranges.NewFakeProvider()
	alloc.Ranges[part.VolumePath] = []model.AllocatedRange{{Offset: 0, Length: 10 << 20}}

	p := New(alloc)
	ranges := p.PlanDisk(disk, []model.Partition{part}, "", nil)

	if len(ranges) < 3 {
		t.Fatalf("expected at least 3 ranges (header, data, backup GPT), got %d: %+v", len(ranges), ranges)
	}
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Offset < ranges[i-1].End() {
			t.Fatalf("ranges not monotonically increasing/disjoint: %+v", ranges)
		}
	}

	var expectedAllocated uint64 = 10 << 20
	headerLen := uint64(34 * sector)
	expectedTotal := expectedAllocated + 2*headerLen
	var actualTotal uint64
	for _, r := range ranges {
		actualTotal += r.Length
	}
	if actualTotal != expectedTotal {
		t.Errorf("expected_allocated_bytes mismatch: got %d want %d", actualTotal, expectedTotal)
	}

	last := ranges[len(ranges)-1]
	if last.End() != diskSize {
		t.Errorf("expected backup GPT tail range to reach end of disk, got %+v", last)
	}
}

// scenario 6: smart restore to a smaller target. 256 MiB disk, 40 MiB
// allocated in the first partition, 200 MiB target.
func TestPlanDiskSmartRestoreClampScenario(t *testing.T) {
	const (
		sector   = 512
		diskSize = 256 << 20
		partSize = 200 << 20
	)
	disk := model.DiskIdentity{SizeBytes: diskSize, LogicalSectorSize: sector}
	part := model.Partition{Number: 1, Offset: 1 << 20, SizeBytes: partSize, VolumePath: `\\?\Volume{a}\`}

	alloc := allocranges.NewFakeProvider()
	alloc.Ranges[part.VolumePath] = []model.AllocatedRange{{Offset: 0, Length: 40 << 20}}

	p := New(alloc)
	ranges := p.PlanDisk(disk, []model.Partition{part}, "", nil)

	const targetSize = 200 << 20
	clamped := ClampToTarget(ranges, targetSize)

	for _, r := range clamped {
		if r.End() > targetSize {
			t.Fatalf("range %+v extends past target size %d", r, targetSize)
		}
	}

	for _, r := range ranges {
		if r.Offset >= targetSize {
			for _, c := range clamped {
				if c.Offset == r.Offset {
					t.Fatalf("expected the backup-GPT tail range (beyond target) to be dropped, found %+v", c)
				}
			}
		}
	}
}

func TestSortAndMergeCoalescesAdjacentRanges(t *testing.T) {
	in := []model.CopyRange{
		{Offset: 50, Length: 100},
		{Offset: 0, Length: 50},
		{Offset: 150, Length: 25},
	}
	out := SortAndMerge(in)
	if len(out) != 1 {
		t.Fatalf("expected one merged range, got %+v", out)
	}
	if out[0].Offset != 0 || out[0].Length != 175 {
		t.Errorf("unexpected merge result: %+v", out[0])
	}
}

func TestClampToTargetTruncatesStraddlingRange(t *testing.T) {
	in := []model.CopyRange{{Offset: 90, Length: 20}}
	out := ClampToTarget(in, 100)
	if len(out) != 1 || out[0].Length != 10 {
		t.Fatalf("expected range truncated to length 10, got %+v", out)
	}
}
