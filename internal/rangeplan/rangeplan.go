// Package rangeplan implements the range planner (C9): the ordered list of
// byte ranges a backup or smart restore must copy, combining partition-table
// header/footer ranges, per-partition allocated ranges, and the backup GPT
// tail.
package rangeplan

import (
	"sort"

	"github.com/chronos-imaging/chronos/internal/allocranges"
	"github.com/chronos-imaging/chronos/internal/model"
)

// gptReserveSectors is the protective-MBR-plus-primary-GPT sector count
// (spec.md §4.9: "min(34 * sector_size, disk_size)") and mirrors the same
// reserve the backup-GPT tail range uses at the end of the disk.
const gptReserveSectors = 34

// SnapshotPathResolver substitutes a live volume path for its snapshot
// replacement. *snapshot.SnapshotSet satisfies this directly; the interface
// is declared here, not imported from internal/snapshot, so a nil resolver
// (no snapshotting) and a test double both work without a dependency on
// the snapshot package's concrete type.
type SnapshotPathResolver interface {
	SnapshotPath(liveVolumePath string) (string, bool)
}

// Planner computes copy ranges for backup and smart-restore sources (C9).
type Planner struct {
	allocated allocranges.Provider
}

// New returns a Planner backed by the given allocated-ranges provider (C4).
func New(allocated allocranges.Provider) *Planner {
	return &Planner{allocated: allocated}
}

func substitute(path string, snap SnapshotPathResolver) string {
	if snap == nil || path == "" {
		return path
	}
	if s, ok := snap.SnapshotPath(path); ok {
		return s
	}
	return path
}

// isUnderDrive reports whether volumePath names the same drive root as
// destinationDrive (e.g. both resolve under "D:\\"), the self-read sharing
// violation spec.md §4.9 step 1 guards against.
func isUnderDrive(volumePath, destinationDrive string) bool {
	if destinationDrive == "" || volumePath == "" {
		return false
	}
	return len(volumePath) >= len(destinationDrive) && volumePath[:len(destinationDrive)] == destinationDrive
}

// PlanPartition computes the copy-range plan for a single-partition backup
// source, per spec.md §4.9's single-partition algorithm. ok is false when
// the caller should fall back to a full linear copy.
func (p *Planner) PlanPartition(part model.Partition, destinationDrive string, snap SnapshotPathResolver) ([]model.CopyRange, bool) {
	if part.VolumePath == "" {
		return nil, false
	}
	if isUnderDrive(part.VolumePath, destinationDrive) {
		return nil, false
	}

	queryPath := substitute(part.VolumePath, snap)
	ranges, ok := p.allocated.AllocatedRanges(queryPath, part.SizeBytes)
	if !ok || len(ranges) == 0 {
		return nil, false
	}

	var sum uint64
	for _, r := range ranges {
		sum += r.Length
	}
	if sum > part.SizeBytes {
		return nil, false
	}

	out := make([]model.CopyRange, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, model.CopyRange{Offset: part.Offset + r.Offset, Length: r.Length})
	}
	return out, true
}

// PlanDisk computes the copy-range plan for a whole-disk backup source, per
// spec.md §4.9's whole-disk algorithm: protective-MBR+primary-GPT header,
// each partition (sparse where possible, whole otherwise), and the backup
// GPT tail, sorted and merged.
func (p *Planner) PlanDisk(disk model.DiskIdentity, partitions []model.Partition, destinationDrive string, snap SnapshotPathResolver) []model.CopyRange {
	sectorSize := uint64(disk.LogicalSectorSize)
	if sectorSize == 0 {
		sectorSize = 512
	}
	headerLen := gptReserveSectors * sectorSize
	if headerLen > disk.SizeBytes {
		headerLen = disk.SizeBytes
	}

	var ranges []model.CopyRange
	ranges = append(ranges, model.CopyRange{Offset: 0, Length: headerLen})

	sorted := make([]model.Partition, len(partitions))
	copy(sorted, partitions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	for _, part := range sorted {
		if part.VolumePath == "" || isUnderDrive(part.VolumePath, destinationDrive) {
			ranges = append(ranges, model.CopyRange{Offset: part.Offset, Length: part.SizeBytes})
			continue
		}

		queryPath := substitute(part.VolumePath, snap)
		allocated, ok := p.allocated.AllocatedRanges(queryPath, part.SizeBytes)
		if !ok {
			ranges = append(ranges, model.CopyRange{Offset: part.Offset, Length: part.SizeBytes})
			continue
		}
		if len(allocated) == 0 {
			continue
		}
		var sum uint64
		for _, r := range allocated {
			sum += r.Length
		}
		if sum > part.SizeBytes {
			ranges = append(ranges, model.CopyRange{Offset: part.Offset, Length: part.SizeBytes})
			continue
		}
		for _, r := range allocated {
			ranges = append(ranges, model.CopyRange{Offset: part.Offset + r.Offset, Length: r.Length})
		}
	}

	gptTailLen := gptReserveSectors * sectorSize
	if disk.SizeBytes > gptTailLen {
		ranges = append(ranges, model.CopyRange{Offset: disk.SizeBytes - gptTailLen, Length: gptTailLen})
	}

	return SortAndMerge(ranges)
}

// SortAndMerge sorts ranges by offset and merges overlapping or adjacent
// ones, the step spec.md §4.9 applies after assembling a whole-disk plan.
func SortAndMerge(ranges []model.CopyRange) []model.CopyRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]model.CopyRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	merged := make([]model.CopyRange, 0, len(sorted))
	cur := sorted[0]
	for _, r := range sorted[1:] {
		if r.Offset <= cur.End() {
			if r.End() > cur.End() {
				cur.Length = r.End() - cur.Offset
			}
			continue
		}
		merged = append(merged, cur)
		cur = r
	}
	merged = append(merged, cur)
	return merged
}

// ClampToTarget truncates or drops ranges that extend past [0, targetSize),
// the smart-restore clamp spec.md §4.9 step 5 requires.
func ClampToTarget(ranges []model.CopyRange, targetSize uint64) []model.CopyRange {
	out := make([]model.CopyRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Offset >= targetSize {
			continue
		}
		if r.End() > targetSize {
			r.Length = targetSize - r.Offset
		}
		if r.Length == 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}
