// Package allocranges implements the allocated-ranges provider (C4): for a
// volume path and logical size, yield the sorted list of non-empty
// allocated byte ranges, filesystem-agnostic. It queries
// FSCTL_QUERY_ALLOCATED_RANGES against the volume handle directly rather
// than parsing any filesystem's structures, the same block-level approach
// the pack's Windows storage-host libraries use for
// IOCTL_VOLUME_GET_VOLUME_DISK_EXTENTS: one ioctl works identically over
// NTFS, ReFS, or FAT, so no per-filesystem reader is needed.
package allocranges

import (
	"sort"

	"github.com/chronos-imaging/chronos/internal/model"
)

// Provider queries a volume's allocated ranges. A nil slice with ok==false
// means "the filesystem does not support the query or the query failed" —
// callers treat that as Option::None and copy the whole partition.
type Provider interface {
	AllocatedRanges(volumePath string, volumeSize uint64) (ranges []model.AllocatedRange, ok bool)
}

// Sanitize applies the planner's sanity rule: a result whose ranges sum to
// more than volumeSize is unusable (wrong volume path) and must be treated
// as if the query had failed.
func Sanitize(ranges []model.AllocatedRange, ok bool, volumeSize uint64) ([]model.AllocatedRange, bool) {
	if !ok {
		return nil, false
	}
	var sum uint64
	for _, r := range ranges {
		sum += r.Length
	}
	if sum > volumeSize {
		return nil, false
	}
	sorted := make([]model.AllocatedRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	return sorted, true
}
