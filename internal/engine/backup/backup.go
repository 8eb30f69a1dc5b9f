// Package backup implements the backup engine (C10): Preparing, output
// finalization, snapshot creation, range planning, the copy loop, and
// sidecar finalization, per spec.md §4.10. Clone jobs are dispatched to
// internal/engine/clone before any backup-specific state is built.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chronos-imaging/chronos/internal/allocranges"
	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/chronoserr"
	"github.com/chronos-imaging/chronos/internal/codec"
	"github.com/chronos-imaging/chronos/internal/copyloop"
	"github.com/chronos-imaging/chronos/internal/diskenum"
	"github.com/chronos-imaging/chronos/internal/engine/clone"
	"github.com/chronos-imaging/chronos/internal/jobref"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/chronos-imaging/chronos/internal/progress"
	"github.com/chronos-imaging/chronos/internal/rangeplan"
	"github.com/chronos-imaging/chronos/internal/rawio"
	"github.com/chronos-imaging/chronos/internal/sidecar"
	"github.com/chronos-imaging/chronos/internal/snapshot"
	"github.com/chronos-imaging/chronos/internal/vdisk"
)

var log = logging.Logger()

// State names the backup state machine's states (spec.md §4.10).
type State string

const (
	StateIdle       State = "Idle"
	StatePreparing  State = "Preparing"
	StateCopying    State = "Copying"
	StateFinalizing State = "Finalizing"
	StateDone       State = "Done"
	StateCancelled  State = "Cancelled"
	StateFailed     State = "Failed"
)

// Engine wires together every component a backup or clone job depends on.
type Engine struct {
	Provider        rawio.Provider
	Disks           *diskenum.Enumerator   // nil downgrades every job to full-linear copy
	Containers      *vdisk.Service         // required when any job targets a container destination
	Snapshots       *snapshot.Coordinator  // nil disables snapshotting entirely
	AllocatedRanges allocranges.Provider   // nil downgrades range planning to full-linear copy
	Codec           *codec.Codec           // required when any job uses CompressionEffort > 0
}

// Result reports what one backup run produced.
type Result struct {
	State             State
	BytesCopied       uint64
	ExpectedAllocated uint64
}

// Options configures progress/cancellation/buffer plumbing shared with
// internal/copyloop.
type Options struct {
	BufferSize int
	Reporter   progress.Reporter
	Cancel     *progress.CancelHandle
}

// Execute runs job to completion or to its first failure, per spec.md
// §4.10's 7-step contract.
func (e *Engine) Execute(ctx context.Context, job model.BackupJob, opts Options) (Result, error) {
	if job.Kind == model.JobDiskClone || job.Kind == model.JobPartitionClone {
		cres, err := clone.Execute(ctx, e.Provider, job, clone.Options{
			BufferSize: opts.BufferSize,
			Reporter:   opts.Reporter,
			Cancel:     opts.Cancel,
		})
		if err != nil {
			return Result{State: StateFailed}, err
		}
		return Result{State: StateDone, BytesCopied: cres.BytesRead}, nil
	}

	src, err := jobref.Parse(job.Source)
	if err != nil {
		return Result{State: StateFailed}, chronoserr.New(chronoserr.KindInvalidParameter, "backup.Execute", fmt.Errorf("parse source: %w", err))
	}

	sourceHandle, err := e.openSource(src)
	if err != nil {
		return Result{State: StateFailed}, err
	}
	defer sourceHandle.Close()

	sourceSize := sourceHandle.Size()
	sectorSize := sourceHandle.SectorSize()
	if sourceSize == 0 {
		return Result{State: StateFailed}, chronoserr.New(chronoserr.KindInvalidParameter, "backup.Execute", fmt.Errorf("source %s has zero size", job.Source))
	}

	disk, partitions, err := e.describeSource(src)
	if err != nil {
		return Result{State: StateFailed}, err
	}

	if vdisk.IsContainerPath(job.Destination) {
		return e.executeContainer(ctx, job, src, sourceHandle, disk, partitions, sourceSize, sectorSize, opts)
	}
	return e.executePlainFile(ctx, job, sourceHandle, disk, partitions, sourceSize, sectorSize, opts)
}

func (e *Engine) openSource(src jobref.Ref) (rawio.ReadHandle, error) {
	if src.Disk() {
		h, err := e.Provider.OpenDisk(src.DiskIndex)
		if err != nil {
			return nil, chronoserr.New(chronoserr.KindDeviceIoError, "backup.openSource", err)
		}
		return h, nil
	}
	h, err := e.Provider.OpenPartition(src.DiskIndex, src.PartitionNumber)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "backup.openSource", err)
	}
	return h, nil
}

// describeSource returns the disk identity and, for a whole-disk job, its
// partitions; for a single-partition job, the one partition being backed
// up. Enumerator lookups are best-effort: if diskenum cannot enumerate
// (e.g. a non-Windows test double with no RoleSource), the returned disk
// carries only geometry and the partitions list is empty, which downgrades
// range planning to a full-linear copy rather than failing the backup.
func (e *Engine) describeSource(src jobref.Ref) (model.DiskIdentity, []model.Partition, error) {
	var disk model.DiskIdentity
	if e.Disks != nil {
		if di, ok, err := e.Disks.GetDisk(src.DiskIndex); err == nil && ok {
			disk = *di
		}
	}
	if disk.Index == 0 && disk.SizeBytes == 0 {
		disk.Index = src.DiskIndex
	}

	if e.Disks == nil {
		return disk, nil, nil
	}
	all, err := e.Disks.ListPartitions(src.DiskIndex)
	if err != nil {
		log.Warnf("backup: list partitions for disk %d: %v (falling back to full-linear copy)", src.DiskIndex, err)
		return disk, nil, nil
	}
	if src.Disk() {
		return disk, all, nil
	}
	for _, p := range all {
		if p.Number == src.PartitionNumber {
			return disk, []model.Partition{p}, nil
		}
	}
	return disk, nil, nil
}

func (e *Engine) maybeSnapshot(partitions []model.Partition, destinationDrive string, useSnapshot bool) (*snapshot.SnapshotSet, error) {
	if !useSnapshot || e.Snapshots == nil || !e.Snapshots.IsAvailable() {
		return nil, nil
	}
	var volumes []string
	for _, p := range partitions {
		if p.VolumePath == "" || rangeplanSelfRead(p.VolumePath, destinationDrive) {
			continue
		}
		volumes = append(volumes, p.VolumePath)
	}
	if len(volumes) == 0 {
		return nil, nil
	}
	return e.Snapshots.CreateSnapshotSet(volumes)
}

func rangeplanSelfRead(volumePath, destinationDrive string) bool {
	if destinationDrive == "" || volumePath == "" {
		return false
	}
	return strings.HasPrefix(strings.ToUpper(volumePath), strings.ToUpper(destinationDrive))
}

// destinationDriveOf extracts the drive root (e.g. "D:\\") a destination
// path lives on, the self-read comparison spec.md §4.9/§4.10 guard against.
func destinationDriveOf(path string) string {
	path = strings.TrimSpace(path)
	if len(path) >= 2 && path[1] == ':' {
		return strings.ToUpper(path[:2]) + `\`
	}
	return ""
}

// executeContainer implements steps 2-6 of spec.md §4.10 for a virtual-disk
// container destination: create+attach a container sized exactly
// source_size, plan ranges, copy, finalize, detach.
func (e *Engine) executeContainer(
	ctx context.Context,
	job model.BackupJob,
	src jobref.Ref,
	sourceHandle rawio.ReadHandle,
	disk model.DiskIdentity,
	partitions []model.Partition,
	sourceSize, sectorSize int64,
	opts Options,
) (Result, error) {
	container, err := e.Containers.CreateAndAttachForWrite(job.Destination, sourceSize, sectorSize)
	if err != nil {
		return Result{State: StateFailed}, chronoserr.New(chronoserr.KindDeviceIoError, "backup.executeContainer", err)
	}
	defer func() {
		if rerr := container.Release(); rerr != nil {
			log.Warnf("release container %s: %v", job.Destination, rerr)
		}
	}()

	writeHandle, err := e.Provider.OpenDiskForWrite(container.PhysicalPath())
	if err != nil {
		return Result{State: StateFailed}, chronoserr.New(chronoserr.KindDeviceIoError, "backup.executeContainer", err)
	}
	defer writeHandle.Close()

	destinationDrive := destinationDriveOf(job.Destination)

	snapSet, err := e.maybeSnapshot(partitions, destinationDrive, job.UseSnapshot)
	if err != nil {
		return Result{State: StateFailed}, chronoserr.New(chronoserr.KindDeviceIoError, "backup.executeContainer", fmt.Errorf("snapshot: %w", err))
	}
	if snapSet != nil {
		defer func() {
			if rerr := snapSet.Release(); rerr != nil {
				log.Warnf("release snapshot set: %v", rerr)
			}
		}()
	}

	var ranges []model.CopyRange
	if e.AllocatedRanges != nil {
		planner := rangeplan.New(e.AllocatedRanges)
		if src.Disk() {
			ranges = planner.PlanDisk(disk, partitions, destinationDrive, snapshotResolver(snapSet))
		} else if len(partitions) == 1 {
			if r, ok := planner.PlanPartition(partitions[0], destinationDrive, snapshotResolver(snapSet)); ok {
				ranges = r
			}
		}
	}

	var sources []copyloop.Source
	var expectedTotal uint64
	if len(ranges) == 0 {
		sources = []copyloop.Source{{Range: model.CopyRange{Offset: 0, Length: uint64(sourceSize)}, Read: sourceHandle}}
		expectedTotal = uint64(sourceSize)
	} else {
		var snapshotHandles []rawio.ReadHandle
		sources, snapshotHandles = e.buildRangeSources(ranges, sourceHandle, partitions, snapSet)
		defer func() {
			for _, h := range snapshotHandles {
				if cerr := h.Close(); cerr != nil {
					log.Warnf("close snapshot-mapped read handle: %v", cerr)
				}
			}
		}()
		for _, r := range ranges {
			expectedTotal += r.Length
		}
	}

	res, err := copyloop.Copy(ctx, sources, writeHandle, copyloop.Options{
		BufferSize: opts.BufferSize,
		ZeroSkip:   true,
		Reporter:   opts.Reporter,
		Cancel:     opts.Cancel,
		BytesTotal: expectedTotal,
		Status:     "backing up",
	})
	if err != nil {
		return Result{State: StateFailed}, err
	}

	if res.BytesRead < expectedTotal {
		return Result{State: StateFailed, BytesCopied: res.BytesRead, ExpectedAllocated: expectedTotal},
			chronoserr.New(chronoserr.KindIncompleteBackup, "backup.executeContainer",
				fmt.Errorf("incomplete backup: copied %d of %d expected bytes", res.BytesRead, expectedTotal))
	}

	s := sidecar.FromDisk(disk, partitions, uint32(sectorSize))
	s.ExpectedAllocatedBytes = expectedTotal
	s.Kind = model.KindFull
	if serr := sidecar.Save(s, job.Destination); serr != nil {
		log.Warnf("save sidecar for %s: %v", job.Destination, serr)
	}

	return Result{State: StateDone, BytesCopied: res.BytesRead, ExpectedAllocated: expectedTotal}, nil
}

// executePlainFile implements spec.md §4.10 step 7: the compressed (or
// uncompressed) plain-file destination variant. Steps 2 and 4 (container
// creation, range planning) are skipped; the source is streamed linearly.
func (e *Engine) executePlainFile(
	ctx context.Context,
	job model.BackupJob,
	sourceHandle rawio.ReadHandle,
	disk model.DiskIdentity,
	partitions []model.Partition,
	sourceSize, sectorSize int64,
	opts Options,
) (Result, error) {
	out, err := os.Create(job.Destination)
	if err != nil {
		return Result{State: StateFailed}, chronoserr.New(chronoserr.KindDeviceIoError, "backup.executePlainFile", err)
	}
	defer out.Close()

	tracked := &trackedReader{r: &sequentialReader{handle: sourceHandle, cancel: opts.Cancel}}

	if job.CompressionEffort > 0 {
		if err := e.Codec.Compress(tracked, out, job.CompressionEffort, opts.Cancel); err != nil {
			return Result{State: StateFailed}, err
		}
	} else {
		if err := copyWithZeroSkip(out, tracked, copyloop.DefaultBufferSize); err != nil {
			return Result{State: StateFailed}, chronoserr.New(chronoserr.KindDeviceIoError, "backup.executePlainFile", err)
		}
		if err := out.Truncate(int64(tracked.n)); err != nil {
			return Result{State: StateFailed}, chronoserr.New(chronoserr.KindDeviceIoError, "backup.executePlainFile", err)
		}
	}

	if tracked.n < uint64(sourceSize) {
		return Result{State: StateFailed, BytesCopied: tracked.n, ExpectedAllocated: uint64(sourceSize)},
			chronoserr.New(chronoserr.KindIncompleteBackup, "backup.executePlainFile",
				fmt.Errorf("incomplete backup: copied %d of %d expected bytes", tracked.n, sourceSize))
	}

	s := sidecar.FromDisk(disk, partitions, uint32(sectorSize))
	s.ExpectedAllocatedBytes = uint64(sourceSize)
	s.Kind = model.KindFull
	if serr := sidecar.Save(s, job.Destination); serr != nil {
		log.Warnf("save sidecar for %s: %v", job.Destination, serr)
	}

	return Result{State: StateDone, BytesCopied: uint64(sourceSize), ExpectedAllocated: uint64(sourceSize)}, nil
}

// buildRangeSources maps each copy range to the read handle that should
// serve it: the raw disk/partition handle at base offset 0, or a
// snapshot-mapped handle at the owning partition's disk offset when that
// partition's volume has a snapshot mapping, per spec.md §4.10 step 5. One
// snapshot-mapped handle is opened per owning partition and reused across
// that partition's ranges; opened handles are returned separately so the
// caller can close them once the copy completes.
func (e *Engine) buildRangeSources(ranges []model.CopyRange, primary rawio.ReadHandle, partitions []model.Partition, snapSet *snapshot.SnapshotSet) ([]copyloop.Source, []rawio.ReadHandle) {
	out := make([]copyloop.Source, 0, len(ranges))
	opened := map[uint32]rawio.ReadHandle{}
	var openedList []rawio.ReadHandle

	for _, r := range ranges {
		read := primary
		baseOffset := uint64(0)
		if snapSet != nil {
			if part, ok := partitionContaining(partitions, r.Offset); ok && part.VolumePath != "" {
				if h, ok := opened[part.Number]; ok {
					read = h
					baseOffset = part.Offset
				} else if snapPath, ok := snapSet.SnapshotPath(part.VolumePath); ok {
					if h, err := e.Provider.OpenPathForRead(snapPath, int64(part.SizeBytes)); err == nil {
						opened[part.Number] = h
						openedList = append(openedList, h)
						read = h
						baseOffset = part.Offset
					}
				}
			}
		}
		out = append(out, copyloop.Source{Range: r, Read: read, ReadBaseOffset: baseOffset})
	}
	return out, openedList
}

func partitionContaining(partitions []model.Partition, offset uint64) (model.Partition, bool) {
	for _, p := range partitions {
		if offset >= p.Offset && offset < p.Offset+p.SizeBytes {
			return p, true
		}
	}
	return model.Partition{}, false
}

// trackedReader counts total bytes read through it, independent of whether
// the caller is the codec's compress path or copyWithZeroSkip, so a single
// incomplete-backup check covers both plain-file branches.
type trackedReader struct {
	r io.Reader
	n uint64
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.n += uint64(n)
	return n, err
}

// copyWithZeroSkip streams r into out one buffer at a time, seeking past an
// all-zero chunk instead of writing it so out stays sparse the same way an
// os.File-backed container destination does: a hole left by Seek plus a
// final Truncate to the true byte count produces the right file length even
// when the source's last chunk is all zero.
func copyWithZeroSkip(out *os.File, r io.Reader, bufSize int) error {
	buf := make([]byte, bufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if isAllZeroBuf(chunk) {
				if _, serr := out.Seek(int64(n), io.SeekCurrent); serr != nil {
					return serr
				}
			} else if _, werr := out.Write(chunk); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func isAllZeroBuf(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

func snapshotResolver(set *snapshot.SnapshotSet) rangeplan.SnapshotPathResolver {
	if set == nil {
		return nil
	}
	return set
}

// sequentialReader adapts a sector-addressed ReadHandle to io.Reader for
// the plain-file destination path, compressed or not (spec.md §4.10 step
// 7's "streaming byte adapter"), checking the cancel handle at each internal
// read the same way internal/copyloop does at each buffer boundary.
type sequentialReader struct {
	handle       rawio.ReadHandle
	cancel       *progress.CancelHandle
	sectorOffset int64
	buf          []byte
	bufPos       int
}

func (r *sequentialReader) Read(p []byte) (int, error) {
	if r.cancel != nil {
		if err := r.cancel.Check(); err != nil {
			return 0, err
		}
	}
	if r.bufPos >= len(r.buf) {
		sectorSize := r.handle.SectorSize()
		if sectorSize <= 0 {
			sectorSize = 512
		}
		sectorsPerRead := int64(len(p))/sectorSize + 1
		buf := make([]byte, sectorsPerRead*sectorSize)
		n, err := r.handle.ReadSectors(context.Background(), buf, r.sectorOffset, sectorsPerRead)
		if n == 0 {
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.buf = buf[:n]
		r.bufPos = 0
		r.sectorOffset += sectorsPerRead
	}
	n := copy(p, r.buf[r.bufPos:])
	r.bufPos += n
	return n, nil
}
