// Package restore implements the restore engine (C11): validate a
// source image against a target disk or partition, prepare the target,
// and stream bytes in through C1, either linearly (plain image source) or
// clamped to a sparse range plan (container source), per spec.md §4.11.
package restore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chronos-imaging/chronos/internal/allocranges"
	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/chronoserr"
	"github.com/chronos-imaging/chronos/internal/codec"
	"github.com/chronos-imaging/chronos/internal/copyloop"
	"github.com/chronos-imaging/chronos/internal/diskenum"
	"github.com/chronos-imaging/chronos/internal/jobref"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/chronos-imaging/chronos/internal/progress"
	"github.com/chronos-imaging/chronos/internal/rangeplan"
	"github.com/chronos-imaging/chronos/internal/rawio"
	"github.com/chronos-imaging/chronos/internal/sidecar"
	"github.com/chronos-imaging/chronos/internal/vdisk"
)

var log = logging.Logger()

// minRefuseBytes is the absolute floor of spec.md §4.11's
// "max(10 MiB, 0.5%)" undersized-target refusal for a plain image source.
const minRefuseBytes = 10 << 20

type Engine struct {
	Provider        rawio.Provider
	Disks           *diskenum.Enumerator  // nil skips the system/boot guard and target-size lookup
	Containers      *vdisk.Service        // required when any job restores from a container image
	AllocatedRanges allocranges.Provider  // nil downgrades container-source restores to a full linear copy
	Codec           *codec.Codec          // required when a plain image source is compressed
}

type Options struct {
	BufferSize int
	Reporter   progress.Reporter
	Cancel     *progress.CancelHandle
}

type Result struct {
	BytesWritten uint64
}

// Execute runs validate-then-copy-then-finalize for one restore job. Every
// exit path after the target write handle opens releases it (and, for a
// container source, detaches the read-only attachment) via defer, so a
// validation failure and a mid-copy failure unwind the same way.
func (e *Engine) Execute(ctx context.Context, job model.RestoreJob, opts Options) (Result, error) {
	if _, err := os.Stat(job.SourceImagePath); err != nil {
		return Result{}, chronoserr.FromOSError("restore.Execute", err)
	}

	target, err := jobref.Parse(job.Target)
	if err != nil {
		return Result{}, chronoserr.New(chronoserr.KindInvalidParameter, "restore.Execute", fmt.Errorf("parse target: %w", err))
	}

	_, targetSectorSize, targetSize, err := e.describeTarget(target, job.ForceOverwrite)
	if err != nil {
		return Result{}, err
	}

	isContainerSource := vdisk.IsContainerPath(job.SourceImagePath)

	var sourceSize int64
	var attached *vdisk.AttachedContainer
	if isContainerSource {
		if e.Containers == nil {
			return Result{}, chronoserr.New(chronoserr.KindUnsupported, "restore.Execute", fmt.Errorf("no container service configured for %s", job.SourceImagePath))
		}
		attached, err = e.Containers.AttachReadOnly(job.SourceImagePath)
		if err != nil {
			return Result{}, chronoserr.New(chronoserr.KindDeviceIoError, "restore.Execute", err)
		}
		defer func() {
			if rerr := attached.Release(); rerr != nil {
				log.Warnf("release read-only attachment %s: %v", job.SourceImagePath, rerr)
			}
		}()
		sourceSize = probeFileSize(attached.PhysicalPath())
		if sourceSize == 0 {
			sourceSize = probeFileSize(job.SourceImagePath)
		}
	} else {
		sourceSize = probeFileSize(job.SourceImagePath)
	}
	if sourceSize == 0 {
		return Result{}, chronoserr.New(chronoserr.KindImageUndersized, "restore.Execute", fmt.Errorf("source image %s has zero size", job.SourceImagePath))
	}

	if err := refuseUndersizedTarget(isContainerSource, sourceSize, targetSize); err != nil {
		return Result{}, err
	}

	s, err := sidecar.Load(job.SourceImagePath)
	if err != nil {
		return Result{}, chronoserr.New(chronoserr.KindCorruptSidecar, "restore.Execute", err)
	}
	if s != nil && targetSectorSize > 0 && s.SourceSectorSize != uint32(targetSectorSize) {
		return Result{}, chronoserr.New(chronoserr.KindSectorSizeMismatch, "restore.Execute",
			fmt.Errorf("sector size mismatch: sidecar has %d, target has %d", s.SourceSectorSize, targetSectorSize))
	}

	writeHandle, err := e.openTargetForWrite(target)
	if err != nil {
		return Result{}, err
	}
	defer writeHandle.Close()

	if job.VerifyDuring {
		log.Warnf("restore.Execute: verify-during-restore is not supported, proceeding without it")
	}

	var res copyloop.Result
	if isContainerSource {
		res, err = e.copyFromContainer(ctx, attached, s, sourceSize, targetSize, writeHandle, opts)
	} else {
		res, err = e.copyFromPlainImage(ctx, job.SourceImagePath, writeHandle, opts)
	}
	if err != nil {
		return Result{}, err
	}

	return Result{BytesWritten: res.BytesWritten}, nil
}

// describeTarget resolves the target disk's identity, sector size, and
// size, and enforces the system/boot guard. A nil Disks enumerator skips
// both the guard and the size lookup (downgraded, not refused), consistent
// with the other engines' "no enumerator available" fallback.
func (e *Engine) describeTarget(target jobref.Ref, forceOverwrite bool) (model.DiskIdentity, int64, int64, error) {
	if e.Disks == nil {
		return model.DiskIdentity{Index: target.DiskIndex}, 0, 0, nil
	}

	disk, ok, err := e.Disks.GetDisk(target.DiskIndex)
	if err != nil {
		return model.DiskIdentity{}, 0, 0, chronoserr.New(chronoserr.KindDeviceIoError, "restore.describeTarget", err)
	}
	if !ok {
		return model.DiskIdentity{}, 0, 0, chronoserr.New(chronoserr.KindInvalidParameter, "restore.describeTarget",
			fmt.Errorf("target disk %d does not exist", target.DiskIndex))
	}
	if (disk.IsSystem || disk.IsBoot) && !forceOverwrite {
		return model.DiskIdentity{}, 0, 0, chronoserr.New(chronoserr.KindSystemDiskProtected, "restore.describeTarget",
			fmt.Errorf("target disk %d is a system/boot disk; force_overwrite required", target.DiskIndex))
	}

	if target.Disk() {
		return *disk, int64(disk.LogicalSectorSize), int64(disk.SizeBytes), nil
	}

	parts, err := e.Disks.ListPartitions(target.DiskIndex)
	if err != nil {
		return model.DiskIdentity{}, 0, 0, chronoserr.New(chronoserr.KindDeviceIoError, "restore.describeTarget", err)
	}
	for _, p := range parts {
		if p.Number == target.PartitionNumber {
			return *disk, int64(disk.LogicalSectorSize), int64(p.SizeBytes), nil
		}
	}
	return model.DiskIdentity{}, 0, 0, chronoserr.New(chronoserr.KindInvalidParameter, "restore.describeTarget",
		fmt.Errorf("target partition %d not found on disk %d", target.PartitionNumber, target.DiskIndex))
}

// refuseUndersizedTarget implements spec.md §4.11's target-size refusal.
// A container source supports smart-restore clamping, so a smaller target
// is allowed outright; a plain image source streams linearly and has no
// way to skip the bytes that would not fit, so it is refused past a small
// tolerance.
func refuseUndersizedTarget(isContainerSource bool, sourceSize, targetSize int64) error {
	if targetSize <= 0 || targetSize >= sourceSize {
		return nil
	}
	if isContainerSource {
		return nil
	}
	deficit := sourceSize - targetSize
	tolerance := int64(minRefuseBytes)
	if pct := sourceSize / 200; pct > tolerance {
		tolerance = pct
	}
	if deficit > tolerance {
		return chronoserr.New(chronoserr.KindTargetTooSmall, "restore.refuseUndersizedTarget",
			fmt.Errorf("target too small: source %d bytes, target %d bytes, deficit %d exceeds tolerance %d", sourceSize, targetSize, deficit, tolerance))
	}
	return nil
}

func (e *Engine) openTargetForWrite(target jobref.Ref) (rawio.WriteHandle, error) {
	if target.Disk() {
		path := diskPath(target.DiskIndex)
		if osp, ok := e.Provider.(*rawio.OSProvider); ok && osp.Resolver != nil {
			if p, _, _, rerr := osp.Resolver.DiskPath(target.DiskIndex); rerr == nil && p != "" {
				path = p
			}
		}
		h, err := e.Provider.OpenDiskForWrite(path)
		if err != nil {
			return nil, chronoserr.New(chronoserr.KindDeviceIoError, "restore.openTargetForWrite", err)
		}
		return h, nil
	}
	h, err := e.Provider.OpenPartitionForWrite(target.DiskIndex, target.PartitionNumber)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "restore.openTargetForWrite", err)
	}
	return h, nil
}

// copyFromContainer opens the attached image through C1 and either copies
// a sparse range plan built from the sidecar's own partition records
// (clamped to targetSize) or, when that yields nothing, a single linear
// range clamped to whichever of sourceSize/targetSize is smaller.
func (e *Engine) copyFromContainer(
	ctx context.Context, attached *vdisk.AttachedContainer, s *model.ImageSidecar,
	sourceSize, targetSize int64, write rawio.WriteHandle, opts Options,
) (copyloop.Result, error) {
	readHandle, err := e.Provider.OpenPathForRead(attached.PhysicalPath(), sourceSize)
	if err != nil {
		return copyloop.Result{}, chronoserr.New(chronoserr.KindDeviceIoError, "restore.copyFromContainer", err)
	}
	defer readHandle.Close()

	var ranges []model.CopyRange
	if e.AllocatedRanges != nil && s != nil && len(s.Partitions) > 0 {
		imageDisk := model.DiskIdentity{SizeBytes: uint64(sourceSize), LogicalSectorSize: s.SourceSectorSize}
		planner := rangeplan.New(e.AllocatedRanges)
		ranges = planner.PlanDisk(imageDisk, sidecarPartitions(s.Partitions), "", nil)
	}
	if targetSize > 0 {
		ranges = rangeplan.ClampToTarget(ranges, uint64(targetSize))
	}

	clampedLinear := sourceSize
	if targetSize > 0 && targetSize < clampedLinear {
		clampedLinear = targetSize
	}
	if len(ranges) == 0 {
		ranges = []model.CopyRange{{Offset: 0, Length: uint64(clampedLinear)}}
	}

	sources := make([]copyloop.Source, 0, len(ranges))
	var total uint64
	for _, r := range ranges {
		sources = append(sources, copyloop.Source{Range: r, Read: readHandle})
		total += r.Length
	}

	return copyloop.Copy(ctx, sources, write, copyloop.Options{
		BufferSize: opts.BufferSize, ZeroSkip: false, Reporter: opts.Reporter, Cancel: opts.Cancel,
		BytesTotal: total, Status: "restoring",
	})
}

func sidecarPartitions(sps []model.SidecarPartition) []model.Partition {
	out := make([]model.Partition, 0, len(sps))
	for _, sp := range sps {
		out = append(out, model.Partition{Number: sp.Number, Offset: sp.Offset, SizeBytes: sp.Size, Type: sp.Type, VolumePath: sp.VolumePath})
	}
	return out
}

// copyFromPlainImage streams the image file in sector-aligned chunks
// through the target write handle, transparently decompressing a
// codec-compressed image by sniffing its leading magic bytes.
func (e *Engine) copyFromPlainImage(ctx context.Context, path string, write rawio.WriteHandle, opts Options) (copyloop.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return copyloop.Result{}, chronoserr.FromOSError("restore.copyFromPlainImage", err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 16)
	magic, _ := br.Peek(6)

	var reader io.Reader = br
	var pipeErrCh chan error
	if isCompressedMagic(magic) {
		if e.Codec == nil {
			return copyloop.Result{}, chronoserr.New(chronoserr.KindUnsupported, "restore.copyFromPlainImage", fmt.Errorf("image %s is compressed but no codec is configured", path))
		}
		pr, pw := io.Pipe()
		pipeErrCh = make(chan error, 1)
		go func() {
			pipeErrCh <- e.Codec.Decompress(br, pw, opts.Cancel)
			pw.Close()
		}()
		reader = pr
	}

	sw := &sequentialWriter{handle: write, cancel: opts.Cancel}
	buf := make([]byte, copyloop.DefaultBufferSize)
	written, err := io.CopyBuffer(sw, reader, buf)
	if err != nil {
		return copyloop.Result{}, chronoserr.New(chronoserr.KindDeviceIoError, "restore.copyFromPlainImage", err)
	}
	if flushErr := sw.Flush(); flushErr != nil {
		return copyloop.Result{}, flushErr
	}
	if pipeErrCh != nil {
		if derr := <-pipeErrCh; derr != nil {
			return copyloop.Result{}, derr
		}
	}

	return copyloop.Result{BytesRead: uint64(written), BytesWritten: uint64(written)}, nil
}

func isCompressedMagic(b []byte) bool {
	if len(b) >= 4 && b[0] == 0x28 && b[1] == 0xB5 && b[2] == 0x2F && b[3] == 0xFD {
		return true // zstd
	}
	if len(b) >= 6 && b[0] == 0xFD && b[1] == 0x37 && b[2] == 0x7A && b[3] == 0x58 && b[4] == 0x5A && b[5] == 0x00 {
		return true // xz
	}
	return false
}

func probeFileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func diskPath(index uint32) string {
	return fmt.Sprintf(`\\.\PhysicalDrive%d`, index)
}

// sequentialWriter adapts a sector-addressed rawio.WriteHandle to
// io.Writer, buffering bytes until a full sector is available and
// zero-padding a final short sector on Flush.
type sequentialWriter struct {
	handle       rawio.WriteHandle
	cancel       *progress.CancelHandle
	sectorOffset int64
	buf          []byte
}

func (w *sequentialWriter) Write(p []byte) (int, error) {
	if w.cancel != nil {
		if err := w.cancel.Check(); err != nil {
			return 0, err
		}
	}
	w.buf = append(w.buf, p...)

	sectorSize := w.handle.SectorSize()
	if sectorSize <= 0 {
		sectorSize = 512
	}
	fullSectors := int64(len(w.buf)) / sectorSize
	if fullSectors > 0 {
		n := fullSectors * sectorSize
		if err := w.handle.WriteSectors(context.Background(), w.buf[:n], w.sectorOffset, fullSectors); err != nil {
			return 0, chronoserr.New(chronoserr.KindDeviceIoError, "restore.sequentialWriter.Write", err)
		}
		w.sectorOffset += fullSectors
		w.buf = append([]byte(nil), w.buf[n:]...)
	}
	return len(p), nil
}

// Flush writes any buffered partial sector, zero-padded, and must be
// called once after the last Write.
func (w *sequentialWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	sectorSize := w.handle.SectorSize()
	if sectorSize <= 0 {
		sectorSize = 512
	}
	padded := make([]byte, sectorSize)
	copy(padded, w.buf)
	if err := w.handle.WriteSectors(context.Background(), padded, w.sectorOffset, 1); err != nil {
		return chronoserr.New(chronoserr.KindDeviceIoError, "restore.sequentialWriter.Flush", err)
	}
	w.buf = nil
	return nil
}
