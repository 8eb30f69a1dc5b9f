// Package copyloop implements the range-driven copy loop shared by the
// backup, restore, and clone engines (C10-C12): 2 MiB buffers, zero-skip
// detection, throttled progress, and a cancellation checkpoint at the top of
// every buffer, per spec.md §4.10 step 5 and §5's suspension-point list.
package copyloop

import (
	"bytes"
	"context"
	"time"

	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/chronos-imaging/chronos/internal/progress"
	"github.com/chronos-imaging/chronos/internal/rawio"
)

var log = logging.Logger()

// DefaultBufferSize is the 2 MiB buffer spec.md §4.10 mandates.
const DefaultBufferSize = 2 << 20

// Source pairs a device-absolute copy range with the read handle that
// covers it and that handle's own device-absolute base offset (0 for a
// whole-disk handle, the partition's disk offset for a partition or
// snapshot-mapped handle) — the "explicit map from partition offset to
// (read handle, base offset)" spec.md §9 calls for instead of a cached-handle
// table keyed some other way. Sector sizes across every Source and the
// destination write handle must already agree; cross-sector-size mismatches
// are refused before any engine builds a copy plan (spec.md §4.11).
type Source struct {
	Range          model.CopyRange
	Read           rawio.ReadHandle
	ReadBaseOffset uint64
}

// Options configures one Copy invocation.
type Options struct {
	BufferSize int
	ZeroSkip   bool
	Reporter   progress.Reporter
	Cancel     *progress.CancelHandle
	Throttle   *progress.Throttle
	BytesTotal uint64
	Status     string
}

// Result reports what one Copy call actually did, for the engine's
// Finalize step to compare against the range plan's expectation.
type Result struct {
	BytesRead    uint64
	BytesWritten uint64
	SkippedZero  uint64
}

// Copy writes every source range to write at its device-absolute offset, in
// order, per spec.md §5's write-ordering guarantee. Reads come from each
// source's own read handle; writes always target write at the range's
// device-absolute offset (spec.md §4.10 step 5's "writes always go to the
// device-absolute offset").
func Copy(ctx context.Context, sources []Source, write rawio.WriteHandle, opts Options) (Result, error) {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	throttle := opts.Throttle
	if throttle == nil {
		throttle = progress.NewThrottle()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = progress.Nop
	}

	sectorSize := write.SectorSize()
	if sectorSize <= 0 {
		sectorSize = 512
	}
	sectorsPerBuf := int64(bufSize) / sectorSize
	if sectorsPerBuf <= 0 {
		sectorsPerBuf = 1
	}
	buf := make([]byte, sectorsPerBuf*sectorSize)

	var res Result
	for _, src := range sources {
		if err := copyOneRange(ctx, src, write, buf, sectorSize, sectorsPerBuf, opts, throttle, reporter, &res); err != nil {
			return res, err
		}
	}

	reporter.Report(reportOf(res, opts))
	return res, nil
}

func copyOneRange(
	ctx context.Context,
	src Source,
	write rawio.WriteHandle,
	buf []byte,
	sectorSize, sectorsPerBuf int64,
	opts Options,
	throttle *progress.Throttle,
	reporter progress.Reporter,
	res *Result,
) error {
	remaining := src.Range.Length
	deviceOffset := src.Range.Offset

	for remaining > 0 {
		if opts.Cancel != nil {
			if err := opts.Cancel.Check(); err != nil {
				return err
			}
		}

		wantSectors := sectorsPerBuf
		if uint64(wantSectors*sectorSize) > remaining {
			wantSectors = int64(remaining+uint64(sectorSize)-1) / sectorSize
		}

		readSectorOffset := int64(deviceOffset-src.ReadBaseOffset) / sectorSize
		n, err := src.Read.ReadSectors(ctx, buf[:wantSectors*sectorSize], readSectorOffset, wantSectors)
		if err != nil {
			return err
		}
		if n == 0 {
			log.Warnf("copyloop: zero-byte read at offset %d, aborting range without further retry", deviceOffset)
			return nil
		}

		dataLen := uint64(n)
		if dataLen > remaining {
			dataLen = remaining
		}
		chunk := buf[:dataLen]

		res.BytesRead += dataLen

		writeSectors := (int64(dataLen) + sectorSize - 1) / sectorSize
		writeSectorOffset := int64(deviceOffset) / sectorSize

		if opts.ZeroSkip && isAllZero(chunk) {
			res.SkippedZero += dataLen
		} else {
			writeBuf := chunk
			if int64(len(writeBuf)) < writeSectors*sectorSize {
				padded := make([]byte, writeSectors*sectorSize)
				copy(padded, writeBuf)
				writeBuf = padded
			}
			if err := write.WriteSectors(ctx, writeBuf, writeSectorOffset, writeSectors); err != nil {
				return err
			}
			res.BytesWritten += dataLen
		}

		deviceOffset += dataLen
		remaining -= dataLen

		if throttle.ShouldReport(now(), res.BytesRead, false) {
			reporter.Report(reportOf(*res, opts))
		}

		if dataLen < uint64(wantSectors*sectorSize) {
			// short read at end of device; this range is exhausted.
			return nil
		}
	}
	return nil
}

func reportOf(res Result, opts Options) model.OperationProgress {
	var pct float64
	if opts.BytesTotal > 0 {
		pct = float64(res.BytesRead) / float64(opts.BytesTotal) * 100
		if pct > 100 {
			pct = 100
		}
	}
	return model.OperationProgress{
		Percent:       pct,
		BytesDone:     res.BytesRead,
		BytesTotal:    opts.BytesTotal,
		StatusMessage: opts.Status,
	}
}

func isAllZero(buf []byte) bool {
	return bytes.Count(buf, []byte{0}) == len(buf)
}

// now is a seam so tests can stub wall-clock time if needed; production
// always uses time.Now.
var now = time.Now
