// Package clone implements the clone engine (C12): a direct device-to-device
// sector copy through C1 only, with no compression, snapshotting, or
// sidecar, guarded against a source and destination that name the same
// device.
package clone

import (
	"context"
	"fmt"

	"github.com/chronos-imaging/chronos/internal/chronoserr"
	"github.com/chronos-imaging/chronos/internal/copyloop"
	"github.com/chronos-imaging/chronos/internal/jobref"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/chronos-imaging/chronos/internal/progress"
	"github.com/chronos-imaging/chronos/internal/rawio"
)

// Execute runs a DiskClone or PartitionClone job per spec.md §4.10's clone
// dispatch: source and destination must parse to distinct (disk, partition?)
// tuples, the copy range is [0, source_size), and zero-skip is disabled.
func Execute(ctx context.Context, provider rawio.Provider, job model.BackupJob, opts Options) (copyloop.Result, error) {
	src, err := jobref.Parse(job.Source)
	if err != nil {
		return copyloop.Result{}, chronoserr.New(chronoserr.KindInvalidParameter, "clone.Execute", fmt.Errorf("parse source: %w", err))
	}
	dst, err := jobref.Parse(job.Destination)
	if err != nil {
		return copyloop.Result{}, chronoserr.New(chronoserr.KindInvalidParameter, "clone.Execute", fmt.Errorf("parse destination: %w", err))
	}
	if src.Equal(dst) {
		return copyloop.Result{}, chronoserr.New(chronoserr.KindSourceEqualsDestination, "clone.Execute",
			fmt.Errorf("source and destination both name %s", job.Source))
	}

	readHandle, err := openSource(provider, src)
	if err != nil {
		return copyloop.Result{}, err
	}
	defer readHandle.Close()

	writeHandle, err := openDestination(provider, dst)
	if err != nil {
		return copyloop.Result{}, err
	}
	defer writeHandle.Close()

	if readHandle.Size() == 0 {
		return copyloop.Result{}, chronoserr.New(chronoserr.KindInvalidParameter, "clone.Execute", fmt.Errorf("source %s has zero size", job.Source))
	}

	sources := []copyloop.Source{{
		Range: model.CopyRange{Offset: 0, Length: uint64(readHandle.Size())},
		Read:  readHandle,
	}}

	return copyloop.Copy(ctx, sources, writeHandle, copyloop.Options{
		BufferSize: opts.BufferSize,
		ZeroSkip:   false,
		Reporter:   opts.Reporter,
		Cancel:     opts.Cancel,
		BytesTotal: uint64(readHandle.Size()),
		Status:     "cloning",
	})
}

// Options configures one clone run's progress/cancellation plumbing.
type Options struct {
	BufferSize int
	Reporter   progress.Reporter
	Cancel     *progress.CancelHandle
}

func openSource(provider rawio.Provider, ref jobref.Ref) (rawio.ReadHandle, error) {
	if ref.Disk() {
		h, err := provider.OpenDisk(ref.DiskIndex)
		if err != nil {
			return nil, chronoserr.New(chronoserr.KindDeviceIoError, "clone.openSource", err)
		}
		return h, nil
	}
	h, err := provider.OpenPartition(ref.DiskIndex, ref.PartitionNumber)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "clone.openSource", err)
	}
	return h, nil
}

func openDestination(provider rawio.Provider, ref jobref.Ref) (rawio.WriteHandle, error) {
	if ref.Disk() {
		h, err := provider.OpenDiskForWrite(diskPath(ref.DiskIndex))
		if err != nil {
			return nil, chronoserr.New(chronoserr.KindDeviceIoError, "clone.openDestination", err)
		}
		return h, nil
	}
	h, err := provider.OpenPartitionForWrite(ref.DiskIndex, ref.PartitionNumber)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "clone.openDestination", err)
	}
	return h, nil
}

func diskPath(index uint32) string {
	return fmt.Sprintf(`\\.\PhysicalDrive%d`, index)
}
