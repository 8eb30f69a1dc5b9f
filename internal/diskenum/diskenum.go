// Package diskenum implements the disk enumerator (C5): list physical
// disks and their partitions, geometry, role flags, and volume paths.
// Enumeration must succeed without a filesystem-inventory service, using
// direct device partition-table reads — grounded on the pack's
// go-diskfs-based GPT/MBR summarizer, trimmed down to the geometry fields
// this engine's data model actually needs (no bootloader/EFI/verity
// evidence, which belongs to a different domain).
package diskenum

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chronos-imaging/chronos/internal/chronoserr"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
)

// DiskPathSource maps a disk index to the device path the enumerator opens
// to read its partition table, and reports its size/sector size. rawio's
// PathResolver already does exactly this for I/O, so the production wiring
// shares one resolver between both packages instead of re-deriving paths.
type DiskPathSource interface {
	DiskPath(index uint32) (path string, sizeBytes int64, sectorSize int64, err error)
	KnownDiskIndexes() []uint32
}

// RoleSource supplies the role flags (is_system, is_boot) and model/serial
// strings device ioctls alone cannot report — on Windows this is backed by
// a WMI MSFT_Disk query; tests and non-Windows builds use a fake.
type RoleSource interface {
	DiskRole(index uint32) (model model.DiskIdentity, ok bool)
}

// VolumePathSource resolves a partition to the device-namespace path by
// which its volume can be opened for byte-level read — on Windows backed
// by Get-Partition's AccessPaths; optional, since a partition with no
// mounted volume legitimately has none.
type VolumePathSource interface {
	VolumePath(diskIndex, partitionNumber uint32) (path string, ok bool)
}

// diskAccessor is the slice of *diskfs.Disk this package actually needs,
// split out so tests can hand ListPartitions a fake partition table instead
// of a real disk image file — the same seam the pack's image inspector
// keeps between its diskAccessorFS interface and diskfs.Open.
type diskAccessor interface {
	GetPartitionTable() (partition.Table, error)
}

// Enumerator lists disks and partitions (C5).
type Enumerator struct {
	paths   DiskPathSource
	roles   RoleSource
	volumes VolumePathSource

	mu    sync.Mutex
	cache map[uint32]*model.DiskIdentity
	warm  bool

	openDisk func(path string) (diskAccessor, func() error, error)
}

// New builds an Enumerator over the given path and role sources. volumes
// may be nil when no volume-path enrichment is available.
func New(paths DiskPathSource, roles RoleSource, volumes VolumePathSource) *Enumerator {
	return &Enumerator{
		paths:   paths,
		roles:   roles,
		volumes: volumes,
		cache:   map[uint32]*model.DiskIdentity{},
		openDisk: func(path string) (diskAccessor, func() error, error) {
			d, err := diskfs.Open(path)
			if err != nil {
				return nil, nil, err
			}
			return d, d.Close, nil
		},
	}
}

// Refresh forces re-enumeration; callers must invoke it after a container
// attach to pick up the newly attached disk.
func (e *Enumerator) Refresh() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = map[uint32]*model.DiskIdentity{}
	e.warm = false
	return nil
}

func (e *Enumerator) ensureWarm() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.warm {
		return nil
	}
	for _, idx := range e.paths.KnownDiskIndexes() {
		di, err := e.buildIdentity(idx)
		if err != nil {
			continue
		}
		e.cache[idx] = di
	}
	e.warm = true
	return nil
}

func (e *Enumerator) buildIdentity(index uint32) (*model.DiskIdentity, error) {
	path, size, sectorSize, err := e.paths.DiskPath(index)
	if err != nil {
		return nil, err
	}
	di := model.DiskIdentity{Index: index, SizeBytes: uint64(size), LogicalSectorSize: uint32(sectorSize)}
	if e.roles != nil {
		if role, ok := e.roles.DiskRole(index); ok {
			di.Model = role.Model
			di.Serial = role.Serial
			di.IsSystem = role.IsSystem
			di.IsBoot = role.IsBoot
			if role.SizeBytes != 0 {
				di.SizeBytes = role.SizeBytes
			}
			if role.LogicalSectorSize != 0 {
				di.LogicalSectorSize = role.LogicalSectorSize
			}
		}
	}
	_ = path
	return &di, nil
}

// ListDisks returns every known disk identity.
func (e *Enumerator) ListDisks() ([]model.DiskIdentity, error) {
	if err := e.ensureWarm(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.DiskIdentity, 0, len(e.cache))
	for _, di := range e.cache {
		out = append(out, *di)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// GetDisk returns one disk identity by index.
func (e *Enumerator) GetDisk(index uint32) (*model.DiskIdentity, bool, error) {
	if err := e.ensureWarm(); err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	di, ok := e.cache[index]
	e.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	cp := *di
	return &cp, true, nil
}

// ListPartitions reads the partition table of the given disk directly
// (protective MBR / GPT header and entries), without any filesystem
// inventory service.
func (e *Enumerator) ListPartitions(diskIndex uint32) ([]model.Partition, error) {
	path, _, sectorSize, err := e.paths.DiskPath(diskIndex)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "diskenum.ListPartitions", err)
	}

	disk, closeFn, err := e.openDisk(path)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "diskenum.ListPartitions", fmt.Errorf("open %s: %w", path, err))
	}
	defer closeFn()

	pt, err := disk.GetPartitionTable()
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "diskenum.ListPartitions", fmt.Errorf("partition table %s: %w", path, err))
	}

	parts, err := summarizePartitionTable(pt, diskIndex, sectorSize)
	if err != nil {
		return nil, err
	}
	if e.volumes != nil {
		for i := range parts {
			if path, ok := e.volumes.VolumePath(diskIndex, parts[i].Number); ok {
				parts[i].VolumePath = path
			}
		}
	}
	return parts, nil
}

// summarizePartitionTable flattens a go-diskfs partition.Table into the
// Partition shape this engine's data model uses, sorted by offset with
// 1-based partition numbers assigned after sorting — adapted from the same
// GPT/MBR switch the pack's image inspector uses to build its
// PartitionTableSummary, trimmed to offset/size/type only.
func summarizePartitionTable(pt partition.Table, diskIndex uint32, sectorSize int64) ([]model.Partition, error) {
	var parts []model.Partition

	switch t := pt.(type) {
	case *gpt.Table:
		for _, p := range t.Partitions {
			if p.Start == 0 && p.End == 0 {
				continue
			}
			offset := p.Start * uint64(sectorSize)
			size := (p.End - p.Start + 1) * uint64(sectorSize)
			parts = append(parts, model.Partition{
				DiskIndex: diskIndex,
				Offset:    offset,
				SizeBytes: size,
				Type:      strings.ToUpper(string(p.Type)),
			})
		}
	case *mbr.Table:
		for _, p := range t.Partitions {
			if p.Size == 0 {
				continue
			}
			offset := uint64(p.Start) * uint64(sectorSize)
			size := uint64(p.Size) * uint64(sectorSize)
			parts = append(parts, model.Partition{
				DiskIndex: diskIndex,
				Offset:    offset,
				SizeBytes: size,
				Type:      fmt.Sprintf("0x%02x", p.Type),
			})
		}
	default:
		return nil, fmt.Errorf("unsupported partition table type: %T", t)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Offset < parts[j].Offset })
	for i := range parts {
		parts[i].Number = uint32(i + 1)
	}
	return parts, nil
}
