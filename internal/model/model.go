// Package model holds the data types shared across every component of the
// imaging engine: disk/partition identity, allocated and copy ranges, the
// sidecar record, job descriptors, and progress events.
package model

import (
	"time"

	"github.com/google/uuid"
)

// DiskIdentity describes one physical (or attached-container) disk as seen
// by the enumerator. It is immutable for the lifetime of one enumeration
// snapshot.
type DiskIdentity struct {
	Index             uint32 `json:"index"`
	Model             string `json:"model"`
	Serial            string `json:"serial"`
	SizeBytes         uint64 `json:"size"`
	LogicalSectorSize uint32 `json:"logicalSectorSize"`
	IsSystem          bool   `json:"is_system"`
	IsBoot            bool   `json:"is_boot"`
	IsRefreshSentinel bool   `json:"-"`
}

// Partition describes one partition on a disk.
type Partition struct {
	DiskIndex  uint32 `json:"-"`
	Number     uint32 `json:"number"`
	Offset     uint64 `json:"offset"`
	SizeBytes  uint64 `json:"size"`
	Type       string `json:"type"`
	VolumePath string `json:"volume_path,omitempty"`
}

// AllocatedRange is a byte interval within a volume that the filesystem
// reports as in use.
type AllocatedRange struct {
	Offset uint64
	Length uint64
}

// CopyRange is a byte interval, in absolute device/container bytes, that a
// copy loop will read and maybe write.
type CopyRange struct {
	Offset uint64
	Length uint64
}

// End returns Offset+Length.
func (r CopyRange) End() uint64 { return r.Offset + r.Length }

// SidecarKind classifies a sidecar's place in a backup chain.
type SidecarKind string

const (
	KindFull         SidecarKind = "Full"
	KindIncremental  SidecarKind = "Incremental"
	KindDifferential SidecarKind = "Differential"
)

// SidecarDisk is the disk-identity subset persisted into a sidecar file —
// narrower than DiskIdentity: it has no IsRefreshSentinel, and the logical
// sector size is stored once per sidecar as SourceSectorSize.
type SidecarDisk struct {
	Index    uint32 `json:"index"`
	Model    string `json:"model"`
	Serial   string `json:"serial"`
	Size     uint64 `json:"size"`
	IsSystem bool   `json:"is_system"`
	IsBoot   bool   `json:"is_boot"`
}

// SidecarPartition is the JSON shape of one partition entry in a sidecar.
type SidecarPartition struct {
	Number     uint32 `json:"number"`
	Offset     uint64 `json:"offset"`
	Size       uint64 `json:"size"`
	Type       string `json:"type"`
	VolumePath string `json:"volume_path,omitempty"`
}

// ImageSidecar is the durable, versioned record saved alongside every image
// produced by the backup engine. Field names are load-bearing: they are the
// external wire format of the ".chronos.json" file (see EXTERNAL INTERFACES).
type ImageSidecar struct {
	Version                int                `json:"version"`
	SourceSectorSize       uint32             `json:"source_sector_size"`
	ExpectedAllocatedBytes uint64             `json:"expected_allocated_bytes"`
	Disk                   SidecarDisk        `json:"disk"`
	Partitions             []SidecarPartition `json:"partitions"`

	ChainID    *uuid.UUID  `json:"chain_id,omitempty"`
	Sequence   *int        `json:"sequence,omitempty"`
	ParentPath *string     `json:"parent_path,omitempty"`
	Kind       SidecarKind `json:"kind,omitempty"`

	CreatedAt   *time.Time `json:"created_at,omitempty"`
	ToolVersion string     `json:"tool_version,omitempty"`

	// Extra preserves any field this reader does not recognize, so a
	// round-trip through an older or newer chronos build never drops data.
	Extra map[string]any `json:"-"`
}

// JobKind selects the backup engine's top-level dispatch: whole disk or
// single partition, captured as an image or cloned directly device-to-device.
type JobKind string

const (
	JobFullDisk         JobKind = "FullDisk"
	JobPartition        JobKind = "Partition"
	JobDiskClone        JobKind = "DiskClone"
	JobPartitionClone   JobKind = "PartitionClone"
)

// BackupJob describes one requested backup or clone operation.
type BackupJob struct {
	Source              string
	Destination         string
	Kind                JobKind
	CompressionEffort    int
	UseSnapshot          bool
}

// RestoreJob describes one requested restore operation.
type RestoreJob struct {
	SourceImagePath  string
	Target           string
	VerifyDuring     bool
	ForceOverwrite   bool
}

// OperationProgress is the structured progress event emitted through a
// ProgressReporter.
type OperationProgress struct {
	Percent        float64
	BytesDone      uint64
	BytesTotal     uint64
	BytesPerSecond float64
	TimeRemaining  time.Duration
	StatusMessage  string
}
