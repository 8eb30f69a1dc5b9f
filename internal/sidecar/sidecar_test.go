package sidecar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/google/uuid"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "disk0.vhdx")

	disk := model.DiskIdentity{Index: 0, Model: "Virtual Disk", Serial: "VD-1", SizeBytes: 128 << 20, LogicalSectorSize: 512}
	parts := []model.Partition{
		{Number: 1, Offset: 1048576, SizeBytes: 67108864, Type: "Basic Data", VolumePath: `\\?\Volume{...}`},
	}

	s := FromDisk(disk, parts, 512)
	s.ExpectedAllocatedBytes = 10 << 20
	chain := uuid.New()
	s.ChainID = &chain
	s.Kind = model.KindFull

	if err := Save(s, imagePath); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(PathFor(imagePath)); err != nil {
		t.Fatalf("sidecar file missing: %v", err)
	}

	loaded, err := Load(imagePath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected sidecar, got nil")
	}
	if loaded.SourceSectorSize != 512 {
		t.Errorf("SourceSectorSize = %d, want 512", loaded.SourceSectorSize)
	}
	if loaded.ExpectedAllocatedBytes != 10<<20 {
		t.Errorf("ExpectedAllocatedBytes = %d, want %d", loaded.ExpectedAllocatedBytes, 10<<20)
	}
	if len(loaded.Partitions) != 1 || loaded.Partitions[0].Offset != 1048576 {
		t.Errorf("partitions not round-tripped: %+v", loaded.Partitions)
	}
	if loaded.ChainID == nil || *loaded.ChainID != chain {
		t.Errorf("chain id not round-tripped")
	}
}

func TestLoadMissingReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	loaded, err := Load(filepath.Join(dir, "nope.vhdx"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil sidecar for missing file, got %+v", loaded)
	}
}

func TestLoadRejectsSchemaViolation(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "bad.vhdx")
	// Missing required source_sector_size.
	bad := `{"version":1,"expected_allocated_bytes":0,"disk":{"index":0,"model":"x","serial":"","size":1,"is_system":false,"is_boot":false},"partitions":[]}`
	if err := os.WriteFile(PathFor(imagePath), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(imagePath); err == nil {
		t.Fatal("expected schema validation error, got nil")
	}
}

func TestExtraFieldsPreservedOnRoundTrip(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "disk0.vhdx")

	disk := model.DiskIdentity{Index: 0, SizeBytes: 1 << 20}
	s := FromDisk(disk, nil, 512)
	s.Extra = map[string]any{"future_field": "kept"}

	if err := Save(s, imagePath); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(imagePath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Extra["future_field"] != "kept" {
		t.Errorf("unknown field not preserved: %+v", loaded.Extra)
	}
}

func TestToDiskAndPartitionsReconstructsWithoutImage(t *testing.T) {
	disk := model.DiskIdentity{Index: 2, Model: "M", Serial: "S", SizeBytes: 100, LogicalSectorSize: 4096}
	parts := []model.Partition{{Number: 1, Offset: 4096, SizeBytes: 96, Type: "t"}}
	s := FromDisk(disk, parts, 4096)

	gotDisk, gotParts := ToDiskAndPartitions(s)
	if gotDisk.Index != disk.Index || gotDisk.LogicalSectorSize != 4096 {
		t.Errorf("disk mismatch: %+v", gotDisk)
	}
	if len(gotParts) != 1 || gotParts[0].Offset != 4096 {
		t.Errorf("partitions mismatch: %+v", gotParts)
	}
}
