package restore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chronos-imaging/chronos/internal/chronoserr"
	"github.com/chronos-imaging/chronos/internal/diskenum"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/chronos-imaging/chronos/internal/rawio"
	"github.com/chronos-imaging/chronos/internal/sidecar"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newDiskEnumerator(index uint32, sizeBytes int64, sectorSize int64, isSystem bool) *diskenum.Enumerator {
	paths := diskenum.NewFakeDiskPathSource()
	paths.Add(index, "", sizeBytes, sectorSize)
	roles := diskenum.NewFakeRoleSource()
	roles.Roles[index] = model.DiskIdentity{IsSystem: isSystem, SizeBytes: uint64(sizeBytes), LogicalSectorSize: uint32(sectorSize)}
	return diskenum.New(paths, roles, nil)
}

func TestExecutePlainImageRestoresFullDiskTarget(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "backup.img")
	dstPath := filepath.Join(dir, "disk0.bin")

	payload := bytes.Repeat([]byte{0x42}, 4096)
	writeFile(t, srcPath, payload)
	writeFile(t, dstPath, make([]byte, 4096))

	resolver := rawio.NewFakeResolver(512)
	resolver.AddDisk(0, dstPath, int64(len(payload)))
	provider := rawio.NewOSProvider(resolver, rawio.NopPreparer{})

	e := &Engine{
		Provider: provider,
		Disks:    newDiskEnumerator(0, int64(len(payload)), 512, false),
	}
	job := model.RestoreJob{SourceImagePath: srcPath, Target: "0"}

	res, err := e.Execute(context.Background(), job, Options{BufferSize: 1024})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.BytesWritten != uint64(len(payload)) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(payload))
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("destination content does not match source image")
	}
}

func TestExecuteRefusesSystemDiskWithoutForceOverwrite(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "backup.img")
	dstPath := filepath.Join(dir, "disk0.bin")
	payload := bytes.Repeat([]byte{0x1}, 2048)
	writeFile(t, srcPath, payload)
	writeFile(t, dstPath, make([]byte, 2048))

	resolver := rawio.NewFakeResolver(512)
	resolver.AddDisk(0, dstPath, int64(len(payload)))
	provider := rawio.NewOSProvider(resolver, rawio.NopPreparer{})

	e := &Engine{
		Provider: provider,
		Disks:    newDiskEnumerator(0, int64(len(payload)), 512, true),
	}
	job := model.RestoreJob{SourceImagePath: srcPath, Target: "0"}

	_, err := e.Execute(context.Background(), job, Options{})
	if err == nil {
		t.Fatal("expected system-disk refusal")
	}
	if !chronoserr.Is(err, chronoserr.KindSystemDiskProtected) {
		t.Errorf("expected KindSystemDiskProtected, got %v", err)
	}
}

func TestExecuteAllowsSystemDiskWithForceOverwrite(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "backup.img")
	dstPath := filepath.Join(dir, "disk0.bin")
	payload := bytes.Repeat([]byte{0x2}, 2048)
	writeFile(t, srcPath, payload)
	writeFile(t, dstPath, make([]byte, 2048))

	resolver := rawio.NewFakeResolver(512)
	resolver.AddDisk(0, dstPath, int64(len(payload)))
	provider := rawio.NewOSProvider(resolver, rawio.NopPreparer{})

	e := &Engine{
		Provider: provider,
		Disks:    newDiskEnumerator(0, int64(len(payload)), 512, true),
	}
	job := model.RestoreJob{SourceImagePath: srcPath, Target: "0", ForceOverwrite: true}

	res, err := e.Execute(context.Background(), job, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.BytesWritten != uint64(len(payload)) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(payload))
	}
}

func TestExecuteRefusesSectorSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "backup.img")
	dstPath := filepath.Join(dir, "disk0.bin")
	payload := bytes.Repeat([]byte{0x3}, 4096)
	writeFile(t, srcPath, payload)
	writeFile(t, dstPath, make([]byte, 4096))

	disk := model.DiskIdentity{Index: 0, SizeBytes: uint64(len(payload))}
	s := sidecar.FromDisk(disk, nil, 512)
	s.ExpectedAllocatedBytes = uint64(len(payload))
	if err := sidecar.Save(s, srcPath); err != nil {
		t.Fatalf("sidecar.Save: %v", err)
	}

	resolver := rawio.NewFakeResolver(4096)
	resolver.AddDisk(0, dstPath, int64(len(payload)))
	provider := rawio.NewOSProvider(resolver, rawio.NopPreparer{})

	e := &Engine{
		Provider: provider,
		Disks:    newDiskEnumerator(0, int64(len(payload)), 4096, false),
	}
	job := model.RestoreJob{SourceImagePath: srcPath, Target: "0"}

	_, err := e.Execute(context.Background(), job, Options{})
	if err == nil {
		t.Fatal("expected sector-size mismatch refusal")
	}
	if !chronoserr.Is(err, chronoserr.KindSectorSizeMismatch) {
		t.Errorf("expected KindSectorSizeMismatch, got %v", err)
	}
}

func TestExecuteRefusesUndersizedTargetForPlainImage(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "backup.img")
	dstPath := filepath.Join(dir, "disk0.bin")

	payload := bytes.Repeat([]byte{0x9}, 20<<20)
	writeFile(t, srcPath, payload)
	writeFile(t, dstPath, make([]byte, 5<<20))

	resolver := rawio.NewFakeResolver(512)
	resolver.AddDisk(0, dstPath, 5<<20)
	provider := rawio.NewOSProvider(resolver, rawio.NopPreparer{})

	e := &Engine{
		Provider: provider,
		Disks:    newDiskEnumerator(0, 5<<20, 512, false),
	}
	job := model.RestoreJob{SourceImagePath: srcPath, Target: "0"}

	_, err := e.Execute(context.Background(), job, Options{})
	if err == nil {
		t.Fatal("expected target-too-small refusal")
	}
	if !chronoserr.Is(err, chronoserr.KindTargetTooSmall) {
		t.Errorf("expected KindTargetTooSmall, got %v", err)
	}
}

func TestExecuteRejectsMissingSourceImage(t *testing.T) {
	dir := t.TempDir()
	e := &Engine{Provider: rawio.NewOSProvider(rawio.NewFakeResolver(512), rawio.NopPreparer{})}
	job := model.RestoreJob{SourceImagePath: filepath.Join(dir, "nope.img"), Target: "0"}

	_, err := e.Execute(context.Background(), job, Options{})
	if err == nil {
		t.Fatal("expected missing-source rejection")
	}
	if !chronoserr.Is(err, chronoserr.KindPathNotFound) {
		t.Errorf("expected KindPathNotFound, got %v", err)
	}
}
