package vdisk

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndAttachForWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.vhdx")

	svc := NewService(NewFakeBackend())
	ac, err := svc.CreateAndAttachForWrite(path, 4096, 512)
	if err != nil {
		t.Fatalf("CreateAndAttachForWrite: %v", err)
	}
	if ac.PhysicalPath() != path {
		t.Errorf("PhysicalPath = %s, want %s", ac.PhysicalPath(), path)
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() != 4096 {
		t.Fatalf("container file not created at expected size: %v, %+v", err, fi)
	}

	if err := ac.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Idempotent.
	if err := ac.Release(); err != nil {
		t.Fatalf("second Release should be a no-op, got: %v", err)
	}
}

// failingAttachBackend creates container files like FakeBackend but refuses
// every attach.
type failingAttachBackend struct{ *FakeBackend }

func (failingAttachBackend) Attach(path string, readOnly bool) (string, error) {
	return "", errors.New("attach refused")
}

func TestCreateAndAttachForWriteRemovesFileOnAttachFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.vhdx")

	svc := NewService(failingAttachBackend{NewFakeBackend()})

	if _, err := svc.CreateAndAttachForWrite(path, 1024, 512); err == nil {
		t.Fatal("expected CreateAndAttachForWrite to fail when attach fails")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("container file should be removed after attach failure, stat err = %v", err)
	}
	if len(svc.attachments) != 0 {
		t.Errorf("no attachment should be tracked after attach failure, got %d", len(svc.attachments))
	}
}

func TestDismountAllReleasesEveryAttachment(t *testing.T) {
	dir := t.TempDir()
	backend := NewFakeBackend()
	svc := NewService(backend)

	var paths []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, "img"+string(rune('0'+i))+".vhdx")
		if _, err := svc.CreateAndAttachForWrite(p, 1024, 512); err != nil {
			t.Fatalf("create %s: %v", p, err)
		}
		paths = append(paths, p)
	}

	if err := svc.DismountAll(); err != nil {
		t.Fatalf("DismountAll: %v", err)
	}
	for _, p := range paths {
		if backend.attached[p] {
			t.Errorf("%s still attached after DismountAll", p)
		}
	}
}

func TestMountToDriveLetterReleasesOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.vhdx")
	backend := NewFakeBackend()
	backend.nextLetter = 'C' // force AssignDriveLetter to fail immediately

	svc := NewService(backend)
	if err := backend.CreateContainerFile(path, 1024, 512); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.MountToDriveLetter(path, true); err == nil {
		t.Fatal("expected drive-letter assignment failure")
	}
	if backend.attached[path] {
		t.Error("container should have been detached after drive-letter assignment failure")
	}
}
