package rawio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, size int64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
}

func TestOSProviderReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	diskPath := filepath.Join(dir, "disk0.bin")
	writeFile(t, diskPath, 4096)

	resolver := NewFakeResolver(512)
	resolver.AddDisk(0, diskPath, 4096)

	provider := NewOSProvider(resolver, NopPreparer{})

	wh, err := provider.OpenDiskForWrite(diskPath)
	if err != nil {
		t.Fatalf("OpenDiskForWrite: %v", err)
	}
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xAB
	}
	ctx := context.Background()
	if err := wh.WriteSectors(ctx, payload, 2, 1); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	if err := wh.Close(); err != nil {
		t.Fatalf("Close write handle: %v", err)
	}

	rh, err := provider.OpenDisk(0)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	defer rh.Close()
	if rh.SectorSize() != 512 {
		t.Errorf("SectorSize = %d, want 512", rh.SectorSize())
	}
	buf := make([]byte, 512)
	n, err := rh.ReadSectors(ctx, buf, 2, 1)
	if err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}
	if n != 512 {
		t.Fatalf("read %d bytes, want 512", n)
	}
	for i, b := range buf {
		if b != 0xAB {
			t.Fatalf("byte %d = %x, want 0xAB", i, b)
		}
	}
}

func TestOSProviderShortBufferWriteRejected(t *testing.T) {
	dir := t.TempDir()
	diskPath := filepath.Join(dir, "disk0.bin")
	writeFile(t, diskPath, 4096)

	resolver := NewFakeResolver(512)
	provider := NewOSProvider(resolver, NopPreparer{})

	wh, err := provider.OpenDiskForWrite(diskPath)
	if err != nil {
		t.Fatalf("OpenDiskForWrite: %v", err)
	}
	defer wh.Close()

	shortBuf := make([]byte, 100) // less than one 512-byte sector
	if err := wh.WriteSectors(context.Background(), shortBuf, 0, 1); err == nil {
		t.Fatal("expected short-buffer write to fail, got nil error")
	}
}

func TestOpenDiskUnregisteredFails(t *testing.T) {
	resolver := NewFakeResolver(512)
	provider := NewOSProvider(resolver, NopPreparer{})
	if _, err := provider.OpenDisk(99); err == nil {
		t.Fatal("expected error opening unregistered disk")
	}
}
