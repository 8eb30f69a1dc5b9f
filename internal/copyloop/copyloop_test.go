package copyloop

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/chronos-imaging/chronos/internal/progress"
	"github.com/chronos-imaging/chronos/internal/rawio"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newProvider(t *testing.T, sectorSize int64) (*rawio.OSProvider, *rawio.FakeResolver) {
	t.Helper()
	resolver := rawio.NewFakeResolver(sectorSize)
	return rawio.NewOSProvider(resolver, rawio.NopPreparer{}), resolver
}

func TestCopySingleRangeWholeFile(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.bin")
	dstPath := filepath.Join(dir, "dst.bin")

	payload := bytes.Repeat([]byte{0x42}, 8192)
	writeFile(t, srcPath, payload)
	writeFile(t, dstPath, make([]byte, 8192))

	provider, resolver := newProvider(t, 512)
	resolver.AddDisk(0, srcPath, int64(len(payload)))

	rh, err := provider.OpenDisk(0)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	defer rh.Close()
	wh, err := provider.OpenDiskForWrite(dstPath)
	if err != nil {
		t.Fatalf("OpenDiskForWrite: %v", err)
	}
	defer wh.Close()

	sources := []Source{{Range: model.CopyRange{Offset: 0, Length: uint64(len(payload))}, Read: rh}}
	res, err := Copy(context.Background(), sources, wh, Options{BufferSize: 2048})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if res.BytesRead != uint64(len(payload)) {
		t.Errorf("BytesRead = %d, want %d", res.BytesRead, len(payload))
	}
	if res.BytesWritten != uint64(len(payload)) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(payload))
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("destination content does not match source")
	}
}

func TestCopyZeroSkipMatchesNonSkipContent(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.bin")
	dstSkipPath := filepath.Join(dir, "dst_skip.bin")
	dstNoSkipPath := filepath.Join(dir, "dst_noskip.bin")

	payload := make([]byte, 4096) // all zero
	writeFile(t, srcPath, payload)
	writeFile(t, dstSkipPath, make([]byte, 4096))
	writeFile(t, dstNoSkipPath, make([]byte, 4096))

	provider, resolver := newProvider(t, 512)
	resolver.AddDisk(0, srcPath, int64(len(payload)))

	run := func(dstPath string, zeroSkip bool) Result {
		rh, err := provider.OpenDisk(0)
		if err != nil {
			t.Fatalf("OpenDisk: %v", err)
		}
		defer rh.Close()
		wh, err := provider.OpenDiskForWrite(dstPath)
		if err != nil {
			t.Fatalf("OpenDiskForWrite: %v", err)
		}
		defer wh.Close()

		sources := []Source{{Range: model.CopyRange{Offset: 0, Length: uint64(len(payload))}, Read: rh}}
		res, err := Copy(context.Background(), sources, wh, Options{BufferSize: 1024, ZeroSkip: zeroSkip})
		if err != nil {
			t.Fatalf("Copy: %v", err)
		}
		return res
	}

	skipRes := run(dstSkipPath, true)
	noSkipRes := run(dstNoSkipPath, false)

	if skipRes.SkippedZero != uint64(len(payload)) {
		t.Errorf("expected all bytes skipped, got SkippedZero=%d", skipRes.SkippedZero)
	}
	if noSkipRes.SkippedZero != 0 {
		t.Errorf("expected no bytes skipped in non-skip run, got %d", noSkipRes.SkippedZero)
	}
	if skipRes.BytesRead != noSkipRes.BytesRead {
		t.Errorf("BytesRead should count read bytes regardless of skip: %d vs %d", skipRes.BytesRead, noSkipRes.BytesRead)
	}

	skipContent, _ := os.ReadFile(dstSkipPath)
	noSkipContent, _ := os.ReadFile(dstNoSkipPath)
	if !bytes.Equal(skipContent, noSkipContent) {
		t.Fatal("zero-skip and non-skip destinations must have identical content on a zero-initialized target")
	}
}

func TestCopyCancellationStopsAndReturnsCancelled(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.bin")
	dstPath := filepath.Join(dir, "dst.bin")

	payload := bytes.Repeat([]byte{0x01}, 1<<20)
	writeFile(t, srcPath, payload)
	writeFile(t, dstPath, make([]byte, len(payload)))

	provider, resolver := newProvider(t, 512)
	resolver.AddDisk(0, srcPath, int64(len(payload)))

	rh, err := provider.OpenDisk(0)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	defer rh.Close()
	wh, err := provider.OpenDiskForWrite(dstPath)
	if err != nil {
		t.Fatalf("OpenDiskForWrite: %v", err)
	}
	defer wh.Close()

	cancel := progress.NewCancelHandle(context.Background())
	cancel.Cancel()

	sources := []Source{{Range: model.CopyRange{Offset: 0, Length: uint64(len(payload))}, Read: rh}}
	_, err = Copy(context.Background(), sources, wh, Options{BufferSize: 4096, Cancel: cancel})
	if _, ok := err.(progress.Cancelled); !ok {
		t.Fatalf("expected progress.Cancelled, got %v", err)
	}
}

func TestCopyUsesReadBaseOffsetForPartitionRelativeHandle(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "partition.bin")
	dstPath := filepath.Join(dir, "dst.bin")

	payload := bytes.Repeat([]byte{0x9}, 2048)
	writeFile(t, srcPath, payload)
	writeFile(t, dstPath, make([]byte, 10240))

	provider, resolver := newProvider(t, 512)
	resolver.AddPartition(0, 1, srcPath, int64(len(payload)))

	rh, err := provider.OpenPartition(0, 1)
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	defer rh.Close()
	wh, err := provider.OpenDiskForWrite(dstPath)
	if err != nil {
		t.Fatalf("OpenDiskForWrite: %v", err)
	}
	defer wh.Close()

	const partitionDiskOffset = 4096
	sources := []Source{{
		Range:          model.CopyRange{Offset: partitionDiskOffset, Length: uint64(len(payload))},
		Read:           rh,
		ReadBaseOffset: partitionDiskOffset,
	}}
	res, err := Copy(context.Background(), sources, wh, Options{BufferSize: 512})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if res.BytesWritten != uint64(len(payload)) {
		t.Fatalf("BytesWritten = %d, want %d", res.BytesWritten, len(payload))
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:partitionDiskOffset], make([]byte, partitionDiskOffset)) {
		t.Fatal("expected bytes before the partition offset to remain untouched")
	}
	if !bytes.Equal(got[partitionDiskOffset:partitionDiskOffset+len(payload)], payload) {
		t.Fatal("expected payload written at the device-absolute partition offset")
	}
}
