// Package verify implements the verification engine (C13): a sequential
// readability check and content hash of an image file, with a pre-check
// against the sidecar's expected allocated byte total.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/chronos-imaging/chronos/internal/chronoserr"
	"github.com/chronos-imaging/chronos/internal/sidecar"
)

// undersizedRatio is the spec.md §4.12 threshold: file_size/expected below
// this fails immediately, without reading the file.
const undersizedRatio = 0.75

const readChunkSize = 2 << 20

// Result reports the outcome of VerifyImage.
type Result struct {
	FileSizeBytes          int64
	ExpectedAllocatedBytes uint64
	Ratio                  float64
}

// VerifyImage performs spec.md §4.12's verify_image(path) check: if a
// sidecar is present with a positive expected_allocated_bytes, a ratio
// pre-check can fail fast before any read; otherwise (or once the ratio
// passes) the file is read sequentially to EOF in 2 MiB chunks.
func VerifyImage(path string) (Result, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Result{}, chronoserr.FromOSError("verify.VerifyImage", err)
	}
	if fi.Size() == 0 {
		return Result{}, chronoserr.New(chronoserr.KindImageUndersized, "verify.VerifyImage", fmt.Errorf("%s is empty", path))
	}

	res := Result{FileSizeBytes: fi.Size()}

	s, err := sidecar.Load(path)
	if err != nil {
		return res, chronoserr.New(chronoserr.KindCorruptSidecar, "verify.VerifyImage", err)
	}
	if s != nil && s.ExpectedAllocatedBytes > 0 {
		res.ExpectedAllocatedBytes = s.ExpectedAllocatedBytes
		res.Ratio = float64(fi.Size()) / float64(s.ExpectedAllocatedBytes)
		if res.Ratio < undersizedRatio {
			return res, chronoserr.New(chronoserr.KindImageUndersized, "verify.VerifyImage",
				fmt.Errorf("image undersized: %d bytes vs expected %d (ratio %.3f < %.2f)",
					fi.Size(), s.ExpectedAllocatedBytes, res.Ratio, undersizedRatio))
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return res, chronoserr.FromOSError("verify.VerifyImage", err)
	}
	defer f.Close()

	buf := make([]byte, readChunkSize)
	for {
		_, err := f.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, chronoserr.New(chronoserr.KindDeviceIoError, "verify.VerifyImage", fmt.Errorf("read %s: %w", path, err))
		}
	}

	return res, nil
}

// ComputeHash returns the lowercase hex SHA-256 digest of the file's bytes.
func ComputeHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", chronoserr.FromOSError("verify.ComputeHash", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", chronoserr.New(chronoserr.KindDeviceIoError, "verify.ComputeHash", fmt.Errorf("hash %s: %w", path, err))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
