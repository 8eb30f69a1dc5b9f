// Package codec implements the streaming compression capability (C6). It
// wraps two backends from the ecosystem rather than hand-rolling a format:
// zstd for the default effort range and xz for the top of the published
// range, where a slower, higher-ratio backend is worth the trade.
package codec

import (
	"bufio"
	"fmt"
	"io"

	"github.com/chronos-imaging/chronos/internal/chronoserr"
	"github.com/chronos-imaging/chronos/internal/progress"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// MaxLevel is the highest level callers may pass to Compress. Levels 1 to
// zstdMaxLevel use the zstd backend; every level above it uses xz instead.
const MaxLevel = 12

const zstdMaxLevel = 4 // EncoderLevelFromZstd maps 1-2 to SpeedFastest, 3-4 to SpeedDefault

// Codec streams bytes through a compressor or decompressor, checking the
// cancel handle at each internal buffer boundary rather than only at
// Compress/Decompress call granularity, so a cancel during a large stream
// still unwinds promptly.
type Codec struct {
	bufSize int
}

// New returns a Codec with the given internal copy buffer size (bytes).
func New(bufSize int) *Codec {
	if bufSize <= 0 {
		bufSize = 1024 * 1024
	}
	return &Codec{bufSize: bufSize}
}

// Compress streams in to out through the backend selected by level.
// level == 0 must never reach here: callers treat 0 as "do not engage the
// codec" and skip calling Compress entirely.
func (c *Codec) Compress(in io.Reader, out io.Writer, level int, cancel *progress.CancelHandle) error {
	if level <= 0 {
		return chronoserr.New(chronoserr.KindInvalidParameter, "codec.Compress", fmt.Errorf("level %d must be >= 1", level))
	}
	if level > zstdMaxLevel {
		return c.compressXZ(in, out, cancel)
	}
	return c.compressZstd(in, out, level, cancel)
}

// Decompress auto-detects which backend produced the stream by its magic
// bytes and streams in to out through the matching reader.
func (c *Codec) Decompress(in io.Reader, out io.Writer, cancel *progress.CancelHandle) error {
	br := bufio.NewReaderSize(in, 16)
	magic, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return chronoserr.New(chronoserr.KindDeviceIoError, "codec.Decompress", err)
	}
	if isZstdMagic(magic) {
		return c.decompressZstd(br, out, cancel)
	}
	return c.decompressXZ(br, out, cancel)
}

func (c *Codec) compressZstd(in io.Reader, out io.Writer, level int, cancel *progress.CancelHandle) error {
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return chronoserr.New(chronoserr.KindDeviceIoError, "codec.compressZstd", err)
	}
	if err := c.copyChecked(enc, in, cancel); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return chronoserr.New(chronoserr.KindDeviceIoError, "codec.compressZstd", err)
	}
	return nil
}

func (c *Codec) decompressZstd(in io.Reader, out io.Writer, cancel *progress.CancelHandle) error {
	dec, err := zstd.NewReader(in)
	if err != nil {
		return chronoserr.New(chronoserr.KindDeviceIoError, "codec.decompressZstd", err)
	}
	defer dec.Close()
	return c.copyChecked(out, dec, cancel)
}

func (c *Codec) compressXZ(in io.Reader, out io.Writer, cancel *progress.CancelHandle) error {
	w, err := xz.NewWriter(out)
	if err != nil {
		return chronoserr.New(chronoserr.KindDeviceIoError, "codec.compressXZ", err)
	}
	if err := c.copyChecked(w, in, cancel); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return chronoserr.New(chronoserr.KindDeviceIoError, "codec.compressXZ", err)
	}
	return nil
}

func (c *Codec) decompressXZ(in io.Reader, out io.Writer, cancel *progress.CancelHandle) error {
	r, err := xz.NewReader(in)
	if err != nil {
		return chronoserr.New(chronoserr.KindDeviceIoError, "codec.decompressXZ", err)
	}
	return c.copyChecked(out, r, cancel)
}

// copyChecked is an io.Copy with fixed buffer size and a cancellation
// checkpoint at each buffer boundary.
func (c *Codec) copyChecked(dst io.Writer, src io.Reader, cancel *progress.CancelHandle) error {
	buf := make([]byte, c.bufSize)
	for {
		if cancel != nil {
			if err := cancel.Check(); err != nil {
				return err
			}
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return chronoserr.New(chronoserr.KindDeviceIoError, "codec.copyChecked", werr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return chronoserr.New(chronoserr.KindDeviceIoError, "codec.copyChecked", rerr)
		}
	}
}

func isZstdMagic(b []byte) bool {
	return len(b) >= 4 && b[0] == 0x28 && b[1] == 0xB5 && b[2] == 0x2F && b[3] == 0xFD
}
