package spool

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// maxDepth is how many compression layers a bundle may be wrapped in.
const maxDepth = 2

// Decoder unpacks rule bundles: plain files, gzip or zstd streams, and tar
// archives inside either, with limits against oversized or bomb inputs.
type Decoder struct {
	maxFileSize          int64
	maxDecompressedSize  int64
	maxDecompressionRate int64
}

// NewDecoder creates a decoder with default limits.
func NewDecoder() *Decoder {
	return &Decoder{
		maxFileSize:          100 * 1024 * 1024,
		maxDecompressedSize:  500 * 1024 * 1024,
		maxDecompressionRate: 100,
	}
}

// WithLimits overrides the input size, decompressed size and maximum
// decompressed/compressed ratio.
func (d *Decoder) WithLimits(maxFileSize, maxDecompressedSize, maxRate int64) *Decoder {
	d.maxFileSize = maxFileSize
	d.maxDecompressedSize = maxDecompressedSize
	d.maxDecompressionRate = maxRate
	return d
}

// Bundle is an unpacked rule bundle.
type Bundle struct {
	// Dir holds the files. It is the input itself when a directory was given.
	Dir string
	// Files are paths of every regular file, sorted.
	Files []string
}

// Extract unpacks path into dest.
func (d *Decoder) Extract(path, dest string) (*Bundle, error) {
	return d.ExtractContext(context.Background(), path, dest)
}

// ExtractContext unpacks path into dest. A directory is used in place and
// dest is ignored. A tar archive is expanded; any other content is written as
// a single file named after path without its compression suffix.
func (d *Decoder) ExtractContext(ctx context.Context, path, dest string) (*Bundle, error) {
	if path == "" {
		return nil, errors.New("empty bundle path")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat bundle: %w", err)
	}
	if info.IsDir() {
		files, err := listFiles(path)
		if err != nil {
			return nil, err
		}
		return &Bundle{Dir: path, Files: files}, nil
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("bundle %s is empty", path)
	}
	if info.Size() > d.maxFileSize {
		return nil, fmt.Errorf("bundle %s too large: %d bytes (limit %d)", path, info.Size(), d.maxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	name := filepath.Base(path)
	for depth := 0; ; depth++ {
		var layer func([]byte) ([]byte, error)
		switch {
		case bytes.HasPrefix(data, gzipMagic):
			layer = d.gunzip
		case bytes.HasPrefix(data, zstdMagic):
			layer = d.unzstd
		}
		if layer == nil {
			break
		}
		if depth >= maxDepth {
			return nil, fmt.Errorf("bundle %s exceeds maximum compression depth %d", path, maxDepth)
		}
		if data, err = layer(data); err != nil {
			return nil, fmt.Errorf("bundle %s: %w", path, err)
		}
		name = stripCompressionExt(name)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create extract directory: %w", err)
	}

	if isTar(data) {
		if err := extractTar(ctx, data, dest); err != nil {
			return nil, err
		}
	} else if err := os.WriteFile(filepath.Join(dest, name), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}

	files, err := listFiles(dest)
	if err != nil {
		return nil, err
	}
	return &Bundle{Dir: dest, Files: files}, nil
}

func (d *Decoder) gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer r.Close()
	return d.readLimited(r, len(data))
}

func (d *Decoder) unzstd(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer r.Close()
	return d.readLimited(r, len(data))
}

func (d *Decoder) readLimited(r io.Reader, compressed int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, d.maxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if int64(len(out)) > d.maxDecompressedSize {
		return nil, fmt.Errorf("decompressed size exceeds %d bytes", d.maxDecompressedSize)
	}
	if compressed > 0 && int64(len(out))/int64(compressed) > d.maxDecompressionRate {
		return nil, fmt.Errorf("decompression ratio exceeds %d", d.maxDecompressionRate)
	}
	return out, nil
}

// isTar checks for the ustar magic at offset 257.
func isTar(data []byte) bool {
	return len(data) >= 262 && string(data[257:262]) == "ustar"
}

func extractTar(ctx context.Context, data []byte, dest string) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		clean := filepath.Clean(hdr.Name)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("tar entry %q escapes the bundle directory", hdr.Name)
		}
		target := filepath.Join(dest, clean)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create extract subdirectory: %w", err)
		}

		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create extract file: %w", err)
		}
		_, err = io.Copy(f, tr)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
	}
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func stripCompressionExt(name string) string {
	switch {
	case strings.HasSuffix(name, ".tgz"):
		return strings.TrimSuffix(name, ".tgz") + ".tar"
	case strings.HasSuffix(name, ".gz"):
		return strings.TrimSuffix(name, ".gz")
	case strings.HasSuffix(name, ".zst"):
		return strings.TrimSuffix(name, ".zst")
	}
	return name
}
