package spool

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const sampleRule = `alert tcp any any -> any any (msg:"test"; sid:1000001; rev:1; classtype:bad-unknown;)` + "\n"

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	if _, err := gzWriter.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := gzWriter.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNewDecoder(t *testing.T) {
	d := NewDecoder()
	if d.maxFileSize != 100*1024*1024 {
		t.Errorf("Expected maxFileSize 100MB, got %d", d.maxFileSize)
	}
	if d.maxDecompressedSize != 500*1024*1024 {
		t.Errorf("Expected maxDecompressedSize 500MB, got %d", d.maxDecompressedSize)
	}
	if d.maxDecompressionRate != 100 {
		t.Errorf("Expected maxDecompressionRate 100, got %d", d.maxDecompressionRate)
	}

	d = NewDecoder().WithLimits(10, 50, 5)
	if d.maxFileSize != 10 || d.maxDecompressedSize != 50 || d.maxDecompressionRate != 5 {
		t.Errorf("WithLimits not applied: %+v", d)
	}
}

func TestExtractRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.rules")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	large := filepath.Join(dir, "large.rules")
	if err := os.WriteFile(large, make([]byte, 200), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		d    *Decoder
		path string
	}{
		{"empty path", NewDecoder(), ""},
		{"nonexistent", NewDecoder(), "/nonexistent/file"},
		{"empty file", NewDecoder(), empty},
		{"too large", NewDecoder().WithLimits(100, 1000, 100), large},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.d.Extract(tt.path, t.TempDir()); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestExtractPlainRuleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "local.rules")
	if err := os.WriteFile(src, []byte(sampleRule), 0644); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	b, err := NewDecoder().Extract(src, dest)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(b.Files) != 1 || filepath.Base(b.Files[0]) != "local.rules" {
		t.Fatalf("Expected local.rules, got %v", b.Files)
	}
}

func TestExtractGzipTarball(t *testing.T) {
	data := gzipBytes(t, buildTar(t, map[string]string{
		"rules/classification.config": "config classification: misc,Misc,3\n",
		"rules/local.rules":           sampleRule,
	}))
	src := filepath.Join(t.TempDir(), "community.tar.gz")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	b, err := NewDecoder().Extract(src, dest)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(b.Files) != 2 {
		t.Fatalf("Expected 2 files, got %v", b.Files)
	}
	content, err := os.ReadFile(filepath.Join(dest, "rules", "local.rules"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != sampleRule {
		t.Errorf("Content mismatch: got %q", content)
	}
}

func TestExtractZstdSingleFile(t *testing.T) {
	var buf bytes.Buffer
	zstdWriter, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zstdWriter.Write([]byte(sampleRule)); err != nil {
		t.Fatal(err)
	}
	if err := zstdWriter.Close(); err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "emerging.rules.zst")
	if err := os.WriteFile(src, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := NewDecoder().Extract(src, t.TempDir())
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(b.Files) != 1 || filepath.Base(b.Files[0]) != "emerging.rules" {
		t.Errorf("Expected emerging.rules, got %v", b.Files)
	}
}

func TestExtractDirectoryInPlace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.rules"), []byte(sampleRule), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := NewDecoder().Extract(dir, "")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if b.Dir != dir || len(b.Files) != 1 {
		t.Errorf("Unexpected bundle: %+v", b)
	}
}

func TestExtractDecompressionBomb(t *testing.T) {
	d := NewDecoder().WithLimits(10*1024*1024, 1024, 10)
	src := filepath.Join(t.TempDir(), "bomb.gz")
	if err := os.WriteFile(src, gzipBytes(t, make([]byte, 2048)), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Extract(src, t.TempDir()); err == nil {
		t.Error("Expected error for decompression bomb")
	}
}

func TestExtractMaxDepth(t *testing.T) {
	data := []byte(sampleRule)
	for i := 0; i < 3; i++ {
		data = gzipBytes(t, data)
	}
	src := filepath.Join(t.TempDir(), "triple.gz")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewDecoder().Extract(src, t.TempDir()); err == nil {
		t.Error("Expected error for maximum depth exceeded")
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	data := buildTar(t, map[string]string{"../evil.rules": sampleRule})
	src := filepath.Join(t.TempDir(), "evil.tar")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewDecoder().Extract(src, t.TempDir()); err == nil {
		t.Error("Expected error for path traversal")
	}
}

func TestExtractContextCancelled(t *testing.T) {
	src := filepath.Join(t.TempDir(), "local.rules")
	if err := os.WriteFile(src, []byte(sampleRule), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDecoder().ExtractContext(ctx, src, t.TempDir())
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled error, got %v", err)
	}
}
