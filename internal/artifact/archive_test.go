package artifact

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestArchiveDirectoryRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "output")
	writeFile(t, filepath.Join(src, "seqs.fastq"), "ACGT")
	writeFile(t, filepath.Join(src, "logs", "run.log"), "demultiplexing done")

	tarball := filepath.Join(dir, "output.tar.gz")
	if err := archiveTarGz(src, tarball); err != nil {
		t.Fatalf("archiveTarGz() error: %v", err)
	}

	dest := filepath.Join(dir, "restored")
	if err := extractTarGz(tarball, dest); err != nil {
		t.Fatalf("extractTarGz() error: %v", err)
	}

	if got := readFile(t, filepath.Join(dest, "seqs.fastq")); got != "ACGT" {
		t.Errorf("seqs.fastq = %q", got)
	}
	if got := readFile(t, filepath.Join(dest, "logs", "run.log")); got != "demultiplexing done" {
		t.Errorf("run.log = %q", got)
	}
}

func TestArchiveSingleFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "seqs.fastq")
	writeFile(t, src, "ACGT")

	tarball := filepath.Join(dir, "seqs.tar.gz")
	if err := archiveTarGz(src, tarball); err != nil {
		t.Fatalf("archiveTarGz() error: %v", err)
	}

	dest := filepath.Join(dir, "restored")
	if err := extractTarGz(tarball, dest); err != nil {
		t.Fatalf("extractTarGz() error: %v", err)
	}
	if got := readFile(t, filepath.Join(dest, "seqs.fastq")); got != "ACGT" {
		t.Errorf("extracted content = %q", got)
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tarball := filepath.Join(dir, "evil.tar.gz")

	f, err := os.Create(tarball)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := "pwned"
	if err := tw.WriteHeader(&tar.Header{
		Name:     "../escape.txt",
		Mode:     0o644,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatalf("write body: %v", err)
	}
	tw.Close()
	gz.Close()
	f.Close()

	err = extractTarGz(tarball, filepath.Join(dir, "dest"))
	if err == nil || !strings.Contains(err.Error(), "invalid path") {
		t.Errorf("extractTarGz() error = %v, want invalid path rejection", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "escape.txt")); statErr == nil {
		t.Error("escaping entry was written outside dest")
	}
}
