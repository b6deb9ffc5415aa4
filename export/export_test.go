package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliercoder/go-cpio"

	"github.com/gowim/wim"
	"github.com/gowim/wim/blobtable"
	"github.com/gowim/wim/capture"
)

func buildImage(t *testing.T) (*capture.Result, *blobtable.Table) {
	t.Helper()
	dir, err := ioutil.TempDir("", "wim-export-src")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	if err := ioutil.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("bravo"), 0o644); err != nil {
		t.Fatal(err)
	}

	blobs := blobtable.New()
	result, err := capture.CaptureImage(context.Background(), &capture.PosixSource{Base: dir}, "", capture.Config{}, blobs)
	if err != nil {
		t.Fatal(err)
	}
	return result, blobs
}

// readBlobFromPending builds a BlobReader backed directly by the
// capture result's pending blobs, avoiding the need for a full
// archive round trip just to exercise the export walk.
func readBlobFromPending(result *capture.Result) BlobReader {
	content := make(map[wim.SHA1][]byte)
	for _, pb := range result.Pending {
		r, err := pb.Open()
		if err != nil {
			continue
		}
		data, _ := io.ReadAll(r)
		r.Close()
		content[pb.Hash] = data
	}
	return func(hash wim.SHA1) ([]byte, error) {
		return content[hash], nil
	}
}

func TestExportCPIO(t *testing.T) {
	result, _ := buildImage(t)
	readBlob := readBlobFromPending(result)

	var buf bytes.Buffer
	if err := ExportCPIO(result.Image.Root, readBlob, &buf); err != nil {
		t.Fatal(err)
	}

	r := cpio.NewReader(&buf)
	names := make(map[string]string)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		names[hdr.Name] = string(data)
	}

	if names["a.txt"] != "alpha" {
		t.Fatalf("a.txt = %q, want %q", names["a.txt"], "alpha")
	}
	if names["sub/b.txt"] != "bravo" {
		t.Fatalf("sub/b.txt = %q, want %q", names["sub/b.txt"], "bravo")
	}
}

func TestExportTarGZ(t *testing.T) {
	result, _ := buildImage(t)
	readBlob := readBlobFromPending(result)

	var buf bytes.Buffer
	if err := ExportTarGZ(result.Image.Root, readBlob, &buf); err != nil {
		t.Fatal(err)
	}

	gz, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)

	names := make(map[string]string)
	var sawDir bool
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeDir {
			sawDir = true
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		names[hdr.Name] = string(data)
	}

	if !sawDir {
		t.Fatal("expected a directory entry for sub/")
	}
	if names["a.txt"] != "alpha" {
		t.Fatalf("a.txt = %q, want %q", names["a.txt"], "alpha")
	}
	if names["sub/b.txt"] != "bravo" {
		t.Fatalf("sub/b.txt = %q, want %q", names["sub/b.txt"], "bravo")
	}
}
