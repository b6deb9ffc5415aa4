package archive

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/gowim/wim"
	"github.com/gowim/wim/apply"
	"github.com/gowim/wim/blobtable"
	"github.com/gowim/wim/capture"
)

// buildSourceTree populates dir with a small, varied file-system
// layout: a regular file, a duplicate-content file (exercising
// dedup), a subdirectory, and a symlink.
func buildSourceTree(t *testing.T, dir string) {
	t.Helper()
	if err := ioutil.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello, wim"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "dup.txt"), []byte("hello, wim"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "empty.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello.txt", filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}
}

func captureAndWrite(t *testing.T, ctx context.Context, srcDir, archivePath string, codec wim.Codec) {
	t.Helper()
	blobs := blobtable.New()
	result, err := capture.CaptureImage(ctx, &capture.PosixSource{Base: srcDir}, "", capture.Config{}, blobs)
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	aw, err := Create(f, codec, blobs)
	if err != nil {
		t.Fatal(err)
	}
	for _, pb := range result.Pending {
		r, err := pb.Open()
		if err != nil {
			t.Fatal(err)
		}
		if err := aw.WriteBlob(pb.Hash, r); err != nil {
			t.Fatal(err)
		}
		r.Close()
	}
	if err := aw.AddImage(result.Image); err != nil {
		t.Fatal(err)
	}
	if err := aw.Finish(1); err != nil {
		t.Fatal(err)
	}
}

func TestCaptureArchiveApplyRoundTrip(t *testing.T) {
	ctx := context.Background()

	srcDir, err := ioutil.TempDir("", "wim-src")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(srcDir)
	buildSourceTree(t, srcDir)

	archiveDir, err := ioutil.TempDir("", "wim-archive")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(archiveDir)
	archivePath := filepath.Join(archiveDir, "test.wim")

	captureAndWrite(t, ctx, srcDir, archivePath, wim.CodecLZX)

	ar, err := Open(archivePath, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer ar.Close()

	if ar.Header.ImageCount != 1 {
		t.Fatalf("ImageCount = %d, want 1", ar.Header.ImageCount)
	}
	if len(ar.Images) != 1 {
		t.Fatalf("len(Images) = %d, want 1", len(ar.Images))
	}
	// hello.txt and dup.txt share content (one blob, refcount 2);
	// sub/nested.txt and the "link" symlink's reparse target are two
	// more distinct blobs. empty.txt contributes none. The image's
	// metadata resource is a fourth blob-table entry.
	if ar.Blobs.Len() != 4 {
		t.Fatalf("Blobs.Len() = %d, want 4 (dedup across hello.txt/dup.txt, plus metadata)", ar.Blobs.Len())
	}

	destDir, err := ioutil.TempDir("", "wim-dest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(destDir)

	target := &apply.PosixTarget{Root: destDir}
	warnings, err := apply.ApplyImage(ctx, ar.Images[0], ar.Blobs, ar.ReadBlob, target, apply.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	checkFile := func(name string, want []byte) {
		t.Helper()
		got, err := ioutil.ReadFile(filepath.Join(destDir, name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%s content = %q, want %q", name, got, want)
		}
	}
	checkFile("hello.txt", []byte("hello, wim"))
	checkFile("dup.txt", []byte("hello, wim"))
	checkFile("sub/nested.txt", []byte("nested content"))
	checkFile("empty.txt", []byte{})

	linkTarget, err := os.Readlink(filepath.Join(destDir, "link"))
	if err != nil {
		t.Fatal(err)
	}
	if linkTarget != "hello.txt" {
		t.Fatalf("link target = %q, want %q", linkTarget, "hello.txt")
	}

	if _, err := os.Stat(filepath.Join(destDir, "sub")); err != nil {
		t.Fatalf("sub directory missing: %v", err)
	}
}

func TestOpenRejectsUnresolvedStreamHash(t *testing.T) {
	ctx := context.Background()

	srcDir, err := ioutil.TempDir("", "wim-src-corrupt")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(srcDir)
	buildSourceTree(t, srcDir)

	archiveDir, err := ioutil.TempDir("", "wim-archive-corrupt")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(archiveDir)
	archivePath := filepath.Join(archiveDir, "corrupt.wim")

	blobs := blobtable.New()
	result, err := capture.CaptureImage(ctx, &capture.PosixSource{Base: srcDir}, "", capture.Config{}, blobs)
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt a stream hash so it no longer resolves against the blob
	// table: no blob with this hash is ever written.
	var bogus wim.SHA1
	bogus[0] = 0xff
	result.Image.Root.Children[0].Inode.Unnamed.Hash = bogus

	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	aw, err := Create(f, wim.CodecLZX, blobs)
	if err != nil {
		t.Fatal(err)
	}
	for _, pb := range result.Pending {
		r, err := pb.Open()
		if err != nil {
			t.Fatal(err)
		}
		if err := aw.WriteBlob(pb.Hash, r); err != nil {
			t.Fatal(err)
		}
		r.Close()
	}
	if err := aw.AddImage(result.Image); err != nil {
		t.Fatal(err)
	}
	if err := aw.Finish(1); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = Open(archivePath, 4)
	if err == nil {
		t.Fatal("expected Open to reject an unresolved stream hash")
	}
	var werr *wim.Error
	if !errors.As(err, &werr) || werr.Kind != wim.ErrInvalidMetadata {
		t.Fatalf("err = %v, want *wim.Error{Kind: ErrInvalidMetadata}", err)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir, err := ioutil.TempDir("", "wim-bad")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "bad.wim")
	if err := ioutil.WriteFile(path, make([]byte, wim.HeaderSize), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, 1); err == nil {
		t.Fatal("expected error opening a file with no magic tag")
	}
}
