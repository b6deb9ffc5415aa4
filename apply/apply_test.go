package apply

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/gowim/wim"
	"github.com/gowim/wim/blobtable"
	"github.com/gowim/wim/tree"
)

func sha1Byte(b byte) wim.SHA1 {
	var h wim.SHA1
	h[0] = b
	return h
}

func blobReaderFor(content map[wim.SHA1][]byte) BlobReader {
	return func(hash wim.SHA1) ([]byte, error) {
		return content[hash], nil
	}
}

func TestApplyImageHardLink(t *testing.T) {
	dir, err := ioutil.TempDir("", "wim-apply-hardlink")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	root := tree.NewFile("", tree.AttrDirectory)
	a := tree.NewFile("a.txt", tree.AttrNormal)
	a.Inode.Unnamed = tree.Stream{Hash: sha1Byte(1)}
	b := &tree.Dentry{Name: "b.txt"}
	a.Inode.AddDentry(b)
	root.AddChild(a)
	root.AddChild(b)

	img := &tree.Image{Root: root}
	readBlob := blobReaderFor(map[wim.SHA1][]byte{sha1Byte(1): []byte("linked")})

	warnings, err := ApplyImage(context.Background(), img, blobtable.New(), readBlob, &PosixTarget{Root: dir}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	st1, err := os.Stat(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	st2, err := os.Stat(filepath.Join(dir, "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(st1, st2) {
		t.Fatal("a.txt and b.txt are not the same file on disk")
	}
}

func TestApplyImageUnsupportedFeatureWarns(t *testing.T) {
	dir, err := ioutil.TempDir("", "wim-apply-ads")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	root := tree.NewFile("", tree.AttrDirectory)
	f := tree.NewFile("f.txt", tree.AttrNormal)
	f.Inode.Named = []tree.Stream{{Name: "meta", Hash: sha1Byte(2)}}
	root.AddChild(f)
	img := &tree.Image{Root: root}

	readBlob := blobReaderFor(map[wim.SHA1][]byte{sha1Byte(2): []byte("ads content")})

	warnings, err := ApplyImage(context.Background(), img, blobtable.New(), readBlob, &PosixTarget{Root: dir}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 || warnings[0].Kind != "UnsupportedFeature" {
		t.Fatalf("warnings = %+v, want one UnsupportedFeature warning", warnings)
	}
}

func TestApplyImageStrictModeFailsOnUnsupportedFeature(t *testing.T) {
	dir, err := ioutil.TempDir("", "wim-apply-strict")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	root := tree.NewFile("", tree.AttrDirectory)
	f := tree.NewFile("f.txt", tree.AttrNormal)
	f.Inode.Named = []tree.Stream{{Name: "meta", Hash: sha1Byte(2)}}
	root.AddChild(f)
	img := &tree.Image{Root: root}

	readBlob := blobReaderFor(map[wim.SHA1][]byte{sha1Byte(2): []byte("ads content")})

	_, err = ApplyImage(context.Background(), img, blobtable.New(), readBlob, &PosixTarget{Root: dir}, Options{Strict: true})
	if err == nil {
		t.Fatal("expected an error in strict mode for an unsupported feature")
	}
}

func TestApplyImageDedupedBlobWrittenOnce(t *testing.T) {
	dir, err := ioutil.TempDir("", "wim-apply-dedup")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	root := tree.NewFile("", tree.AttrDirectory)
	a := tree.NewFile("a.txt", tree.AttrNormal)
	a.Inode.Unnamed = tree.Stream{Hash: sha1Byte(3)}
	b := tree.NewFile("b.txt", tree.AttrNormal)
	b.Inode.Unnamed = tree.Stream{Hash: sha1Byte(3)}
	root.AddChild(a)
	root.AddChild(b)
	img := &tree.Image{Root: root}

	var reads int
	readBlob := func(hash wim.SHA1) ([]byte, error) {
		reads++
		return []byte("shared"), nil
	}

	warnings, err := ApplyImage(context.Background(), img, blobtable.New(), readBlob, &PosixTarget{Root: dir}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if reads != 1 {
		t.Fatalf("readBlob called %d times, want 1 (blob shared by two dentries)", reads)
	}

	for _, name := range []string{"a.txt", "b.txt"} {
		got, err := ioutil.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, []byte("shared")) {
			t.Fatalf("%s content = %q, want %q", name, got, "shared")
		}
	}
}

func TestApplyImageCancellation(t *testing.T) {
	dir, err := ioutil.TempDir("", "wim-apply-cancel")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	root := tree.NewFile("", tree.AttrDirectory)
	img := &tree.Image{Root: root}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = ApplyImage(ctx, img, blobtable.New(), blobReaderFor(nil), &PosixTarget{Root: dir}, Options{})
	if err == nil {
		t.Fatal("expected an error from an already-cancelled context")
	}
}
