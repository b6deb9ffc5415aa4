package metadata

import (
	"testing"

	"github.com/gowim/wim"
	"github.com/gowim/wim/tree"
)

func sha1Of(b byte) wim.SHA1 {
	var h wim.SHA1
	h[0] = b
	return h
}

func alwaysResolve(wim.SHA1) bool { return true }

func TestRoundTripBasicTree(t *testing.T) {
	root := tree.NewFile("", tree.AttrDirectory)
	file := tree.NewFile("hello.txt", tree.AttrNormal)
	file.Inode.Unnamed = tree.Stream{Hash: sha1Of(1)}
	sub := tree.NewFile("sub", tree.AttrDirectory)
	nested := tree.NewFile("nested.txt", tree.AttrNormal)
	nested.Inode.Unnamed = tree.Stream{Hash: sha1Of(2)}
	sub.AddChild(nested)
	root.AddChild(file)
	root.AddChild(sub)

	img := &tree.Image{Root: root}
	data, err := Marshal(img)
	if err != nil {
		t.Fatal(err)
	}

	got, _, err := Unmarshal(data, alwaysResolve, PolicyWarn)
	if err != nil {
		t.Fatal(err)
	}

	if len(got.Root.Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(got.Root.Children))
	}
	var gotFile, gotSub *tree.Dentry
	for _, c := range got.Root.Children {
		switch c.Name {
		case "hello.txt":
			gotFile = c
		case "sub":
			gotSub = c
		}
	}
	if gotFile == nil || gotFile.Inode.Unnamed.Hash != sha1Of(1) {
		t.Fatalf("hello.txt missing or wrong hash: %+v", gotFile)
	}
	if gotSub == nil || !gotSub.Inode.Attributes.IsDir() {
		t.Fatalf("sub missing or not a directory: %+v", gotSub)
	}
	if len(gotSub.Children) != 1 || gotSub.Children[0].Name != "nested.txt" {
		t.Fatalf("sub.Children = %+v, want [nested.txt]", gotSub.Children)
	}
	if gotSub.Children[0].Inode.Unnamed.Hash != sha1Of(2) {
		t.Fatalf("nested.txt hash mismatch")
	}
}

func TestRoundTripHardLink(t *testing.T) {
	root := tree.NewFile("", tree.AttrDirectory)
	a := tree.NewFile("a.txt", tree.AttrNormal)
	a.Inode.Unnamed = tree.Stream{Hash: sha1Of(7)}
	b := &tree.Dentry{Name: "b.txt"}
	a.Inode.AddDentry(b)
	root.AddChild(a)
	root.AddChild(b)

	img := &tree.Image{Root: root}
	data, err := Marshal(img)
	if err != nil {
		t.Fatal(err)
	}

	got, _, err := Unmarshal(data, alwaysResolve, PolicyWarn)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Root.Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(got.Root.Children))
	}
	if got.Root.Children[0].Inode != got.Root.Children[1].Inode {
		t.Fatal("hard-linked dentries did not reconstruct to the same inode")
	}
	if len(got.Root.Children[0].Inode.Dentries) != 2 {
		t.Fatalf("inode has %d dentries, want 2", len(got.Root.Children[0].Inode.Dentries))
	}
}

func TestRoundTripReparseAndADS(t *testing.T) {
	root := tree.NewFile("", tree.AttrDirectory)
	link := tree.NewFile("link", tree.AttrReparsePoint)
	link.Inode.ReparseTag = 0xA000000C
	link.Inode.ReparseStream = tree.Stream{Hash: sha1Of(9)}

	withADS := tree.NewFile("data.txt", tree.AttrNormal)
	withADS.Inode.Unnamed = tree.Stream{Hash: sha1Of(3)}
	withADS.Inode.Named = []tree.Stream{{Name: "meta", Hash: sha1Of(4)}}

	root.AddChild(link)
	root.AddChild(withADS)

	img := &tree.Image{Root: root}
	data, err := Marshal(img)
	if err != nil {
		t.Fatal(err)
	}

	got, _, err := Unmarshal(data, alwaysResolve, PolicyWarn)
	if err != nil {
		t.Fatal(err)
	}

	var gotLink, gotData *tree.Dentry
	for _, c := range got.Root.Children {
		switch c.Name {
		case "link":
			gotLink = c
		case "data.txt":
			gotData = c
		}
	}
	if gotLink == nil || !gotLink.Inode.Attributes.IsReparsePoint() {
		t.Fatalf("link missing or not a reparse point: %+v", gotLink)
	}
	if gotLink.Inode.ReparseTag != 0xA000000C || gotLink.Inode.ReparseStream.Hash != sha1Of(9) {
		t.Fatalf("reparse data mismatch: %+v", gotLink.Inode)
	}
	if gotData == nil || len(gotData.Inode.Named) != 1 || gotData.Inode.Named[0].Name != "meta" {
		t.Fatalf("ADS missing or wrong: %+v", gotData)
	}
	if gotData.Inode.Named[0].Hash != sha1Of(4) {
		t.Fatal("ADS hash mismatch")
	}
}

func TestRoundTripSecurityTable(t *testing.T) {
	root := tree.NewFile("", tree.AttrDirectory)
	f := tree.NewFile("f.txt", tree.AttrNormal)
	root.AddChild(f)

	img := &tree.Image{Root: root}
	i0 := img.InternSecurityDescriptor([]byte("descriptor-one"))
	i1 := img.InternSecurityDescriptor([]byte("descriptor-two"))
	root.Inode.SecurityID = i0
	f.Inode.SecurityID = i1

	data, err := Marshal(img)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := Unmarshal(data, alwaysResolve, PolicyWarn)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Security) != 2 {
		t.Fatalf("len(Security) = %d, want 2", len(got.Security))
	}
	if string(got.Security[i0]) != "descriptor-one" || string(got.Security[i1]) != "descriptor-two" {
		t.Fatalf("security table contents mismatch: %v", got.Security)
	}
	if got.Root.Inode.SecurityID != i0 {
		t.Fatalf("root SecurityID = %d, want %d", got.Root.Inode.SecurityID, i0)
	}
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	if _, _, err := Unmarshal([]byte{1, 2, 3}, alwaysResolve, PolicyWarn); err == nil {
		t.Fatal("expected error for too-short resource")
	}
}
