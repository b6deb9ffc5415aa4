package tree

import "testing"

func TestValidateDuplicateNames(t *testing.T) {
	root := NewFile("root", AttrDirectory)
	a := NewFile("FOO.TXT", 0)
	b := NewFile("foo.txt", 0)
	root.AddChild(a)
	root.AddChild(b)

	if err := Validate(root); err == nil {
		t.Fatal("expected case-insensitive duplicate name to be rejected")
	}
}

func TestValidateSelfChild(t *testing.T) {
	root := NewFile("root", AttrDirectory)
	root.Children = append(root.Children, root)

	if err := Validate(root); err == nil {
		t.Fatal("expected directory-is-its-own-child to be rejected")
	}
}

func TestValidateAcceptsDistinctNames(t *testing.T) {
	root := NewFile("root", AttrDirectory)
	root.AddChild(NewFile("a.txt", 0))
	sub := NewFile("sub", AttrDirectory)
	sub.AddChild(NewFile("b.txt", 0))
	root.AddChild(sub)

	if err := Validate(root); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStreamEmpty(t *testing.T) {
	if !(Stream{}).Empty() {
		t.Fatal("zero-value Stream should be Empty")
	}
	s := Stream{Hash: [20]byte{1}}
	if s.Empty() {
		t.Fatal("non-zero hash should not be Empty")
	}
}

func TestInternSecurityDescriptorDedup(t *testing.T) {
	img := &Image{}
	i1 := img.InternSecurityDescriptor([]byte("sd-a"))
	i2 := img.InternSecurityDescriptor([]byte("sd-b"))
	i3 := img.InternSecurityDescriptor([]byte("sd-a"))

	if i1 != i3 {
		t.Fatalf("identical descriptors got different indices: %d vs %d", i1, i3)
	}
	if i1 == i2 {
		t.Fatal("distinct descriptors got the same index")
	}
	if len(img.Security) != 2 {
		t.Fatalf("len(Security) = %d, want 2", len(img.Security))
	}
}

func TestWalkPreorder(t *testing.T) {
	root := NewFile("root", AttrDirectory)
	a := NewFile("a", AttrDirectory)
	b := NewFile("b", 0)
	root.AddChild(a)
	root.AddChild(b)
	a.AddChild(NewFile("a1", 0))

	var order []string
	root.Walk(func(d *Dentry) error {
		order = append(order, d.Name)
		return nil
	})

	want := []string{"root", "a", "a1", "b"}
	if len(order) != len(want) {
		t.Fatalf("Walk order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Walk order = %v, want %v", order, want)
		}
	}
}
