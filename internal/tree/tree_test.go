package tree

import (
	"errors"
	"io"
	"testing"
)

// mkdirPath creates the directory at an absolute path whose parent exists.
func mkdirPath(tr *Tree, path string) (Handle, error) {
	comps, err := SplitPath(path)
	if err != nil {
		return NoHandle, err
	}
	if len(comps) == 0 {
		return NoHandle, ErrAlreadyExists
	}
	parent, err := tr.walk(comps[:len(comps)-1])
	if err != nil {
		return NoHandle, err
	}
	return tr.Mkdir(parent, comps[len(comps)-1])
}

func buildSample(t *testing.T) *Tree {
	t.Helper()
	tr := New()
	for _, p := range []string{"/dir", "/dir/sub", "/other"} {
		if _, err := mkdirPath(tr, p); err != nil {
			t.Fatalf("mkdirPath(%q): %v", p, err)
		}
	}
	dir, _ := tr.Resolve("/dir")
	if _, err := tr.Mkfile(dir, "b.txt", 5, Bytes("hello")); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	return tr
}

func TestResolve(t *testing.T) {
	tr := buildSample(t)

	tests := []struct {
		path  string
		found bool
	}{
		{"/", true},
		{"/dir", true},
		{"/dir/sub", true},
		{"/dir/b.txt", true},
		{"/other", true},
		{"/nonexistent", false},
		{"/dir/b.txt/x", false},
		{"/dir/.", false},
		{"/dir/..", false},
		{"dir", false},
		{"", false},
	}

	for _, tt := range tests {
		h, ok := tr.Resolve(tt.path)
		if ok != tt.found {
			t.Errorf("Resolve(%q) found=%v, want %v", tt.path, ok, tt.found)
		}
		if ok && tt.path != "/" && tr.Path(h) != tt.path {
			t.Errorf("Path(Resolve(%q)) = %q", tt.path, tr.Path(h))
		}
	}
}

func TestWalkErrors(t *testing.T) {
	tr := buildSample(t)

	tests := []struct {
		path string
		want error
	}{
		{"/missing", ErrNotFound},
		{"/dir/b.txt/x", ErrNotDirectory},
		{"relative", ErrInvalidPath},
		{"/a//b", ErrInvalidPath},
	}
	for _, tt := range tests {
		_, err := tr.Walk(tt.path)
		if !errors.Is(err, tt.want) {
			t.Errorf("Walk(%q) error = %v, want %v", tt.path, err, tt.want)
		}
		var te *Error
		if !errors.As(err, &te) || te.Op != "resolve" {
			t.Errorf("Walk(%q) error %v is not a resolve *Error", tt.path, err)
		}
	}
}

func TestRootInode(t *testing.T) {
	tr := New()
	root := tr.Node(tr.Root())
	if root.Inode != RootInode {
		t.Errorf("root inode = %d, want %d", root.Inode, RootInode)
	}
	if !root.IsDir() {
		t.Error("root should be a directory")
	}
	if tr.Parent(tr.Root()) != tr.Root() {
		t.Error("root should be its own parent")
	}
	if tr.NextInode() != RootInode+1 {
		t.Errorf("NextInode() = %d, want %d", tr.NextInode(), RootInode+1)
	}
}

func TestInodesAreSequentialAndIndexed(t *testing.T) {
	tr := New()
	var want uint64 = 2
	for _, name := range []string{"a", "b", "c"} {
		h, err := tr.Mkdir(tr.Root(), name)
		if err != nil {
			t.Fatalf("Mkdir(%q): %v", name, err)
		}
		if got := tr.Node(h).Inode; got != want {
			t.Errorf("Mkdir(%q) inode = %d, want %d", name, got, want)
		}
		if ih, ok := tr.ByInode(want); !ok || ih != h {
			t.Errorf("ByInode(%d) = %d,%v, want %d", want, ih, ok, h)
		}
		want++
	}
	if tr.Len() != 4 {
		t.Errorf("Len() = %d, want 4", tr.Len())
	}
	if err := tr.Check(); err != nil {
		t.Errorf("Check() = %v", err)
	}
}

func TestMkdirErrors(t *testing.T) {
	tr := buildSample(t)
	next := tr.NextInode()

	tests := []struct {
		path string
		want error
	}{
		{"/dir", ErrAlreadyExists},
		{"/missing/x", ErrNotFound},
		{"/dir/b.txt/x", ErrNotDirectory},
		{"/", ErrAlreadyExists},
		{"rel", ErrInvalidPath},
	}
	for _, tt := range tests {
		if _, err := mkdirPath(tr, tt.path); !errors.Is(err, tt.want) {
			t.Errorf("mkdirPath(%q) error = %v, want %v", tt.path, err, tt.want)
		}
	}
	if tr.NextInode() != next {
		t.Errorf("failed mkdirs consumed inodes: next %d, want %d", tr.NextInode(), next)
	}

	for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
		if _, err := tr.Mkdir(tr.Root(), name); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Mkdir(root, %q) error = %v, want ErrInvalidPath", name, err)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	tr := buildSample(t)
	dir, _ := tr.Resolve("/dir")

	h1, err := tr.EnsureDir(dir, "sub")
	if err != nil {
		t.Fatalf("EnsureDir existing: %v", err)
	}
	want, _ := tr.Resolve("/dir/sub")
	if h1 != want {
		t.Errorf("EnsureDir existing = %d, want %d", h1, want)
	}

	if _, err := tr.EnsureDir(dir, "fresh"); err != nil {
		t.Fatalf("EnsureDir new: %v", err)
	}
	if _, ok := tr.Resolve("/dir/fresh"); !ok {
		t.Error("EnsureDir did not create /dir/fresh")
	}

	if _, err := tr.EnsureDir(dir, "b.txt"); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("EnsureDir over file error = %v, want ErrNotDirectory", err)
	}
}

func TestChildrenKeepInsertionOrder(t *testing.T) {
	tr := New()
	names := []string{"zeta", "alpha", "mid", "Alpha"}
	for _, n := range names {
		if _, err := tr.Mkdir(tr.Root(), n); err != nil {
			t.Fatalf("Mkdir(%q): %v", n, err)
		}
	}
	got := tr.Node(tr.Root()).Kind.(*Dir).Names()
	if len(got) != len(names) {
		t.Fatalf("Names() = %v, want %v", got, names)
	}
	for i := range names {
		if got[i] != names[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], names[i])
		}
	}
}

func TestAppendChildRejectsSecondOwnerAndCycles(t *testing.T) {
	var s Store
	a := s.New(1, NewDir())
	b := s.New(2, NewDir())
	c := s.New(3, &File{})

	if err := s.AppendChild(a, b); err != nil {
		t.Fatalf("AppendChild(a, b): %v", err)
	}
	if p, ok := s.Parent(b); !ok || p != a {
		t.Errorf("Parent(b) = %d,%v, want %d", p, ok, a)
	}
	if err := s.AppendChild(a, b); err == nil {
		t.Error("second AppendChild(a, b) should fail")
	}
	if err := s.AppendChild(b, a); err == nil {
		t.Error("AppendChild(b, a) should fail: a is an ancestor of b")
	}
	if err := s.AppendChild(c, a); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("AppendChild(file, a) error = %v, want ErrNotDirectory", err)
	}
	if err := s.AppendChild(a, Handle(99)); !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendChild(a, 99) error = %v, want ErrNotFound", err)
	}
	if _, ok := s.Parent(a); ok {
		t.Error("a should have no parent")
	}
}

func TestBytesReadAt(t *testing.T) {
	b := Bytes("hello")
	buf := make([]byte, 3)

	n, err := b.ReadAt(buf, 1)
	if n != 3 || err != nil || string(buf) != "ell" {
		t.Errorf("ReadAt(1) = %d,%v,%q", n, err, buf[:n])
	}
	n, err = b.ReadAt(buf, 3)
	if n != 2 || err != io.EOF || string(buf[:n]) != "lo" {
		t.Errorf("ReadAt(3) = %d,%v,%q", n, err, buf[:n])
	}
	if n, err := b.ReadAt(buf, 5); n != 0 || err != io.EOF {
		t.Errorf("ReadAt(5) = %d,%v", n, err)
	}
}

func TestSplitRelative(t *testing.T) {
	tests := []struct {
		path string
		want int
		ok   bool
	}{
		{"a", 1, true},
		{"a/b/c.mkv", 3, true},
		{"", 0, false},
		{"/abs", 0, false},
		{"a//b", 0, false},
		{"a/../b", 0, false},
		{"a/./b", 0, false},
	}
	for _, tt := range tests {
		comps, err := SplitRelative(tt.path)
		if (err == nil) != tt.ok {
			t.Errorf("SplitRelative(%q) err = %v, want ok=%v", tt.path, err, tt.ok)
			continue
		}
		if len(comps) != tt.want {
			t.Errorf("SplitRelative(%q) = %v, want %d components", tt.path, comps, tt.want)
		}
	}
}

func TestBuildChildPath(t *testing.T) {
	tests := []struct {
		parent, name, want string
	}{
		{"/", "file.txt", "/file.txt"},
		{"/dir", "file.txt", "/dir/file.txt"},
		{"/a/b", "c", "/a/b/c"},
	}
	for _, tt := range tests {
		got := BuildChildPath(tt.parent, tt.name)
		if got != tt.want {
			t.Errorf("BuildChildPath(%q, %q) = %q, want %q", tt.parent, tt.name, got, tt.want)
		}
	}
}
