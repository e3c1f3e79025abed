package checkpoint

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestStore_SaveLoadRemove(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Encoding = EncodingZstd

	rec := sampleRecord()
	rec.Buffer = bytes.Repeat([]byte("$ make test\nok\n"), 200)
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists(rec.ID) {
		t.Fatal("Exists = false after Save")
	}

	got, err := s.Load(rec.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got.Buffer, rec.Buffer) || got.Name != rec.Name {
		t.Errorf("loaded record differs: name=%q buffer=%d bytes", got.Name, len(got.Buffer))
	}

	// Overwrite keeps a single file and no temp leftovers.
	rec.Name = "renamed"
	if err := s.Save(rec); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 1 {
		t.Errorf("state dir holds %d entries, want 1", len(entries))
	}
	if got, _ := s.Load(rec.ID); got.Name != "renamed" {
		t.Errorf("name after overwrite = %q", got.Name)
	}

	if err := s.Remove(rec.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(rec.ID); err != nil {
		t.Errorf("Remove of missing file = %v, want nil", err)
	}
	_, err = s.Load(rec.ID)
	if !errors.Is(err, ErrIO) || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load after Remove = %v, want ErrIO and fs.ErrNotExist", err)
	}
}

func TestStore_IDs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.state", "a.state", ".a.state.tmp-1", "readme.txt"} {
		os.WriteFile(filepath.Join(dir, name), nil, 0o600)
	}
	os.Mkdir(filepath.Join(dir, "c.state"), 0o700)

	ids, err := s.IDs()
	if err != nil {
		t.Fatalf("IDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("IDs() = %v, want [a b]", ids)
	}

	n, err := s.SweepTemp()
	if err != nil || n != 1 {
		t.Errorf("SweepTemp = %d, %v; want 1, nil", n, err)
	}
}

func TestStore_RejectsPathIDs(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", ".", "..", "../escape", `a\b`} {
		if _, err := s.Path(id); !errors.Is(err, ErrIO) {
			t.Errorf("Path(%q) = %v, want ErrIO", id, err)
		}
	}
	if err := s.Save(&Record{ID: "../escape"}); err == nil {
		t.Error("Save accepted a path-like id")
	}
}

func TestNewStore_Errors(t *testing.T) {
	if _, err := NewStore(""); !errors.Is(err, ErrIO) {
		t.Errorf("NewStore(\"\") = %v, want ErrIO", err)
	}
	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, nil, 0o600)
	if _, err := NewStore(filepath.Join(file, "sub")); !errors.Is(err, ErrIO) {
		t.Errorf("NewStore under a file = %v, want ErrIO", err)
	}
}
