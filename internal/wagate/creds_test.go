package wagate

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCredStoreRoundTrip(t *testing.T) {
	cs, err := newCredStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if b, err := cs.Load(1); err != nil || b != nil {
		t.Fatalf("load missing = (%v, %v), want (nil, nil)", b, err)
	}

	if err := cs.Save(1, []byte(`{"k":"v1"}`)); err != nil {
		t.Fatal(err)
	}
	if err := cs.Save(1, []byte(`{"k":"v2"}`)); err != nil {
		t.Fatal(err)
	}
	b, err := cs.Load(1)
	if err != nil || string(b) != `{"k":"v2"}` {
		t.Fatalf("load = (%s, %v), want latest write", b, err)
	}

	info, err := os.Stat(cs.path(1))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("credential file mode = %o, want 600", perm)
	}
}

func TestCredStoreBackup(t *testing.T) {
	cs, err := newCredStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Backup with nothing persisted is a no-op.
	bak, err := cs.Backup(5, time.Unix(1700000000, 0))
	if err != nil || bak != "" {
		t.Fatalf("backup of missing credential = (%q, %v), want no-op", bak, err)
	}

	if err := cs.Save(5, []byte("cred")); err != nil {
		t.Fatal(err)
	}
	bak, err = cs.Backup(5, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(bak) != "user-5.json.bak-1700000000" {
		t.Fatalf("backup name = %s", filepath.Base(bak))
	}
	if b, _ := os.ReadFile(bak); string(b) != "cred" {
		t.Fatalf("backup content = %q", b)
	}
	if b, err := cs.Load(5); err != nil || b != nil {
		t.Fatalf("live credential after backup = (%v, %v), want gone", b, err)
	}
}

func TestCredStoreLoadAll(t *testing.T) {
	dir := t.TempDir()
	cs, err := newCredStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.Save(1, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := cs.Save(42, []byte("b")); err != nil {
		t.Fatal(err)
	}
	// Stray files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "user-1.json.bak-1700000000"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	all, err := cs.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || string(all[1]) != "a" || string(all[42]) != "b" {
		t.Fatalf("LoadAll = %v", all)
	}
}
