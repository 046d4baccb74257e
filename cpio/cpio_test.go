package cpio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDumpRoundTrip(t *testing.T) {
	a := New()
	a.Mkdir(0o755, "lib")
	if err := a.Mv("lib", "lib64"); err != nil {
		t.Fatalf("Mv: %v", err)
	}
	a.Entries["init"] = NewRegular(0o755, []byte("#!/system/bin/sh\necho hi\n"))
	a.Keys = append(a.Keys, "init")
	a.Ln("/system/bin/toolbox", "bin/sh")

	var buf bytes.Buffer
	if err := a.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	reloaded, err := LoadFromData(buf.Bytes())
	if err != nil {
		t.Fatalf("LoadFromData: %v", err)
	}
	if !reloaded.Exists("init") {
		t.Fatal("expected init entry to survive round trip")
	}
	if !bytes.Equal(reloaded.Entries["init"].Data, a.Entries["init"].Data) {
		t.Error("init entry data mismatch after round trip")
	}
	if !reloaded.Exists("lib64") {
		t.Fatal("expected renamed lib64 directory to survive round trip")
	}
	if reloaded.Exists("lib") {
		t.Error("old lib entry should not exist after rename")
	}
	link, ok := reloaded.Entries["bin/sh"]
	if !ok {
		t.Fatal("expected symlink entry bin/sh")
	}
	if string(link.Data) != "system/bin/toolbox" {
		t.Errorf("symlink target = %q, want %q", link.Data, "system/bin/toolbox")
	}
}

// TestDumpPaddingLength guards against padding by the absolute aligned
// offset instead of the distance remaining to it: once pos has advanced
// past the first couple of records, that bug writes far more zero bytes
// than the format allows. The written archive's total length must itself
// land on a 4-byte boundary, and padding must never add more than 3 bytes
// at any single point.
func TestDumpPaddingLength(t *testing.T) {
	a := New()
	// Pick name lengths that don't naturally land on 4-byte boundaries,
	// to force the padding logic to actually do work at each record.
	names := []string{"a", "bc", "def", "ghij", "klmno"}
	for i, name := range names {
		a.Entries[name] = NewRegular(0o644, bytes.Repeat([]byte{byte(i + 1)}, i+1))
		a.Keys = append(a.Keys, name)
	}

	var buf bytes.Buffer
	if err := a.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	total := uint64(buf.Len())
	if total%4 != 0 {
		t.Fatalf("archive length %d is not 4-byte aligned", total)
	}
	if want := alignTo4(total); total != want {
		t.Fatalf("archive length %d exceeds align_to(len,4) = %d", total, want)
	}

	reloaded, err := LoadFromData(buf.Bytes())
	if err != nil {
		t.Fatalf("LoadFromData: %v", err)
	}
	for i, name := range names {
		e, ok := reloaded.Entries[name]
		if !ok {
			t.Fatalf("entry %q missing after round trip", name)
		}
		want := bytes.Repeat([]byte{byte(i + 1)}, i+1)
		if !bytes.Equal(e.Data, want) {
			t.Errorf("entry %q data = %v, want %v", name, e.Data, want)
		}
	}
}

func TestRmRecursive(t *testing.T) {
	a := New()
	a.Mkdir(0o755, "vendor")
	a.Entries["vendor/lib/libc.so"] = NewRegular(0o644, []byte("x"))
	a.Keys = append(a.Keys, "vendor/lib/libc.so")
	a.Entries["vendor/lib/libm.so"] = NewRegular(0o644, []byte("y"))
	a.Keys = append(a.Keys, "vendor/lib/libm.so")
	a.Entries["other"] = NewRegular(0o644, []byte("z"))
	a.Keys = append(a.Keys, "other")

	a.Rm("vendor", true)

	if a.Exists("vendor") || a.Exists("vendor/lib/libc.so") || a.Exists("vendor/lib/libm.so") {
		t.Error("expected vendor and all descendants removed")
	}
	if !a.Exists("other") {
		t.Error("unrelated entry should survive Rm")
	}
}

func TestExtractAllRoundTrip(t *testing.T) {
	a := New()
	a.Mkdir(0o755, "etc")
	a.Entries["etc/hosts"] = NewRegular(0o644, []byte("127.0.0.1 localhost\n"))
	a.Keys = append(a.Keys, "etc/hosts")

	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	if err := a.ExtractAll(); err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "etc", "hosts"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "127.0.0.1 localhost\n" {
		t.Errorf("extracted file content = %q", got)
	}
}

func TestLsNonRecursive(t *testing.T) {
	a := New()
	a.Mkdir(0o755, "lib")
	a.Entries["lib/a.so"] = NewRegular(0o644, []byte("a"))
	a.Keys = append(a.Keys, "lib/a.so")
	a.Entries["lib/nested/b.so"] = NewRegular(0o644, []byte("b"))
	a.Keys = append(a.Keys, "lib/nested/b.so")

	var buf bytes.Buffer
	a.Ls(&buf, "lib", false)
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("lib/a.so")) {
		t.Error("expected direct child lib/a.so listed")
	}
	if bytes.Contains([]byte(out), []byte("lib/nested/b.so")) {
		t.Error("non-recursive Ls should not list nested descendants")
	}
}

func TestLoadFromDataRejectsBadMagic(t *testing.T) {
	if _, err := LoadFromData(bytes.Repeat([]byte("not a cpio archive "), 8)); err == nil {
		t.Fatal("expected an error for bad magic")
	}
}

func TestLoadFromDataTrailerResync(t *testing.T) {
	a := New()
	a.Entries["a"] = NewRegular(0o644, []byte("1"))
	a.Keys = append(a.Keys, "a")
	var first bytes.Buffer
	if err := a.Dump(&first); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	b := New()
	b.Entries["z"] = NewRegular(0o644, []byte("2"))
	b.Keys = append(b.Keys, "z")
	var second bytes.Buffer
	if err := b.Dump(&second); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	concatenated := append(first.Bytes(), second.Bytes()...)
	reloaded, err := LoadFromData(concatenated)
	if err != nil {
		t.Fatalf("LoadFromData: %v", err)
	}
	if !reloaded.Exists("a") || !reloaded.Exists("z") {
		t.Fatal("expected entries from both concatenated archives")
	}
}
