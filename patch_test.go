package bootimg

import (
	"bytes"
	"io"
	"testing"
)

// memOutput is a minimal in-memory PatchOutput, standing in for the *os.File
// the real patcher writes to.
type memOutput struct {
	buf []byte
	pos int64
}

func (m *memOutput) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memOutput) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = m.pos
	case io.SeekEnd:
		base = int64(len(m.buf))
	}
	m.pos = base + offset
	return m.pos, nil
}

func (m *memOutput) Truncate(size int64) error {
	if size <= int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func TestPatchNoReplacementsPreservesPayload(t *testing.T) {
	kernel := bytes.Repeat([]byte{0xAA}, 37)
	ramdisk := bytes.Repeat([]byte{0xBB}, 53)
	data := buildSimpleBootImage(kernel, ramdisk, 4096)

	src, err := ParseBootImage(data)
	if err != nil {
		t.Fatalf("ParseBootImage: %v", err)
	}

	out := &memOutput{}
	if err := NewBootImagePatchOption(src).Patch(out); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	patched, err := ParseBootImage(out.buf)
	if err != nil {
		t.Fatalf("ParseBootImage(patched): %v", err)
	}
	if !bytes.Equal(patched.Blocks.Kernel.Data, kernel) {
		t.Error("kernel payload changed by a no-op patch")
	}
	if !bytes.Equal(patched.Blocks.Ramdisk.Data, ramdisk) {
		t.Error("ramdisk payload changed by a no-op patch")
	}
	if got := patched.Header.KernelSize(); got != uint32(len(kernel)) {
		t.Errorf("patched KernelSize = %d, want %d", got, len(kernel))
	}
	if got := patched.Header.RamdiskSize(); got != uint32(len(ramdisk)) {
		t.Errorf("patched RamdiskSize = %d, want %d", got, len(ramdisk))
	}
}

func TestPatchReplaceKernelAndRamdisk(t *testing.T) {
	kernel := bytes.Repeat([]byte{1}, 20)
	ramdisk := bytes.Repeat([]byte{2}, 20)
	data := buildSimpleBootImage(kernel, ramdisk, 4096)

	src, err := ParseBootImage(data)
	if err != nil {
		t.Fatalf("ParseBootImage: %v", err)
	}

	newKernel := bytes.Repeat([]byte{9}, 100)
	newRamdisk := bytes.Repeat([]byte{8}, 77)

	out := &memOutput{}
	opt := NewBootImagePatchOption(src).
		ReplaceKernel(bytes.NewReader(newKernel), true).
		ReplaceRamdisk(bytes.NewReader(newRamdisk), true)
	if err := opt.Patch(out); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	patched, err := ParseBootImage(out.buf)
	if err != nil {
		t.Fatalf("ParseBootImage(patched): %v", err)
	}
	if !bytes.Equal(patched.Blocks.Kernel.Data, newKernel) {
		t.Error("kernel block was not replaced correctly")
	}
	if !bytes.Equal(patched.Blocks.Ramdisk.Data, newRamdisk) {
		t.Error("ramdisk block was not replaced correctly")
	}
}

func TestPatchOverrideCmdlineAndOSVersion(t *testing.T) {
	kernel := bytes.Repeat([]byte{1}, 10)
	ramdisk := bytes.Repeat([]byte{2}, 10)
	data := buildSimpleBootImage(kernel, ramdisk, 4096)

	src, err := ParseBootImage(data)
	if err != nil {
		t.Fatalf("ParseBootImage: %v", err)
	}

	out := &memOutput{}
	newCmdline := []byte("androidboot.selinux=permissive")
	newVer := OsVersion{Major: 13, Minor: 0, Patch: 0}
	newPatch := PatchLevel{Year: 2024, Month: 3}
	opt := NewBootImagePatchOption(src).
		OverrideCmdline(newCmdline).
		OverrideOSVersion(newVer, newPatch)
	if err := opt.Patch(out); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	patched, err := ParseBootImage(out.buf)
	if err != nil {
		t.Fatalf("ParseBootImage(patched): %v", err)
	}
	if got := string(trimNUL(patched.Header.Cmdline())); got != string(newCmdline) {
		t.Errorf("Cmdline = %q, want %q", got, newCmdline)
	}
	gotVer, gotPatch := patched.Header.OsVersion()
	if gotVer != newVer {
		t.Errorf("OsVersion = %+v, want %+v", gotVer, newVer)
	}
	if gotPatch != newPatch {
		t.Errorf("PatchLevel = %+v, want %+v", gotPatch, newPatch)
	}
}

func TestPatchPreservesAvbFooterWithFlags(t *testing.T) {
	kernel := bytes.Repeat([]byte{1}, 10)
	ramdisk := bytes.Repeat([]byte{2}, 10)
	data := buildSimpleBootImageWithAvb(kernel, ramdisk, 4096, 13)

	src, err := ParseBootImage(data)
	if err != nil {
		t.Fatalf("ParseBootImage: %v", err)
	}
	if src.AvbInfo == nil {
		t.Fatal("expected source image to carry avb info")
	}

	out := &memOutput{}
	opt := NewBootImagePatchOption(src).SetVbmetaDisableFlags(VbmetaFlagVerificationDisabled)
	if err := opt.Patch(out); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	patched, err := ParseBootImage(out.buf)
	if err != nil {
		t.Fatalf("ParseBootImage(patched): %v", err)
	}
	if patched.AvbInfo == nil {
		t.Fatal("expected patched image to still carry avb info")
	}
	if got := patched.AvbInfo.Header.Flags(); got&uint32(VbmetaFlagVerificationDisabled) == 0 {
		t.Errorf("expected VbmetaFlagVerificationDisabled set in patched header flags, got %d", got)
	}
	if !bytes.Equal(patched.Blocks.Kernel.Data, kernel) {
		t.Error("kernel payload changed by an avb-flags-only patch")
	}
}

func TestPatchRejectsVendorRamdiskReplacementOnNonVendorImage(t *testing.T) {
	kernel := bytes.Repeat([]byte{1}, 10)
	ramdisk := bytes.Repeat([]byte{2}, 10)
	data := buildSimpleBootImage(kernel, ramdisk, 4096)

	src, err := ParseBootImage(data)
	if err != nil {
		t.Fatalf("ParseBootImage: %v", err)
	}

	out := &memOutput{}
	opt := NewBootImagePatchOption(src).ReplaceVendorRamdisk(0, bytes.NewReader([]byte("x")), true)
	err = opt.Patch(out)
	if err == nil {
		t.Fatal("expected an error replacing a vendor ramdisk slot on a non-vendor-boot-v4 image")
	}
	be, ok := err.(*Error)
	if !ok || be.Kind != ErrInvalidReplacementUsage {
		t.Fatalf("expected ErrInvalidReplacementUsage, got %v", err)
	}
}
