package bootimg

import (
	"bytes"
	"testing"
)

// buildSimpleBootImageWithAvb appends a vbmeta header and footer after a
// plain boot image payload, mimicking avbtool's hash-footer layout: the
// payload is followed by the vbmeta header, both followed by the fixed
// 64-byte footer at the very end of the file. The pad bytes count toward
// the footer's original image size, so they form the image's AvbTail.
func buildSimpleBootImageWithAvb(kernel, ramdisk []byte, pageSize uint32, pad int) []byte {
	payload := buildSimpleBootImage(kernel, ramdisk, pageSize)
	payload = append(payload, make([]byte, pad)...)

	vbmetaOffset := uint64(len(payload))
	vbmeta := buildAvbHeader(0, "avbtool 1.2.0")
	payload = append(payload, vbmeta...)

	footer := buildAvbFooter(vbmetaOffset, vbmetaOffset, uint64(len(vbmeta)))
	payload = append(payload, footer...)
	return payload
}

func TestParseBootImageWithAvbTail(t *testing.T) {
	kernel := bytes.Repeat([]byte{1}, 10)
	ramdisk := bytes.Repeat([]byte{2}, 10)
	data := buildSimpleBootImageWithAvb(kernel, ramdisk, 4096, 37)

	img, err := ParseBootImage(data)
	if err != nil {
		t.Fatalf("ParseBootImage: %v", err)
	}
	if img.AvbInfo == nil {
		t.Fatal("expected avb info to be detected")
	}
	if len(img.AvbInfo.AvbTail) != 37 {
		t.Errorf("AvbTail length = %d, want 37", len(img.AvbInfo.AvbTail))
	}
	if img.AvbInfo.Header == nil {
		t.Fatal("expected an avb header")
	}
}

func TestParseBootImageWithAvbNoTail(t *testing.T) {
	kernel := bytes.Repeat([]byte{1}, 10)
	ramdisk := bytes.Repeat([]byte{2}, 10)
	data := buildSimpleBootImageWithAvb(kernel, ramdisk, 4096, 0)

	img, err := ParseBootImage(data)
	if err != nil {
		t.Fatalf("ParseBootImage: %v", err)
	}
	if img.AvbInfo.AvbTail != nil {
		t.Errorf("expected a nil AvbTail with no padding gap, got %d bytes", len(img.AvbInfo.AvbTail))
	}
}

func TestParseBootImageNoAvb(t *testing.T) {
	kernel := bytes.Repeat([]byte{1}, 10)
	ramdisk := bytes.Repeat([]byte{2}, 10)
	data := buildSimpleBootImage(kernel, ramdisk, 4096)

	img, err := ParseBootImage(data)
	if err != nil {
		t.Fatalf("ParseBootImage: %v", err)
	}
	if img.AvbInfo != nil {
		t.Fatal("expected no avb info for a plain image")
	}
}
