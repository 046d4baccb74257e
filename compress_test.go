package bootimg

import (
	"bytes"
	"io"
	"testing"
)

func roundTrip(t *testing.T, f CompressFormat, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := NewEncoder(f, &buf)
	if err != nil {
		t.Fatalf("NewEncoder(%s): %v", f, err)
	}
	if _, err := enc.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := enc.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	dec, err := NewDecoder(f, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewDecoder(%s): %v", f, err)
	}
	out, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return out
}

func TestCompressRoundTrips(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 500)
	formats := []CompressFormat{GZIP, XZ, LZMA, BZIP2, LZ4, LZ4Legacy}
	for _, f := range formats {
		f := f
		t.Run(f.String(), func(t *testing.T) {
			out := roundTrip(t, f, payload)
			if !bytes.Equal(out, payload) {
				t.Errorf("%s round trip mismatch: got %d bytes, want %d", f, len(out), len(payload))
			}
		})
	}
}

func TestCompressRoundTripEmptyPayload(t *testing.T) {
	formats := []CompressFormat{GZIP, XZ, LZMA, BZIP2, LZ4, LZ4Legacy}
	for _, f := range formats {
		f := f
		t.Run(f.String(), func(t *testing.T) {
			out := roundTrip(t, f, nil)
			if len(out) != 0 {
				t.Errorf("%s: expected empty output, got %d bytes", f, len(out))
			}
		})
	}
}

// TestZopfliEncodesAsGzip asserts that a Zopfli-compressed stream is a valid
// gzip stream, since Zopfli produces gzip-compatible DEFLATE data and this
// codebase has no separate Zopfli decoder.
func TestZopfliEncodesAsGzip(t *testing.T) {
	payload := bytes.Repeat([]byte("zopfli test payload "), 200)
	var buf bytes.Buffer
	enc, err := NewEncoder(ZOPFLI, &buf)
	if err != nil {
		t.Fatalf("NewEncoder(ZOPFLI): %v", err)
	}
	if _, err := enc.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := enc.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	dec, err := NewDecoder(GZIP, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewDecoder(GZIP): %v", err)
	}
	out, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("zopfli-compressed stream did not decode correctly as gzip")
	}
}

func TestNewEncoderRejectsUnknownFormat(t *testing.T) {
	if _, err := NewEncoder(UNKNOWN, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error constructing an encoder for UNKNOWN")
	} else if be, ok := err.(*Error); !ok || be.Kind != ErrUnknownCompression {
		t.Fatalf("expected ErrUnknownCompression, got %v", err)
	}
}

func TestNewDecoderRejectsLZOP(t *testing.T) {
	if _, err := NewDecoder(LZOP, bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error constructing a decoder for LZOP")
	} else if be, ok := err.(*Error); !ok || be.Kind != ErrUnknownCompression {
		t.Fatalf("expected ErrUnknownCompression, got %v", err)
	}
}

func TestChunkerBoundaries(t *testing.T) {
	c := NewChunker(4)
	rest, chunk := c.AddData([]byte{1, 2})
	if chunk != nil || rest != nil {
		t.Fatalf("unexpected early chunk: %v %v", rest, chunk)
	}
	rest, chunk = c.AddData([]byte{3, 4, 5})
	if chunk == nil {
		t.Fatal("expected a completed chunk")
	}
	if !bytes.Equal(chunk, []byte{1, 2, 3, 4}) {
		t.Errorf("chunk = %v, want [1 2 3 4]", chunk)
	}
	if !bytes.Equal(rest, []byte{5}) {
		t.Errorf("rest = %v, want [5]", rest)
	}
	rest, chunk = c.AddData(rest)
	if chunk != nil || rest != nil {
		t.Fatalf("feeding back the remainder should not complete a chunk yet: %v %v", rest, chunk)
	}
	if avail := c.Available(); !bytes.Equal(avail, []byte{5}) {
		t.Errorf("Available = %v, want [5]", avail)
	}
}
