package bootimg

import "encoding/binary"

const (
	avbFooterMagic = "AVBf"
	avbHeaderMagic = "AVB0"
)

// AvbFooter is the 64-byte footer avbtool appends after a hash-footer
// signed image, pointing at the vbmeta header that trails it.
type AvbFooter struct {
	data []byte
}

func parseAvbFooter(data []byte) (*AvbFooter, error) {
	if len(data) < int(avbFooterLayout.TotalSize) {
		return nil, newErr(ErrInvalidAvbFooterMagic, "tail too short for an avb footer")
	}
	if string(data[:4]) != avbFooterMagic {
		return nil, newErr(ErrInvalidAvbFooterMagic, "missing AVBf magic")
	}
	return &AvbFooter{data: data}, nil
}

func (f *AvbFooter) be32(offset uint16) uint32 {
	return binary.BigEndian.Uint32(f.data[offset : offset+4])
}

func (f *AvbFooter) be64(offset uint16) uint64 {
	return binary.BigEndian.Uint64(f.data[offset : offset+8])
}

// VersionMajor/VersionMinor report the avb footer format version.
func (f *AvbFooter) VersionMajor() uint32 { return f.be32(avbFooterLayout.OffsetVersionMajor) }
func (f *AvbFooter) VersionMinor() uint32 { return f.be32(avbFooterLayout.OffsetVersionMinor) }

// OriginalImageSize is the size of the image payload before the vbmeta
// header and footer were appended.
func (f *AvbFooter) OriginalImageSize() uint64 {
	return f.be64(avbFooterLayout.OffsetOriginalImageSize)
}

// VBMetaOffset is the in-image byte offset of the vbmeta header.
func (f *AvbFooter) VBMetaOffset() uint64 { return f.be64(avbFooterLayout.OffsetVBMetaOffset) }

// VBMetaSize is the byte length of the vbmeta header block.
func (f *AvbFooter) VBMetaSize() uint64 { return f.be64(avbFooterLayout.OffsetVBMetaSize) }

// Patch returns a copy of the footer with originalImageSize and
// vbmetaOffset rewritten, leaving every other field (including the
// signature descriptors inside the vbmeta header itself) untouched. The
// engine never recomputes or re-signs a vbmeta hash; callers that change
// payload bytes are responsible for understanding that the signature no
// longer verifies.
func (f *AvbFooter) Patch(originalImageSize, vbmetaOffset uint64) []byte {
	out := append([]byte(nil), f.data...)
	binary.BigEndian.PutUint64(out[avbFooterLayout.OffsetOriginalImageSize:], originalImageSize)
	binary.BigEndian.PutUint64(out[avbFooterLayout.OffsetVBMetaOffset:], vbmetaOffset)
	return out
}

// AvbVBMetaImageHeader is the fixed 256-byte prefix of an AVB vbmeta
// blob: algorithm, descriptor offsets, flags, and the release string.
// Authentication/hash descriptor bytes that follow this fixed prefix are
// treated as an opaque trailer and copied verbatim.
type AvbVBMetaImageHeader struct {
	data []byte
}

// VbmetaDisableFlag mirrors avb_vbmeta_image.h's AvbVBMetaImageFlags: the
// two documented ways to disable verification on an unlocked device.
type VbmetaDisableFlag uint32

const (
	VbmetaFlagHashtreeDisabled  VbmetaDisableFlag = 1
	VbmetaFlagVerificationDisabled VbmetaDisableFlag = 2
)

func parseAvbHeader(data []byte) (*AvbVBMetaImageHeader, error) {
	if len(data) < int(avbHeaderLayout.TotalSize) {
		return nil, newErr(ErrInvalidAvbHeader, "vbmeta block too short")
	}
	if string(data[:4]) != avbHeaderMagic {
		return nil, newErr(ErrInvalidAvbHeader, "missing AVB0 magic")
	}
	return &AvbVBMetaImageHeader{data: data}, nil
}

// Flags returns the raw vbmeta flags word.
func (h *AvbVBMetaImageHeader) Flags() uint32 {
	return binary.BigEndian.Uint32(h.data[avbHeaderLayout.OffsetFlags:])
}

// ReleaseString is avbtool's free-form "avbtool X.Y.Z" build tag.
func (h *AvbVBMetaImageHeader) ReleaseString() []byte {
	return trimNUL(h.data[avbHeaderLayout.OffsetReleaseString : avbHeaderLayout.OffsetReleaseString+avbHeaderLayout.SizeReleaseString])
}

// Raw returns the full backing vbmeta blob, fixed prefix plus descriptor
// trailer, unmodified.
func (h *AvbVBMetaImageHeader) Raw() []byte { return h.data }

// PatchDisableFlags returns a copy of the vbmeta blob with the given
// disable flags OR-ed into the flags word. It does not touch, recompute,
// or invalidate any hash/signature descriptor; per spec this engine never
// verifies or re-signs AVB metadata.
func (h *AvbVBMetaImageHeader) PatchDisableFlags(flags VbmetaDisableFlag) []byte {
	out := append([]byte(nil), h.data...)
	cur := binary.BigEndian.Uint32(out[avbHeaderLayout.OffsetFlags:])
	binary.BigEndian.PutUint32(out[avbHeaderLayout.OffsetFlags:], cur|uint32(flags))
	return out
}
