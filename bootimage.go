package bootimg

// BootImageAVBInfo describes the AVB metadata trailing an image, when
// present.
type BootImageAVBInfo struct {
	// AvbTail is any bytes between the end of the last header-declared
	// block and the footer's original image size, present when the image
	// was padded before avbtool appended its metadata. Nil when there is
	// no such gap.
	AvbTail []byte
	Header  *AvbVBMetaImageHeader
	Footer  *AvbFooter
}

// BootImage is a fully parsed boot or vendor_boot image: its header, the
// extracted data blocks, and any AVB footer/header found at the tail.
type BootImage struct {
	Data    []byte
	Header  *BootHeader
	Blocks  *BootImageBlocks
	AvbInfo *BootImageAVBInfo
}

// ParseBootImage parses a full boot or vendor_boot image out of data,
// which must be the entire file contents (e.g. an mmap'd region). It
// never copies data; every returned block is a subslice of it.
func ParseBootImage(data []byte) (*BootImage, error) {
	header, err := parseBootHeader(data)
	if err != nil {
		return nil, err
	}
	blocks, tail, err := parseBlocks(data, header)
	if err != nil {
		return nil, err
	}

	avbInfo, err := parseAvbInfo(data, tail)
	if err != nil {
		return nil, err
	}

	return &BootImage{Data: data, Header: header, Blocks: blocks, AvbInfo: avbInfo}, nil
}

// parseAvbInfo looks for an AVB footer at the very end of data. tail is
// the byte offset one past the last header-declared block, as returned
// by parseBlocks; it is compared against the footer's recorded original
// image size to recover any padding gap (AvbTail) or to reject a
// corrupt/truncated image.
func parseAvbInfo(data []byte, tail uint64) (*BootImageAVBInfo, error) {
	footerSize := uint64(avbFooterLayout.TotalSize)
	if uint64(len(data)) < footerSize {
		return nil, nil
	}
	footerBytes := data[uint64(len(data))-footerSize:]
	if string(footerBytes[:4]) != avbFooterMagic {
		return nil, nil
	}
	footer, err := parseAvbFooter(footerBytes)
	if err != nil {
		return nil, err
	}

	off := footer.VBMetaOffset()
	size := footer.VBMetaSize()
	if off+size > uint64(len(data)) {
		return nil, newErr(ErrInvalidAvbHeader, "vbmeta offset/size out of range")
	}
	header, err := parseAvbHeader(data[off : off+size])
	if err != nil {
		return nil, err
	}

	payloadSize := footer.OriginalImageSize()
	var avbTail []byte
	switch {
	case payloadSize > tail:
		if payloadSize > uint64(len(data)) {
			return nil, newErr(ErrInvalidOriginalSize, "avb original image size exceeds image length")
		}
		avbTail = data[tail:payloadSize]
	case payloadSize < tail:
		return nil, newErr(ErrInvalidOriginalSize, "avb original image size %d smaller than parsed block tail %d", payloadSize, tail)
	default:
		avbTail = nil
	}

	return &BootImageAVBInfo{AvbTail: avbTail, Header: header, Footer: footer}, nil
}
