package bootimg

import (
	"bytes"
	"io"
)

// RamdiskEntryType identifies the role of one vendor ramdisk table entry.
type RamdiskEntryType int

const (
	RamdiskNone RamdiskEntryType = iota
	RamdiskPlatform
	RamdiskRecovery
	RamdiskUnknown
)

func ramdiskEntryType(raw uint32) RamdiskEntryType {
	switch raw {
	case 0:
		return RamdiskNone
	case 1:
		return RamdiskPlatform
	case 2:
		return RamdiskRecovery
	default:
		return RamdiskUnknown
	}
}

// KernelImage is the kernel block of a boot image, along with the
// compression format sniffed from its leading bytes.
type KernelImage struct {
	Data            []byte
	CompressFormat  CompressFormat
}

// Dump writes the kernel block to out, decompressing first unless raw is
// set.
func (k *KernelImage) Dump(out io.Writer, raw bool) error {
	return dumpBlock(k.Data, out, raw)
}

// VendorRamdiskEntry is one entry of a v4 vendor ramdisk table: a named,
// typed slice of the concatenated vendor ramdisk block.
type VendorRamdiskEntry struct {
	Data           []byte
	EntryOffset    uint64
	EntrySize      uint64
	CompressFormat CompressFormat

	rawType  uint32
	rawName  []byte
	boardID  []byte
	rawEntry []byte
}

// rawEntryBytes returns the entry's original 108-byte table record,
// used by the patcher as the base to rewrite ramdisk_size/ramdisk_offset
// from while preserving name/type/board_id verbatim.
func (e *VendorRamdiskEntry) rawEntryBytes() []byte { return e.rawEntry }

// Name returns the entry's board-unique ramdisk name with its trailing
// NUL padding stripped.
func (e *VendorRamdiskEntry) Name() string {
	return string(trimNUL(e.rawName))
}

// EntryType classifies the entry as platform/recovery/none/unknown.
func (e *VendorRamdiskEntry) EntryType() RamdiskEntryType {
	return ramdiskEntryType(e.rawType)
}

// Dump writes the entry's ramdisk data to out, decompressing first unless
// raw is set.
func (e *VendorRamdiskEntry) Dump(out io.Writer, raw bool) error {
	return dumpBlock(e.Data, out, raw)
}

func trimNUL(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

// RamdiskImage is the primary (boot) or vendor ramdisk block. A v4
// vendor_boot ramdisk is further split into VendorRamdiskTable entries;
// in that case CompressFormat is UNKNOWN at the whole-block level since
// each entry may carry its own format.
type RamdiskImage struct {
	Data               []byte
	CompressFormat     CompressFormat
	VendorRamdiskTable []VendorRamdiskEntry
}

// IsVendorRamdisk reports whether this ramdisk carries a vendor ramdisk
// table (v4 vendor_boot only).
func (r *RamdiskImage) IsVendorRamdisk() bool { return r.VendorRamdiskTable != nil }

// Dump writes the whole ramdisk block to out. It refuses to do so for a
// vendor ramdisk with a table, since that case has no single compression
// format to decode against; dump each VendorRamdiskEntry individually
// instead.
func (r *RamdiskImage) Dump(out io.Writer, raw bool) error {
	if r.VendorRamdiskTable != nil {
		return newErr(ErrInvalidBlockRange, "cannot dump a vendor ramdisk with a table as one block")
	}
	return dumpBlock(r.Data, out, raw)
}

func dumpBlock(data []byte, out io.Writer, raw bool) error {
	if !raw {
		format := ParseCompressFormat(data)
		if format != UNKNOWN && Compressed(format) {
			dec, err := NewDecoder(format, bytes.NewReader(data))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, dec); err != nil {
				return wrapErr(ErrIO, err, "dump decompressed block")
			}
			return nil
		}
	}
	if _, err := out.Write(data); err != nil {
		return wrapErr(ErrIO, err, "dump raw block")
	}
	return nil
}

// BootImageBlocks is every data block a boot/vendor_boot image can carry,
// extracted by walking the canonical block order and advancing a
// page-aligned cursor after each one.
type BootImageBlocks struct {
	Kernel        *KernelImage
	Ramdisk       *RamdiskImage
	Second        []byte
	RecoveryDtbo  []byte
	Dtb           []byte
	Signature     []byte
	Bootconfig    []byte
}

// parseBlocks walks the canonical block list (kernel, ramdisk, second,
// recovery_dtbo, dtb, signature, vendor_ramdisk_table, bootconfig),
// advancing a page-aligned cursor after each present block. It returns
// the parsed blocks and the final cursor position (the offset one past
// the image's last header-declared block, used by AVB footer detection
// to locate any unaccounted tail bytes).
func parseBlocks(data []byte, h *BootHeader) (*BootImageBlocks, uint64, error) {
	off := h.HdrSpace()
	off = alignUp(off, uint64(h.PageSize()))
	pageSize := uint64(h.PageSize())

	take := func(name string, size uint32) ([]byte, error) {
		if size == 0 {
			return nil, nil
		}
		n := uint64(size)
		if off+n > uint64(len(data)) {
			return nil, newErr(ErrInvalidBlockRange, "block %s at off %d size %d exceeds image length %d",
				name, off, n, len(data))
		}
		slice := data[off : off+n]
		off = alignUp(off+n, pageSize)
		return slice, nil
	}

	kernelData, err := take("kernel", h.KernelSize())
	if err != nil {
		return nil, 0, err
	}
	ramdiskData, err := take("ramdisk", h.RamdiskSize())
	if err != nil {
		return nil, 0, err
	}
	second, err := take("second", h.SecondSize())
	if err != nil {
		return nil, 0, err
	}
	recoveryDtbo, err := take("recovery_dtbo", h.RecoveryDtboSize())
	if err != nil {
		return nil, 0, err
	}
	dtb, err := take("dtb", h.DtbSize())
	if err != nil {
		return nil, 0, err
	}
	signature, err := take("signature", h.SignatureSize())
	if err != nil {
		return nil, 0, err
	}
	vendorRamdiskTableRaw, err := take("vendor_ramdisk_table", h.VendorRamdiskTableSize())
	if err != nil {
		return nil, 0, err
	}
	bootconfig, err := take("bootconfig", h.BootconfigSize())
	if err != nil {
		return nil, 0, err
	}

	var kernel *KernelImage
	if kernelData != nil {
		kernel = &KernelImage{Data: kernelData, CompressFormat: ParseCompressFormat(kernelData)}
	}

	var table []VendorRamdiskEntry
	if vendorRamdiskTableRaw != nil {
		entrySize := h.VendorRamdiskTableEntrySize()
		if entrySize != VendorRamdiskTableEntrySize {
			return nil, 0, newErr(ErrInvalidEntrySize, "invalid vendor ramdisk table entry size %d", entrySize)
		}
		entryNum := h.VendorRamdiskTableEntryNum()
		tableSize := uint64(entryNum) * uint64(entrySize)
		if uint64(len(vendorRamdiskTableRaw)) < tableSize {
			return nil, 0, newErr(ErrInvalidEntrySize, "vendor ramdisk table shorter than declared")
		}
		if ramdiskData == nil {
			return nil, 0, newErr(ErrMissingRamdisk, "vendor ramdisk table present without a ramdisk block")
		}
		table = make([]VendorRamdiskEntry, 0, entryNum)
		entryTable := vendorRamdiskTableRaw[:tableSize]
		for i := uint32(0); i < entryNum; i++ {
			entry := entryTable[uint64(i)*uint64(entrySize) : uint64(i+1)*uint64(entrySize)]
			rSize := leU32(entry, vendorRamdiskEntryLayout.OffsetRamdiskSize)
			rOff := leU32(entry, vendorRamdiskEntryLayout.OffsetRamdiskOffset)
			rType := leU32(entry, vendorRamdiskEntryLayout.OffsetRamdiskType)
			rName := entry[vendorRamdiskEntryLayout.OffsetRamdiskName : vendorRamdiskEntryLayout.OffsetRamdiskName+vendorRamdiskEntryLayout.SizeRamdiskName]
			rBoardID := entry[vendorRamdiskEntryLayout.OffsetBoardID : vendorRamdiskEntryLayout.OffsetBoardID+vendorRamdiskEntryLayout.SizeBoardID]

			if uint64(rOff)+uint64(rSize) > uint64(len(ramdiskData)) {
				return nil, 0, newErr(ErrInvalidVendorOffset, "vendor ramdisk entry %d off=%d size=%d out of range", i, rOff, rSize)
			}
			entryData := ramdiskData[rOff : rOff+rSize]
			table = append(table, VendorRamdiskEntry{
				Data:           entryData,
				EntryOffset:    uint64(rOff),
				EntrySize:      uint64(rSize),
				CompressFormat: ParseCompressFormat(entryData),
				rawType:        rType,
				rawName:        append([]byte(nil), rName...),
				boardID:        append([]byte(nil), rBoardID...),
				rawEntry:       append([]byte(nil), entry...),
			})
		}
	}

	var ramdisk *RamdiskImage
	if ramdiskData != nil {
		format := UNKNOWN
		if table == nil {
			format = ParseCompressFormat(ramdiskData)
		}
		ramdisk = &RamdiskImage{Data: ramdiskData, CompressFormat: format, VendorRamdiskTable: table}
	}

	return &BootImageBlocks{
		Kernel:       kernel,
		Ramdisk:      ramdisk,
		Second:       second,
		RecoveryDtbo: recoveryDtbo,
		Dtb:          dtb,
		Signature:    signature,
		Bootconfig:   bootconfig,
	}, off, nil
}

func leU32(b []byte, offset uint16) uint32 {
	return uint32(b[offset]) | uint32(b[offset+1])<<8 | uint32(b[offset+2])<<16 | uint32(b[offset+3])<<24
}
