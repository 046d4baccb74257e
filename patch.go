package bootimg

import (
	"bytes"
	"io"
)

// PatchOutput is the sink a patch is written to: a seekable,
// truncatable stream, typically an *os.File opened on a copy of the
// source image.
type PatchOutput interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

type replacePayload struct {
	data       io.Reader
	compressed bool
}

// BootImagePatchOption accumulates block replacements and header
// overrides against a parsed source BootImage, then re-emits a complete
// image reflecting them via Patch.
type BootImagePatchOption struct {
	source *BootImage

	replaceRamdisk       *replacePayload
	replaceKernel        *replacePayload
	replaceVendorRamdisk map[int]*replacePayload

	overrideCmdline  []byte
	overrideOsVer    *OsVersion
	overridePatchLvl *PatchLevel

	vbmetaDisableFlags VbmetaDisableFlag
}

// NewBootImagePatchOption creates an empty patch plan against source.
func NewBootImagePatchOption(source *BootImage) *BootImagePatchOption {
	return &BootImagePatchOption{
		source:               source,
		replaceVendorRamdisk: make(map[int]*replacePayload),
	}
}

// ReplaceRamdisk swaps the primary (non-vendor) ramdisk block. If
// compressed is true, r's bytes are copied verbatim; otherwise they are
// compressed with the source ramdisk's detected format before being
// written. Mutually exclusive with ReplaceVendorRamdisk.
func (o *BootImagePatchOption) ReplaceRamdisk(r io.Reader, compressed bool) *BootImagePatchOption {
	o.replaceRamdisk = &replacePayload{data: r, compressed: compressed}
	return o
}

// ReplaceKernel swaps the kernel block, with the same compressed
// semantics as ReplaceRamdisk.
func (o *BootImagePatchOption) ReplaceKernel(r io.Reader, compressed bool) *BootImagePatchOption {
	o.replaceKernel = &replacePayload{data: r, compressed: compressed}
	return o
}

// ReplaceVendorRamdisk swaps one entry of a v4 vendor ramdisk table by
// index. Mutually exclusive with ReplaceRamdisk.
func (o *BootImagePatchOption) ReplaceVendorRamdisk(index int, r io.Reader, compressed bool) *BootImagePatchOption {
	o.replaceVendorRamdisk[index] = &replacePayload{data: r, compressed: compressed}
	return o
}

// OverrideCmdline replaces the header's cmdline field with the new
// value, truncated or zero-padded to the field's fixed size.
func (o *BootImagePatchOption) OverrideCmdline(cmdline []byte) *BootImagePatchOption {
	o.overrideCmdline = cmdline
	return o
}

// OverrideOSVersion replaces the header's packed os_version field.
func (o *BootImagePatchOption) OverrideOSVersion(v OsVersion, p PatchLevel) *BootImagePatchOption {
	o.overrideOsVer = &v
	o.overridePatchLvl = &p
	return o
}

// SetVbmetaDisableFlags ORs flags into the re-emitted vbmeta header, when
// the source image carries AVB metadata. It never touches or recomputes
// any signature descriptor.
func (o *BootImagePatchOption) SetVbmetaDisableFlags(flags VbmetaDisableFlag) *BootImagePatchOption {
	o.vbmetaDisableFlags = flags
	return o
}

func fileAlign(output PatchOutput, pos, alignment uint64) (uint64, error) {
	aligned := alignUp(pos, alignment)
	if _, err := output.Seek(int64(aligned), io.SeekStart); err != nil {
		return 0, wrapErr(ErrIO, err, "seek to page boundary")
	}
	return aligned, nil
}

func currentPos(output PatchOutput) (uint64, error) {
	pos, err := output.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, wrapErr(ErrIO, err, "read current position")
	}
	return uint64(pos), nil
}

func writeBlock(output PatchOutput, src io.Reader, compressed bool, format CompressFormat) (uint64, error) {
	if compressed || format == UNKNOWN {
		if _, err := io.Copy(output, src); err != nil {
			return 0, wrapErr(ErrIO, err, "write block")
		}
	} else {
		enc, err := NewEncoder(format, output)
		if err != nil {
			return 0, err
		}
		if _, err := io.Copy(enc, src); err != nil {
			return 0, wrapErr(ErrIO, err, "write compressed block")
		}
		if _, err := enc.Finish(); err != nil {
			return 0, err
		}
	}
	return currentPos(output)
}

// Patch re-emits a complete boot/vendor_boot image to output, applying
// every queued replacement and override. Block sizes are written
// sequentially and the header's size fields are back-patched once the
// final layout is known, since compression can change a block's size
// unpredictably. output is truncated to the source image's length first;
// callers pass a destination at least that large (patched output is
// usually close to but not identical to the source length).
func (o *BootImagePatchOption) Patch(output PatchOutput) error {
	src := o.source
	pageSize := uint64(src.Header.PageSize())

	if err := output.Truncate(int64(len(src.Data))); err != nil {
		return wrapErr(ErrIO, err, "truncate output")
	}
	if _, err := output.Seek(0, io.SeekStart); err != nil {
		return wrapErr(ErrIO, err, "seek to start")
	}

	var pos uint64
	headerOff := pos

	hdrSpace := src.Header.HdrSpace()
	if _, err := output.Write(src.Data[:hdrSpace]); err != nil {
		return wrapErr(ErrIO, err, "write header")
	}
	pos += hdrSpace

	// Kernel
	kernelOff := pos
	var kernelSize uint64
	switch {
	case o.replaceKernel != nil:
		format := UNKNOWN
		if !o.replaceKernel.compressed {
			if src.Blocks.Kernel == nil {
				return newErr(ErrInvalidBlockRange, "cannot determine kernel compression format: no source kernel")
			}
			format = src.Blocks.Kernel.CompressFormat
		}
		p, err := writeBlock(output, o.replaceKernel.data, o.replaceKernel.compressed, format)
		if err != nil {
			return err
		}
		pos = p
		kernelSize = pos - kernelOff
	case src.Blocks.Kernel != nil:
		if _, err := output.Write(src.Blocks.Kernel.Data); err != nil {
			return wrapErr(ErrIO, err, "write source kernel")
		}
		pos, _ = currentPos(output)
		kernelSize = pos - kernelOff
	}

	pos, err := fileAlign(output, pos, pageSize)
	if err != nil {
		return err
	}

	// Ramdisk / vendor ramdisk table
	ramdiskOff := pos
	var ramdiskSize uint64
	var patchedTable []VendorRamdiskEntry

	if src.Blocks.Ramdisk != nil && src.Blocks.Ramdisk.VendorRamdiskTable != nil {
		if o.replaceRamdisk != nil {
			return newErr(ErrInvalidReplacementUsage, "cannot replace ramdisk on a vendor boot v4 image, use ReplaceVendorRamdisk")
		}
		table := src.Blocks.Ramdisk.VendorRamdiskTable
		for index := range o.replaceVendorRamdisk {
			if index < 0 || index >= len(table) {
				return newErr(ErrInvalidReplacementIndex, "invalid vendor ramdisk index %d", index)
			}
		}
		patchedTable = make([]VendorRamdiskEntry, len(table))
		copy(patchedTable, table)

		for i := range patchedTable {
			entry := &patchedTable[i]
			payload := o.replaceVendorRamdisk[i]
			var r io.Reader
			compressed := true
			format := UNKNOWN
			if payload != nil {
				r = payload.data
				compressed = payload.compressed
				if !compressed {
					format = entry.CompressFormat
				}
			} else {
				r = bytes.NewReader(entry.Data)
			}

			entryOff := pos
			entry.EntryOffset = entryOff - ramdiskOff
			p, err := writeBlock(output, r, compressed, format)
			if err != nil {
				return err
			}
			pos = p
			entry.EntrySize = pos - entryOff
		}
		ramdiskSize = pos - ramdiskOff
	} else {
		if len(o.replaceVendorRamdisk) > 0 {
			return newErr(ErrInvalidReplacementUsage, "cannot replace vendor ramdisk on a non-vendor-boot-v4 image, use ReplaceRamdisk")
		}
		switch {
		case o.replaceRamdisk != nil:
			format := UNKNOWN
			if !o.replaceRamdisk.compressed {
				if src.Blocks.Ramdisk == nil {
					return newErr(ErrInvalidBlockRange, "cannot determine ramdisk compression format: no source ramdisk")
				}
				format = src.Blocks.Ramdisk.CompressFormat
			}
			p, err := writeBlock(output, o.replaceRamdisk.data, o.replaceRamdisk.compressed, format)
			if err != nil {
				return err
			}
			pos = p
			ramdiskSize = pos - ramdiskOff
		case src.Blocks.Ramdisk != nil:
			if _, err := output.Write(src.Blocks.Ramdisk.Data); err != nil {
				return wrapErr(ErrIO, err, "write source ramdisk")
			}
			pos, _ = currentPos(output)
			ramdiskSize = pos - ramdiskOff
		}
	}

	pos, err = fileAlign(output, pos, pageSize)
	if err != nil {
		return err
	}

	copyRaw := func(block []byte) (uint64, error) {
		off := pos
		if block != nil {
			if _, err := output.Write(block); err != nil {
				return 0, wrapErr(ErrIO, err, "write block")
			}
			pos, _ = currentPos(output)
		}
		size := pos - off
		pos, err = fileAlign(output, pos, pageSize)
		return size, err
	}

	secondSize, err := copyRaw(src.Blocks.Second)
	if err != nil {
		return err
	}
	recoveryDtboSize, err := copyRaw(src.Blocks.RecoveryDtbo)
	if err != nil {
		return err
	}
	dtbSize, err := copyRaw(src.Blocks.Dtb)
	if err != nil {
		return err
	}
	signatureSize, err := copyRaw(src.Blocks.Signature)
	if err != nil {
		return err
	}

	vendorRamdiskTableOff := pos
	var vendorRamdiskTableSize uint64
	if patchedTable != nil {
		for _, entry := range patchedTable {
			buf := patchVendorRamdiskEntry(entry.rawEntryBytes(), uint32(entry.EntrySize), uint32(entry.EntryOffset))
			if _, err := output.Write(buf); err != nil {
				return wrapErr(ErrIO, err, "write vendor ramdisk table entry")
			}
		}
		pos, _ = currentPos(output)
		vendorRamdiskTableSize = pos - vendorRamdiskTableOff
		pos, err = fileAlign(output, pos, pageSize)
		if err != nil {
			return err
		}
	}

	bootconfigSize, err := copyRaw(src.Blocks.Bootconfig)
	if err != nil {
		return err
	}

	// AVB footer/header preservation.
	if src.AvbInfo != nil {
		if src.AvbInfo.AvbTail != nil {
			if _, err := output.Write(src.AvbInfo.AvbTail); err != nil {
				return wrapErr(ErrIO, err, "write avb tail")
			}
			pos, _ = currentPos(output)
		}
		pos, err = fileAlign(output, pos, pageSize)
		if err != nil {
			return err
		}

		totalSize := pos
		pos, err = fileAlign(output, pos, legacyPageSize)
		if err != nil {
			return err
		}
		avbHeaderOff := pos
		headerBytes := src.AvbInfo.Header.Raw()
		if o.vbmetaDisableFlags != 0 {
			headerBytes = src.AvbInfo.Header.PatchDisableFlags(o.vbmetaDisableFlags)
		}
		if _, err := output.Write(headerBytes); err != nil {
			return wrapErr(ErrIO, err, "write avb header")
		}

		footerPatched := src.AvbInfo.Footer.Patch(totalSize, avbHeaderOff)
		if _, err := output.Seek(-int64(len(footerPatched)), io.SeekEnd); err != nil {
			return wrapErr(ErrIO, err, "seek to avb footer")
		}
		if _, err := output.Write(footerPatched); err != nil {
			return wrapErr(ErrIO, err, "write avb footer")
		}
	}

	// Back-patch header size fields.
	layout := src.Header.Layout()
	patchSize := func(offset uint16, size uint64) error {
		if offset == 0 {
			return nil
		}
		if _, err := output.Seek(int64(headerOff+uint64(offset)), io.SeekStart); err != nil {
			return wrapErr(ErrIO, err, "seek to size field")
		}
		var buf [4]byte
		putLE32(buf[:], uint32(size))
		if _, err := output.Write(buf[:]); err != nil {
			return wrapErr(ErrIO, err, "patch size field")
		}
		return nil
	}

	if err := patchSize(layout.OffsetKernelSize, kernelSize); err != nil {
		return err
	}
	if err := patchSize(layout.OffsetRamdiskSize, ramdiskSize); err != nil {
		return err
	}
	if err := patchSize(layout.OffsetSecondSize, secondSize); err != nil {
		return err
	}
	if err := patchSize(layout.OffsetRecoveryDtboSize, recoveryDtboSize); err != nil {
		return err
	}
	if err := patchSize(layout.OffsetDtbSize, dtbSize); err != nil {
		return err
	}
	if err := patchSize(layout.OffsetSignatureSize, signatureSize); err != nil {
		return err
	}
	if err := patchSize(layout.OffsetVendorRamdiskTableSize, vendorRamdiskTableSize); err != nil {
		return err
	}
	if err := patchSize(layout.OffsetBootconfigSize, bootconfigSize); err != nil {
		return err
	}

	if o.overrideCmdline != nil && layout.OffsetCmdline != 0 {
		buf := make([]byte, layout.SizeCmdline)
		copy(buf, o.overrideCmdline)
		if _, err := output.Seek(int64(headerOff+uint64(layout.OffsetCmdline)), io.SeekStart); err != nil {
			return wrapErr(ErrIO, err, "seek to cmdline field")
		}
		if _, err := output.Write(buf); err != nil {
			return wrapErr(ErrIO, err, "patch cmdline field")
		}
	}

	if o.overrideOsVer != nil && layout.OffsetOsVersion != 0 {
		packed := encodeOsVersion(*o.overrideOsVer, *o.overridePatchLvl)
		var buf [4]byte
		putLE32(buf[:], packed)
		if _, err := output.Seek(int64(headerOff+uint64(layout.OffsetOsVersion)), io.SeekStart); err != nil {
			return wrapErr(ErrIO, err, "seek to os_version field")
		}
		if _, err := output.Write(buf[:]); err != nil {
			return wrapErr(ErrIO, err, "patch os_version field")
		}
	}

	return nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// patchVendorRamdiskEntry returns a copy of the entry's raw on-disk bytes
// with ramdisk_size/ramdisk_offset rewritten, leaving name/type/board_id
// untouched.
func patchVendorRamdiskEntry(data []byte, size, offset uint32) []byte {
	out := append([]byte(nil), data...)
	putLE32(out[vendorRamdiskEntryLayout.OffsetRamdiskSize:], size)
	putLE32(out[vendorRamdiskEntryLayout.OffsetRamdiskOffset:], offset)
	return out
}
