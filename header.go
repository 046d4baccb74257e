package bootimg

import (
	"encoding/binary"
	"fmt"
)

const (
	bootMagic       = "ANDROID!"
	vendorBootMagic = "VNDRBOOT"
	legacyPageSize  = 4096 // fixed page size for header_version >= 3
)

// OsVersion is the decoded A.B.C platform version packed into a legacy
// header's os_version field.
type OsVersion struct {
	Major, Minor, Patch uint32
}

func (v OsVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// PatchLevel is the decoded year/month security patch level packed
// alongside OsVersion in the same 32-bit field.
type PatchLevel struct {
	Year, Month uint32
}

func (p PatchLevel) String() string {
	return fmt.Sprintf("%d-%02d", p.Year, p.Month)
}

// decodeOsVersion splits the packed os_version header field into its
// version and patch-level halves, per AOSP's bootimg.h encoding: the top
// 21 bits hold A.B.C (7 bits each), the bottom 11 bits hold the patch
// level (7 bits for year offset from 2000, 4 bits for month).
func decodeOsVersion(packed uint32) (OsVersion, PatchLevel) {
	osVer := packed >> 11
	patch := packed & 0x7ff
	v := OsVersion{
		Major: osVer >> 14,
		Minor: (osVer >> 7) & 0x7f,
		Patch: osVer & 0x7f,
	}
	p := PatchLevel{
		Year:  (patch >> 4) + 2000,
		Month: patch & 0xf,
	}
	return v, p
}

// encodeOsVersion is the inverse of decodeOsVersion, used when the
// override-os-version patch option is in effect.
func encodeOsVersion(v OsVersion, p PatchLevel) uint32 {
	osVer := (v.Major << 14) | ((v.Minor & 0x7f) << 7) | (v.Patch & 0x7f)
	var year uint32
	if p.Year >= 2000 {
		year = p.Year - 2000
	}
	patch := ((year & 0x7f) << 4) | (p.Month & 0xf)
	return (osVer << 11) | patch
}

// BootHeader is a decoded view over a boot or vendor_boot header, backed
// by the raw header bytes and a HeaderLayout describing where each field
// lives. It never copies the header out of the source image.
type BootHeader struct {
	data   []byte
	layout HeaderLayout
	vendor bool
}

// parseBootHeader inspects the magic at the start of data and selects the
// matching HeaderLayout by header_version, returning a BootHeader bound to
// data[:layout.TotalSize].
func parseBootHeader(data []byte) (*BootHeader, error) {
	if len(data) < 8 {
		return nil, newErr(ErrInvalidMagic, "image too small for a header magic")
	}
	switch string(data[:8]) {
	case bootMagic:
		return parseBootHeaderVariant(data, false)
	case vendorBootMagic:
		return parseBootHeaderVariant(data, true)
	default:
		return nil, newErr(ErrInvalidMagic, "unrecognized magic %q", data[:8])
	}
}

func parseBootHeaderVariant(data []byte, vendor bool) (*BootHeader, error) {
	var versionOffset uint16 = 40
	if vendor {
		versionOffset = 8
	}
	if len(data) < int(versionOffset)+4 {
		return nil, newErr(ErrInvalidBlockRange, "image too small for header_version field")
	}
	version := binary.LittleEndian.Uint32(data[versionOffset : versionOffset+4])

	var layout HeaderLayout
	switch {
	case vendor && version == 3:
		layout = VendorBootHeaderV3
	case vendor && version == 4:
		layout = VendorBootHeaderV4
	case vendor:
		return nil, newErr(ErrUnsupportedVersion, "unsupported vendor_boot header_version %d", version)
	case version == 0:
		layout = BootHeaderV0
	case version == 1:
		layout = BootHeaderV1
	case version == 2:
		layout = BootHeaderV2
	case version == 3:
		layout = BootHeaderV3
	case version == 4:
		layout = BootHeaderV4
	default:
		return nil, newErr(ErrUnsupportedVersion, "unsupported boot header_version %d", version)
	}

	if len(data) < int(layout.TotalSize) {
		return nil, newErr(ErrInvalidBlockRange, "image too small for %s (need %d bytes, have %d)",
			layout.Name, layout.TotalSize, len(data))
	}
	return &BootHeader{data: data[:layout.TotalSize], layout: layout, vendor: vendor}, nil
}

func (h *BootHeader) u32(offset uint16) uint32 {
	if offset == 0 {
		return 0
	}
	return binary.LittleEndian.Uint32(h.data[offset : offset+4])
}

func (h *BootHeader) u64(offset uint16) uint64 {
	if offset == 0 {
		return 0
	}
	return binary.LittleEndian.Uint64(h.data[offset : offset+8])
}

func (h *BootHeader) bytes(offset, size uint16) []byte {
	if offset == 0 || size == 0 {
		return nil
	}
	return h.data[offset : offset+size]
}

// Layout exposes the selected HeaderLayout, mainly for diagnostics.
func (h *BootHeader) Layout() HeaderLayout { return h.layout }

// Vendor reports whether this is a vendor_boot header rather than a boot
// header.
func (h *BootHeader) Vendor() bool { return h.vendor }

// HeaderVersion returns the header_version field common to every variant.
func (h *BootHeader) HeaderVersion() uint32 { return h.u32(h.layout.OffsetHeaderVersion) }

// KernelSize returns the kernel block size, or 0 for vendor_boot headers
// (which carry no kernel block).
func (h *BootHeader) KernelSize() uint32 { return h.u32(h.layout.OffsetKernelSize) }

// RamdiskSize returns the primary/vendor ramdisk block size.
func (h *BootHeader) RamdiskSize() uint32 { return h.u32(h.layout.OffsetRamdiskSize) }

// SecondSize returns the second-stage bootloader block size (legacy
// headers only).
func (h *BootHeader) SecondSize() uint32 { return h.u32(h.layout.OffsetSecondSize) }

// PageSize returns the page-alignment unit blocks are padded to. Legacy
// (v0-v2) and vendor_boot headers store this explicitly; v3/v4 boot
// headers always use the fixed 4096-byte page size.
func (h *BootHeader) PageSize() uint32 {
	if h.layout.OffsetPageSize == 0 {
		return legacyPageSize
	}
	return h.u32(h.layout.OffsetPageSize)
}

// OsVersion decodes the packed os_version field, present on every boot
// header variant but absent from vendor_boot.
func (h *BootHeader) OsVersion() (OsVersion, PatchLevel) {
	return decodeOsVersion(h.u32(h.layout.OffsetOsVersion))
}

// RecoveryDtboSize returns the recovery_dtbo block size (v1+ boot headers
// only).
func (h *BootHeader) RecoveryDtboSize() uint32 { return h.u32(h.layout.OffsetRecoveryDtboSize) }

// RecoveryDtboOffset returns the in-image offset of the recovery_dtbo
// block as recorded by the header (v1+ boot headers only).
func (h *BootHeader) RecoveryDtboOffset() uint64 { return h.u64(h.layout.OffsetRecoveryDtboOffset) }

// DtbSize returns the dtb block size (v2 boot headers and vendor_boot).
func (h *BootHeader) DtbSize() uint32 { return h.u32(h.layout.OffsetDtbSize) }

// HeaderSize returns the header's own declared size, when the variant
// stores one (v1+ boot, all vendor_boot).
func (h *BootHeader) HeaderSize() uint32 { return h.u32(h.layout.OffsetHeaderSize) }

// SignatureSize returns the boot signature block size (v4 boot headers
// only).
func (h *BootHeader) SignatureSize() uint32 { return h.u32(h.layout.OffsetSignatureSize) }

// VendorRamdiskTableSize returns the total byte size of the vendor
// ramdisk table (v4 vendor_boot only).
func (h *BootHeader) VendorRamdiskTableSize() uint32 {
	return h.u32(h.layout.OffsetVendorRamdiskTableSize)
}

// VendorRamdiskTableEntryNum returns the number of entries in the vendor
// ramdisk table (v4 vendor_boot only).
func (h *BootHeader) VendorRamdiskTableEntryNum() uint32 {
	return h.u32(h.layout.OffsetVendorRamdiskTableEntryNum)
}

// VendorRamdiskTableEntrySize returns the declared per-entry size of the
// vendor ramdisk table (v4 vendor_boot only); expected to equal
// VendorRamdiskTableEntrySize.
func (h *BootHeader) VendorRamdiskTableEntrySize() uint32 {
	return h.u32(h.layout.OffsetVendorRamdiskTableEntrySize)
}

// BootconfigSize returns the trailing bootconfig block size (v4
// vendor_boot only).
func (h *BootHeader) BootconfigSize() uint32 { return h.u32(h.layout.OffsetBootconfigSize) }

// Name returns the board name field (legacy boot and vendor_boot only).
func (h *BootHeader) Name() []byte { return h.bytes(h.layout.OffsetName, h.layout.SizeName) }

// Cmdline returns the kernel command line field.
func (h *BootHeader) Cmdline() []byte { return h.bytes(h.layout.OffsetCmdline, h.layout.SizeCmdline) }

// ID returns the boot image id/hash field (legacy boot headers only).
func (h *BootHeader) ID() []byte { return h.bytes(h.layout.OffsetID, h.layout.SizeID) }

// HdrSpace returns the number of bytes the header occupies on disk,
// page-aligned: the layout's static TotalSize rounded up to PageSize(),
// regardless of any runtime header_size field.
func (h *BootHeader) HdrSpace() uint64 {
	return alignUp(uint64(h.layout.TotalSize), uint64(h.PageSize()))
}
