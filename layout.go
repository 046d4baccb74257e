package bootimg

// HeaderLayout is a data-driven description of one boot/vendor_boot header
// variant's field offsets within the header, rather than a decoded struct.
// A zero offset means the field does not exist in that variant; callers
// must treat offset 0 as "absent", never as a valid field location, since
// every real field lives after the 8-byte magic.
type HeaderLayout struct {
	Name string

	OffsetKernelSize     uint16
	OffsetRamdiskSize    uint16
	OffsetSecondSize     uint16
	OffsetPageSize       uint16
	OffsetHeaderVersion  uint16
	OffsetOsVersion      uint16

	OffsetRecoveryDtboSize   uint16
	OffsetRecoveryDtboOffset uint16
	OffsetHeaderSize         uint16
	OffsetDtbSize            uint16

	OffsetSignatureSize uint16

	OffsetVendorRamdiskTableSize      uint16
	OffsetVendorRamdiskTableEntryNum  uint16
	OffsetVendorRamdiskTableEntrySize uint16
	OffsetBootconfigSize              uint16

	OffsetName    uint16
	SizeName      uint16
	OffsetCmdline uint16
	SizeCmdline   uint16
	OffsetID      uint16
	SizeID        uint16

	TotalSize uint16
}

// Fixed-size fields of the legacy (v0-v2) boot header, AOSP bootimg.h.
const (
	bootNameSize       = 16
	bootArgsSize       = 512
	bootIDSize         = 32
	bootExtraArgsSize  = 1024
	vendorBootArgsSize = 2048
	vendorRamdiskNameSize = 32
	vendorRamdiskBoardIDWords = 16
)

// BootHeaderV0 covers the original header_version-less layout plus the
// header_version field (kept at offset 40 by every later boot revision)
// and the os_version field (which v3/v4 move to offset 16).
var BootHeaderV0 = HeaderLayout{
	Name:                "BOOT_HEADER_V0",
	OffsetKernelSize:    8,
	OffsetRamdiskSize:   16,
	OffsetSecondSize:    24,
	OffsetPageSize:      36,
	OffsetHeaderVersion: 40,
	OffsetOsVersion:     44,
	OffsetName:          48,
	SizeName:            bootNameSize,
	OffsetCmdline:       64,
	SizeCmdline:         bootArgsSize,
	OffsetID:            576,
	SizeID:              bootIDSize,
	TotalSize:           1632,
}

// BootHeaderV1 adds the recovery dtbo fields and an explicit header_size.
var BootHeaderV1 = func() HeaderLayout {
	l := BootHeaderV0
	l.Name = "BOOT_HEADER_V1"
	l.OffsetRecoveryDtboSize = 1632
	l.OffsetRecoveryDtboOffset = 1636
	l.OffsetHeaderSize = 1644
	l.TotalSize = 1648
	return l
}()

// BootHeaderV2 adds dtb_size/dtb_addr.
var BootHeaderV2 = func() HeaderLayout {
	l := BootHeaderV1
	l.Name = "BOOT_HEADER_V2"
	l.OffsetDtbSize = 1648
	l.TotalSize = 1660
	return l
}()

// BootHeaderV3 replaces the v0-v2 layout entirely: no kernel/ramdisk/second
// addr fields (those moved to the vendor_boot header), a single combined
// cmdline field, and a fixed 4096 page size no longer stored in the header.
var BootHeaderV3 = HeaderLayout{
	Name:                "BOOT_HEADER_V3",
	OffsetKernelSize:    8,
	OffsetRamdiskSize:   12,
	OffsetOsVersion:     16,
	OffsetHeaderSize:    20,
	OffsetHeaderVersion: 40,
	OffsetCmdline:       44,
	SizeCmdline:         bootArgsSize + bootExtraArgsSize,
	TotalSize:           1580,
}

// BootHeaderV4 adds the boot signature block.
var BootHeaderV4 = func() HeaderLayout {
	l := BootHeaderV3
	l.Name = "BOOT_HEADER_V4"
	l.OffsetSignatureSize = 1580
	l.TotalSize = 1584
	return l
}()

// VendorBootHeaderV3 is the vendor_boot header introduced alongside
// BOOT_HEADER_V3; it carries the fields v3/v4 boot images no longer do
// (kernel/ramdisk/tags addrs, page_size, board name, dtb).
var VendorBootHeaderV3 = HeaderLayout{
	Name:                "VENDOR_BOOT_HEADER_V3",
	OffsetHeaderVersion: 8,
	OffsetPageSize:      12,
	OffsetRamdiskSize:   24,
	OffsetCmdline:       28,
	SizeCmdline:         vendorBootArgsSize,
	OffsetName:          2080,
	SizeName:            bootNameSize,
	OffsetHeaderSize:    2096,
	OffsetDtbSize:       2100,
	TotalSize:           2112,
}

// VendorBootHeaderV4 adds the vendor ramdisk table and bootconfig fields.
var VendorBootHeaderV4 = func() HeaderLayout {
	l := VendorBootHeaderV3
	l.Name = "VENDOR_BOOT_HEADER_V4"
	l.OffsetVendorRamdiskTableSize = 2112
	l.OffsetVendorRamdiskTableEntryNum = 2116
	l.OffsetVendorRamdiskTableEntrySize = 2120
	l.OffsetBootconfigSize = 2124
	l.TotalSize = 2128
	return l
}()

// vendorRamdiskTableEntryLayout describes one fixed 108-byte entry of
// the v4 vendor ramdisk table.
type vendorRamdiskTableEntryLayout struct {
	OffsetRamdiskSize   uint16
	OffsetRamdiskOffset uint16
	OffsetRamdiskType   uint16
	OffsetRamdiskName   uint16
	SizeRamdiskName     uint16
	OffsetBoardID       uint16
	SizeBoardID         uint16
	TotalSize           uint16
}

var vendorRamdiskEntryLayout = vendorRamdiskTableEntryLayout{
	OffsetRamdiskSize:   0,
	OffsetRamdiskOffset: 4,
	OffsetRamdiskType:   8,
	OffsetRamdiskName:   12,
	SizeRamdiskName:     vendorRamdiskNameSize,
	OffsetBoardID:       44,
	SizeBoardID:         vendorRamdiskBoardIDWords * 4,
	TotalSize:           108,
}

// VendorRamdiskTableEntrySize is the fixed on-disk size of a single vendor
// ramdisk table entry.
const VendorRamdiskTableEntrySize = 108

// avbFooterLayout describes the 64-byte AVB footer that trails an image
// signed by avbtool, immediately after the 4-byte "AVBf" magic.
type avbFooterFieldLayout struct {
	OffsetVersionMajor       uint16
	OffsetVersionMinor       uint16
	OffsetOriginalImageSize  uint16
	OffsetVBMetaOffset       uint16
	OffsetVBMetaSize         uint16
	TotalSize                uint16
}

var avbFooterLayout = avbFooterFieldLayout{
	OffsetVersionMajor:      4,
	OffsetVersionMinor:      8,
	OffsetOriginalImageSize: 12,
	OffsetVBMetaOffset:      20,
	OffsetVBMetaSize:        28,
	TotalSize:               64,
}

// avbHeaderLayout describes the fixed 256-byte prefix of an AVB vbmeta
// image, immediately after the 4-byte "AVB0" magic.
type avbHeaderFieldLayout struct {
	OffsetFlags          uint16
	OffsetReleaseString  uint16
	SizeReleaseString    uint16
	TotalSize            uint16
}

var avbHeaderLayout = avbHeaderFieldLayout{
	OffsetFlags:         120,
	OffsetReleaseString: 128,
	SizeReleaseString:   48,
	TotalSize:           256,
}
