package bootimg

import "testing"

// TestLayoutTotalSizes guards the hand-computed offset tables against
// accidental drift: these totals are the documented on-disk sizes for
// each header variant.
func TestLayoutTotalSizes(t *testing.T) {
	cases := map[string]struct {
		layout HeaderLayout
		want   uint16
	}{
		"boot v0":        {BootHeaderV0, 1632},
		"boot v1":        {BootHeaderV1, 1648},
		"boot v2":        {BootHeaderV2, 1660},
		"boot v3":        {BootHeaderV3, 1580},
		"boot v4":        {BootHeaderV4, 1584},
		"vendor_boot v3": {VendorBootHeaderV3, 2112},
		"vendor_boot v4": {VendorBootHeaderV4, 2128},
	}
	for name, c := range cases {
		if c.layout.TotalSize != c.want {
			t.Errorf("%s: TotalSize = %d, want %d", name, c.layout.TotalSize, c.want)
		}
	}
}

func TestVendorRamdiskEntryLayoutSize(t *testing.T) {
	if vendorRamdiskEntryLayout.TotalSize != VendorRamdiskTableEntrySize {
		t.Fatalf("entry layout size %d != exported constant %d", vendorRamdiskEntryLayout.TotalSize, VendorRamdiskTableEntrySize)
	}
	if VendorRamdiskTableEntrySize != 108 {
		t.Fatalf("VendorRamdiskTableEntrySize = %d, want 108", VendorRamdiskTableEntrySize)
	}
}

func TestAvbFooterAndHeaderLayoutSizes(t *testing.T) {
	if avbFooterLayout.TotalSize != 64 {
		t.Fatalf("avb footer layout size = %d, want 64", avbFooterLayout.TotalSize)
	}
	if avbHeaderLayout.TotalSize != 256 {
		t.Fatalf("avb header layout size = %d, want 256", avbHeaderLayout.TotalSize)
	}
}
