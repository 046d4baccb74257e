// Command bootimg unpacks, repacks, and inspects Android boot and
// vendor_boot images, and manipulates newc CPIO archives extracted from
// them.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"

	"bootimg"
	"bootimg/cpio"
)

const (
	kernelFile       = "kernel"
	ramdiskFile      = "ramdisk.cpio"
	vendorRamdiskDir = "vendor_ramdisk"
	secondFile       = "second"
	dtbFile          = "dtb"
	recoveryDtboFile = "recovery_dtbo"
	bootconfigFile   = "bootconfig"
	signatureFile    = "signature"
	headerFile       = "header"
	newBoot          = "new-boot.img"
)

func usage() {
	fmt.Fprintf(os.Stderr, `bootimg - Android boot image inspection and patching tool

Usage: %[1]s <action> [args...]

Supported actions:
  unpack [-n] [-h] <bootimg>
    Unpack <bootimg> into its component files in the current directory:
    kernel, ramdisk.cpio, second, dtb, recovery_dtbo, bootconfig,
    signature, and vendor_ramdisk/<name>.cpio for each vendor ramdisk
    table entry. Components are decompressed on the fly unless '-n' is
    given. '-h' additionally dumps decoded header fields to 'header'.

  repack [-n] <origbootimg> [outbootimg]
    Repack component files from the current directory against
    <origbootimg>, writing to [outbootimg] (default %[2]s). Only kernel,
    ramdisk.cpio and vendor_ramdisk/<name>.cpio are read, each when
    present; second, dtb, recovery_dtbo, signature and bootconfig are
    always copied from <origbootimg>. Components are recompressed to
    their original per-block format unless '-n' is
    given. If the PATCHVBMETAFLAG environment variable is "true", the
    AVB vbmeta header's disable flags are set in the output.

  cpio <incpio> [commands...]
    Apply newc cpio commands to <incpio> in place. Each command is one
    argument: "exists PATH", "rm [-r] PATH", "mkdir MODE PATH",
    "add MODE PATH FILE", "ln SRC DST", "mv FROM TO", "ls [-r] [PATH]",
    "extract PATH OUT" or "extract" (extract everything to cwd).

`, filepath.Base(os.Args[0]), newBoot)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "unpack":
		err = runUnpack(os.Args[2:])
	case "repack":
		err = runRepack(os.Args[2:])
	case "cpio":
		err = runCpio(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func mmapRDONLY(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return m, func() error {
		if err := m.Unmap(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

func parseFlags(args []string, flags ...string) ([]string, map[string]bool) {
	set := make(map[string]bool, len(flags))
	var rest []string
	wanted := make(map[string]bool, len(flags))
	for _, f := range flags {
		wanted[f] = true
	}
	for _, a := range args {
		if wanted[a] {
			set[a] = true
			continue
		}
		rest = append(rest, a)
	}
	return rest, set
}

func runUnpack(args []string) error {
	args, flags := parseFlags(args, "-n", "-h")
	if len(args) < 1 {
		return fmt.Errorf("unpack: missing <bootimg>")
	}
	raw := flags["-n"]

	data, closeFn, err := mmapRDONLY(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	img, err := bootimg.ParseBootImage(data)
	if err != nil {
		return err
	}

	dump := func(name string, size int, fn func(*os.File) error) error {
		if size == 0 {
			return nil
		}
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		defer f.Close()
		fmt.Fprintf(os.Stderr, "%-20s %s\n", name, humanize.Bytes(uint64(size)))
		return fn(f)
	}

	if img.Blocks.Kernel != nil {
		if err := dump(kernelFile, len(img.Blocks.Kernel.Data), func(f *os.File) error {
			return img.Blocks.Kernel.Dump(f, raw)
		}); err != nil {
			return err
		}
	}

	if img.Blocks.Ramdisk != nil {
		if img.Blocks.Ramdisk.IsVendorRamdisk() {
			if err := os.MkdirAll(vendorRamdiskDir, 0o755); err != nil {
				return err
			}
			for i, entry := range img.Blocks.Ramdisk.VendorRamdiskTable {
				name := filepath.Join(vendorRamdiskDir, entry.Name()+".cpio")
				if entry.Name() == "" {
					name = filepath.Join(vendorRamdiskDir, strconv.Itoa(i)+".cpio")
				}
				if err := dump(name, len(entry.Data), func(f *os.File) error {
					return entry.Dump(f, raw)
				}); err != nil {
					return err
				}
			}
		} else if err := dump(ramdiskFile, len(img.Blocks.Ramdisk.Data), func(f *os.File) error {
			return img.Blocks.Ramdisk.Dump(f, raw)
		}); err != nil {
			return err
		}
	}

	rawDump := func(name string, block []byte) error {
		return dump(name, len(block), func(f *os.File) error {
			_, err := f.Write(block)
			return err
		})
	}
	if err := rawDump(secondFile, img.Blocks.Second); err != nil {
		return err
	}
	if err := rawDump(dtbFile, img.Blocks.Dtb); err != nil {
		return err
	}
	if err := rawDump(recoveryDtboFile, img.Blocks.RecoveryDtbo); err != nil {
		return err
	}
	if err := rawDump(signatureFile, img.Blocks.Signature); err != nil {
		return err
	}
	if err := rawDump(bootconfigFile, img.Blocks.Bootconfig); err != nil {
		return err
	}

	if flags["-h"] {
		f, err := os.Create(headerFile)
		if err != nil {
			return err
		}
		defer f.Close()
		fmt.Fprintf(f, "header_version=%d\n", img.Header.HeaderVersion())
		fmt.Fprintf(f, "page_size=%d\n", img.Header.PageSize())
		fmt.Fprintf(f, "cmdline=%s\n", string(img.Header.Cmdline()))
		if !img.Header.Vendor() {
			osVer, patchLvl := img.Header.OsVersion()
			fmt.Fprintf(f, "os_version=%s\n", osVer.String())
			fmt.Fprintf(f, "os_patch_level=%s\n", patchLvl.String())
		}
	}
	return nil
}

func runRepack(args []string) error {
	args, flags := parseFlags(args, "-n")
	if len(args) < 1 {
		return fmt.Errorf("repack: missing <origbootimg>")
	}
	skipCompress := flags["-n"]

	out := newBoot
	if len(args) > 1 {
		out = args[1]
	}

	data, closeFn, err := mmapRDONLY(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	img, err := bootimg.ParseBootImage(data)
	if err != nil {
		return err
	}

	srcInfo, err := os.Stat(args[0])
	if err != nil {
		return err
	}
	if err := copyFile(args[0], out); err != nil {
		return err
	}
	if err := os.Truncate(out, srcInfo.Size()); err != nil {
		return err
	}

	f, err := os.OpenFile(out, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	opt := bootimg.NewBootImagePatchOption(img)

	if r, closeR, err := maybeOpen(ramdiskFile); err == nil && r != nil {
		defer closeR()
		opt.ReplaceRamdisk(r, skipCompress)
	}
	if r, closeR, err := maybeOpen(kernelFile); err == nil && r != nil {
		defer closeR()
		opt.ReplaceKernel(r, skipCompress)
	}
	if img.Blocks.Ramdisk != nil && img.Blocks.Ramdisk.IsVendorRamdisk() {
		for i, entry := range img.Blocks.Ramdisk.VendorRamdiskTable {
			name := filepath.Join(vendorRamdiskDir, entry.Name()+".cpio")
			if entry.Name() == "" {
				name = filepath.Join(vendorRamdiskDir, strconv.Itoa(i)+".cpio")
			}
			if r, closeR, err := maybeOpen(name); err == nil && r != nil {
				defer closeR()
				opt.ReplaceVendorRamdisk(i, r, skipCompress)
			}
		}
	}
	if os.Getenv("PATCHVBMETAFLAG") == "true" {
		opt.SetVbmetaDisableFlags(bootimg.VbmetaFlagHashtreeDisabled | bootimg.VbmetaFlagVerificationDisabled)
	}

	if err := opt.Patch(f); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Repacked to %s\n", out)
	return nil
}

func maybeOpen(name string) (*os.File, func() error, error) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return f, f.Close, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}

func runCpio(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("cpio: missing <incpio>")
	}
	path := args[0]

	var a *cpio.Archive
	if _, err := os.Stat(path); err == nil {
		loaded, err := cpio.LoadFromFile(path)
		if err != nil {
			return err
		}
		a = loaded
	} else {
		a = cpio.New()
	}

	for _, cmdLine := range args[1:] {
		if err := runCpioCommand(a, cmdLine); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return a.Dump(f)
}

func runCpioCommand(a *cpio.Archive, line string) error {
	fields := splitFields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "exists":
		fmt.Fprintf(os.Stderr, "%v\n", a.Exists(fields[1]))
	case "rm":
		recursive := len(fields) > 2 && fields[1] == "-r"
		p := fields[1]
		if recursive {
			p = fields[2]
		}
		a.Rm(p, recursive)
		fmt.Fprintf(os.Stderr, "Removed entry [%s]\n", p)
	case "mkdir":
		mode, err := strconv.ParseUint(fields[1], 8, 32)
		if err != nil {
			return err
		}
		a.Mkdir(uint32(mode), fields[2])
	case "add":
		mode, err := strconv.ParseUint(fields[1], 8, 32)
		if err != nil {
			return err
		}
		return a.Add(uint32(mode), fields[2], fields[3])
	case "ln":
		a.Ln(fields[1], fields[2])
	case "mv":
		return a.Mv(fields[1], fields[2])
	case "ls":
		recursive := len(fields) > 1 && fields[1] == "-r"
		rest := fields[1:]
		if recursive {
			rest = fields[2:]
		}
		p := ""
		if len(rest) > 0 {
			p = rest[0]
		}
		a.Ls(os.Stderr, p, recursive)
	case "extract":
		if len(fields) >= 3 {
			return a.Extract(fields[1], fields[2])
		}
		return a.ExtractAll()
	default:
		return fmt.Errorf("unknown cpio command %q", fields[0])
	}
	return nil
}

func splitFields(line string) []string {
	var out []string
	cur := ""
	inField := false
	for _, r := range line {
		if r == ' ' || r == '\t' {
			if inField {
				out = append(out, cur)
				cur = ""
				inField = false
			}
			continue
		}
		cur += string(r)
		inField = true
	}
	if inField {
		out = append(out, cur)
	}
	return out
}
