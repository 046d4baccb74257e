// Package cpio implements the "newc" (070701) CPIO archive format used by
// Android ramdisks: fixed 110-byte ASCII-hex headers, 4-byte alignment
// between records, and a TRAILER!!! sentinel entry marking the end of the
// archive.
package cpio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/edsrzf/mmap-go"

	"bootimg"
	"bootimg/stub"
)

const magic = "070701"

// POSIX mode bits this package cares about: file type and permission.
const (
	TypeMask    = 0o170000
	TypeFifo    = 0o010000
	TypeChar    = 0o020000
	TypeDir     = 0o040000
	TypeBlock   = 0o060000
	TypeRegular = 0o100000
	TypeSocket  = 0o140000
	TypeSymlink = 0o120000
)

// Entry is one file, directory, symlink, or device node in an archive.
type Entry struct {
	Mode      uint32
	UID       uint32
	GID       uint32
	RdevMajor uint32
	RdevMinor uint32
	Data      []byte
}

// NewRegular builds a regular-file entry.
func NewRegular(mode uint32, data []byte) Entry {
	return Entry{Mode: mode | TypeRegular, Data: data}
}

// NewDir builds a directory entry.
func NewDir(mode uint32) Entry {
	return Entry{Mode: mode | TypeDir}
}

// NewSymlink builds a symlink entry pointing at target.
func NewSymlink(mode uint32, target string) Entry {
	return Entry{Mode: mode | TypeSymlink, Data: []byte(normPath(target))}
}

// NewCharDevice builds a character device node entry.
func NewCharDevice(mode, rdevMajor, rdevMinor uint32) Entry {
	return Entry{Mode: mode | TypeChar, RdevMajor: rdevMajor, RdevMinor: rdevMinor}
}

func (e Entry) String() string {
	bit := func(mask uint32, c byte) byte {
		if e.Mode&mask != 0 {
			return c
		}
		return '-'
	}
	typeChar := byte('?')
	switch e.Mode & TypeMask {
	case TypeDir:
		typeChar = 'd'
	case TypeRegular:
		typeChar = '-'
	case TypeSymlink:
		typeChar = 'l'
	case TypeBlock:
		typeChar = 'b'
	case TypeChar:
		typeChar = 'c'
	}
	perm := []byte{
		typeChar,
		bit(0o400, 'r'), bit(0o200, 'w'), bit(0o100, 'x'),
		bit(0o040, 'r'), bit(0o020, 'w'), bit(0o010, 'x'),
		bit(0o004, 'r'), bit(0o002, 'w'), bit(0o001, 'x'),
	}
	return fmt.Sprintf("%s\t%d\t%d\t%d\t%d:%d", perm, e.UID, e.GID, len(e.Data), e.RdevMajor, e.RdevMinor)
}

// Archive is an in-memory newc CPIO archive. Entries are kept in a name
// map plus a sorted key slice so Dump always emits entries in a stable,
// predictable order.
type Archive struct {
	Entries map[string]Entry
	Keys    []string
}

// New returns an empty archive.
func New() *Archive {
	return &Archive{Entries: make(map[string]Entry)}
}

func normPath(p string) string {
	return strings.TrimLeft(path.Clean(p), "/")
}

func readHexU32(b []byte) (uint32, error) {
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return 0, bootimg.WrapError(bootimg.ErrUnsupportedCpioMagic, err, "parse hex header field %q", b)
	}
	return uint32(v), nil
}

// the newc header is 6 bytes of magic followed by thirteen 8-byte hex
// fields: ino, mode, uid, gid, nlink, mtime, filesize, devmajor,
// devminor, rdevmajor, rdevminor, namesize, check.
const headerSize = 6 + 13*8

func alignTo4(pos uint64) uint64 {
	return (pos + 3) &^ 3
}

// LoadFromData parses an entire archive out of data. "." and ".." entries
// are skipped; a TRAILER!!! entry ends the archive, but if further bytes
// follow (as when a second archive has been concatenated) parsing resumes
// at the next "070701" magic rather than stopping outright.
func LoadFromData(data []byte) (*Archive, error) {
	a := New()
	pos := uint64(0)

	for pos < uint64(len(data)) {
		if pos+headerSize > uint64(len(data)) {
			return nil, bootimg.NewError(bootimg.ErrUnsupportedCpioMagic, "truncated cpio header")
		}
		hdr := data[pos : pos+headerSize]
		if !bytes.Equal(hdr[:6], []byte(magic)) {
			return nil, bootimg.NewError(bootimg.ErrUnsupportedCpioMagic, "unsupported cpio header magic %q", hdr[:6])
		}
		field := func(i int) []byte {
			off := 6 + i*8
			return hdr[off : off+8]
		}

		mode, err := readHexU32(field(1))
		if err != nil {
			return nil, err
		}
		uid, err := readHexU32(field(2))
		if err != nil {
			return nil, err
		}
		gid, err := readHexU32(field(3))
		if err != nil {
			return nil, err
		}
		fileSize, err := readHexU32(field(6))
		if err != nil {
			return nil, err
		}
		rdevMajor, err := readHexU32(field(9))
		if err != nil {
			return nil, err
		}
		rdevMinor, err := readHexU32(field(10))
		if err != nil {
			return nil, err
		}
		nameSize, err := readHexU32(field(11))
		if err != nil {
			return nil, err
		}

		pos += headerSize
		if pos+uint64(nameSize) > uint64(len(data)) {
			return nil, bootimg.NewError(bootimg.ErrCpioNameNotTerminated, "name extends past end of archive")
		}
		nameBytes := data[pos : pos+uint64(nameSize)]
		pos += uint64(nameSize)
		if len(nameBytes) == 0 || nameBytes[len(nameBytes)-1] != 0 {
			return nil, bootimg.NewError(bootimg.ErrCpioNameNotTerminated, "entry name was not NUL-terminated")
		}
		nameBytes = bytes.TrimRight(nameBytes, "\x00")
		if !utf8.Valid(nameBytes) {
			return nil, bootimg.NewError(bootimg.ErrCpioNameNotUTF8, "entry name is not valid utf-8")
		}
		name := string(nameBytes)
		pos = alignTo4(pos)

		if name == "." || name == ".." {
			continue
		}
		if name == "TRAILER!!!" {
			rest := data[pos:]
			idx := bytes.Index(rest, []byte(magic))
			if idx < 0 {
				break
			}
			pos += uint64(idx)
			continue
		}

		if pos+uint64(fileSize) > uint64(len(data)) {
			return nil, bootimg.NewError(bootimg.ErrInvalidEntrySize, "entry %q data extends past end of archive", name)
		}
		fileData := append([]byte(nil), data[pos:pos+uint64(fileSize)]...)
		pos += uint64(fileSize)
		pos = alignTo4(pos)

		a.addEntry(name, Entry{Mode: mode, UID: uid, GID: gid, RdevMajor: rdevMajor, RdevMinor: rdevMinor, Data: fileData})
	}
	return a, nil
}

// LoadFromFile memory-maps path and parses it, matching the engine-wide
// convention of reading a source image without first copying it.
func LoadFromFile(filePath string) (*Archive, error) {
	fd, err := os.OpenFile(filePath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, bootimg.WrapError(bootimg.ErrIO, err, "open cpio file")
	}
	defer fd.Close()

	m, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		return nil, bootimg.WrapError(bootimg.ErrIO, err, "mmap cpio file")
	}
	defer m.Unmap()

	return LoadFromData(m)
}

func (a *Archive) addEntry(name string, e Entry) {
	if _, exists := a.Entries[name]; !exists {
		a.Keys = append(a.Keys, name)
		sort.Strings(a.Keys)
	}
	a.Entries[name] = e
}

// Dump serializes the archive to out, sorted by entry name, terminated by
// the conventional TRAILER!!! entry. Each record's name field and data
// field are independently padded to a 4-byte boundary; the pad length is
// the distance to the next boundary, never the absolute aligned offset (a
// bug present in the implementation this format was ported from, where
// padding by the absolute offset writes the wrong number of zero bytes
// once pos has advanced past the first few records).
func (a *Archive) Dump(out io.Writer) error {
	pos := uint64(0)
	inode := int64(300000)

	write := func(b []byte) error {
		n, err := out.Write(b)
		pos += uint64(n)
		if err != nil {
			return bootimg.WrapError(bootimg.ErrIO, err, "write cpio data")
		}
		return nil
	}
	padTo4 := func() error {
		if n := alignTo4(pos) - pos; n > 0 {
			return write(make([]byte, n))
		}
		return nil
	}
	writeRecord := func(name string, e Entry) error {
		header := fmt.Sprintf(
			"070701%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
			inode, e.Mode, e.UID, e.GID, 1, 0, len(e.Data), 0, 0, e.RdevMajor, e.RdevMinor, len(name)+1, 0,
		)
		if err := write([]byte(header)); err != nil {
			return err
		}
		if err := write([]byte(name)); err != nil {
			return err
		}
		if err := write([]byte{0}); err != nil {
			return err
		}
		if err := padTo4(); err != nil {
			return err
		}
		if len(e.Data) == 0 {
			return nil
		}
		if err := write(e.Data); err != nil {
			return err
		}
		return padTo4()
	}

	for _, name := range a.Keys {
		if err := writeRecord(name, a.Entries[name]); err != nil {
			return err
		}
		inode++
	}
	return writeRecord("TRAILER!!!", Entry{Mode: 0o755})
}

// Rm removes path, and everything under it when recursive is set.
func (a *Archive) Rm(p string, recursive bool) {
	p = normPath(p)
	if _, ok := a.Entries[p]; ok {
		a.remove(p)
	}
	if !recursive {
		return
	}
	prefix := p + "/"
	for k := range a.Entries {
		if strings.HasPrefix(k, prefix) {
			a.remove(k)
		}
	}
}

func (a *Archive) remove(name string) {
	delete(a.Entries, name)
	for i, k := range a.Keys {
		if k == name {
			a.Keys = append(a.Keys[:i], a.Keys[i+1:]...)
			break
		}
	}
}

// Exists reports whether path is present in the archive.
func (a *Archive) Exists(p string) bool {
	_, ok := a.Entries[normPath(p)]
	return ok
}

// Add inserts file's contents (or target, for a symlink, or major/minor
// for a device node) as entryPath, replicating the host file's type.
func (a *Archive) Add(mode uint32, entryPath, file string) error {
	if strings.HasSuffix(entryPath, "/") {
		return bootimg.NewError(bootimg.ErrInvalidReplacementUsage, "path cannot end with / for add")
	}
	info, err := os.Lstat(file)
	if err != nil {
		return bootimg.WrapError(bootimg.ErrIO, err, "stat source file")
	}

	var data []byte
	var rdevMajor, rdevMinor uint32

	switch {
	case info.Mode().IsRegular():
		data, err = os.ReadFile(file)
		if err != nil {
			return bootimg.WrapError(bootimg.ErrIO, err, "read source file")
		}
		mode |= TypeRegular
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(file)
		if err != nil {
			return bootimg.WrapError(bootimg.ErrIO, err, "read symlink")
		}
		data = []byte(target)
		mode |= TypeSymlink
	default:
		if runtime.GOOS == "windows" {
			return bootimg.NewError(bootimg.ErrInvalidReplacementUsage, "device nodes unsupported on windows")
		}
		var st stub.Stat_t
		if err := stub.Stat(file, &st); err != nil {
			return bootimg.WrapError(bootimg.ErrIO, err, "stat device node")
		}
		rdevMajor = stub.Major(st.Rdev)
		rdevMinor = stub.Minor(st.Rdev)
		switch {
		case info.Mode()&os.ModeCharDevice != 0:
			mode |= TypeChar
		case info.Mode()&os.ModeDevice != 0:
			mode |= TypeBlock
		default:
			return bootimg.NewError(bootimg.ErrInvalidReplacementUsage, "unsupported file type for %s", file)
		}
	}

	a.addEntry(normPath(entryPath), Entry{Mode: mode, RdevMajor: rdevMajor, RdevMinor: rdevMinor, Data: data})
	return nil
}

// Mkdir inserts an empty directory entry.
func (a *Archive) Mkdir(mode uint32, dir string) {
	a.addEntry(normPath(dir), NewDir(mode))
}

// Ln inserts a symlink entry pointing at src.
func (a *Archive) Ln(src, dst string) {
	a.addEntry(normPath(dst), Entry{Mode: TypeSymlink, Data: []byte(normPath(src))})
}

// Mv renames an entry.
func (a *Archive) Mv(from, to string) error {
	from, to = normPath(from), normPath(to)
	e, ok := a.Entries[from]
	if !ok {
		return bootimg.NewError(bootimg.ErrInvalidReplacementUsage, "no such entry %s", from)
	}
	a.remove(from)
	a.addEntry(to, e)
	return nil
}

// Ls prints path's direct children (or every descendant when recursive)
// to w in a `ls -l`-ish form.
func (a *Archive) Ls(w io.Writer, p string, recursive bool) {
	p = normPath(p)
	prefix := "/" + p
	if p == "" || p == "." {
		// The archive root: every entry lies under it.
		prefix = ""
	}
	for _, name := range a.Keys {
		full := "/" + name
		if !strings.HasPrefix(full, prefix) {
			continue
		}
		rel := strings.TrimPrefix(full, prefix)
		if rel != "" && !strings.HasPrefix(rel, "/") {
			continue
		}
		if !recursive && strings.Count(strings.TrimPrefix(rel, "/"), "/") > 0 {
			continue
		}
		fmt.Fprintf(w, "%v\t%s\n", a.Entries[name], name)
	}
}

// extractEntry recreates a single archive entry on the real filesystem.
func extractEntry(e Entry, out string) error {
	if dir := path.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return bootimg.WrapError(bootimg.ErrIO, err, "create parent directory")
		}
	}
	mode := os.FileMode(e.Mode & 0o777)

	switch e.Mode & TypeMask {
	case TypeDir:
		if err := os.Mkdir(out, mode); err != nil && !os.IsExist(err) {
			return bootimg.WrapError(bootimg.ErrIO, err, "create directory")
		}
		return nil
	case TypeRegular:
		f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			return bootimg.WrapError(bootimg.ErrIO, err, "create file")
		}
		defer f.Close()
		if _, err := f.Write(e.Data); err != nil {
			return bootimg.WrapError(bootimg.ErrIO, err, "write file")
		}
		return nil
	case TypeSymlink:
		if err := os.Symlink(string(e.Data), out); err != nil {
			return bootimg.WrapError(bootimg.ErrIO, err, "create symlink")
		}
		return nil
	case TypeBlock, TypeChar:
		if runtime.GOOS == "windows" {
			return nil
		}
		dev := stub.Mkdev(e.RdevMajor, e.RdevMinor)
		if err := stub.Mknod(out, uint32(mode)|(e.Mode&TypeMask), int(dev)); err != nil {
			return bootimg.WrapError(bootimg.ErrIO, err, "create device node")
		}
		return nil
	default:
		return bootimg.NewError(bootimg.ErrInvalidReplacementUsage, "unknown entry type for %s", out)
	}
}

// Extract writes a single named entry to out on the real filesystem.
func (a *Archive) Extract(entryPath, out string) error {
	e, ok := a.Entries[normPath(entryPath)]
	if !ok {
		return bootimg.NewError(bootimg.ErrInvalidReplacementUsage, "no such entry %s", entryPath)
	}
	return extractEntry(e, out)
}

// ExtractAll writes every entry to the current directory, preserving the
// archive's relative paths.
func (a *Archive) ExtractAll() error {
	for _, name := range a.Keys {
		if name == "." || name == ".." {
			continue
		}
		if err := extractEntry(a.Entries[name], name); err != nil {
			return err
		}
	}
	return nil
}
