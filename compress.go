package bootimg

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"

	dsbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/foobaz/go-zopfli/zopfli"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Encoder is a streaming compressor with an explicit finish step, since
// several codecs (xz, lzma, bzip2, lz4-frame, lz4-legacy, zopfli) need a
// trailer/flush distinct from simply dropping the writer.
type Encoder interface {
	io.Writer
	// Finish flushes any buffered state and trailer bytes, returning the
	// underlying sink. The encoder must not be used again afterwards.
	Finish() (io.Writer, error)
}

// closeFinisher adapts a plain io.WriteCloser, whose Close does all the
// trailer work and nothing more needs to happen to the sink, to Encoder.
type closeFinisher struct {
	io.Writer
	sink  io.Writer
	close func() error
}

func (c *closeFinisher) Finish() (io.Writer, error) {
	if err := c.close(); err != nil {
		return nil, wrapErr(ErrEncode, err, "finish encoder")
	}
	return c.sink, nil
}

// NewEncoder returns a streaming encoder for format f writing to w. Callers
// must call Finish before the underlying sink is used for anything else.
func NewEncoder(f CompressFormat, w io.Writer) (Encoder, error) {
	switch f {
	case XZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, wrapErr(ErrEncode, err, "create xz encoder")
		}
		return &closeFinisher{Writer: xw, sink: w, close: xw.Close}, nil

	case LZMA:
		cfg := lzma.WriterConfig{EOSMarker: true}
		lw, err := cfg.NewWriter(w)
		if err != nil {
			return nil, wrapErr(ErrEncode, err, "create lzma encoder")
		}
		return &closeFinisher{Writer: lw, sink: w, close: lw.Close}, nil

	case BZIP2:
		bw, err := dsbzip2.NewWriter(w, &dsbzip2.WriterConfig{Level: dsbzip2.BestCompression})
		if err != nil {
			return nil, wrapErr(ErrEncode, err, "create bzip2 encoder")
		}
		return &closeFinisher{Writer: bw, sink: w, close: bw.Close}, nil

	case LZ4:
		lw := lz4.NewWriter(w)
		if err := lw.Apply(
			lz4.BlockSizeOption(lz4.Block4Mb),
			lz4.BlockModeOption(lz4.BlockIndependent),
			lz4.ChecksumOption(true),
			lz4.BlockChecksumOption(true),
			lz4.CompressionLevelOption(lz4.Level9),
		); err != nil {
			return nil, wrapErr(ErrEncode, err, "configure lz4 encoder")
		}
		return &closeFinisher{Writer: lw, sink: w, close: lw.Close}, nil

	case LZ4Legacy:
		return newLZ4BlockEncoder(w, false), nil

	case ZOPFLI:
		return newZopfliEncoder(w), nil

	case GZIP:
		gw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return nil, wrapErr(ErrEncode, err, "create gzip encoder")
		}
		return &closeFinisher{Writer: gw, sink: w, close: gw.Close}, nil

	default:
		return nil, newErr(ErrUnknownCompression, "no encoder for format %s", f)
	}
}

// NewDecoder returns a streaming decompressor for format f reading from r.
// UNKNOWN and LZOP are not supported.
func NewDecoder(f CompressFormat, r io.Reader) (io.Reader, error) {
	switch f {
	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, wrapErr(ErrDecode, err, "create xz decoder")
		}
		return xr, nil
	case LZMA:
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, wrapErr(ErrDecode, err, "create lzma decoder")
		}
		return lr, nil
	case BZIP2:
		br, err := dsbzip2.NewReader(r, nil)
		if err != nil {
			return nil, wrapErr(ErrDecode, err, "create bzip2 decoder")
		}
		return br, nil
	case LZ4:
		return lz4.NewReader(r), nil
	case LZ4Legacy:
		return newLZ4BlockDecoder(r), nil
	case ZOPFLI, GZIP:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, wrapErr(ErrDecode, err, "create gzip decoder")
		}
		return gr, nil
	default:
		return nil, newErr(ErrUnknownCompression, "no decoder for format %s", f)
	}
}

// Chunker accumulates writes into fixed-size chunks, handing each full
// chunk back to the caller as it fills. Used by the LZ4 legacy encoder,
// whose block framing requires knowing each block's boundary up front.
type Chunker struct {
	buf  []byte
	size int
	pos  int
}

func NewChunker(size int) *Chunker {
	return &Chunker{buf: make([]byte, size), size: size}
}

// AddData consumes as much of buf as fits the current chunk, returning the
// unconsumed remainder and, if a chunk just completed, that chunk.
func (c *Chunker) AddData(buf []byte) (rest []byte, chunk []byte) {
	if c.pos > 0 {
		n := c.size - c.pos
		if n > len(buf) {
			n = len(buf)
		}
		copy(c.buf[c.pos:c.pos+n], buf[:n])
		c.pos += n
		buf = buf[n:]
		if c.pos == c.size {
			chunk = c.buf[:c.size]
			c.pos = 0
		}
		return buf, chunk
	}
	if len(buf) >= c.size {
		return buf[c.size:], buf[:c.size]
	}
	copy(c.buf[:len(buf)], buf)
	c.pos = len(buf)
	return nil, nil
}

// Available returns and clears whatever partial chunk remains, for use at
// finish time.
func (c *Chunker) Available() []byte {
	chunk := c.buf[:c.pos]
	c.pos = 0
	return chunk
}

// LZ4 legacy block format, per spec §4.5:
//
//	magic(4) | (compressed_block_size(4) compressed_block_data)* | [total_size(4)]
const (
	lz4BlockSize = 8 << 20 // 8 MiB
	lz4Magic     = 0x184c2102
	lz4HCLevel   = 12
)

type lz4BlockEncoder struct {
	w        io.Writer
	chunker  *Chunker
	outBuf   []byte
	total    uint32
	wroteHdr bool
	isLG     bool
	err      error
}

func newLZ4BlockEncoder(w io.Writer, lg bool) *lz4BlockEncoder {
	return &lz4BlockEncoder{
		w:       w,
		chunker: NewChunker(lz4BlockSize),
		outBuf:  make([]byte, lz4.CompressBlockBound(lz4BlockSize)),
		isLG:    lg,
	}
}

func (e *lz4BlockEncoder) encodeBlock(chunk []byte) error {
	c := lz4.CompressorHC{Level: lz4HCLevel}
	n, err := c.CompressBlock(chunk, e.outBuf)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(n))
	if _, err := e.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = e.w.Write(e.outBuf[:n])
	return err
}

func (e *lz4BlockEncoder) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if !e.wroteHdr {
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], lz4Magic)
		if _, err := e.w.Write(hdr[:]); err != nil {
			e.err = err
			return 0, err
		}
		e.wroteHdr = true
	}
	e.total += uint32(len(p))
	buf := p
	for len(buf) > 0 {
		rest, chunk := e.chunker.AddData(buf)
		buf = rest
		if chunk != nil {
			if err := e.encodeBlock(chunk); err != nil {
				e.err = err
				return 0, err
			}
		}
	}
	return len(p), nil
}

func (e *lz4BlockEncoder) Finish() (io.Writer, error) {
	if e.err != nil {
		return nil, e.err
	}
	if chunk := e.chunker.Available(); len(chunk) > 0 {
		if err := e.encodeBlock(chunk); err != nil {
			return nil, wrapErr(ErrEncode, err, "finish lz4 legacy block")
		}
	}
	if e.isLG {
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], e.total)
		if _, err := e.w.Write(hdr[:]); err != nil {
			return nil, wrapErr(ErrEncode, err, "write lz4 legacy trailer")
		}
	}
	return e.w, nil
}

type lz4BlockDecoder struct {
	r      io.Reader
	inBuf  []byte
	outBuf []byte
	outLen int
	outPos int
	eof    bool
}

func newLZ4BlockDecoder(r io.Reader) *lz4BlockDecoder {
	return &lz4BlockDecoder{
		r:      r,
		inBuf:  make([]byte, lz4.CompressBlockBound(lz4BlockSize)),
		outBuf: make([]byte, lz4BlockSize),
	}
}

func (d *lz4BlockDecoder) Read(p []byte) (int, error) {
	if d.eof {
		return 0, io.EOF
	}
	if d.outPos == d.outLen {
		var hdr [4]byte
		if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				d.eof = true
				return 0, io.EOF
			}
			return 0, err
		}
		blockSize := binary.LittleEndian.Uint32(hdr[:])
		if blockSize == lz4Magic {
			if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
				return 0, err
			}
			blockSize = binary.LittleEndian.Uint32(hdr[:])
		}
		if int(blockSize) > len(d.inBuf) {
			// Over-long block size: either the "LG trailer" (total
			// uncompressed size) or malformed input. Either way, EOF.
			d.eof = true
			return 0, io.EOF
		}
		block := d.inBuf[:blockSize]
		n, err := io.ReadFull(d.r, block)
		if err != nil {
			if n == 0 {
				d.eof = true
				return 0, io.EOF
			}
			return 0, err
		}
		outLen, err := lz4.UncompressBlock(block, d.outBuf)
		if err != nil {
			return 0, wrapErr(ErrDecode, err, "decode lz4 legacy block")
		}
		d.outLen = outLen
		d.outPos = 0
	}
	n := copy(p, d.outBuf[d.outPos:d.outLen])
	d.outPos += n
	return n, nil
}

// zopfliEncoder buffers the entire stream, since Zopfli's cost-optimal
// compression is a whole-input algorithm with no incremental interface.
type zopfliEncoder struct {
	w   io.Writer
	buf bytes.Buffer
}

func newZopfliEncoder(w io.Writer) *zopfliEncoder {
	return &zopfliEncoder{w: w}
}

func (e *zopfliEncoder) Write(p []byte) (int, error) {
	return e.buf.Write(p)
}

func (e *zopfliEncoder) Finish() (io.Writer, error) {
	opts := zopfli.DefaultOptions()
	opts.NumIterations = 1
	opts.BlockSplittingMax = 1
	var out bytes.Buffer
	if err := zopfli.GzipCompress(opts, e.buf.Bytes(), &out); err != nil {
		return nil, wrapErr(ErrEncode, err, "zopfli compress")
	}
	if _, err := e.w.Write(out.Bytes()); err != nil {
		return nil, wrapErr(ErrIO, err, "write zopfli output")
	}
	return e.w, nil
}
