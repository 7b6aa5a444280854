package sorter

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the codec applied to on-disk chunks.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionS2
	CompressionZstd
)

var errClosed = errors.New("sorter: writer already closed")

// Writer streams (key, value) records into a file. Records are written in
// the order given; chunk files produced by the sorter are key-sorted, and
// extractor outputs rely on the same property. The file begins with a
// single byte naming the compression codec so readers are self-describing.
type Writer struct {
	f      *os.File
	bw     *bufio.Writer
	cw     io.Writer
	closer io.Closer // compressor, when one is stacked
	count  int
	closed bool
	scratch [binary.MaxVarintLen64]byte
}

// NewWriter wraps f. The level only applies to zstd.
func NewWriter(f *os.File, compression Compression, level int) (*Writer, error) {
	bw := bufio.NewWriterSize(f, 64<<10)
	if err := bw.WriteByte(byte(compression)); err != nil {
		return nil, err
	}
	w := &Writer{f: f, bw: bw}
	switch compression {
	case CompressionNone:
		w.cw = bw
	case CompressionS2:
		sw := s2.NewWriter(bw)
		w.cw, w.closer = sw, sw
	case CompressionZstd:
		opts := []zstd.EOption{}
		if level > 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		zw, err := zstd.NewWriter(bw, opts...)
		if err != nil {
			return nil, err
		}
		w.cw, w.closer = zw, zw
	default:
		return nil, fmt.Errorf("sorter: unknown compression %d", compression)
	}
	return w, nil
}

// Insert appends one record.
func (w *Writer) Insert(key, value []byte) error {
	if w.closed {
		return errClosed
	}
	if err := w.writeChunk(key); err != nil {
		return err
	}
	if err := w.writeChunk(value); err != nil {
		return err
	}
	w.count++
	return nil
}

func (w *Writer) writeChunk(b []byte) error {
	n := binary.PutUvarint(w.scratch[:], uint64(len(b)))
	if _, err := w.cw.Write(w.scratch[:n]); err != nil {
		return err
	}
	_, err := w.cw.Write(b)
	return err
}

// Count returns the number of records written so far.
func (w *Writer) Count() int { return w.count }

// Finish flushes the stream and hands the underlying file back as a Reader
// positioned at the first record. The file is owned by the Reader from now
// on.
func (w *Writer) Finish() (*Reader, error) {
	if w.closed {
		return nil, errClosed
	}
	w.closed = true
	if w.closer != nil {
		if err := w.closer.Close(); err != nil {
			return nil, err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return nil, err
	}
	return NewReader(w.f)
}

// Reader iterates the records of a finished chunk file in order.
type Reader struct {
	f   *os.File
	br  *bufio.Reader
	rc  io.Reader
	key []byte
	val []byte
	err error
	zr  *zstd.Decoder
}

// NewReader rewinds f and prepares iteration. Close releases the file.
func NewReader(f *os.File) (*Reader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(f, 64<<10)
	tag, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("sorter: read chunk header: %w", err)
	}
	r := &Reader{f: f, br: br}
	switch Compression(tag) {
	case CompressionNone:
		r.rc = br
	case CompressionS2:
		r.rc = s2.NewReader(br)
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		r.rc, r.zr = zr, zr
	default:
		return nil, fmt.Errorf("sorter: unknown compression tag %d", tag)
	}
	return r, nil
}

// Next advances to the next record. It returns false at end of stream or
// on error; check Err afterwards.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	key, err := r.readChunk(r.key[:0])
	if err != nil {
		if err != io.EOF {
			r.err = err
		}
		return false
	}
	val, err := r.readChunk(r.val[:0])
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return false
	}
	r.key, r.val = key, val
	return true
}

func (r *Reader) readChunk(dst []byte) ([]byte, error) {
	n, err := binary.ReadUvarint(byteReaderFor(r))
	if err != nil {
		return nil, err
	}
	if cap(dst) < int(n) {
		dst = make([]byte, n)
	} else {
		dst = dst[:n]
	}
	if _, err := io.ReadFull(r.rc, dst); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return dst, nil
}

// Key returns the current record key. Valid until the next call to Next.
func (r *Reader) Key() []byte { return r.key }

// Value returns the current record value. Valid until the next call to Next.
func (r *Reader) Value() []byte { return r.val }

// Err reports the first error hit during iteration.
func (r *Reader) Err() error { return r.err }

// Close releases the decompressor and the underlying file.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	name := r.f.Name()
	err := r.f.Close()
	// chunk files are temporaries; removal failure is not worth surfacing
	_ = os.Remove(name)
	return err
}

type singleByteReader struct{ r io.Reader }

func (s singleByteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(s.r, b[:])
	return b[0], err
}

func byteReaderFor(r *Reader) io.ByteReader {
	if br, ok := r.rc.(io.ByteReader); ok {
		return br
	}
	return singleByteReader{r.rc}
}
