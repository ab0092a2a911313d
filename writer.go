package bedrockdb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/syndtr/goleveldb/leveldb/comparer"
)

// WriterOptions define writer specific options.
type WriterOptions struct {
	// BlockSize is the minimum uncompressed size in bytes of each table block.
	// Default: 4KiB.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points
	// for prefix compression of keys.
	//
	// Default: 16.
	BlockRestartInterval int

	// Format selects the compressor identifier of each block.
	// Default: DefaultRegistry() with RawDeflateCompression.
	Format *BlockFormat
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = 1 << 12
	}
	if oo.BlockRestartInterval < 1 {
		oo.BlockRestartInterval = 16
	}
	if oo.Format == nil {
		oo.Format = &BlockFormat{Compression: RawDeflateCompression}
	}

	return &oo
}

// Writer instances can write a table.
type Writer struct {
	w io.Writer
	o *WriterOptions

	block blockInfo // the current block info
	blen  int       // the number of entries in the current block
	soffs []int     // section offsets in the current block

	buf []byte // plain buffer
	out []byte // framed block buffer
	tmp []byte // scratch buffer

	first []byte // first key of the table
	index []blockInfo
	stats Stats
}

// NewWriter wraps a writer and returns a Writer.
func NewWriter(w io.Writer, o *WriterOptions) *Writer {
	return &Writer{
		w:   w,
		o:   o.norm(),
		tmp: make([]byte, 3*binary.MaxVarintLen64),
	}
}

// Append appends a key/value pair to the table. Keys must be appended in
// strictly increasing order.
func (w *Writer) Append(key, value []byte) error {
	if w.tmp == nil {
		return ErrClosed
	}

	if w.blen == 0 && len(w.index) == 0 {
		w.first = append([]byte{}, key...)
	} else if comparer.DefaultComparer.Compare(key, w.block.MaxKey) <= 0 {
		return fmt.Errorf("bedrockdb: attempted an out-of-order append, %q must be > %q", key, w.block.MaxKey)
	}

	if len(w.buf) != 0 && len(w.buf)+len(key)+len(value)+3*binary.MaxVarintLen64 > w.o.BlockSize {
		if err := w.flush(); err != nil {
			return err
		}
	}

	shared := 0
	if w.blen%w.o.BlockRestartInterval == 0 { // new section?
		w.soffs = append(w.soffs, len(w.buf))
	} else {
		shared = sharedPrefixLen(w.block.MaxKey, key)
	}

	n := binary.PutUvarint(w.tmp[0:], uint64(shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(key)-shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, key[shared:]...)
	w.buf = append(w.buf, value...)

	w.blen++
	w.block.MaxKey = append(w.block.MaxKey[:0], key...)

	return nil
}

// Stats returns statistics about the blocks written so far.
func (w *Writer) Stats() Stats {
	return w.stats.clone()
}

// Close closes the writer
func (w *Writer) Close() error {
	if w.tmp == nil {
		return ErrClosed
	}
	if err := w.flush(); err != nil {
		return err
	}

	indexOffset := w.block.Offset
	if err := w.writeIndex(); err != nil {
		return err
	}

	if err := w.writeFooter(indexOffset); err != nil {
		return err
	}
	w.tmp = nil
	return nil
}

func (w *Writer) writeIndex() error {
	var prev blockInfo

	sz := binary.PutUvarint(w.tmp[0:], uint64(len(w.first)))
	buf := append(w.buf[:0], w.tmp[:sz]...)
	buf = append(buf, w.first...)
	for _, ent := range w.index {
		shared := sharedPrefixLen(prev.MaxKey, ent.MaxKey)

		n := binary.PutUvarint(w.tmp[0:], uint64(shared))
		n += binary.PutUvarint(w.tmp[n:], uint64(len(ent.MaxKey)-shared))
		n += binary.PutUvarint(w.tmp[n:], uint64(ent.Offset-prev.Offset))
		buf = append(buf, w.tmp[:n]...)
		buf = append(buf, ent.MaxKey[shared:]...)

		prev = ent
	}
	w.buf = buf[:0]

	return w.writeRaw(buf)
}

func (w *Writer) writeFooter(indexOffset int64) error {
	binary.LittleEndian.PutUint64(w.tmp[0:], uint64(indexOffset))
	if err := w.writeRaw(w.tmp[:8]); err != nil {
		return err
	}
	if err := w.writeRaw(magic); err != nil {
		return err
	}
	return nil
}

func (w *Writer) writeRaw(p []byte) error {
	n, err := w.w.Write(p)
	w.block.Offset += int64(n)
	return err
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}

	for _, o := range w.soffs {
		if o > 0 {
			binary.LittleEndian.PutUint32(w.tmp, uint32(o))
			w.buf = append(w.buf, w.tmp[:4]...)
		}
	}
	binary.LittleEndian.PutUint32(w.tmp, uint32(len(w.soffs)))
	w.buf = append(w.buf, w.tmp[:4]...)

	id, block, err := w.o.Format.AppendBlock(w.out[:0], w.buf)
	if err != nil {
		return err
	}
	w.out = block
	w.stats.add(id, len(w.buf), len(block))

	w.index = append(w.index, blockInfo{
		MaxKey: append([]byte(nil), w.block.MaxKey...),
		Offset: w.block.Offset,
	})
	w.buf = w.buf[:0]
	w.soffs = w.soffs[:0]
	w.blen = 0

	return w.writeRaw(block)
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
