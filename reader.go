package bedrockdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"
)

// BlockCache caches decoded blocks. *lru.Cache from
// github.com/hashicorp/golang-lru satisfies this interface.
type BlockCache interface {
	Get(key interface{}) (value interface{}, ok bool)
	Add(key, value interface{}) (evicted bool)
}

// ReaderOptions define reader specific options.
type ReaderOptions struct {
	// Format resolves the compressor identifier of each block. Its
	// registry must bind every identifier the table was written with.
	// Default: DefaultRegistry().
	Format *BlockFormat

	// Cache is an optional cache for decoded blocks. Cached blocks are
	// decoded once and shared by all readers.
	Cache BlockCache

	// CacheNamespace distinguishes tables sharing the same Cache.
	CacheNamespace uint64
}

func (o *ReaderOptions) norm() *ReaderOptions {
	var oo ReaderOptions
	if o != nil {
		oo = *o
	}

	if oo.Format == nil {
		oo.Format = &BlockFormat{Compression: RawDeflateCompression}
	}
	return &oo
}

type blockCacheKey struct {
	ns   uint64
	bpos int
}

type cachedBlock struct {
	id    CompressorID
	block []byte
}

// Reader instances can seek and iterate across data in tables.
type Reader struct {
	r io.ReaderAt
	o *ReaderOptions

	first     []byte
	index     []blockInfo
	maxOffset int64
}

// NewReader opens a reader.
func NewReader(r io.ReaderAt, size int64, o *ReaderOptions) (*Reader, error) {
	if size < 16 {
		return nil, errBadMagic
	}

	// read footer
	tmp := make([]byte, 16)
	footerOffset := size - 16
	if _, err := r.ReadAt(tmp, footerOffset); err != nil {
		return nil, err
	}

	// parse footer
	if !bytes.Equal(tmp[8:16], magic) {
		return nil, errBadMagic
	}
	indexOffset := int64(binary.LittleEndian.Uint64(tmp[:8]))
	if indexOffset < 0 || indexOffset > footerOffset {
		return nil, fmt.Errorf("bedrockdb: bad index offset %d", indexOffset)
	}

	// read index
	raw := make([]byte, footerOffset-indexOffset)
	if _, err := r.ReadAt(raw, indexOffset); err != nil {
		return nil, err
	}

	// parse first key
	flen, pos := binary.Uvarint(raw)
	if pos <= 0 || flen > uint64(len(raw)-pos) {
		return nil, corruptBlock("table", fmt.Errorf("bad index at %d", indexOffset))
	}
	first := raw[pos : pos+int(flen)]
	pos += int(flen)

	var index []blockInfo
	var info blockInfo
	for pos < len(raw) {
		shared, unshared, delta, n, ok := parseIndexEntry(raw[pos:])
		if !ok || shared > uint64(len(info.MaxKey)) || unshared > uint64(len(raw)-pos-n) {
			return nil, corruptBlock("table", fmt.Errorf("bad index entry at %d", indexOffset+int64(pos)))
		}

		// offsets must be non-decreasing and stay within the data section
		if delta > uint64(indexOffset-info.Offset) {
			return nil, corruptBlock("table", fmt.Errorf("bad block offset in index entry at %d", indexOffset+int64(pos)))
		}
		pos += n

		key := make([]byte, 0, int(shared+unshared))
		key = append(key, info.MaxKey[:shared]...)
		key = append(key, raw[pos:pos+int(unshared)]...)
		pos += int(unshared)

		info.MaxKey = key
		info.Offset += int64(delta)
		index = append(index, info)
	}

	return &Reader{
		r: r,
		o: o.norm(),

		first:     first,
		index:     index, // block offsets
		maxOffset: indexOffset,
	}, nil
}

// NumBlocks returns the number of stored blocks.
func (r *Reader) NumBlocks() int {
	return len(r.index)
}

// Append retrieves a single value for a key. Unlike Get it
// appends it to dst instead of allocating a new byte slice.
// It may return an ErrNotFound error.
func (r *Reader) Append(dst []byte, key []byte) ([]byte, error) {
	if !r.covers(key) {
		return dst, ErrNotFound
	}

	iter, err := r.Seek(key)
	if err != nil {
		return dst, err
	}
	defer iter.Release()

	if !iter.Next() {
		if err := iter.Err(); err != nil {
			return dst, err
		}
		return dst, ErrNotFound
	}
	if !bytes.Equal(iter.Key(), key) {
		return dst, ErrNotFound
	}
	return append(dst, iter.Value()...), nil
}

// FirstKey returns the first key of the table or nil if the table is empty.
func (r *Reader) FirstKey() []byte {
	if len(r.index) == 0 {
		return nil
	}
	return r.first
}

// LastKey returns the last key of the table or nil if the table is empty.
func (r *Reader) LastKey() []byte {
	if len(r.index) == 0 {
		return nil
	}
	return r.index[len(r.index)-1].MaxKey
}

// covers reports whether key is within the table's key range.
func (r *Reader) covers(key []byte) bool {
	return len(r.index) != 0 &&
		bytes.Compare(key, r.first) >= 0 &&
		bytes.Compare(key, r.index[len(r.index)-1].MaxKey) <= 0
}

// Get is a shortcut for Append(nil, key).
// It may return an ErrNotFound error.
func (r *Reader) Get(key []byte) ([]byte, error) {
	return r.Append(nil, key)
}

// Seek returns an iterator starting at the position >= key.
func (r *Reader) Seek(key []byte) (*Iterator, error) {
	b, err := r.SeekBlock(key)
	if err != nil {
		return nil, err
	}

	s := b.SeekSection(key)
	s.Seek(key)
	return &Iterator{r: r, b: b, s: s}, nil
}

// GetBlock returns a reader for the n-th block.
func (r *Reader) GetBlock(bpos int) (*BlockReader, error) {
	if len(r.index) == 0 {
		return &BlockReader{}, nil
	}
	if bpos < 0 {
		bpos = 0
	}
	if bpos >= len(r.index) {
		return &BlockReader{
			bpos: len(r.index),
		}, nil
	}
	return r.readBlock(bpos)
}

// SeekBlock seeks the block containing the key.
func (r *Reader) SeekBlock(key []byte) (*BlockReader, error) {
	bpos := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].MaxKey, key) >= 0
	})
	return r.GetBlock(bpos)
}

func (r *Reader) readBlock(bpos int) (*BlockReader, error) {
	ckey := blockCacheKey{ns: r.o.CacheNamespace, bpos: bpos}
	if r.o.Cache != nil {
		if v, ok := r.o.Cache.Get(ckey); ok {
			c := v.(*cachedBlock)
			return r.newBlockReader(bpos, c.id, c.block, false)
		}
	}

	min := r.index[bpos].Offset
	max := r.maxOffset
	if next := bpos + 1; next < len(r.index) {
		max = r.index[next].Offset
	}
	if max < min {
		return nil, corruptBlock("table", fmt.Errorf("block %d has bad bounds %d..%d", bpos, min, max))
	}

	raw := fetchBuffer(int(max - min))
	if _, err := r.r.ReadAt(raw, min); err != nil {
		releaseBuffer(raw)
		return nil, err
	}

	id, block, err := r.o.Format.ReadBlock(raw)
	if err != nil {
		releaseBuffer(raw)
		return nil, err
	}
	if !sharesBuffer(raw, block) {
		releaseBuffer(raw)
	}

	if r.o.Cache != nil {
		r.o.Cache.Add(ckey, &cachedBlock{id: id, block: block})
		return r.newBlockReader(bpos, id, block, false)
	}
	return r.newBlockReader(bpos, id, block, true)
}

func (r *Reader) newBlockReader(bpos int, id CompressorID, block []byte, pooled bool) (*BlockReader, error) {
	if len(block) < 4 {
		return nil, corruptBlock(id.String(), fmt.Errorf("block %d too short", bpos))
	}
	scnt := int(binary.LittleEndian.Uint32(block[len(block)-4:]))
	if scnt < 1 || scnt*4 > len(block) {
		return nil, corruptBlock(id.String(), fmt.Errorf("block %d has bad section count %d", bpos, scnt))
	}

	return &BlockReader{
		block:  block,
		bpos:   bpos,
		scnt:   scnt,
		maxKey: r.index[bpos].MaxKey,
		id:     id,
		pooled: pooled,
	}, nil
}

// --------------------------------------------------------------------

// BlockReader reads a single block.
type BlockReader struct {
	block  []byte
	bpos   int // the current block position
	scnt   int // the section count
	maxKey []byte
	id     CompressorID
	pooled bool
}

// NumSections returns the number of sections in this block.
func (r *BlockReader) NumSections() int { return r.scnt }

// Pos returns the index position the current block within the table.
func (r *BlockReader) Pos() int { return r.bpos }

// Compression returns the identifier the block was stored with.
func (r *BlockReader) Compression() CompressorID { return r.id }

// Len returns the decoded size of the block.
func (r *BlockReader) Len() int { return len(r.block) }

// GetSection gets a single section.
func (r *BlockReader) GetSection(spos int) *SectionReader {
	if spos < 0 {
		spos = 0
	}
	if spos >= r.scnt {
		return &SectionReader{spos: r.scnt}
	}

	min := r.sectionOffset(spos)
	max := r.sectionOffset(spos + 1)
	if min > max || max > len(r.block) {
		return &SectionReader{spos: spos, err: errCorruptSection}
	}
	return &SectionReader{section: r.block[min:max], spos: spos}
}

// SeekSection seeks the section for a key.
func (r *BlockReader) SeekSection(key []byte) *SectionReader {
	if bytes.Compare(key, r.maxKey) > 0 {
		return r.GetSection(r.scnt)
	}

	spos := sort.Search(r.scnt, func(i int) bool {
		return bytes.Compare(r.firstKey(i), key) > 0
	}) - 1
	return r.GetSection(spos)
}

// Release releases the block reader and frees up resources. The reader must not be used
// after this method is called.
func (r *BlockReader) Release() {
	if r.pooled {
		releaseBuffer(r.block)
		r.block = nil
		r.pooled = false
	}
}

// The starting offset of the section within the block.
func (r *BlockReader) sectionOffset(spos int) int {
	if spos < 1 {
		return 0
	} else if spos >= r.scnt {
		return len(r.block) - r.scnt*4
	} else {
		nn := len(r.block) - r.scnt*4 + (spos-1)*4
		return int(binary.LittleEndian.Uint32(r.block[nn:]))
	}
}

// The first key of a section, always stored without a shared prefix.
func (r *BlockReader) firstKey(spos int) []byte {
	off := r.sectionOffset(spos)
	if off >= len(r.block) {
		return nil
	}

	p := r.block[off:]
	_, n1 := binary.Uvarint(p)
	if n1 <= 0 {
		return nil
	}
	klen, n2 := binary.Uvarint(p[n1:])
	if n2 <= 0 {
		return nil
	}
	_, n3 := binary.Uvarint(p[n1+n2:])
	if n3 <= 0 {
		return nil
	}

	start := n1 + n2 + n3
	if klen > uint64(len(p)-start) {
		return nil
	}
	return p[start : start+int(klen)]
}

// --------------------------------------------------------------------

var errCorruptSection = corruptBlock("table", fmt.Errorf("malformed section"))

// SectionReader reads an individual section within a block.
type SectionReader struct {
	section []byte

	spos int // the section
	read int // bytes read

	key []byte // current key
	val []byte // current value
	tmp []byte // scratch buffer
	err error
}

// Seek positions the cursor before the key.
func (r *SectionReader) Seek(key []byte) bool {
	for r.More() {
		shared, unshared, vlen, n, ok := r.header()
		if !ok {
			return false
		}

		suffix := r.section[r.read+n : r.read+n+unshared]
		r.tmp = append(append(r.tmp[:0], r.key[:shared]...), suffix...)
		if bytes.Compare(r.tmp, key) >= 0 {
			return true
		}

		r.key = append(r.key[:shared], suffix...)
		r.read += n + unshared
		r.val = r.section[r.read : r.read+vlen]
		r.read += vlen
	}
	return false
}

// Pos returns the index position the current section within the block.
func (r *SectionReader) Pos() int { return r.spos }

// Key returns the key if the current entry. Please note that keys
// are temporary buffers and must be copied if used beyond the next cursor move.
func (r *SectionReader) Key() []byte { return r.key }

// Value returns the value of the current entry. Please note that values
// are temporary buffers and must be copied if used beyond the next cursor move.
func (r *SectionReader) Value() []byte { return r.val }

// More returns true if more data can be read in the section.
func (r *SectionReader) More() bool { return r.err == nil && r.read < len(r.section) }

// Err returns an error if the section is malformed.
func (r *SectionReader) Err() error { return r.err }

// Next advances the cursor to the next entry within the section and
// returns true if successful.
func (r *SectionReader) Next() bool {
	if !r.More() {
		return false
	}

	shared, unshared, vlen, n, ok := r.header()
	if !ok {
		return false
	}

	r.read += n
	r.key = append(r.key[:shared], r.section[r.read:r.read+unshared]...)
	r.read += unshared
	r.val = r.section[r.read : r.read+vlen]
	r.read += vlen
	return true
}

// header parses the entry header at the cursor.
func (r *SectionReader) header() (shared, unshared, vlen, n int, ok bool) {
	p := r.section[r.read:]

	u1, n1 := binary.Uvarint(p)
	if n1 > 0 {
		n = n1
		u2, n2 := binary.Uvarint(p[n:])
		if n2 > 0 {
			n += n2
			u3, n3 := binary.Uvarint(p[n:])
			if n3 > 0 {
				n += n3
				rest := uint64(len(p) - n)
				if u1 <= uint64(len(r.key)) && u2 <= rest && u3 <= rest-u2 {
					return int(u1), int(u2), int(u3), n, true
				}
			}
		}
	}

	r.err = errCorruptSection
	return 0, 0, 0, 0, false
}

// --------------------------------------------------------------------

// Iterator is a convenience wrapper around BlockReader and SectionReader
// which can (forward-) iterate over keys across block and section boundaries.
type Iterator struct {
	r *Reader
	b *BlockReader
	s *SectionReader

	err error
}

// Key returns the key if the current entry. Please note that keys
// are temporary buffers and must be copied if used beyond the next cursor move.
func (i *Iterator) Key() []byte { return i.s.Key() }

// Value returns the value of the current entry. Please note that values
// are temporary buffers and must be copied if used beyond the next cursor move.
func (i *Iterator) Value() []byte { return i.s.Value() }

// More returns true if more data can be read.
func (i *Iterator) More() bool {
	if i.err != nil {
		return false
	}

	return i.s.More() || i.s.Pos()+1 < i.b.NumSections() || i.b.Pos()+1 < i.r.NumBlocks()
}

// Next advances the cursor to the next entry and returns true if successful.
func (i *Iterator) Next() bool {
	if i.err != nil {
		return false
	}

	// more entries in the section
	if i.s.More() {
		return i.s.Next() || i.fail(i.s.Err())
	}
	if err := i.s.Err(); err != nil {
		return i.fail(err)
	}

	// more sections in the block
	if n := i.s.Pos() + 1; n < i.b.NumSections() {
		i.s = i.b.GetSection(n)
		return i.s.Next() || i.fail(i.s.Err())
	}

	// more blocks
	if n := i.b.Pos() + 1; n < i.r.NumBlocks() {
		b, err := i.r.GetBlock(n)
		if err != nil {
			return i.fail(err)
		}
		i.b.Release()
		i.b = b
		i.s = i.b.GetSection(0)
		return i.s.Next() || i.fail(i.s.Err())
	}

	return false
}

func (i *Iterator) fail(err error) bool {
	if i.err == nil {
		i.err = err
	}
	return false
}

// Err exposes iterator errors, if any.
func (i *Iterator) Err() error {
	if i.err == errReleased {
		return nil
	}
	return i.err
}

// Release releases the iterator and frees up resources. The iterator must not be used
// after this method is called.
func (i *Iterator) Release() {
	i.b.Release()
	i.err = errReleased
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}

// sharesBuffer reports whether a and b are backed by the same array end.
func sharesBuffer(a, b []byte) bool {
	if cap(a) == 0 || cap(b) == 0 {
		return false
	}
	return &a[:cap(a)][cap(a)-1] == &b[:cap(b)][cap(b)-1]
}

func parseIndexEntry(p []byte) (shared, unshared, delta uint64, n int, ok bool) {
	var m int
	if shared, m = binary.Uvarint(p); m <= 0 {
		return
	}
	n += m
	if unshared, m = binary.Uvarint(p[n:]); m <= 0 {
		return
	}
	n += m
	if delta, m = binary.Uvarint(p[n:]); m <= 0 {
		return
	}
	n += m
	return shared, unshared, delta, n, true
}
