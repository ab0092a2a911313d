package bedrockdb

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/leveldb/crc"
)

// blockTrailerLen is the size of the compressor identifier plus checksum.
const blockTrailerLen = 5

// BlockFormat selects the identifier for each written block and resolves
// the codec for each block read.
type BlockFormat struct {
	// Registry resolves identifiers to codecs.
	// Default: DefaultRegistry().
	Registry *Registry

	// Compression is the identifier new blocks are tagged with unless they
	// fall back to NoCompression.
	// Default: RawDeflateCompression.
	Compression CompressorID
}

func (f *BlockFormat) registry() *Registry {
	if f.Registry == nil {
		return defaultRegistry
	}
	return f.Registry
}

var defaultRegistry = DefaultRegistry()

// Compress encodes a raw block with the configured codec. If the result is
// not smaller than raw, raw is returned unchanged, tagged NoCompression
// regardless of the configured identifier.
func (f *BlockFormat) Compress(raw []byte) (CompressorID, []byte, error) {
	codec, err := f.registry().Lookup(f.Compression)
	if err != nil {
		return 0, nil, err
	}

	enc, err := codec.Encode(raw)
	if err != nil {
		return 0, nil, err
	}
	if len(enc) >= len(raw) {
		return NoCompression, raw, nil
	}
	return f.Compression, enc, nil
}

// Decompress decodes a payload using the codec registered under id.
func (f *BlockFormat) Decompress(id CompressorID, payload []byte) ([]byte, error) {
	codec, err := f.registry().Lookup(id)
	if err != nil {
		return nil, err
	}
	return codec.Decode(payload)
}

// AppendBlock compresses raw and appends the framed block to dst:
//
//	payload | compressor id (1 byte) | masked crc32c of payload+id (4 bytes)
//
// It returns the identifier used and the extended buffer.
func (f *BlockFormat) AppendBlock(dst, raw []byte) (CompressorID, []byte, error) {
	id, payload, err := f.Compress(raw)
	if err != nil {
		return 0, dst, err
	}

	start := len(dst)
	dst = append(dst, payload...)
	dst = append(dst, byte(id))

	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], crc.New(dst[start:]).Value())
	return id, append(dst, tmp[:]...), nil
}

// ReadBlock verifies a framed block and returns its identifier and decoded
// contents. The result may share memory with block.
func (f *BlockFormat) ReadBlock(block []byte) (CompressorID, []byte, error) {
	if len(block) < blockTrailerLen {
		return 0, nil, corruptBlock("table", fmt.Errorf("short block of %d bytes", len(block)))
	}

	n := len(block) - blockTrailerLen
	id := CompressorID(block[n])
	if want, got := binary.LittleEndian.Uint32(block[n+1:]), crc.New(block[:n+1]).Value(); want != got {
		return id, nil, corruptBlock("table", fmt.Errorf("checksum mismatch, %08x != %08x", got, want))
	}

	plain, err := f.Decompress(id, block[:n])
	if err != nil {
		return id, nil, err
	}
	return id, plain, nil
}
