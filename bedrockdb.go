package bedrockdb

import (
	"fmt"

	"github.com/pkg/errors"
)

var magic = []byte{66, 101, 68, 114, 111, 99, 107, 219}

// ErrNotFound is returned when a key cannot be found.
var ErrNotFound = errors.New("bedrockdb: not found")

// ErrClosed is returned when a closed database or writer is used.
var ErrClosed = errors.New("bedrockdb: is closed")

var (
	// ErrCorruptBlock matches block payloads which are not a valid stream
	// for the selected codec, or which fail their checksum.
	ErrCorruptBlock = errors.New("bedrockdb: corrupt block")

	// ErrUnknownCompressor matches lookups of identifiers without a
	// registered codec.
	ErrUnknownCompressor = errors.New("bedrockdb: unknown compressor")

	// ErrInvalidLevel is returned by codec constructors when the level is
	// outside [MinLevel, MaxLevel].
	ErrInvalidLevel = errors.New("bedrockdb: invalid compression level")
)

var (
	errBadMagic  = errors.New("bedrockdb: bad magic byte sequence")
	errReleased  = errors.New("bedrockdb: iterator was released")
	errBadRecord = errors.New("bedrockdb: malformed journal record")
)

// --------------------------------------------------------------------

// CompressorID is the one-byte compressor identifier persisted with every
// block. It is an index into a Registry, not a self-describing format tag.
type CompressorID byte

// Identifiers with a binding in DefaultRegistry. These values are part of
// the file format and must not be changed.
const (
	NoCompression         CompressorID = 0
	ZlibCompression       CompressorID = 2
	RawDeflateCompression CompressorID = 4
)

// SnappyCompression is the identifier upstream LevelDB uses for snappy. It
// has no binding in DefaultRegistry.
const SnappyCompression CompressorID = 1

// String implements fmt.Stringer.
func (id CompressorID) String() string {
	switch id {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZlibCompression:
		return "zlib"
	case RawDeflateCompression:
		return "deflate"
	default:
		return fmt.Sprintf("compressor(%d)", byte(id))
	}
}

// --------------------------------------------------------------------

// UnknownCompressorError is returned when an identifier has no registry entry.
type UnknownCompressorError struct {
	ID CompressorID
}

func (e *UnknownCompressorError) Error() string {
	return fmt.Sprintf("bedrockdb: unknown compressor %d", byte(e.ID))
}

// Is reports whether target is ErrUnknownCompressor.
func (e *UnknownCompressorError) Is(target error) bool { return target == ErrUnknownCompressor }

// CorruptBlockError is returned when a block cannot be decoded.
type CorruptBlockError struct {
	Codec string // the name of the decoding codec
	Err   error  // the underlying cause
}

func (e *CorruptBlockError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("bedrockdb: corrupt %s block", e.Codec)
	}
	return fmt.Sprintf("bedrockdb: corrupt %s block: %v", e.Codec, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CorruptBlockError) Unwrap() error { return e.Err }

// Is reports whether target is ErrCorruptBlock.
func (e *CorruptBlockError) Is(target error) bool { return target == ErrCorruptBlock }

func corruptBlock(codec string, err error) error {
	return &CorruptBlockError{Codec: codec, Err: err}
}

// --------------------------------------------------------------------

type blockInfo struct {
	MaxKey []byte // maximum key in the block
	Offset int64  // block offset position
}
