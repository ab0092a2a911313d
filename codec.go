package bedrockdb

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// Compression level bounds accepted by the codec constructors.
const (
	MinLevel     = 0
	MaxLevel     = 10
	DefaultLevel = 6
)

// DefaultMaxDecodedSize is the default upper bound for a decoded block.
const DefaultMaxDecodedSize = 64 << 20

// Codec encodes and decodes individual blocks. Implementations must be safe
// for concurrent use and Decode(Encode(x)) must return x for every x,
// including the empty slice.
type Codec interface {
	// Encode transforms a raw block.
	Encode(src []byte) ([]byte, error)
	// Decode inverts Encode. Malformed input must produce an error
	// matching ErrCorruptBlock.
	Decode(src []byte) ([]byte, error)
}

func validateLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return errors.Wrapf(ErrInvalidLevel, "level %d not in [%d, %d]", level, MinLevel, MaxLevel)
	}
	return nil
}

// The deflate encoder tops out at level 9; level 10 maps onto it.
func deflateLevel(level int) int {
	if level > flate.BestCompression {
		return flate.BestCompression
	}
	return level
}

var errTooLarge = errors.New("decoded size exceeds limit")

func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxDecodedSize
	}

	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, errTooLarge
	}
	return buf.Bytes(), nil
}

// --------------------------------------------------------------------

// NoneCodec stores blocks as-is.
type NoneCodec struct{}

// Encode implements Codec.
func (NoneCodec) Encode(src []byte) ([]byte, error) { return src, nil }

// Decode implements Codec.
func (NoneCodec) Decode(src []byte) ([]byte, error) { return src, nil }

// --------------------------------------------------------------------

// ZlibCodec wraps blocks in a zlib container (RFC 1950).
type ZlibCodec struct {
	// MaxDecodedSize bounds the output of Decode.
	// Default: DefaultMaxDecodedSize.
	MaxDecodedSize int64

	level   int
	writers sync.Pool
	readers sync.Pool
}

// NewZlibCodec inits a zlib codec. It returns an error matching
// ErrInvalidLevel if the level is out of range.
func NewZlibCodec(level int) (*ZlibCodec, error) {
	if err := validateLevel(level); err != nil {
		return nil, err
	}
	return &ZlibCodec{MaxDecodedSize: DefaultMaxDecodedSize, level: level}, nil
}

// Level returns the compression level.
func (c *ZlibCodec) Level() int { return c.level }

// Encode implements Codec.
func (c *ZlibCodec) Encode(src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(src)/2+16))

	var w *zlib.Writer
	if v := c.writers.Get(); v != nil {
		w = v.(*zlib.Writer)
		w.Reset(buf)
	} else {
		var err error
		if w, err = zlib.NewWriterLevel(buf, deflateLevel(c.level)); err != nil {
			return nil, err
		}
	}
	defer c.writers.Put(w)

	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (c *ZlibCodec) Decode(src []byte) ([]byte, error) {
	var r io.ReadCloser
	if v := c.readers.Get(); v != nil {
		r = v.(io.ReadCloser)
		if err := r.(zlib.Resetter).Reset(bytes.NewReader(src), nil); err != nil {
			c.readers.Put(r)
			return nil, corruptBlock("zlib", err)
		}
	} else {
		var err error
		if r, err = zlib.NewReader(bytes.NewReader(src)); err != nil {
			return nil, corruptBlock("zlib", err)
		}
	}
	defer c.readers.Put(r)

	plain, err := readAllLimited(r, c.MaxDecodedSize)
	if err != nil {
		return nil, corruptBlock("zlib", err)
	}
	return plain, nil
}

// --------------------------------------------------------------------

// RawDeflateCodec stores blocks as bare deflate streams (RFC 1951) without
// header or checksum.
type RawDeflateCodec struct {
	// MaxDecodedSize bounds the output of Decode.
	// Default: DefaultMaxDecodedSize.
	MaxDecodedSize int64

	level   int
	writers sync.Pool
	readers sync.Pool
}

// NewRawDeflateCodec inits a raw deflate codec. It returns an error matching
// ErrInvalidLevel if the level is out of range.
func NewRawDeflateCodec(level int) (*RawDeflateCodec, error) {
	if err := validateLevel(level); err != nil {
		return nil, err
	}
	return &RawDeflateCodec{MaxDecodedSize: DefaultMaxDecodedSize, level: level}, nil
}

// Level returns the compression level.
func (c *RawDeflateCodec) Level() int { return c.level }

// Encode implements Codec.
func (c *RawDeflateCodec) Encode(src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(src)/2+16))

	var w *flate.Writer
	if v := c.writers.Get(); v != nil {
		w = v.(*flate.Writer)
		w.Reset(buf)
	} else {
		var err error
		if w, err = flate.NewWriter(buf, deflateLevel(c.level)); err != nil {
			return nil, err
		}
	}
	defer c.writers.Put(w)

	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode implements Codec. The stream carries no level information, so
// decoding accepts any valid deflate stream.
func (c *RawDeflateCodec) Decode(src []byte) ([]byte, error) {
	var r io.ReadCloser
	if v := c.readers.Get(); v != nil {
		r = v.(io.ReadCloser)
		if err := r.(flate.Resetter).Reset(bytes.NewReader(src), nil); err != nil {
			c.readers.Put(r)
			return nil, corruptBlock("deflate", err)
		}
	} else {
		r = flate.NewReader(bytes.NewReader(src))
	}
	defer c.readers.Put(r)

	plain, err := readAllLimited(r, c.MaxDecodedSize)
	if err != nil {
		return nil, corruptBlock("deflate", err)
	}
	return plain, nil
}

// --------------------------------------------------------------------

// SnappyCodec compresses blocks with snappy. It is not part of
// DefaultRegistry; upstream LevelDB binds it to SnappyCompression.
type SnappyCodec struct {
	// MaxDecodedSize bounds the output of Decode.
	// Default: DefaultMaxDecodedSize.
	MaxDecodedSize int64
}

// NewSnappyCodec inits a snappy codec.
func NewSnappyCodec() *SnappyCodec {
	return &SnappyCodec{MaxDecodedSize: DefaultMaxDecodedSize}
}

// Encode implements Codec.
func (c *SnappyCodec) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

// Decode implements Codec.
func (c *SnappyCodec) Decode(src []byte) ([]byte, error) {
	sz, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, corruptBlock("snappy", err)
	}

	limit := c.MaxDecodedSize
	if limit <= 0 {
		limit = DefaultMaxDecodedSize
	}
	if int64(sz) > limit {
		return nil, corruptBlock("snappy", fmt.Errorf("%v: %d > %d", errTooLarge, sz, limit))
	}

	plain, err := snappy.Decode(make([]byte, sz), src)
	if err != nil {
		return nil, corruptBlock("snappy", err)
	}
	return plain, nil
}
