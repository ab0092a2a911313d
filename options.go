package bedrockdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options define database specific options.
type Options struct {
	// Format binds compressor identifiers to codecs and selects the
	// identifier new blocks are tagged with. The registry is copied on open.
	//
	// Every identifier ever written to the database must be bound to the
	// same algorithm as in the writing process, blocks are not
	// auto-detected by content.
	//
	// Default: DefaultRegistry() with RawDeflateCompression.
	Format *BlockFormat

	// BlockSize is the minimum uncompressed size in bytes of each table block.
	// Default: 4KiB.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points
	// for prefix compression of keys.
	// Default: 16.
	BlockRestartInterval int

	// WriteBufferSize is the size of the in-memory table, which is
	// flushed to a new table once exceeded.
	// Default: 4MiB.
	WriteBufferSize int

	// BlockCacheSize is the number of decoded blocks to cache.
	// Use a negative value to disable the cache.
	// Default: 1024.
	BlockCacheSize int

	// Sync the journal after each write.
	Sync bool

	// Logger receives database events.
	// Default: zerolog.Nop().
	Logger *zerolog.Logger

	// Registerer, if set, receives block write metrics. Handles opened
	// against the same registerer share their collectors.
	Registerer prometheus.Registerer
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.Format == nil {
		oo.Format = &BlockFormat{Compression: RawDeflateCompression}
	}
	if oo.BlockSize < 1 {
		oo.BlockSize = 1 << 12
	}
	if oo.BlockRestartInterval < 1 {
		oo.BlockRestartInterval = 16
	}
	if oo.WriteBufferSize < 1 {
		oo.WriteBufferSize = 4 << 20
	}
	if oo.BlockCacheSize == 0 {
		oo.BlockCacheSize = 1024
	}
	if oo.Logger == nil {
		nop := zerolog.Nop()
		oo.Logger = &nop
	}

	return &oo
}
