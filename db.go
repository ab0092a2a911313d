package bedrockdb

import (
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/journal"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

type table struct {
	fd storage.FileDesc
	f  storage.Reader
	r  *Reader
}

// DB is a key/value store which persists data in tables of blocks, each
// tagged with a compressor identifier. It is safe for concurrent use.
type DB struct {
	o       *Options
	log     zerolog.Logger
	format  *BlockFormat
	cache   *lru.Cache
	metrics *metrics

	stor     storage.Storage
	ownsStor bool

	mu      sync.RWMutex
	mem     *memdb.DB
	tables  []*table // oldest first
	jfd     storage.FileDesc
	jfile   storage.Writer
	journal *journal.Writer
	nextNum int64
	stats   Stats
	rec     []byte
	val     []byte
	closed  bool
}

// Open opens or creates a database in a directory.
func Open(path string, o *Options) (*DB, error) {
	stor, err := storage.OpenFile(path, false)
	if err != nil {
		return nil, errors.Wrapf(err, "bedrockdb: open %s", path)
	}

	db, err := open(stor, o, true)
	if err != nil {
		_ = stor.Close()
		return nil, err
	}
	return db, nil
}

// OpenStorage opens or creates a database on a storage. The storage is
// not closed when the database is closed.
func OpenStorage(stor storage.Storage, o *Options) (*DB, error) {
	return open(stor, o, false)
}

func open(stor storage.Storage, o *Options, ownsStor bool) (*DB, error) {
	o = o.norm()

	// the registry is fixed for the lifetime of the handle
	format := &BlockFormat{
		Registry:    o.Format.registry().Clone(),
		Compression: o.Format.Compression,
	}
	if _, err := format.Registry.Lookup(format.Compression); err != nil {
		return nil, err
	}
	if _, err := format.Registry.Lookup(NoCompression); err != nil {
		return nil, errors.Wrap(err, "bedrockdb: raw block fallback is not available")
	}

	collectors, err := newMetrics(o.Registerer)
	if err != nil {
		return nil, errors.Wrap(err, "bedrockdb: could not register metrics")
	}

	db := &DB{
		o:        o,
		log:      o.Logger.With().Str("component", "bedrockdb").Logger(),
		format:   format,
		metrics:  collectors,
		stor:     stor,
		ownsStor: ownsStor,
		mem:      memdb.New(comparer.DefaultComparer, o.WriteBufferSize),
		nextNum:  1,
	}
	if o.BlockCacheSize > 0 {
		cache, err := lru.New(o.BlockCacheSize)
		if err != nil {
			return nil, err
		}
		db.cache = cache
	}

	if err := db.recover(); err != nil {
		_ = db.closeTables()
		return nil, err
	}

	db.log.Info().
		Int("tables", len(db.tables)).
		Stringer("compression", format.Compression).
		Msg("database opened")
	return db, nil
}

func (db *DB) recover() error {
	tfds, err := db.stor.List(storage.TypeTable)
	if err != nil {
		return errors.Wrap(err, "bedrockdb: list tables")
	}
	sortFileDescs(tfds)

	for _, fd := range tfds {
		if err := db.openTable(fd); err != nil {
			return err
		}
		db.bumpNum(fd)
	}

	jfds, err := db.stor.List(storage.TypeJournal)
	if err != nil {
		return errors.Wrap(err, "bedrockdb: list journals")
	}
	sortFileDescs(jfds)

	for _, fd := range jfds {
		n, err := replayJournal(db.stor, fd, db.mem, db.log)
		if err != nil {
			return err
		}
		db.bumpNum(fd)
		db.log.Debug().Str("journal", fd.String()).Int("records", n).Msg("journal replayed")
	}

	// persist replayed entries before the journals go away
	if db.mem.Len() != 0 {
		if err := db.writeTable(); err != nil {
			return err
		}
		db.mem.Reset()
	}
	for _, fd := range jfds {
		if err := db.stor.Remove(fd); err != nil {
			return errors.Wrapf(err, "bedrockdb: remove journal %s", fd)
		}
	}

	return db.createJournal()
}

func (db *DB) bumpNum(fd storage.FileDesc) {
	if fd.Num >= db.nextNum {
		db.nextNum = fd.Num + 1
	}
}

func (db *DB) allocFileDesc(ft storage.FileType) storage.FileDesc {
	fd := storage.FileDesc{Type: ft, Num: db.nextNum}
	db.nextNum++
	return fd
}

// Get retrieves the value for a key.
// It may return an ErrNotFound error.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}

	if v, err := db.mem.Get(key); err == nil {
		return decodeValue(v)
	} else if err != memdb.ErrNotFound {
		return nil, err
	}

	for i := len(db.tables) - 1; i >= 0; i-- {
		v, err := db.tables[i].r.Get(key)
		if err == ErrNotFound {
			continue
		} else if err != nil {
			return nil, err
		}
		return decodeValue(v)
	}
	return nil, ErrNotFound
}

// Put stores a value for a key.
func (db *DB) Put(key, value []byte) error {
	return db.write(kindValue, key, value)
}

// Delete removes a key.
func (db *DB) Delete(key []byte) error {
	return db.write(kindDelete, key, nil)
}

func (db *DB) write(kind byte, key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	db.rec = appendRecord(db.rec[:0], kind, key, value)
	w, err := db.journal.Next()
	if err != nil {
		return errors.Wrap(err, "bedrockdb: write journal")
	}
	if _, err := w.Write(db.rec); err != nil {
		return errors.Wrap(err, "bedrockdb: write journal")
	}
	if err := db.journal.Flush(); err != nil {
		return errors.Wrap(err, "bedrockdb: flush journal")
	}
	if db.o.Sync {
		if err := db.jfile.Sync(); err != nil {
			return errors.Wrap(err, "bedrockdb: sync journal")
		}
	}

	db.val = append(append(db.val[:0], kind), value...)
	if err := db.mem.Put(key, db.val); err != nil {
		return err
	}

	if db.mem.Size() >= db.o.WriteBufferSize {
		return db.flush()
	}
	return nil
}

// Flush writes buffered entries to a new table.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	return db.flush()
}

func (db *DB) flush() error {
	if db.mem.Len() == 0 {
		return nil
	}
	if err := db.writeTable(); err != nil {
		return err
	}
	db.mem.Reset()

	prev := db.jfd
	if err := db.closeJournal(); err != nil {
		return err
	}
	if err := db.stor.Remove(prev); err != nil {
		return errors.Wrapf(err, "bedrockdb: remove journal %s", prev)
	}
	return db.createJournal()
}

// Stats returns statistics about the blocks written by this handle.
func (db *DB) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.stats.clone()
}

// Close flushes buffered entries and closes the database.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	db.closed = true

	var result *multierror.Error
	flushed := true
	if db.mem.Len() != 0 {
		if err := db.writeTable(); err != nil {
			result = multierror.Append(result, err)
			flushed = false
		}
	}
	if err := db.closeJournal(); err != nil {
		result = multierror.Append(result, err)
	} else if flushed {
		if err := db.stor.Remove(db.jfd); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "bedrockdb: remove journal %s", db.jfd))
		}
	}
	if err := db.closeTables(); err != nil {
		result = multierror.Append(result, err)
	}
	if db.ownsStor {
		if err := db.stor.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	db.log.Info().Msg("database closed")
	return result.ErrorOrNil()
}

// --------------------------------------------------------------------

func (db *DB) createJournal() error {
	fd := db.allocFileDesc(storage.TypeJournal)
	f, err := db.stor.Create(fd)
	if err != nil {
		return errors.Wrapf(err, "bedrockdb: create journal %s", fd)
	}

	db.jfd = fd
	db.jfile = f
	db.journal = journal.NewWriter(f)
	return nil
}

func (db *DB) closeJournal() error {
	var result *multierror.Error
	if err := db.journal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := db.jfile.Sync(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := db.jfile.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// writeTable writes the memtable to a new table and opens it.
func (db *DB) writeTable() error {
	fd := db.allocFileDesc(storage.TypeTable)
	f, err := db.stor.Create(fd)
	if err != nil {
		return errors.Wrapf(err, "bedrockdb: create table %s", fd)
	}
	abort := func(err error) error {
		_ = f.Close()
		_ = db.stor.Remove(fd)
		return err
	}

	tw := NewWriter(f, &WriterOptions{
		BlockSize:            db.o.BlockSize,
		BlockRestartInterval: db.o.BlockRestartInterval,
		Format:               db.format,
	})

	iter := db.mem.NewIterator(nil)
	for iter.Next() {
		if err := tw.Append(iter.Key(), iter.Value()); err != nil {
			iter.Release()
			return abort(err)
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return abort(err)
	}

	if err := tw.Close(); err != nil {
		return abort(err)
	}
	if err := f.Sync(); err != nil {
		return abort(err)
	}
	if err := f.Close(); err != nil {
		_ = db.stor.Remove(fd)
		return err
	}

	stats := tw.Stats()
	db.stats.merge(stats)
	db.metrics.observe(stats)

	if err := db.openTable(fd); err != nil {
		return err
	}

	db.log.Debug().
		Str("table", fd.String()).
		Int64("raw_bytes", stats.RawBytes).
		Int64("stored_bytes", stats.StoredBytes).
		Msg("table written")
	return nil
}

func (db *DB) openTable(fd storage.FileDesc) error {
	f, err := db.stor.Open(fd)
	if err != nil {
		return errors.Wrapf(err, "bedrockdb: open table %s", fd)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "bedrockdb: open table %s", fd)
	}

	ro := &ReaderOptions{Format: db.format, CacheNamespace: uint64(fd.Num)}
	if db.cache != nil {
		ro.Cache = db.cache
	}

	r, err := NewReader(f, size, ro)
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "bedrockdb: open table %s", fd)
	}

	db.tables = append(db.tables, &table{fd: fd, f: f, r: r})
	return nil
}

func (db *DB) closeTables() error {
	var result *multierror.Error
	for _, t := range db.tables {
		if err := t.f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	db.tables = nil
	return result.ErrorOrNil()
}

func sortFileDescs(fds []storage.FileDesc) {
	sort.Slice(fds, func(i, j int) bool { return fds[i].Num < fds[j].Num })
}
