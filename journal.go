package bedrockdb

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/journal"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Entry kinds, stored as the first byte of every memtable and table value.
const (
	kindDelete byte = 0
	kindValue  byte = 1
)

// appendRecord encodes a journal record:
//
//	kind (1 byte) | key length (uvarint) | key | value
func appendRecord(dst []byte, kind byte, key, value []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte

	dst = append(dst, kind)
	dst = append(dst, tmp[:binary.PutUvarint(tmp[:], uint64(len(key)))]...)
	dst = append(dst, key...)
	return append(dst, value...)
}

func decodeRecord(p []byte) (kind byte, key, value []byte, err error) {
	if len(p) < 2 {
		return 0, nil, nil, errBadRecord
	}

	kind = p[0]
	if kind != kindDelete && kind != kindValue {
		return 0, nil, nil, errBadRecord
	}

	klen, n := binary.Uvarint(p[1:])
	if n <= 0 || klen > uint64(len(p)-1-n) {
		return 0, nil, nil, errBadRecord
	}
	key = p[1+n : 1+n+int(klen)]
	value = p[1+n+int(klen):]
	return kind, key, value, nil
}

func decodeValue(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return nil, errBadRecord
	}

	switch v[0] {
	case kindValue:
		return append([]byte{}, v[1:]...), nil
	case kindDelete:
		return nil, ErrNotFound
	default:
		return nil, errBadRecord
	}
}

// --------------------------------------------------------------------

type journalDropper struct {
	log zerolog.Logger
	fd  storage.FileDesc
}

func (d *journalDropper) Drop(err error) {
	d.log.Warn().Str("journal", d.fd.String()).Err(err).Msg("dropped corrupted journal chunk")
}

// replayJournal applies all intact records of a journal file to mem.
func replayJournal(stor storage.Storage, fd storage.FileDesc, mem *memdb.DB, log zerolog.Logger) (int, error) {
	f, err := stor.Open(fd)
	if err != nil {
		return 0, errors.Wrapf(err, "bedrockdb: open journal %s", fd)
	}
	defer f.Close()

	var (
		jr  = journal.NewReader(f, &journalDropper{log: log, fd: fd}, false, true)
		val []byte
		num int
	)
	for {
		r, err := jr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return num, errors.Wrapf(err, "bedrockdb: read journal %s", fd)
		}

		rec, err := io.ReadAll(r)
		if lerrors.IsCorrupted(err) {
			log.Warn().Str("journal", fd.String()).Err(err).Msg("skipped corrupted journal record")
			continue
		} else if err != nil {
			return num, errors.Wrapf(err, "bedrockdb: read journal %s", fd)
		}

		kind, key, value, err := decodeRecord(rec)
		if err != nil {
			log.Warn().Str("journal", fd.String()).Int("size", len(rec)).Msg("skipped malformed journal record")
			continue
		}

		val = append(append(val[:0], kind), value...)
		if err := mem.Put(key, val); err != nil {
			return num, err
		}
		num++
	}
	return num, nil
}
