package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/bsm/bedrockdb"
)

const (
	success = 0
	failure = 1
)

const (
	encodingNone   = "none"
	encodingHex    = "hex"
	encodingBase64 = "base64"
)

const (
	compressionNone    = "none"
	compressionZlib    = "zlib"
	compressionDeflate = "deflate"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {

	// Parse the command line arguments.
	var (
		flagCompression string
		flagDir         string
		flagEncoding    string
		flagKeyEncoding string
		flagLevel       int
		flagLog         string
	)

	flags := pflag.NewFlagSet("bedrockdb", pflag.ContinueOnError)
	flags.StringVarP(&flagCompression, "compression", "c", compressionDeflate, "compression for new blocks (\"none\", \"zlib\" or \"deflate\")")
	flags.StringVarP(&flagDir, "dir", "d", "db", "database directory")
	flags.StringVarP(&flagEncoding, "encoding", "e", encodingNone, "output encoding (\"none\", \"hex\" or \"base64\")")
	flags.StringVarP(&flagKeyEncoding, "key-encoding", "k", encodingNone, "key argument encoding (\"none\" or \"hex\")")
	flags.IntVarP(&flagLevel, "level", "l", bedrockdb.DefaultLevel, "compression level (0-10)")
	flags.StringVarP(&flagLog, "log", "L", "info", "log output level")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bedrockdb [flags] get KEY | put KEY VALUE | delete KEY\n\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return failure
	}

	// Initialize the logger.
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	level, err := zerolog.ParseLevel(flagLog)
	if err != nil {
		log.Error().Str("level", flagLog).Err(err).Msg("could not parse log level")
		return failure
	}
	log = log.Level(level)

	// Validate the command.
	cmd := flags.Args()
	if len(cmd) == 0 {
		flags.Usage()
		return failure
	}
	want := map[string]int{"get": 2, "put": 3, "delete": 2}[cmd[0]]
	if want == 0 || len(cmd) != want {
		log.Error().Strs("args", cmd).Msg("invalid command")
		flags.Usage()
		return failure
	}

	key, err := decodeKey(flagKeyEncoding, cmd[1])
	if err != nil {
		log.Error().Str("key", cmd[1]).Err(err).Msg("could not decode key")
		return failure
	}

	// Build the registry.
	format, err := buildFormat(flagCompression, flagLevel)
	if err != nil {
		log.Error().Str("compression", flagCompression).Int("level", flagLevel).Err(err).Msg("invalid compression settings")
		return failure
	}

	// Reads and deletes must not create a database.
	if cmd[0] != "put" {
		if _, err := os.Stat(flagDir); err != nil {
			log.Error().Str("dir", flagDir).Err(err).Msg("could not find database")
			return failure
		}
	}

	// Open the database.
	db, err := bedrockdb.Open(flagDir, &bedrockdb.Options{
		Format: format,
		Logger: &log,
	})
	if err != nil {
		log.Error().Str("dir", flagDir).Err(err).Msg("could not open database")
		return failure
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("could not close database")
		}
	}()

	switch cmd[0] {
	case "get":
		val, err := db.Get(key)
		if errors.Is(err, bedrockdb.ErrNotFound) {
			log.Error().Str("key", cmd[1]).Msg("key not found")
			return failure
		} else if err != nil {
			log.Error().Str("key", cmd[1]).Err(err).Msg("could not read key")
			return failure
		}

		out, err := encodeValue(flagEncoding, val)
		if err != nil {
			log.Error().Str("encoding", flagEncoding).Err(err).Msg("could not encode value")
			return failure
		}
		fmt.Println(out)

	case "put":
		err = db.Put(key, []byte(cmd[2]))
		if err != nil {
			log.Error().Str("key", cmd[1]).Err(err).Msg("could not write key")
			return failure
		}
		log.Info().Str("key", cmd[1]).Int("size", len(cmd[2])).Msg("key written")

	case "delete":
		err = db.Delete(key)
		if err != nil {
			log.Error().Str("key", cmd[1]).Err(err).Msg("could not delete key")
			return failure
		}
		log.Info().Str("key", cmd[1]).Msg("key deleted")
	}

	return success
}

func buildFormat(compression string, level int) (*bedrockdb.BlockFormat, error) {
	zc, err := bedrockdb.NewZlibCodec(level)
	if err != nil {
		return nil, err
	}
	dc, err := bedrockdb.NewRawDeflateCodec(level)
	if err != nil {
		return nil, err
	}

	registry := bedrockdb.NewRegistry()
	registry.Register(bedrockdb.NoCompression, bedrockdb.NoneCodec{})
	registry.Register(bedrockdb.ZlibCompression, zc)
	registry.Register(bedrockdb.RawDeflateCompression, dc)

	format := &bedrockdb.BlockFormat{Registry: registry}
	switch compression {
	case compressionNone:
		format.Compression = bedrockdb.NoCompression
	case compressionZlib:
		format.Compression = bedrockdb.ZlibCompression
	case compressionDeflate:
		format.Compression = bedrockdb.RawDeflateCompression
	default:
		return nil, errors.Errorf("invalid compression algorithm %q", compression)
	}
	return format, nil
}

func decodeKey(encoding, key string) ([]byte, error) {
	switch encoding {
	case encodingNone:
		return []byte(key), nil
	case encodingHex:
		return hex.DecodeString(key)
	default:
		return nil, errors.Errorf("invalid key encoding %q", encoding)
	}
}

func encodeValue(encoding string, val []byte) (string, error) {
	switch encoding {
	case encodingNone:
		return string(val), nil
	case encodingHex:
		return hex.EncodeToString(val), nil
	case encodingBase64:
		return base64.StdEncoding.EncodeToString(val), nil
	default:
		return "", errors.Errorf("invalid encoding format %q", encoding)
	}
}
