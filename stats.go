package bedrockdb

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats describe written blocks.
type Stats struct {
	// Blocks counts blocks by the compressor identifier they were
	// actually stored with.
	Blocks map[CompressorID]int64
	// RawBytes is the total size of blocks before compression.
	RawBytes int64
	// StoredBytes is the total size of framed blocks on disk.
	StoredBytes int64
}

func (s *Stats) add(id CompressorID, raw, stored int) {
	if s.Blocks == nil {
		s.Blocks = make(map[CompressorID]int64)
	}
	s.Blocks[id]++
	s.RawBytes += int64(raw)
	s.StoredBytes += int64(stored)
}

func (s *Stats) merge(o Stats) {
	for id, n := range o.Blocks {
		if s.Blocks == nil {
			s.Blocks = make(map[CompressorID]int64)
		}
		s.Blocks[id] += n
	}
	s.RawBytes += o.RawBytes
	s.StoredBytes += o.StoredBytes
}

func (s *Stats) clone() Stats {
	c := Stats{RawBytes: s.RawBytes, StoredBytes: s.StoredBytes}
	if s.Blocks != nil {
		c.Blocks = make(map[CompressorID]int64, len(s.Blocks))
		for id, n := range s.Blocks {
			c.Blocks[id] = n
		}
	}
	return c
}

// --------------------------------------------------------------------

const labelCompressor = "compressor"

type metrics struct {
	blocks      *prometheus.CounterVec
	rawBytes    prometheus.Counter
	storedBytes prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}

	blocks, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bedrockdb",
		Name:      "blocks_written_total",
		Help:      "the number of table blocks written, by stored compressor",
	}, []string{labelCompressor}))
	if err != nil {
		return nil, err
	}
	rawBytes, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bedrockdb",
		Name:      "block_raw_bytes_total",
		Help:      "the number of uncompressed block bytes written",
	}))
	if err != nil {
		return nil, err
	}
	storedBytes, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bedrockdb",
		Name:      "block_stored_bytes_total",
		Help:      "the number of block bytes stored on disk",
	}))
	if err != nil {
		return nil, err
	}

	m := &metrics{}
	var ok bool
	if m.blocks, ok = blocks.(*prometheus.CounterVec); !ok {
		return nil, errors.Errorf("collector %T is not a counter vector", blocks)
	}
	if m.rawBytes, ok = rawBytes.(prometheus.Counter); !ok {
		return nil, errors.Errorf("collector %T is not a counter", rawBytes)
	}
	if m.storedBytes, ok = storedBytes.(prometheus.Counter); !ok {
		return nil, errors.Errorf("collector %T is not a counter", storedBytes)
	}
	return m, nil
}

// register registers c, or returns the equivalent collector already
// registered with reg.
func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}

func (m *metrics) observe(s Stats) {
	if m == nil {
		return
	}
	for id, n := range s.Blocks {
		m.blocks.WithLabelValues(id.String()).Add(float64(n))
	}
	m.rawBytes.Add(float64(s.RawBytes))
	m.storedBytes.Add(float64(s.StoredBytes))
}
