package bedrockdb_test

import (
	"bytes"
	"strconv"

	"github.com/bsm/bedrockdb"
	lru "github.com/hashicorp/golang-lru"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/types"
)

// countingCodec counts Decode calls.
type countingCodec struct {
	bedrockdb.Codec
	decodes int
}

func (c *countingCodec) Decode(src []byte) ([]byte, error) {
	c.decodes++
	return c.Codec.Decode(src)
}

var _ = Describe("Reader", func() {
	var subject *bedrockdb.Reader

	HavePos := func(n int) types.GomegaMatcher {
		return WithTransform(func(x interface{ Pos() int }) int {
			return x.Pos()
		}, Equal(n))
	}

	// sectionKeys returns all keys of a section as integers.
	sectionKeys := func(s *bedrockdb.SectionReader) []int {
		var keys []int
		for s.Next() {
			n, err := strconv.Atoi(string(s.Key()))
			Expect(err).NotTo(HaveOccurred())
			keys = append(keys, n)
		}
		Expect(s.Err()).NotTo(HaveOccurred())
		return keys
	}

	// blockKeys returns all keys of a block as integers.
	blockKeys := func(bpos int) []int {
		b, err := subject.GetBlock(bpos)
		Expect(err).NotTo(HaveOccurred())
		defer b.Release()

		var keys []int
		for spos := 0; spos < b.NumSections(); spos++ {
			keys = append(keys, sectionKeys(b.GetSection(spos))...)
		}
		return keys
	}

	// The following will seed 100 keys, 0..396, into several blocks
	// of ~30 entries, each split into sections of 16.
	BeforeEach(func() {
		var err error
		subject, err = seedReader(100)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should init", func() {
		Expect(subject.NumBlocks()).To(BeNumerically(">", 2))

		Expect(subject.FirstKey()).To(Equal(seedKey(0)))
		Expect(subject.LastKey()).To(Equal(seedKey(396)))

		tr10k, err := seedReader(10000)
		Expect(err).NotTo(HaveOccurred())
		Expect(tr10k.NumBlocks()).To(BeNumerically(">", 300))
	})

	It("should reject bad tables", func() {
		_, err := bedrockdb.NewReader(bytes.NewReader(nil), 0, nil)
		Expect(err).To(HaveOccurred())

		empty := new(bytes.Buffer)
		Expect(bedrockdb.NewWriter(empty, nil).Close()).To(Succeed())
		r, err := bedrockdb.NewReader(bytes.NewReader(empty.Bytes()), int64(empty.Len()), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.NumBlocks()).To(Equal(0))
		Expect(r.FirstKey()).To(BeNil())
		Expect(r.LastKey()).To(BeNil())
		_, err = r.Get(nil)
		Expect(err).To(MatchError(bedrockdb.ErrNotFound))

		junk := make([]byte, 32)
		_, err = bedrockdb.NewReader(bytes.NewReader(junk), int64(len(junk)), nil)
		Expect(err).To(MatchError(`bedrockdb: bad magic byte sequence`))
	})

	It("should reject block offsets outside the data section", func() {
		// first key "a", one entry with offset delta 100 and no data section
		table := []byte{1, 'a', 0, 1, 100, 'a'}
		table = append(table, 0, 0, 0, 0, 0, 0, 0, 0)
		table = append(table, "BeDrock\xDB"...)
		Expect(table).To(HaveLen(22))

		_, err := bedrockdb.NewReader(bytes.NewReader(table), int64(len(table)), nil)
		Expect(err).To(MatchError(bedrockdb.ErrCorruptBlock))

		// truncated index entry
		table = []byte{1, 'a', 0, 5, 0, 'a'}
		table = append(table, 0, 0, 0, 0, 0, 0, 0, 0)
		table = append(table, "BeDrock\xDB"...)
		_, err = bedrockdb.NewReader(bytes.NewReader(table), int64(len(table)), nil)
		Expect(err).To(MatchError(bedrockdb.ErrCorruptBlock))
	})

	It("should Get/Append", func() {
		for i := 0; i <= 396; i += 4 {
			Expect(subject.Get(seedKey(i))).To(HaveSuffix(string(seedKey(i))), "for %d", i)
		}

		val, err := subject.Append([]byte("prefix"), seedKey(8))
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(HavePrefix("prefix"))
		Expect(val).To(HaveLen(6 + 128))

		for _, key := range [][]byte{nil, seedKey(1), seedKey(395), seedKey(400), []byte("zzz")} {
			_, err := subject.Get(key)
			Expect(err).To(MatchError(bedrockdb.ErrNotFound), "for %q", key)
		}
	})

	It("should retrieve blocks", func() {
		b0, err := subject.GetBlock(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(b0.Pos()).To(Equal(0))
		Expect(b0.Compression()).To(Equal(bedrockdb.NoCompression))
		Expect(b0.Len()).To(BeNumerically(">", 3000))

		b1, err := subject.GetBlock(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(b1.Pos()).To(Equal(1))

		b0, err = subject.GetBlock(-1)
		Expect(err).NotTo(HaveOccurred())
		Expect(b0.Pos()).To(Equal(0))

		bn, err := subject.GetBlock(subject.NumBlocks() + 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(bn.Pos()).To(Equal(subject.NumBlocks()))
	})

	It("should partition keys across blocks", func() {
		var all []int
		for bpos := 0; bpos < subject.NumBlocks(); bpos++ {
			all = append(all, blockKeys(bpos)...)
		}
		Expect(all).To(HaveLen(100))
		for i, n := range all {
			Expect(n).To(Equal(i * 4))
		}
	})

	It("should seek blocks", func() {
		for bpos := 0; bpos < subject.NumBlocks(); bpos++ {
			keys := blockKeys(bpos)
			first, last := keys[0], keys[len(keys)-1]

			Expect(subject.SeekBlock(seedKey(first))).To(HavePos(bpos))
			Expect(subject.SeekBlock(seedKey(first - 1))).To(HavePos(bpos))
			Expect(subject.SeekBlock(seedKey(last))).To(HavePos(bpos))
			Expect(subject.SeekBlock(seedKey(last + 1))).To(HavePos(bpos + 1))
		}
		Expect(subject.SeekBlock(nil)).To(HavePos(0))
		Expect(subject.SeekBlock(seedKey(1000))).To(HavePos(subject.NumBlocks()))
	})

	Describe("BlockReader", func() {
		var block *bedrockdb.BlockReader

		BeforeEach(func() {
			var err error
			block, err = subject.GetBlock(1)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			block.Release()
		})

		It("should have pos", func() {
			Expect(block.Pos()).To(Equal(1))
		})

		It("should have sections", func() {
			n := block.NumSections()
			Expect(n).To(BeNumerically(">=", 2))
			Expect(block.GetSection(0).Pos()).To(Equal(0))
			Expect(block.GetSection(1).Pos()).To(Equal(1))
			Expect(block.GetSection(n).Pos()).To(Equal(n))
			Expect(block.GetSection(n + 1).Pos()).To(Equal(n))
			Expect(block.GetSection(-1).Pos()).To(Equal(0))

			Expect(sectionKeys(block.GetSection(0))).To(HaveLen(16))
		})

		It("should seek sections", func() {
			n := block.NumSections()
			for spos := 0; spos < n; spos++ {
				keys := sectionKeys(block.GetSection(spos))
				first, last := keys[0], keys[len(keys)-1]

				Expect(block.SeekSection(seedKey(first)).Pos()).To(Equal(spos))
				Expect(block.SeekSection(seedKey(last)).Pos()).To(Equal(spos))
				if spos+1 < n {
					Expect(block.SeekSection(seedKey(last + 1)).Pos()).To(Equal(spos))
				} else {
					Expect(block.SeekSection(seedKey(last + 1)).Pos()).To(Equal(n))
				}
			}
			Expect(block.SeekSection(nil).Pos()).To(Equal(0))
		})
	})

	Describe("SectionReader", func() {
		var section *bedrockdb.SectionReader
		var first int

		BeforeEach(func() {
			block, err := subject.GetBlock(1)
			Expect(err).NotTo(HaveOccurred())

			first = sectionKeys(block.GetSection(1))[0]
			section = block.GetSection(1)
		})

		It("should have pos", func() {
			Expect(section.Pos()).To(Equal(1))
		})

		It("should seek", func() {
			Expect(section.Seek(seedKey(first + 8))).To(BeTrue())
			Expect(section.Next()).To(BeTrue())
			Expect(section.Key()).To(Equal(seedKey(first + 8)))

			Expect(section.Seek(seedKey(first + 13))).To(BeTrue())
			Expect(section.Next()).To(BeTrue())
			Expect(section.Key()).To(Equal(seedKey(first + 16)))
		})

		It("should iterate", func() {
			for i := 0; section.More(); i++ {
				Expect(section.Next()).To(BeTrue())
				Expect(section.Key()).To(Equal(seedKey(first + i*4)))
				Expect(section.Value()).To(HaveSuffix(string(seedKey(first + i*4))))
			}
			Expect(section.Next()).To(BeFalse())
			Expect(section.Err()).NotTo(HaveOccurred())
		})
	})

	Describe("Iterator", func() {
		It("should iterate from beginning", func() {
			iter, err := subject.Seek(nil)
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			for i := 0; i < 100; i++ {
				Expect(iter.More()).To(BeTrue())
				Expect(iter.Next()).To(BeTrue())
				Expect(iter.Key()).To(Equal(seedKey(i * 4)))
				Expect(iter.Value()).To(HaveSuffix(string(seedKey(i * 4))))
			}

			Expect(iter.More()).To(BeFalse())
			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should iterate from middle", func() {
			iter, err := subject.Seek(seedKey(200))
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Key()).To(Equal(seedKey(200)))

			iter2, err := subject.Seek(seedKey(201))
			Expect(err).NotTo(HaveOccurred())
			defer iter2.Release()

			Expect(iter2.Next()).To(BeTrue())
			Expect(iter2.Key()).To(Equal(seedKey(204)))
		})

		It("should iterate from last entry", func() {
			iter, err := subject.Seek(seedKey(396))
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.More()).To(BeTrue())
			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Key()).To(Equal(seedKey(396)))
			Expect(iter.Value()).To(HaveSuffix("00000396"))

			Expect(iter.More()).To(BeFalse())
			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should not iterate when past the end", func() {
			iter, err := subject.Seek(seedKey(1000))
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.More()).To(BeFalse())
			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})
	})

	Describe("compressed tables", func() {
		var buf *bytes.Buffer
		var codec *countingCodec
		var format *bedrockdb.BlockFormat

		BeforeEach(func() {
			dc, err := bedrockdb.NewRawDeflateCodec(6)
			Expect(err).NotTo(HaveOccurred())
			codec = &countingCodec{Codec: dc}

			reg := mustRegistry(6)
			reg.Register(bedrockdb.RawDeflateCompression, codec)
			format = &bedrockdb.BlockFormat{Registry: reg, Compression: bedrockdb.RawDeflateCompression}

			buf = new(bytes.Buffer)
			w := bedrockdb.NewWriter(buf, &bedrockdb.WriterOptions{Format: format})
			for i := 0; i < 1000; i++ {
				Expect(w.Append(seedKey(i), bytes.Repeat(seedKey(i), 16))).To(Succeed())
			}
			Expect(w.Close()).To(Succeed())
		})

		open := func(o *bedrockdb.ReaderOptions) *bedrockdb.Reader {
			r, err := bedrockdb.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), o)
			Expect(err).NotTo(HaveOccurred())
			return r
		}

		It("should read", func() {
			r := open(&bedrockdb.ReaderOptions{Format: format})
			Expect(r.NumBlocks()).To(BeNumerically(">", 1))

			b, err := r.GetBlock(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Compression()).To(Equal(bedrockdb.RawDeflateCompression))
			b.Release()

			for i := 0; i < 1000; i += 7 {
				Expect(r.Get(seedKey(i))).To(Equal(bytes.Repeat(seedKey(i), 16)), "for %d", i)
			}
		})

		It("should read with default options", func() {
			r := open(nil)
			Expect(r.Get(seedKey(500))).To(Equal(bytes.Repeat(seedKey(500), 16)))
		})

		It("should decode cached blocks once", func() {
			cache, err := lru.New(64)
			Expect(err).NotTo(HaveOccurred())

			r := open(&bedrockdb.ReaderOptions{Format: format, Cache: cache, CacheNamespace: 1})
			Expect(r.Get(seedKey(1))).To(Equal(bytes.Repeat(seedKey(1), 16)))
			Expect(r.Get(seedKey(2))).To(Equal(bytes.Repeat(seedKey(2), 16)))
			Expect(codec.decodes).To(Equal(1))

			// other namespaces do not share entries
			r2 := open(&bedrockdb.ReaderOptions{Format: format, Cache: cache, CacheNamespace: 2})
			Expect(r2.Get(seedKey(1))).To(Equal(bytes.Repeat(seedKey(1), 16)))
			Expect(codec.decodes).To(Equal(2))

			// uncached readers decode every time
			r3 := open(&bedrockdb.ReaderOptions{Format: format})
			Expect(r3.Get(seedKey(1))).To(Equal(bytes.Repeat(seedKey(1), 16)))
			Expect(r3.Get(seedKey(1))).To(Equal(bytes.Repeat(seedKey(1), 16)))
			Expect(codec.decodes).To(Equal(4))
		})

		It("should fail on unregistered identifiers", func() {
			reg := bedrockdb.NewRegistry()
			reg.Register(bedrockdb.NoCompression, bedrockdb.NoneCodec{})

			r := open(&bedrockdb.ReaderOptions{Format: &bedrockdb.BlockFormat{Registry: reg}})
			_, err := r.Get(seedKey(1))
			Expect(err).To(MatchError(bedrockdb.ErrUnknownCompressor))
		})

		It("should detect corruption", func() {
			data := append([]byte(nil), buf.Bytes()...)
			data[3] ^= 0xff

			r, err := bedrockdb.NewReader(bytes.NewReader(data), int64(len(data)), &bedrockdb.ReaderOptions{Format: format})
			Expect(err).NotTo(HaveOccurred())

			_, err = r.Get(seedKey(1))
			Expect(err).To(MatchError(bedrockdb.ErrCorruptBlock))

			iter, err := r.Seek(nil)
			Expect(err).To(MatchError(bedrockdb.ErrCorruptBlock))
			Expect(iter).To(BeNil())
		})
	})
})
