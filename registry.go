package bedrockdb

// Registry maps one-byte compressor identifiers to codecs.
//
// A Registry must be fully populated before it is handed to a writer, a
// reader or Open; afterwards it is only read and may be shared freely.
type Registry struct {
	codecs [256]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return new(Registry)
}

// DefaultRegistry returns the registry used by the reference game engine:
//
//	0 -> NoneCodec
//	2 -> ZlibCodec(DefaultLevel)
//	4 -> RawDeflateCodec(DefaultLevel)
func DefaultRegistry() *Registry {
	zc, _ := NewZlibCodec(DefaultLevel)
	dc, _ := NewRawDeflateCodec(DefaultLevel)

	r := NewRegistry()
	r.Register(NoCompression, NoneCodec{})
	r.Register(ZlibCompression, zc)
	r.Register(RawDeflateCompression, dc)
	return r
}

// Register binds a codec to an identifier, replacing any previous binding.
// A nil codec removes the binding.
func (r *Registry) Register(id CompressorID, c Codec) {
	r.codecs[id] = c
}

// Lookup returns the codec bound to id. It returns an
// *UnknownCompressorError if there is none.
func (r *Registry) Lookup(id CompressorID) (Codec, error) {
	if c := r.codecs[id]; c != nil {
		return c, nil
	}
	return nil, &UnknownCompressorError{ID: id}
}

// Has returns true if id is bound.
func (r *Registry) Has(id CompressorID) bool {
	return r.codecs[id] != nil
}

// IDs returns the bound identifiers in ascending order.
func (r *Registry) IDs() []CompressorID {
	var ids []CompressorID
	for i, c := range r.codecs {
		if c != nil {
			ids = append(ids, CompressorID(i))
		}
	}
	return ids
}

// Clone returns a copy of the registry. Codecs are shared, bindings are not.
func (r *Registry) Clone() *Registry {
	c := *r
	return &c
}
