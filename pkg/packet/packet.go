// Package packet defines typed packets, the registry that knows how to
// construct them, and the per-connection codec that serializes them with
// interned type identifiers and strings.
//
// Encoded packet layout:
//
//	typeRef    uvarint; 0 = first use, followed by the literal type name
//	flags      byte; flagStrings | flagMeta
//	[strings]  uvarint count, then count literals registered in order
//	[metas]    uvarint count, then per meta: typeRef, uvarint len, bytes
//	payload    uvarint len, bytes
//
// Strings interned by a payload are declared in the header so the receiving
// table stays in sync even when the payload itself cannot be decoded.
package packet

// Packet is one typed unit of data.
type Packet interface {
	DataType() string
	Write(w *Writer) error
	Read(r *Reader) error
}

// Meta is a metadata extension attached to a packet independently of its
// payload.
type Meta interface {
	MetaType() string
	Write(w *Writer) error
	Read(r *Reader) error
}

// MetaCarrier is implemented by packets that accept metadata. The codec
// drops metadata addressed to packets that don't implement it.
type MetaCarrier interface {
	Metas() []Meta
	SetMetas(m []Meta)
}

// Unreliable is implemented by packets that may travel over UDP.
type Unreliable interface {
	Unreliable() bool
}

// IsUnreliable reports whether p prefers the UDP path.
func IsUnreliable(p Packet) bool {
	u, ok := p.(Unreliable)
	return ok && u.Unreliable()
}

// Base can be embedded to make a packet a MetaCarrier.
type Base struct {
	Metadata []Meta
}

func (b *Base) Metas() []Meta {
	return b.Metadata
}

func (b *Base) SetMetas(m []Meta) {
	b.Metadata = m
}

// GetMeta returns the first meta of type T attached to p.
func GetMeta[T Meta](p Packet) (T, bool) {
	var zero T
	mc, ok := p.(MetaCarrier)
	if !ok {
		return zero, false
	}
	for _, m := range mc.Metas() {
		if t, ok := m.(T); ok {
			return t, true
		}
	}
	return zero, false
}
