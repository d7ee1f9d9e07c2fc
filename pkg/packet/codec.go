package packet

import (
	"errors"
	"fmt"

	"celestenet/netcore/pkg/wire"
)

const (
	flagStrings byte = 1 << iota
	flagMeta
)

var (
	// ErrProtocol marks errors that leave the stream in an unknown state.
	ErrProtocol = errors.New("protocol error")
	// ErrUnknownRef is returned for intern IDs that were never declared.
	ErrUnknownRef = fmt.Errorf("%w: unknown intern id", ErrProtocol)
	// ErrCorePacket marks a core packet whose payload could not be decoded.
	ErrCorePacket = fmt.Errorf("%w: malformed core packet", ErrProtocol)
	// ErrUnknownType is wrapped by an ExtensionError for unregistered types.
	ErrUnknownType = errors.New("unregistered packet type")
	// ErrTooLarge is returned when an encoded packet exceeds the given limit.
	ErrTooLarge = errors.New("packet exceeds size limit")
)

// ExtensionError reports a non-core packet whose payload could not be
// decoded. The packet was fully consumed, so the stream is still framed
// correctly and the caller may skip it.
type ExtensionError struct {
	Type string
	Err  error
}

func (e *ExtensionError) Error() string {
	return fmt.Sprintf("decoding extension packet %s: %s", e.Type, e.Err)
}

func (e *ExtensionError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether a Decode error must tear down the stream.
func IsFatal(err error) bool {
	var extErr *ExtensionError
	return err != nil && !errors.As(err, &extErr)
}

// Writer is handed to Packet.Write and Meta.Write.
type Writer struct {
	*wire.Encoder
	enc *Encoder
}

// WriteRef writes s as an interned string.
func (w *Writer) WriteRef(s string) {
	id, ok := w.enc.strings.Lookup(s)
	if !ok {
		id = w.enc.strings.Add(s)
		w.enc.fresh = append(w.enc.fresh, s)
	}
	w.WriteUvarint(uint64(id))
}

// Reader is handed to Packet.Read and Meta.Read.
type Reader struct {
	*wire.Decoder
	dec *Decoder
}

// ReadRef reads an interned string.
func (r *Reader) ReadRef() (string, error) {
	id, err := r.ReadUvarint()
	if err != nil {
		return "", err
	}
	if id > uint64(^uint32(0)) {
		return "", fmt.Errorf("%w: string id %d", ErrUnknownRef, id)
	}
	s, ok := r.dec.strings.Get(uint32(id))
	if !ok {
		return "", fmt.Errorf("%w: string id %d", ErrUnknownRef, id)
	}
	return s, nil
}

// Encoder serializes packets for one direction of one transport. It owns
// the sending side of the type and string tables and is not safe for
// concurrent use.
type Encoder struct {
	types   *Table
	strings *Table
	fresh   []string

	payload  *wire.Encoder
	metas    *wire.Encoder
	metaBody *wire.Encoder
}

// NewEncoder creates an encoder with empty tables.
func NewEncoder() *Encoder {
	return &Encoder{
		types:    NewTable(),
		strings:  NewTable(),
		payload:  wire.NewEncoder(),
		metas:    wire.NewEncoder(),
		metaBody: wire.NewEncoderWithCap(32),
	}
}

// Encode appends p to out. If limit > 0 and the encoded packet is longer,
// ErrTooLarge is returned. On any error out and both tables are left as
// they were before the call.
func (e *Encoder) Encode(out *wire.Encoder, p Packet, limit int) (err error) {
	start := out.Len()
	nTypes, nStrings := e.types.Len(), e.strings.Len()
	e.fresh = e.fresh[:0]

	defer func() {
		if err != nil {
			out.Truncate(start)
			e.types.rollback(nTypes)
			e.strings.rollback(nStrings)
		}
	}()

	e.writeTypeRef(out, p.DataType())

	e.payload.Reset()
	if err := p.Write(&Writer{Encoder: e.payload, enc: e}); err != nil {
		return fmt.Errorf("writing %s: %w", p.DataType(), err)
	}

	var metas []Meta
	if mc, ok := p.(MetaCarrier); ok {
		metas = mc.Metas()
	}
	e.metas.Reset()
	for _, m := range metas {
		e.writeTypeRef(e.metas, m.MetaType())
		e.metaBody.Reset()
		if err := m.Write(&Writer{Encoder: e.metaBody, enc: e}); err != nil {
			return fmt.Errorf("writing meta %s of %s: %w", m.MetaType(), p.DataType(), err)
		}
		e.metas.WriteLenBytes(e.metaBody.Bytes())
	}

	var flags byte
	if len(e.fresh) > 0 {
		flags |= flagStrings
	}
	if len(metas) > 0 {
		flags |= flagMeta
	}
	out.WriteByte(flags)

	if len(e.fresh) > 0 {
		out.WriteUvarint(uint64(len(e.fresh)))
		for _, s := range e.fresh {
			out.WriteString(s)
		}
	}
	if len(metas) > 0 {
		out.WriteUvarint(uint64(len(metas)))
		out.WriteBytes(e.metas.Bytes())
	}
	out.WriteLenBytes(e.payload.Bytes())

	if limit > 0 && out.Len()-start > limit {
		return fmt.Errorf("%s: %d bytes > %d: %w", p.DataType(), out.Len()-start, limit, ErrTooLarge)
	}
	return nil
}

func (e *Encoder) writeTypeRef(out *wire.Encoder, typ string) {
	if id, ok := e.types.Lookup(typ); ok {
		out.WriteUvarint(uint64(id))
		return
	}
	e.types.Add(typ)
	out.WriteUvarint(0)
	out.WriteString(typ)
}

// Decoder deserializes packets for one direction of one transport. It owns
// the receiving side of the type and string tables and is not safe for
// concurrent use.
type Decoder struct {
	reg     *Registry
	types   *Table
	strings *Table
}

// NewDecoder creates a decoder with empty tables.
func NewDecoder(reg *Registry) *Decoder {
	return &Decoder{
		reg:     reg,
		types:   NewTable(),
		strings: NewTable(),
	}
}

type rawMeta struct {
	typ  string
	body []byte
}

// Decode reads one packet from in. Errors for which IsFatal is false are
// *ExtensionError values and leave in positioned after the packet.
func (d *Decoder) Decode(in *wire.Decoder) (Packet, error) {
	typ, err := d.readTypeRef(in)
	if err != nil {
		return nil, fmt.Errorf("reading packet type: %w", err)
	}

	flags, err := in.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reading flags of %s: %v", ErrProtocol, typ, err)
	}

	if flags&flagStrings != 0 {
		if err := d.readStrings(in); err != nil {
			return nil, fmt.Errorf("reading strings of %s: %w", typ, err)
		}
	}

	var metas []rawMeta
	if flags&flagMeta != 0 {
		metas, err = d.readMetas(in)
		if err != nil {
			return nil, fmt.Errorf("reading metas of %s: %w", typ, err)
		}
	}

	payloadLen, err := in.ReadLen()
	if err != nil {
		return nil, fmt.Errorf("%w: reading payload length of %s: %v", ErrProtocol, typ, err)
	}
	payload, _ := in.ReadBytes(payloadLen)

	p, ok := d.reg.New(typ)
	if !ok {
		return nil, &ExtensionError{Type: typ, Err: ErrUnknownType}
	}

	if err := p.Read(&Reader{Decoder: wire.NewDecoder(payload), dec: d}); err != nil {
		return nil, d.classify(typ, err)
	}

	if mc, ok := p.(MetaCarrier); ok && len(metas) > 0 {
		var decoded []Meta
		for _, raw := range metas {
			m, ok := d.reg.NewMeta(raw.typ)
			if !ok {
				continue
			}
			if err := m.Read(&Reader{Decoder: wire.NewDecoder(raw.body), dec: d}); err != nil {
				return nil, d.classify(typ, fmt.Errorf("meta %s: %w", raw.typ, err))
			}
			decoded = append(decoded, m)
		}
		mc.SetMetas(decoded)
	}

	return p, nil
}

func (d *Decoder) classify(typ string, err error) error {
	if d.reg.IsCore(typ) {
		return fmt.Errorf("%w: decoding %s: %w", ErrCorePacket, typ, err)
	}
	if errors.Is(err, ErrUnknownRef) {
		return fmt.Errorf("%w: decoding %s: %w", ErrProtocol, typ, err)
	}
	return &ExtensionError{Type: typ, Err: err}
}

func (d *Decoder) readTypeRef(in *wire.Decoder) (string, error) {
	id, err := in.ReadUvarint()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if id == 0 {
		typ, err := in.ReadString()
		if err != nil {
			return "", fmt.Errorf("%w: reading type literal: %v", ErrProtocol, err)
		}
		if _, dup := d.types.Lookup(typ); dup {
			return "", fmt.Errorf("%w: type %q declared twice", ErrProtocol, typ)
		}
		d.types.Add(typ)
		return typ, nil
	}
	if id > uint64(^uint32(0)) {
		return "", fmt.Errorf("%w: type id %d", ErrUnknownRef, id)
	}
	typ, ok := d.types.Get(uint32(id))
	if !ok {
		return "", fmt.Errorf("%w: type id %d", ErrUnknownRef, id)
	}
	return typ, nil
}

func (d *Decoder) readStrings(in *wire.Decoder) error {
	n, err := in.ReadUvarint()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if n > uint64(in.Remaining()) {
		return fmt.Errorf("%w: %d strings in %d bytes", ErrProtocol, n, in.Remaining())
	}
	for i := uint64(0); i < n; i++ {
		s, err := in.ReadString()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if _, dup := d.strings.Lookup(s); dup {
			return fmt.Errorf("%w: string %q declared twice", ErrProtocol, s)
		}
		d.strings.Add(s)
	}
	return nil
}

func (d *Decoder) readMetas(in *wire.Decoder) ([]rawMeta, error) {
	n, err := in.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if n > uint64(in.Remaining()) {
		return nil, fmt.Errorf("%w: %d metas in %d bytes", ErrProtocol, n, in.Remaining())
	}
	out := make([]rawMeta, 0, n)
	for i := uint64(0); i < n; i++ {
		typ, err := d.readTypeRef(in)
		if err != nil {
			return nil, err
		}
		l, err := in.ReadLen()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		body, _ := in.ReadBytes(l)
		out = append(out, rawMeta{typ: typ, body: body})
	}
	return out, nil
}
