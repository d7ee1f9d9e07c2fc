package packet

import (
	"fmt"
	"math"
)

// Meta types shipped with the core registry.
const (
	MetaTypeOrder = "order"
	MetaTypeBound = "bound"
)

var coreMetaFactories = []MetaFactory{
	func() Meta { return &Order{} },
	func() Meta { return &Bound{} },
}

// Order tags a packet with a per-stream update counter so that receivers of
// unordered transports can discard stale updates.
type Order struct {
	Stream uint32
	Update byte
}

func (m *Order) MetaType() string { return MetaTypeOrder }

func (m *Order) Write(w *Writer) error {
	w.WriteUvarint(uint64(m.Stream))
	w.WriteByte(m.Update)
	return nil
}

func (m *Order) Read(r *Reader) error {
	s, err := r.ReadUvarint()
	if err != nil {
		return err
	}
	if s > math.MaxUint32 {
		return fmt.Errorf("%w: order stream %d exceeds 32 bits", ErrProtocol, s)
	}
	m.Stream = uint32(s)
	m.Update, err = r.ReadByte()
	return err
}

// Newer reports whether update a is newer than b, allowing wrap-around.
func Newer(a, b byte) bool {
	return int8(a-b) > 0
}

// Bound ties a packet to the player it concerns.
type Bound struct {
	Player uint32
}

func (m *Bound) MetaType() string { return MetaTypeBound }

func (m *Bound) Write(w *Writer) error {
	w.WriteUint32(m.Player)
	return nil
}

func (m *Bound) Read(r *Reader) (err error) {
	m.Player, err = r.ReadUint32()
	return err
}
