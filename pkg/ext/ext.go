// Package ext holds the extension packet types carried by netcore on top of
// the core protocol. Upper layers register them with Register.
package ext

import (
	"fmt"

	"celestenet/netcore/pkg/packet"
)

const (
	TypeChat        = "chat"
	TypePlayerState = "playerState"
)

// MaxChatLength bounds chat text on both encode and decode.
const MaxChatLength = 1024

// Register adds every extension type to reg.
func Register(reg *packet.Registry) {
	reg.MustRegister(func() packet.Packet { return &Chat{} })
	reg.MustRegister(func() packet.Packet { return &PlayerState{} })
}

// Chat is a text message. Player names repeat and are interned.
type Chat struct {
	packet.Base

	ID     uint32
	Player string
	Text   string
	Color  uint32
}

func (p *Chat) DataType() string { return TypeChat }

func (p *Chat) Write(w *packet.Writer) error {
	if len(p.Text) > MaxChatLength {
		return fmt.Errorf("chat text of %d bytes > %d", len(p.Text), MaxChatLength)
	}
	w.WriteUint32(p.ID)
	w.WriteRef(p.Player)
	w.WriteString(p.Text)
	w.WriteUint32(p.Color)
	return nil
}

func (p *Chat) Read(r *packet.Reader) (err error) {
	if p.ID, err = r.ReadUint32(); err != nil {
		return err
	}
	if p.Player, err = r.ReadRef(); err != nil {
		return err
	}
	if p.Text, err = r.ReadString(); err != nil {
		return err
	}
	if len(p.Text) > MaxChatLength {
		return fmt.Errorf("chat text of %d bytes > %d", len(p.Text), MaxChatLength)
	}
	p.Color, err = r.ReadUint32()
	return err
}

// PlayerState is a frequent positional update. It prefers UDP, so it may
// arrive late or twice; senders tag it with a packet.Order meta and
// receivers drop updates that are not newer. A relay adds packet.Bound to
// name the player it forwards for.
type PlayerState struct {
	packet.Base

	Level  string
	X, Y   float32
	Facing int16
	Dashes byte
}

func (p *PlayerState) DataType() string { return TypePlayerState }
func (p *PlayerState) Unreliable() bool { return true }

func (p *PlayerState) Write(w *packet.Writer) error {
	w.WriteRef(p.Level)
	w.WriteFloat32(p.X)
	w.WriteFloat32(p.Y)
	w.WriteInt16(p.Facing)
	w.WriteByte(p.Dashes)
	return nil
}

func (p *PlayerState) Read(r *packet.Reader) (err error) {
	if p.Level, err = r.ReadRef(); err != nil {
		return err
	}
	if p.X, err = r.ReadFloat32(); err != nil {
		return err
	}
	if p.Y, err = r.ReadFloat32(); err != nil {
		return err
	}
	if p.Facing, err = r.ReadInt16(); err != nil {
		return err
	}
	p.Dashes, err = r.ReadByte()
	return err
}
