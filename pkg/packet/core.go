package packet

import "fmt"

// Core data types. Their decode failures are always fatal.
const (
	TypeKeepAlive  = "keepAlive"
	TypeDisconnect = "disconnect"
	TypeUDPInfo    = "udpInfo"
	TypeDataTypes  = "dataTypes"
)

var coreFactories = []Factory{
	func() Packet { return &KeepAlive{} },
	func() Packet { return &Disconnect{} },
	func() Packet { return &UDPInfo{} },
	func() Packet { return &DataTypes{} },
}

// KeepAlive carries no data. Sent by the heartbeat when a transport has
// been idle for a whole interval.
type KeepAlive struct{}

func (p *KeepAlive) DataType() string      { return TypeKeepAlive }
func (p *KeepAlive) Write(w *Writer) error { return nil }
func (p *KeepAlive) Read(r *Reader) error  { return nil }

// Disconnect is the close sentinel. Everything queued before it is sent
// before the sender tears down the connection.
type Disconnect struct {
	Reason string
}

func (p *Disconnect) DataType() string { return TypeDisconnect }

func (p *Disconnect) Write(w *Writer) error {
	w.WriteString(p.Reason)
	return nil
}

func (p *Disconnect) Read(r *Reader) (err error) {
	p.Reason, err = r.ReadString()
	return err
}

// UDPInfo confirms a UDP handshake datagram. A negative ConnectionID tells
// the peer that UDP is unavailable for this connection.
type UDPInfo struct {
	ConnectionID    int32
	MaxDatagramSize uint32
}

func (p *UDPInfo) DataType() string { return TypeUDPInfo }

func (p *UDPInfo) Write(w *Writer) error {
	w.WriteInt32(p.ConnectionID)
	w.WriteUint32(p.MaxDatagramSize)
	return nil
}

func (p *UDPInfo) Read(r *Reader) (err error) {
	if p.ConnectionID, err = r.ReadInt32(); err != nil {
		return err
	}
	p.MaxDatagramSize, err = r.ReadUint32()
	return err
}

// DataTypes lists the extension types the sender can decode.
type DataTypes struct {
	Types []string
}

// maxDataTypes bounds the advertised list.
const maxDataTypes = 4096

func (p *DataTypes) DataType() string { return TypeDataTypes }

func (p *DataTypes) Write(w *Writer) error {
	if len(p.Types) > maxDataTypes {
		return fmt.Errorf("%d data types > %d", len(p.Types), maxDataTypes)
	}
	w.WriteUvarint(uint64(len(p.Types)))
	for _, t := range p.Types {
		w.WriteRef(t)
	}
	return nil
}

func (p *DataTypes) Read(r *Reader) error {
	n, err := r.ReadUvarint()
	if err != nil {
		return err
	}
	if n > maxDataTypes {
		return fmt.Errorf("%d data types > %d", n, maxDataTypes)
	}
	p.Types = make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		t, err := r.ReadRef()
		if err != nil {
			return err
		}
		p.Types = append(p.Types, t)
	}
	return nil
}
