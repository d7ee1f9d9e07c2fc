// Package entrypoint runs the netcore commands: a relay server that
// forwards chat and player states between its clients, and a console
// client that chats over stdin and stdout.
package entrypoint

import (
	"sync"
	"sync/atomic"

	"celestenet/netcore/pkg/conn"
	"celestenet/netcore/pkg/ext"
	"celestenet/netcore/pkg/log"
	"celestenet/netcore/pkg/packet"
)

// broadcaster is the part of the server the relay needs.
type broadcaster interface {
	Broadcast(p packet.Packet, skip *conn.Conn)
}

// relay forwards extension packets between the connections of a server.
type relay struct {
	out    broadcaster
	logger *log.Logger
	nextID atomic.Uint32

	mu         sync.Mutex
	sources    map[*conn.Conn]*source
	nextPlayer uint32
}

// source is the ordering state of one sending connection.
type source struct {
	player uint32
	// last holds the newest Order update received per stream.
	last map[uint32]byte
	// update counts the states forwarded for this player.
	update byte
}

func (r *relay) sourceOf(c *conn.Conn) *source {
	if r.sources == nil {
		r.sources = make(map[*conn.Conn]*source)
	}
	src, ok := r.sources[c]
	if !ok {
		r.nextPlayer++
		src = &source{player: r.nextPlayer, last: make(map[uint32]byte)}
		r.sources[c] = src
	}
	return src
}

func (r *relay) handlers() conn.Handlers {
	return conn.Handlers{
		OnReceive:      r.onReceive,
		OnDisconnect:   r.onDisconnect,
		OnUDPDowngrade: r.onUDPDowngrade,
	}
}

func (r *relay) onReceive(c *conn.Conn, p packet.Packet) {
	switch p := p.(type) {
	case *ext.Chat:
		// The server owns names and ids; clients cannot speak for others.
		chat := &ext.Chat{
			ID:     r.nextID.Add(1),
			Player: c.Name(),
			Text:   p.Text,
			Color:  p.Color,
		}
		r.logger.InfoMsg("<%s> %s", chat.Player, chat.Text)
		r.out.Broadcast(chat, nil)

	case *ext.PlayerState:
		r.forwardState(c, p)

	default:
		r.logger.VerboseMsg("%s: ignoring %s", c, p.DataType())
	}
}

// forwardState drops states older than the last one seen on their stream
// and re-tags the rest for the other players.
func (r *relay) forwardState(c *conn.Conn, p *ext.PlayerState) {
	r.mu.Lock()
	src := r.sourceOf(c)
	if o, ok := packet.GetMeta[*packet.Order](p); ok {
		if last, seen := src.last[o.Stream]; seen && !packet.Newer(o.Update, last) {
			r.mu.Unlock()
			r.logger.VerboseMsg("%s: dropping stale state %d on stream %d", c, o.Update, o.Stream)
			return
		}
		src.last[o.Stream] = o.Update
	}
	src.update++
	out := *p
	out.Metadata = []packet.Meta{
		&packet.Order{Update: src.update},
		&packet.Bound{Player: src.player},
	}
	r.mu.Unlock()

	r.out.Broadcast(&out, c)
}

func (r *relay) onDisconnect(c *conn.Conn, reason string) {
	r.mu.Lock()
	delete(r.sources, c)
	r.mu.Unlock()

	r.logger.VerboseMsg("%s: relay lost %q: %s", c, c.Name(), reason)
}

func (r *relay) onUDPDowngrade(c *conn.Conn) {
	r.logger.WarnMsg("%s: %q continues over TCP only", c, c.Name())
}
