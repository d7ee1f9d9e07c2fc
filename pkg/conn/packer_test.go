package conn

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"celestenet/netcore/pkg/ext"
	"celestenet/netcore/pkg/packet"
	"celestenet/netcore/pkg/wire"
)

func TestPacker_NeverSplits(t *testing.T) {
	t.Parallel()

	for _, budget := range []int{128, 512, 1400} {
		rng := rand.New(rand.NewSource(int64(budget)))
		k := newPacker(budget)

		var want []uint32
		var containers [][]byte
		flush := func() {
			if b, n := k.flush(); b != nil {
				if n == 0 {
					t.Fatal("flush returned bytes for an empty container")
				}
				containers = append(containers, append([]byte(nil), b...))
			}
		}

		for id := uint32(1); id <= 300; id++ {
			p := &ext.Chat{ID: id, Player: "Theo", Text: strings.Repeat("x", rng.Intn(min(budget, ext.MaxChatLength)))}
			for {
				ok, err := k.add(p)
				if errors.Is(err, packet.ErrTooLarge) {
					// Would go over TCP.
					break
				}
				if err != nil {
					t.Fatalf("add() error = %v", err)
				}
				if ok {
					want = append(want, id)
					break
				}
				flush()
			}
		}
		flush()

		var got []uint32
		ids := map[byte]bool{}
		for i, b := range containers {
			if len(b) > budget {
				t.Errorf("budget %d: container %d has %d bytes", budget, i, len(b))
			}
			if b[0] == HandshakeMarker {
				t.Errorf("container id 0xFF used")
			}
			ids[b[0]] = true

			// Every container decodes on its own.
			dec := packet.NewDecoder(testRegistry())
			in := wire.NewDecoder(b[1:])
			for !in.EOF() {
				p, err := dec.Decode(in)
				if err != nil {
					t.Fatalf("budget %d: container %d: Decode() error = %v", budget, i, err)
				}
				got = append(got, p.(*ext.Chat).ID)
			}
		}

		if len(got) != len(want) {
			t.Fatalf("budget %d: decoded %d packets, packed %d", budget, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("budget %d: packet %d is %d, want %d", budget, i, got[i], want[i])
			}
		}
		if len(containers) > 1 && len(ids) < 2 {
			t.Errorf("budget %d: container id does not rotate", budget)
		}
	}
}

func TestPacker_OversizedPacket(t *testing.T) {
	t.Parallel()

	k := newPacker(64)
	_, err := k.add(&ext.Chat{Text: strings.Repeat("y", 100)})
	if !errors.Is(err, packet.ErrTooLarge) {
		t.Fatalf("add() error = %v, want ErrTooLarge", err)
	}
	if b, _ := k.flush(); b != nil {
		t.Errorf("flush() after rejected packet = % x", b)
	}

	if ok, err := k.add(&packet.KeepAlive{}); !ok || err != nil {
		t.Fatalf("add(keepAlive) = %v, %v", ok, err)
	}
	b, n := k.flush()
	if n != 1 || len(b) > 64 {
		t.Errorf("flush() = %d bytes, %d packets", len(b), n)
	}
}

func TestPacker_IDWraps(t *testing.T) {
	t.Parallel()

	k := newPacker(64)
	seen := map[byte]int{}
	for i := 0; i < 3*255; i++ {
		k.add(&packet.KeepAlive{})
		b, _ := k.flush()
		seen[b[0]]++
	}
	if len(seen) != 255 || seen[HandshakeMarker] != 0 {
		t.Errorf("%d distinct ids, 0xFF used %d times", len(seen), seen[HandshakeMarker])
	}
}
