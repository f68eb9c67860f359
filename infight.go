package mqtt

import (
	"sync"

	"github.com/golang-io/mqtt/packet"
)

// InFight holds inbound QoS 2 PUBLISH packets between PUBREC and PUBREL
// (§4.4 point 2): the broker must not act on the publish until the
// client's PUBREL confirms it, so conn.go parks it here keyed by packet
// id and only hands it to MemorySubscribed.Publish once PUBREL arrives.
type InFight struct {
	mu   *sync.RWMutex
	maps map[uint16]*packet.PUBLISH
}

func newInFight() *InFight {
	return &InFight{
		mu:   new(sync.RWMutex),
		maps: make(map[uint16]*packet.PUBLISH),
	}
}

// Get retrieves and removes the PUBLISH parked under id, for handling a
// PUBREL. The second return is false if no PUBREC was ever issued for id
// (e.g. a stray or duplicate PUBREL).
func (i *InFight) Get(id uint16) (*packet.PUBLISH, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	pkt, ok := i.maps[id]
	if ok {
		delete(i.maps, id)
	}
	return pkt, ok
}

// Put parks pkt under its packet id after the broker has sent PUBREC.
func (i *InFight) Put(pkt *packet.PUBLISH) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.maps[pkt.PacketID] = pkt
	return true
}
