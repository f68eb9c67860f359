package cluster

import (
	"net"
	"testing"
	"time"

	"github.com/golang-io/mqtt/ack"
	"github.com/golang-io/mqtt/packet"
)

// fakeDeliverer is a LocalDeliverer stub that records every delivery and
// lets the test control when (and whether) the simulated local client
// acknowledges it.
type fakeDeliverer struct {
	outbound *ack.Manager
	delivered []byte // qos values delivered, in order
	nextPkid  uint16
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{outbound: ack.NewManager(0)}
}

func (d *fakeDeliverer) DeliverToMember(group string, msg *packet.Message, props *packet.PublishProperties, qos byte) (string, *ack.Wait, error) {
	d.delivered = append(d.delivered, qos)
	if qos == 0 {
		return "member-1", nil, nil
	}
	d.nextPkid++
	return "member-1", d.outbound.Register("member-1", d.nextPkid, msg), nil
}

func (d *fakeDeliverer) MemberCount(group string) int { return 1 }

// ack simulates the local client acknowledging its most recent delivery.
func (d *fakeDeliverer) ack() {
	d.outbound.Complete("member-1", d.nextPkid)
}

func newFollowerPipe(t *testing.T, deliverer LocalDeliverer) (*Follower, net.Conn) {
	t.Helper()
	leaderSide, followerSide := net.Pipe()
	f := NewFollower("g1", "unused", packet.VERSION311, deliverer)
	f.conn = followerSide
	t.Cleanup(func() { _ = leaderSide.Close(); _ = followerSide.Close() })
	return f, leaderSide
}

func readFromLeaderSide(leaderSide net.Conn) (packet.Packet, error) {
	return packet.Unpack(packet.VERSION311, leaderSide)
}

// Scenario: leader PUBLISHes at QoS 1; the follower must not PUBACK the
// leader until the local member's own ack closes the delivery wait
// (spec.md §4.5 point 3).
func TestFollowerQoS1DoesNotAckLeaderBeforeClient(t *testing.T) {
	d := newFakeDeliverer()
	f, leaderSide := newFollowerPipe(t, d)

	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 1},
		PacketID:    7,
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
	}
	f.handleFromLeader(pub)

	if len(d.delivered) != 1 || d.delivered[0] != 1 {
		t.Fatalf("expected one QoS1 delivery, got %v", d.delivered)
	}

	type result struct {
		pkt packet.Packet
		err error
	}
	done := make(chan result, 1)
	go func() {
		pkt, err := readFromLeaderSide(leaderSide)
		done <- result{pkt, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("follower acked the leader before the local client acked: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	d.ack()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("unpack from follower: %v", r.err)
		}
		puback, ok := r.pkt.(*packet.PUBACK)
		if !ok {
			t.Fatalf("expected PUBACK, got %T", r.pkt)
		}
		if puback.PacketID != 7 {
			t.Errorf("PUBACK.PacketID = %d, want 7 (leader's pkid)", puback.PacketID)
		}
	case <-time.After(time.Second):
		t.Fatal("follower never forwarded the PUBACK to the leader")
	}
}

// Scenario: leader PUBLISHes at QoS 2. The follower must PUBREC
// immediately (standard QoS 2 receive behaviour, spec.md §4.4), hold
// delivery until the leader's PUBREL arrives, then deliver locally and
// PUBCOMP — without ever needing the local client's own ack.
func TestFollowerQoS2HoldsDeliveryUntilPubrel(t *testing.T) {
	d := newFakeDeliverer()
	f, leaderSide := newFollowerPipe(t, d)

	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 2},
		PacketID:    9,
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
	}

	// handleFromLeader sends PUBREC synchronously (net.Pipe writes block
	// until read), so the reader must already be running.
	pubrecDone := make(chan packet.Packet, 1)
	pubrecErr := make(chan error, 1)
	go func() {
		pkt, err := readFromLeaderSide(leaderSide)
		pubrecDone <- pkt
		pubrecErr <- err
	}()

	f.handleFromLeader(pub)

	if len(d.delivered) != 0 {
		t.Fatalf("QoS2 delivery must wait for PUBREL, got %v", d.delivered)
	}

	select {
	case pkt := <-pubrecDone:
		if err := <-pubrecErr; err != nil {
			t.Fatalf("unpack from follower: %v", err)
		}
		pubrec, ok := pkt.(*packet.PUBREC)
		if !ok || pubrec.PacketID != 9 {
			t.Fatalf("expected PUBREC(9), got %#v", pkt)
		}
	case <-time.After(time.Second):
		t.Fatal("follower never sent PUBREC for the leader's QoS2 publish")
	}

	pubcompDone := make(chan packet.Packet, 1)
	pubcompErr := make(chan error, 1)
	go func() {
		pkt, err := readFromLeaderSide(leaderSide)
		pubcompDone <- pkt
		pubcompErr <- err
	}()

	f.handleFromLeader(&packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x6, QoS: 1}, PacketID: 9})

	select {
	case pkt := <-pubcompDone:
		if err := <-pubcompErr; err != nil {
			t.Fatalf("unpack from follower: %v", err)
		}
		pubcomp, ok := pkt.(*packet.PUBCOMP)
		if !ok || pubcomp.PacketID != 9 {
			t.Fatalf("expected PUBCOMP(9), got %#v", pkt)
		}
	case <-time.After(time.Second):
		t.Fatal("follower never sent PUBCOMP after PUBREL")
	}
	if len(d.delivered) != 1 || d.delivered[0] != 2 {
		t.Fatalf("expected one QoS2 delivery after PUBREL, got %v", d.delivered)
	}
}

// A PUBREL for a pkid the follower never PUBRECed (e.g. a stale/duplicate
// leader retry after a sweep) must be ignored rather than delivering a
// message twice or panicking on a nil value.
func TestFollowerQoS2IgnoresUnknownPubrel(t *testing.T) {
	d := newFakeDeliverer()
	f, leaderSide := newFollowerPipe(t, d)
	_ = leaderSide

	f.handleFromLeader(&packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x6, QoS: 1}, PacketID: 123})

	if len(d.delivered) != 0 {
		t.Fatalf("unknown PUBREL must not trigger a delivery, got %v", d.delivered)
	}
}
