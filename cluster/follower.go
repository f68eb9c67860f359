package cluster

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/golang-io/mqtt/ack"
	"github.com/golang-io/mqtt/packet"
	"golang.org/x/sync/errgroup"
)

// LocalDeliverer is the callback surface the follower pipeline uses to
// hand a forwarded message to one of its local group members and to
// learn about their acks, keeping cluster/ decoupled from the
// connection/session types in the root package.
type LocalDeliverer interface {
	// DeliverToMember publishes msg to one locally-held member of the
	// shared group at the given QoS, returning the client id chosen (for
	// pkid-translation bookkeeping) and an ack-wait signal when qos > 0.
	DeliverToMember(group string, msg *packet.Message, props *packet.PublishProperties, qos byte) (clientID string, wait *ack.Wait, err error)
	// MemberCount reports how many local members remain for group, used
	// to decide when to tear the pipeline down.
	MemberCount(group string) int
}

// Follower forwards a shared-subscription group's traffic between a
// leader broker and this node's local members, grounded on federated.go's
// dial/retry/ping shape but driving a raw MQTT connection instead of the
// JSON-over-HTTP federation protocol.
type Follower struct {
	group      string
	leaderAddr string
	version    byte
	deliverer  LocalDeliverer
	// leaderAcks is the QoS 2 receive-side wait table keyed by the
	// leader's pkid: a PUBLISH is held here from PUBREC until the
	// leader's PUBREL arrives, mirroring conn.go's own inFight dance
	// for a normal incoming QoS 2 publisher (spec §4.4).
	leaderAcks *ack.Manager

	mu      sync.Mutex
	conn    net.Conn
	stopped chan struct{}
}

// NewFollower builds a follower pipeline for group, dialing leaderAddr
// lazily on Run.
func NewFollower(group, leaderAddr string, version byte, deliverer LocalDeliverer) *Follower {
	return &Follower{
		group:      group,
		leaderAddr: leaderAddr,
		version:    version,
		deliverer:  deliverer,
		leaderAcks: ack.NewManager(30 * time.Second),
		stopped:    make(chan struct{}),
	}
}

// Run drives the pipeline until ctx is cancelled or Stop is called. A dial
// or read error closes the leader connection and this supervisor loop
// re-dials after a one-second pause. A failed write to the leader
// (sendToLeader) is logged and dropped; it is not retried.
func (f *Follower) Run(ctx context.Context) error {
	defer f.leaderAcks.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.stopped:
			return nil
		default:
		}

		if f.deliverer.MemberCount(f.group) == 0 {
			f.unsubscribeAndClose()
			return nil
		}

		if err := f.runOnce(ctx); err != nil {
			log.Printf("cluster: follower group=%s leader=%s: %v", f.group, f.leaderAddr, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.stopped:
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (f *Follower) runOnce(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", f.leaderAddr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial leader: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer conn.Close()

	sub := &packet.SUBSCRIBE{
		FixedHeader: &packet.FixedHeader{Version: f.version, Kind: 0x8, QoS: 1},
		PacketID:    1,
		Subscriptions: []packet.Subscription{
			{TopicFilter: "$share/" + f.group + "/#", MaximumQoS: 2},
		},
	}
	if err := sub.Pack(conn); err != nil {
		return fmt.Errorf("resubscribe to leader: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return f.pingLoop(gctx, conn) })
	group.Go(func() error { return f.readLoop(gctx, conn) })
	return group.Wait()
}

func (f *Follower) pingLoop(ctx context.Context, conn net.Conn) error {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.stopped:
			return nil
		case <-ticker.C:
			ping := &packet.PINGREQ{FixedHeader: &packet.FixedHeader{Version: f.version, Kind: 0xC}}
			if err := ping.Pack(conn); err != nil {
				return fmt.Errorf("ping leader: %w", err)
			}
		}
	}
}

func (f *Follower) readLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.stopped:
			return nil
		default:
		}
		pkt, err := packet.Unpack(f.version, conn)
		if err != nil {
			return fmt.Errorf("read from leader: %w", err)
		}
		f.handleFromLeader(pkt)
	}
}

// handleFromLeader processes one packet arriving on the leader connection.
// QoS 1: the message is delivered to the local member immediately and the
// leader is only acked (PUBACK) once the local client's own PUBACK closes
// the delivery wait, so a follower crash between the two never silently
// drops the message. QoS 2: the leader's PUBLISH is held (not yet
// delivered) until its PUBREL arrives, exactly like conn.go's existing
// inbound QoS 2 dance, then delivered and PUBCOMP'd — the local
// client-facing QoS 2 handshake that follows runs entirely through the
// ordinary broker delivery path (mem_topic.go's outbound ack.Manager),
// independent of this leader-facing pkid space.
func (f *Follower) handleFromLeader(pkt packet.Packet) {
	switch p := pkt.(type) {
	case *packet.PUBLISH:
		switch p.QoS {
		case 0:
			if _, _, err := f.deliverer.DeliverToMember(f.group, p.Message, p.Props, 0); err != nil {
				log.Printf("cluster: follower deliver group=%s: %v", f.group, err)
			}
		case 1:
			_, wait, err := f.deliverer.DeliverToMember(f.group, p.Message, p.Props, 1)
			if err != nil {
				log.Printf("cluster: follower deliver group=%s: %v", f.group, err)
				return
			}
			if wait != nil {
				go f.awaitClientAck(p.PacketID, wait)
			}
		case 2:
			f.leaderAcks.Register("leader", p.PacketID, p)
			f.sendToLeader(&packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: f.version, Kind: 0x5}, PacketID: p.PacketID})
		}
	case *packet.PUBREL:
		val, ok := f.leaderAcks.Complete("leader", p.PacketID)
		if !ok {
			return
		}
		pub := val.(*packet.PUBLISH)
		if _, _, err := f.deliverer.DeliverToMember(f.group, pub.Message, pub.Props, pub.QoS); err != nil {
			log.Printf("cluster: follower deliver group=%s: %v", f.group, err)
		}
		f.sendToLeader(&packet.PUBCOMP{FixedHeader: &packet.FixedHeader{Version: f.version, Kind: 0x7}, PacketID: p.PacketID})
	case *packet.PINGRESP:
		// keepalive reply, nothing to do
	}
}

// awaitClientAck blocks until the local member's QoS 1 delivery wait
// closes (its PUBACK arrived, or it was cancelled/timed out) and forwards
// a matching PUBACK to the leader under leaderPkid.
func (f *Follower) awaitClientAck(leaderPkid uint16, wait *ack.Wait) {
	<-wait.Signal
	f.sendToLeader(&packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: f.version, Kind: 0x4}, PacketID: leaderPkid})
}

func (f *Follower) sendToLeader(pkt packet.Packet) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	if err := pkt.Pack(conn); err != nil {
		log.Printf("cluster: send to leader failed: %v", err)
	}
}

func (f *Follower) unsubscribeAndClose() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		unsub := &packet.UNSUBSCRIBE{
			FixedHeader:   &packet.FixedHeader{Version: f.version, Kind: 0xA, QoS: 1},
			PacketID:      1,
			Subscriptions: []packet.Subscription{{TopicFilter: "$share/" + f.group + "/#"}},
		}
		_ = unsub.Pack(conn)
		_ = conn.Close()
	}
}

// Stop tears the pipeline down, used both when the local node becomes
// leader and on shutdown.
func (f *Follower) Stop() {
	select {
	case <-f.stopped:
	default:
		close(f.stopped)
	}
	f.unsubscribeAndClose()
}
