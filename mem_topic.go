package mqtt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-io/mqtt/ack"
	"github.com/golang-io/mqtt/cluster"
	"github.com/golang-io/mqtt/packet"
	"github.com/golang-io/mqtt/topic"
	"golang.org/x/sync/errgroup"
)

// MemorySubscribed is the broker's subscription router and delivery
// fan-out. It keeps the teacher's role (the thing conn.go and server.go
// call to subscribe/unsubscribe/publish) but is backed by topic.Router
// instead of a flat per-topic conn set, so shared-subscription groups
// deliver to exactly one member and retained messages are tracked
// alongside the live subscriber set.
type MemorySubscribed struct {
	s        *Server
	router   *topic.Router
	retain   topic.RetainStore
	outbound *ack.Manager // tracks broker->client QoS>0 deliveries awaiting PUBACK/PUBCOMP

	mu      sync.RWMutex
	clients map[string]*conn // clientID -> conn, for delivery once the router resolves subscriber ids

	// Cluster-aware shared subscription routing (§4.5/§4.10). placement is
	// nil when CONFIG.PlacementURL is unset, in which case every shared
	// group is treated as locally led.
	placement   *cluster.PlacementClient
	brokerID    string
	clusterName string

	groupMu   sync.Mutex
	followers map[string]*cluster.Follower

	// sessMu/sessions track pending session-expiry timers (§4.2): a
	// client that disconnects without CleanStart and with a nonzero
	// SessionExpiryInterval keeps its subscriptions registered in router
	// until either the timer fires (RemoveClient) or the client
	// reconnects with the same id first (Register cancels the timer).
	sessMu   sync.Mutex
	sessions map[string]*time.Timer
}

// ConfigureCluster wires a placement client into m so shared-subscription
// groups are checked against cluster leadership instead of always being
// handled locally. Called once from NewServer when CONFIG.PlacementURL is
// set.
func (m *MemorySubscribed) ConfigureCluster(placement *cluster.PlacementClient, brokerID, clusterName string) {
	m.placement = placement
	m.brokerID = brokerID
	m.clusterName = clusterName
	go m.reconcileLoop(context.Background())
}

// reconcileLoop periodically re-checks every known shared group's leader
// (spec §4.5 point 6: "the follower re-checks leader identity
// periodically") and tears down follower pipelines whose last local
// member disconnected (point 5).
func (m *MemorySubscribed) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcileGroups()
		}
	}
}

func (m *MemorySubscribed) reconcileGroups() {
	for _, group := range m.router.GroupNames() {
		if m.router.GroupMemberCount(group) == 0 {
			m.groupMu.Lock()
			if f, ok := m.followers[group]; ok {
				f.Stop()
				delete(m.followers, group)
			}
			m.groupMu.Unlock()
			continue
		}
		m.ensureGroupRouting(group)
	}
}

// ensureGroupRouting resolves group's leader and starts or stops a
// follower pipeline accordingly: if this broker is the leader, any
// running follower for group is stopped and local delivery (already
// handled by router.Match) takes over; otherwise a follower pipeline to
// the leader is started if one isn't already running.
func (m *MemorySubscribed) ensureGroupRouting(group string) {
	if m.placement == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	info, ok := m.placement.GetShareSubLeaderLogged(ctx, group, m.clusterName)
	cancel()
	if !ok {
		return
	}

	m.groupMu.Lock()
	defer m.groupMu.Unlock()

	if info.BrokerID == m.brokerID {
		if f, exists := m.followers[group]; exists {
			f.Stop()
			delete(m.followers, group)
		}
		return
	}
	if _, exists := m.followers[group]; exists {
		return
	}
	f := cluster.NewFollower(group, info.Address, packet.VERSION311, m)
	m.followers[group] = f
	go func() {
		_ = f.Run(context.Background())
		m.groupMu.Lock()
		delete(m.followers, group)
		m.groupMu.Unlock()
	}()
}

// DeliverToMember implements cluster.LocalDeliverer: it hands a
// leader-forwarded message to one locally-held member of group via the
// same delivery path Publish uses, registering an outbound ack wait for
// qos > 0 so the follower pipeline can shuttle the eventual PUBACK/PUBCOMP
// back to the leader.
func (m *MemorySubscribed) DeliverToMember(group string, msg *packet.Message, props *packet.PublishProperties, qos byte) (string, *ack.Wait, error) {
	sub, ok := m.router.GroupMember(group)
	if !ok {
		return "", nil, fmt.Errorf("mem_topic: no local member for group %s", group)
	}
	m.mu.RLock()
	c, ok := m.clients[sub.ClientID]
	m.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("mem_topic: client %s not connected", sub.ClientID)
	}

	effQoS := qos
	if sub.QoS < effQoS {
		effQoS = sub.QoS
	}
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBLISH, QoS: effQoS},
		Message:     msg,
		Props:       props,
	}
	var wait *ack.Wait
	if effQoS > 0 {
		c.mu.Lock()
		c.PacketID++
		pub.PacketID = c.PacketID
		c.mu.Unlock()
		wait = m.outbound.Register(c.ID, pub.PacketID, pub)
	}
	if err := (&response{conn: c}).OnSend(pub); err != nil {
		return c.ID, wait, fmt.Errorf("mem_topic: deliver to follower member failed: %w", err)
	}
	return c.ID, wait, nil
}

// MemberCount implements cluster.LocalDeliverer.
func (m *MemorySubscribed) MemberCount(group string) int {
	return m.router.GroupMemberCount(group)
}

// NewMemorySubscribed builds the subscription state for s. When s has a
// storage adapter configured (CONFIG.StorageDBFile set), retained messages
// are persisted through it instead of living only in memory.
func NewMemorySubscribed(s *Server) *MemorySubscribed {
	ttl := CONFIG.AckWaitTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	var retain topic.RetainStore = topic.NewMemoryRetainStore()
	if s.storage != nil {
		retain = newStorageRetainStore(s.storage)
	}
	return &MemorySubscribed{
		s:         s,
		router:    topic.NewRouter(),
		retain:    retain,
		outbound:  ack.NewManager(ttl),
		clients:   make(map[string]*conn),
		followers: make(map[string]*cluster.Follower),
		sessions:  make(map[string]*time.Timer),
	}
}

// Register makes c reachable for delivery under its client id. Called
// once the CONNECT packet has assigned c.ID. If another connection is
// already registered under the same id, it is taken over (disconnected)
// per the session-takeover rule (§4.2). Any session-expiry timer left
// over from a prior clean(ish) disconnect of this id is cancelled: the
// reconnecting client resumes its persisted session instead of losing it
// to the timer.
func (m *MemorySubscribed) Register(c *conn) {
	m.mu.Lock()
	old, existed := m.clients[c.ID]
	m.clients[c.ID] = c
	m.mu.Unlock()

	if existed && old != c {
		log.Printf("session takeover: clientId=%s, old_remote=%s, new_remote=%s", c.ID, old.remoteAddr, c.remoteAddr)
		old.takeOver()
	}

	m.sessMu.Lock()
	if timer, ok := m.sessions[c.ID]; ok {
		timer.Stop()
		delete(m.sessions, c.ID)
	}
	m.sessMu.Unlock()
}

// Disconnect tears down c's registration as the live delivery target for
// its client id. When persistSession is true (CleanStart/CleanSession was
// false and a nonzero session-expiry interval was negotiated), the
// router's subscriptions and outbound acks for c.ID are left in place for
// up to expiry so a reconnect with the same id resumes the session;
// otherwise everything is torn down immediately, matching the teacher's
// original UnsubscribeAll behavior.
func (m *MemorySubscribed) Disconnect(c *conn, persistSession bool, expiry time.Duration) {
	m.mu.Lock()
	if m.clients[c.ID] == c {
		delete(m.clients, c.ID)
	}
	m.mu.Unlock()

	if !persistSession {
		m.UnsubscribeAll(c)
		return
	}

	m.sessMu.Lock()
	if old, ok := m.sessions[c.ID]; ok {
		old.Stop()
	}
	clientID := c.ID
	m.sessions[clientID] = time.AfterFunc(expiry, func() {
		m.sessMu.Lock()
		delete(m.sessions, clientID)
		m.sessMu.Unlock()
		m.router.RemoveClient(clientID)
		m.outbound.ClearClient(clientID)
		log.Printf("session expired: clientId=%s", clientID)
	})
	m.sessMu.Unlock()
}

// Subscribe adds filter to c's subscription set at the requested QoS,
// replaying the retained message (if any) according to retainHandling
// (MQTT v5 SUBSCRIBE option, §3.8.3.1; v3.1.1 subscribers always pass
// topic.RetainSendAtSubscribe).
func (m *MemorySubscribed) Subscribe(c *conn, filter string, qos byte, retainHandling topic.RetainHandling) error {
	alreadySubscribed, err := m.router.AddSubscription(topic.Subscription{ClientID: c.ID, Filter: filter, QoS: qos})
	if err != nil {
		return err
	}
	stat.subscribeCount.Add(1)

	retainFilter := filter
	if group, rest, ok := topic.ParseShared(filter); ok {
		retainFilter = rest
		m.ensureGroupRouting(group)
	}
	if !topic.ShouldSendRetained(retainHandling, alreadySubscribed) {
		return nil
	}
	if payload, ok := m.retain.GetRetained(retainFilter); ok {
		m.deliverTo(c, &packet.Message{TopicName: retainFilter, Content: payload}, nil, qos, true)
	}
	return nil
}

// Unsubscribe removes c's registration for filter.
func (m *MemorySubscribed) Unsubscribe(c *conn, filter string) {
	m.router.RemoveSubscription(c.ID, filter)
	stat.subscribeCount.Add(-1)
}

// UnsubscribeAll drops every subscription c holds and forgets c as a
// delivery target, called when the connection closes.
func (m *MemorySubscribed) UnsubscribeAll(c *conn) {
	m.router.RemoveClient(c.ID)
	m.outbound.ClearClient(c.ID)
	m.mu.Lock()
	if m.clients[c.ID] == c {
		delete(m.clients, c.ID)
	}
	m.mu.Unlock()
}

// Publish resolves message's subscribers via the router and fans the
// message out concurrently, downgrading QoS per subscriber. retain marks
// whether message should replace the topic's retained payload (an empty
// Content clears it).
func (m *MemorySubscribed) Publish(message *packet.Message, props *packet.PublishProperties, publishQoS byte, retain bool) error {
	if retain {
		m.retain.SetRetained(message.TopicName, message.Content)
	}
	stat.basicCount.Add(1)

	subscribers := m.router.Match(message.TopicName, publishQoS)
	if len(subscribers) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	group, _ := errgroup.WithContext(context.Background())
	for _, sub := range subscribers {
		c, ok := m.clients[sub.ClientID]
		if !ok {
			continue
		}
		sub := sub
		group.Go(func() error {
			m.deliverTo(c, message, props, sub.QoS, false)
			return nil
		})
	}
	return group.Wait()
}

// deliverTo sends message to c at qos, registering an outbound ack wait
// for qos>0 so a future PUBACK/PUBCOMP from c can be correlated back to
// this delivery, then redelivers with DUP set (spec.md §4.4) until the
// wait is signaled or CONFIG.AckMaxRetries is exhausted.
func (m *MemorySubscribed) deliverTo(c *conn, message *packet.Message, props *packet.PublishProperties, qos byte, dup bool) {
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBLISH, Dup: boolToBit(dup), QoS: qos, Retain: 0},
		Message:     message,
		Props:       props,
	}
	var wait *ack.Wait
	if qos > 0 {
		c.mu.Lock()
		c.PacketID++
		pub.PacketID = c.PacketID
		c.mu.Unlock()
		wait = m.outbound.Register(c.ID, pub.PacketID, pub)
	}
	log.Printf("publish: topic=%s, qos=%d, clientId=%s", message.TopicName, qos, c.ID)
	if err := (&response{conn: c}).OnSend(pub); err != nil {
		log.Printf("deliver failed: clientId=%s, err=%v", c.ID, err)
		return
	}
	if wait != nil {
		go m.retryUntilAcked(c, pub, wait)
	}
}

// retryUntilAcked resends pub with DUP set if wait hasn't been signaled
// within CONFIG.AckRetryInterval, up to CONFIG.AckMaxRetries times. It
// returns as soon as wait.Signal closes, whether that happened because
// the client acked the delivery or because the sweeper reclaimed it.
func (m *MemorySubscribed) retryUntilAcked(c *conn, pub *packet.PUBLISH, wait *ack.Wait) {
	interval := CONFIG.AckRetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxRetries := CONFIG.AckMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	for attempt := 1; attempt <= maxRetries; attempt++ {
		timer := time.NewTimer(interval)
		select {
		case <-wait.Signal:
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, ok := m.outbound.MarkRetry(c.ID, pub.PacketID); !ok {
			return
		}
		retry := &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, Dup: 1, QoS: pub.QoS, Retain: pub.Retain},
			PacketID:    pub.PacketID,
			Message:     pub.Message,
			Props:       pub.Props,
		}
		log.Printf("redeliver: topic=%s, qos=%d, clientId=%s, pkid=%d, attempt=%d", pub.Message.TopicName, pub.QoS, c.ID, pub.PacketID, attempt)
		if err := (&response{conn: c}).OnSend(retry); err != nil {
			log.Printf("redeliver failed: clientId=%s, err=%v", c.ID, err)
			return
		}
	}
}

// AckOutbound completes the outbound wait for (clientID, pkid), called
// when a PUBACK (QoS 1) or PUBCOMP (QoS 2) arrives from that client.
func (m *MemorySubscribed) AckOutbound(clientID string, pkid uint16) {
	m.outbound.Complete(clientID, pkid)
}

func boolToBit(b bool) byte {
	if b {
		return 1
	}
	return 0
}
