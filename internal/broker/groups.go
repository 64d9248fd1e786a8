package broker

import (
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// virtualPartitions is the number of slots spread across members.
	virtualPartitions = 16
	// memberTimeout evicts members whose heartbeat went stale.
	memberTimeout = 30 * time.Second
	// reapInterval is how often the reaper scans for stale members.
	reapInterval = 10 * time.Second
)

// Strategy selects how a consumer group picks the receiving member.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategySticky     Strategy = "sticky"
	StrategyRandom     Strategy = "random"
	StrategyBroadcast  Strategy = "broadcast"
)

// Valid reports whether the strategy is one of the known values.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategySticky, StrategyRandom, StrategyBroadcast:
		return true
	}
	return false
}

// GroupMember is one subscriber inside a consumer group.
type GroupMember struct {
	SubscriberID  string    `json:"subscriber_id"`
	ClientID      string    `json:"client_id"`
	JoinedAt      time.Time `json:"joined_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Partitions    []int     `json:"partitions"`
	Processed     int64     `json:"processed"`
	Leader        bool      `json:"leader"`
}

// ConsumerGroup is a named set of subscribers sharing delivery of one
// topic under a load-balancing strategy. At most one member leads.
type ConsumerGroup struct {
	Name            string         `json:"name"`
	Topic           string         `json:"topic"`
	Strategy        Strategy       `json:"strategy"`
	Members         []*GroupMember `json:"members"`
	CurrentOffset   int64          `json:"current_offset"`
	CommittedOffset int64          `json:"committed_offset"`
}

// GroupManager tracks consumer groups, membership, heartbeats, leader
// election, and partition assignment.
type GroupManager struct {
	mu      sync.RWMutex
	groups  map[string]*ConsumerGroup
	bySub   map[string]string         // subscriber id -> group name
	cursors map[string]int            // group -> round-robin cursor
	sticky  map[string]map[string]string // group -> sticky key -> subscriber id

	store  Store
	logger *logrus.Entry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewGroupManager creates a manager persisting through store.
func NewGroupManager(store Store, logger *logrus.Logger) *GroupManager {
	if store == nil {
		store = NopStore{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GroupManager{
		groups:  make(map[string]*ConsumerGroup),
		bySub:   make(map[string]string),
		cursors: make(map[string]int),
		sticky:  make(map[string]map[string]string),
		store:   store,
		logger:  logger.WithField("component", "groups"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the heartbeat reaper.
func (m *GroupManager) Start() {
	m.wg.Add(1)
	go m.reapLoop()
}

// Close stops the reaper and waits for it to exit.
func (m *GroupManager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// Create registers a new consumer group bound to a topic. The group
// is persisted before it is published, so a concurrent Join can never
// observe a group the store rejected, and the snapshot handed to the
// store is taken before anyone can mutate the member list.
func (m *GroupManager) Create(name, topic string, strategy Strategy) (*ConsumerGroup, error) {
	if !strategy.Valid() {
		strategy = StrategyRoundRobin
	}
	m.mu.RLock()
	_, exists := m.groups[name]
	m.mu.RUnlock()
	if exists {
		return nil, AlreadyExistsError("consumer group", name)
	}

	g := &ConsumerGroup{Name: name, Topic: topic, Strategy: strategy}
	snap := snapshotGroup(g)
	if err := m.store.SaveGroup(snap); err != nil {
		return nil, PersistenceError("save group", err)
	}

	m.mu.Lock()
	if _, ok := m.groups[name]; ok {
		m.mu.Unlock()
		return nil, AlreadyExistsError("consumer group", name)
	}
	m.groups[name] = g
	m.mu.Unlock()
	return snap, nil
}

// Get returns a snapshot of the named group.
func (m *GroupManager) Get(name string) (*ConsumerGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[name]
	if !ok {
		return nil, false
	}
	return snapshotGroup(g), true
}

// List returns snapshots of all groups.
func (m *GroupManager) List() []*ConsumerGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ConsumerGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, snapshotGroup(g))
	}
	return out
}

// GroupFor returns the group a subscriber belongs to, if any.
func (m *GroupManager) GroupFor(subID string) (*ConsumerGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.bySub[subID]
	if !ok {
		return nil, false
	}
	g, ok := m.groups[name]
	if !ok {
		return nil, false
	}
	return snapshotGroup(g), true
}

// Join adds a subscriber to the group. Re-joining refreshes the
// heartbeat; the first member becomes leader. Joining rebalances.
func (m *GroupManager) Join(group, subID, clientID string) (*GroupMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return nil, NotFoundError("consumer group", group)
	}
	for _, member := range g.Members {
		if member.SubscriberID == subID {
			member.LastHeartbeat = time.Now()
			cp := *member
			return &cp, nil
		}
	}
	now := time.Now()
	member := &GroupMember{
		SubscriberID:  subID,
		ClientID:      clientID,
		JoinedAt:      now,
		LastHeartbeat: now,
		Leader:        len(g.Members) == 0,
	}
	g.Members = append(g.Members, member)
	m.bySub[subID] = group
	m.rebalanceLocked(g)
	cp := *member
	return &cp, nil
}

// Leave removes the subscriber from its group. When the leader leaves
// and members remain, the new head is promoted. Leaving rebalances.
func (m *GroupManager) Leave(subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(subID)
}

func (m *GroupManager) leaveLocked(subID string) {
	name, ok := m.bySub[subID]
	if !ok {
		return
	}
	delete(m.bySub, subID)
	g, ok := m.groups[name]
	if !ok {
		return
	}
	wasLeader := false
	for i, member := range g.Members {
		if member.SubscriberID == subID {
			wasLeader = member.Leader
			g.Members = append(g.Members[:i:i], g.Members[i+1:]...)
			break
		}
	}
	if wasLeader && len(g.Members) > 0 {
		g.Members[0].Leader = true
	}
	// Sticky assignments pointing at the departed member go stale and
	// are re-derived on the next selection.
	m.rebalanceLocked(g)
}

// Heartbeat refreshes the member's liveness timestamp.
func (m *GroupManager) Heartbeat(subID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.bySub[subID]
	if !ok {
		return false
	}
	g, ok := m.groups[name]
	if !ok {
		return false
	}
	for _, member := range g.Members {
		if member.SubscriberID == subID {
			member.LastHeartbeat = time.Now()
			return true
		}
	}
	return false
}

// Select picks the receiving subscribers for a message according to
// the group's strategy. Broadcast returns every member; the other
// strategies return exactly one. An empty group selects nobody.
func (m *GroupManager) Select(group string, msg *Message) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok || len(g.Members) == 0 {
		return nil
	}
	switch g.Strategy {
	case StrategyBroadcast:
		out := make([]string, len(g.Members))
		for i, member := range g.Members {
			out[i] = member.SubscriberID
		}
		return out
	case StrategySticky:
		return []string{m.selectStickyLocked(g, msg)}
	case StrategyRandom:
		return []string{g.Members[rand.IntN(len(g.Members))].SubscriberID}
	default: // round-robin
		cursor := m.cursors[group] % len(g.Members)
		m.cursors[group] = cursor + 1
		return []string{g.Members[cursor].SubscriberID}
	}
}

// MarkProcessed bumps the member's processed count.
func (m *GroupManager) MarkProcessed(group, subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return
	}
	for _, member := range g.Members {
		if member.SubscriberID == subID {
			member.Processed++
			return
		}
	}
}

func (m *GroupManager) selectStickyLocked(g *ConsumerGroup, msg *Message) string {
	key := stickyKey(msg)
	table, ok := m.sticky[g.Name]
	if !ok {
		table = make(map[string]string)
		m.sticky[g.Name] = table
	}
	if assigned, ok := table[key]; ok {
		for _, member := range g.Members {
			if member.SubscriberID == assigned {
				return assigned
			}
		}
		// Assignee left the group; fall through and re-derive.
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	idx := int(h.Sum32()) % len(g.Members)
	if idx < 0 {
		idx = -idx
	}
	chosen := g.Members[idx].SubscriberID
	table[key] = chosen
	return chosen
}

// stickyKey derives the routing key: the first non-empty of the
// payload's userId, orderId, sessionId, the correlation id, then a
// publisher fallback.
func stickyKey(msg *Message) string {
	fields := msg.PayloadMap()
	for _, k := range []string{"userId", "orderId", "sessionId"} {
		if v, ok := fields[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	if msg.CorrelationID != "" {
		return msg.CorrelationID
	}
	return "publisher:" + msg.Publisher
}

// Rebalance spreads the virtual partitions as evenly as possible: the
// first (16 mod n) members carry one extra.
func (m *GroupManager) Rebalance(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[group]; ok {
		m.rebalanceLocked(g)
	}
}

func (m *GroupManager) rebalanceLocked(g *ConsumerGroup) {
	n := len(g.Members)
	if n == 0 {
		return
	}
	base := virtualPartitions / n
	extra := virtualPartitions % n
	next := 0
	for i, member := range g.Members {
		count := base
		if i < extra {
			count++
		}
		parts := make([]int, 0, count)
		for j := 0; j < count; j++ {
			parts = append(parts, next)
			next++
		}
		member.Partitions = parts
	}
}

// CommitOffset records the group's committed offset and persists it.
func (m *GroupManager) CommitOffset(group string, offset int64) error {
	m.mu.Lock()
	g, ok := m.groups[group]
	if !ok {
		m.mu.Unlock()
		return NotFoundError("consumer group", group)
	}
	g.CommittedOffset = offset
	if offset > g.CurrentOffset {
		g.CurrentOffset = offset
	}
	m.mu.Unlock()

	if err := m.store.CommitGroupOffset(group, offset); err != nil {
		return PersistenceError("commit offset", err)
	}
	return nil
}

// reapLoop evicts members whose heartbeat exceeded the timeout.
func (m *GroupManager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapStale()
		}
	}
}

func (m *GroupManager) reapStale() {
	cutoff := time.Now().Add(-memberTimeout)
	m.mu.Lock()
	var stale []string
	for subID, name := range m.bySub {
		g, ok := m.groups[name]
		if !ok {
			continue
		}
		for _, member := range g.Members {
			if member.SubscriberID == subID && member.LastHeartbeat.Before(cutoff) {
				stale = append(stale, subID)
			}
		}
	}
	for _, subID := range stale {
		m.leaveLocked(subID)
	}
	m.mu.Unlock()

	for _, subID := range stale {
		m.logger.WithField("subscriber", subID).Warn("evicted stale group member")
	}
}

func snapshotGroup(g *ConsumerGroup) *ConsumerGroup {
	cp := *g
	cp.Members = make([]*GroupMember, len(g.Members))
	for i, member := range g.Members {
		mc := *member
		mc.Partitions = append([]int(nil), member.Partitions...)
		cp.Members[i] = &mc
	}
	return &cp
}
