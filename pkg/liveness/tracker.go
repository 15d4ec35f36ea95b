package liveness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/types"
	"github.com/rs/zerolog"
)

// ErrUnknownNode is returned for operations on a node that never heartbeated
var ErrUnknownNode = errors.New("unknown node")

// Clock abstracts time.Now() for deterministic testing.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Transition describes one liveness state change. From is empty when the
// node is seen for the first time.
type Transition struct {
	NodeID string
	From   types.NodeState
	To     types.NodeState
	At     time.Time
}

// Lost reports whether the transition declares the node dead
func (t Transition) Lost() bool {
	return t.To == types.NodeDead
}

// Handler is called synchronously for every transition, in order, outside
// the tracker's lock
type Handler func(Transition)

// Config holds the tracker thresholds
type Config struct {
	StaleAfter      time.Duration
	DeadAfter       time.Duration
	ProcessInterval time.Duration
	Clock           Clock          // defaults to RealClock
	Broker          *events.Broker // optional
}

// Tracker classifies storage nodes as HEALTHY, STALE or DEAD from the time
// since their last heartbeat. It is the only writer of node liveness state.
type Tracker struct {
	cfg   Config
	clock Clock

	mu    sync.RWMutex
	nodes map[string]*types.StorageNode

	// dispatchMu keeps handler calls in the order transitions were decided
	dispatchMu sync.Mutex
	handlers   []Handler

	logger zerolog.Logger
}

// NewTracker creates a tracker. StaleAfter must be less than DeadAfter.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.StaleAfter <= 0 || cfg.DeadAfter <= 0 {
		return nil, fmt.Errorf("liveness thresholds must be positive")
	}
	if cfg.StaleAfter >= cfg.DeadAfter {
		return nil, fmt.Errorf("stale threshold %s must be less than dead threshold %s", cfg.StaleAfter, cfg.DeadAfter)
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = cfg.StaleAfter / 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}

	return &Tracker{
		cfg:    cfg,
		clock:  clock,
		nodes:  make(map[string]*types.StorageNode),
		logger: log.WithComponent("liveness"),
	}, nil
}

// Subscribe registers h for every future transition
func (t *Tracker) Subscribe(h Handler) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Heartbeat records a heartbeat from nodeID and returns the node's state
// afterwards. Unknown nodes are registered HEALTHY. A STALE node returns to
// HEALTHY immediately. A DEAD node stays DEAD until it is re-registered.
func (t *Tracker) Heartbeat(nodeID string) types.NodeState {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	now := t.clock.Now()

	t.mu.Lock()
	var tr *Transition
	node, ok := t.nodes[nodeID]
	switch {
	case !ok:
		node = &types.StorageNode{
			ID:             nodeID,
			State:          types.NodeHealthy,
			LastHeartbeat:  now,
			StateChangedAt: now,
			RegisteredAt:   now,
		}
		t.nodes[nodeID] = node
		tr = &Transition{NodeID: nodeID, To: types.NodeHealthy, At: now}
	case node.State == types.NodeDead:
		t.mu.Unlock()
		t.logger.Debug().Str("node_id", nodeID).Msg("Ignoring heartbeat from dead node")
		return types.NodeDead
	case node.State == types.NodeStale:
		node.LastHeartbeat = now
		node.State = types.NodeHealthy
		node.StateChangedAt = now
		tr = &Transition{NodeID: nodeID, From: types.NodeStale, To: types.NodeHealthy, At: now}
	default:
		node.LastHeartbeat = now
	}
	state := node.State
	t.mu.Unlock()

	if tr != nil {
		t.dispatch([]Transition{*tr})
	}
	return state
}

// Evaluate compares every node's last heartbeat against the thresholds and
// applies the resulting transitions. A node silent past the dead threshold
// passes through STALE and DEAD in one evaluation.
func (t *Tracker) Evaluate() []Transition {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	now := t.clock.Now()

	t.mu.Lock()
	var transitions []Transition
	for _, id := range t.sortedIDs() {
		node := t.nodes[id]
		elapsed := now.Sub(node.LastHeartbeat)

		if node.State == types.NodeHealthy && elapsed >= t.cfg.StaleAfter {
			node.State = types.NodeStale
			node.StateChangedAt = now
			transitions = append(transitions, Transition{NodeID: id, From: types.NodeHealthy, To: types.NodeStale, At: now})
		}
		if node.State == types.NodeStale && elapsed >= t.cfg.DeadAfter {
			node.State = types.NodeDead
			node.StateChangedAt = now
			transitions = append(transitions, Transition{NodeID: id, From: types.NodeStale, To: types.NodeDead, At: now})
		}
	}
	t.mu.Unlock()

	t.dispatch(transitions)
	return transitions
}

// Run evaluates liveness on every process interval until ctx is done
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.ProcessInterval)
	defer ticker.Stop()

	t.logger.Info().
		Dur("stale_after", t.cfg.StaleAfter).
		Dur("dead_after", t.cfg.DeadAfter).
		Dur("interval", t.cfg.ProcessInterval).
		Msg("Liveness tracker started")

	for {
		select {
		case <-ticker.C:
			t.Evaluate()
		case <-ctx.Done():
			return nil
		}
	}
}

// Reregister is the administrative path out of DEAD. The node becomes
// HEALTHY with a fresh heartbeat; its replicas return only when it reports
// them again.
func (t *Tracker) Reregister(nodeID string) error {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	now := t.clock.Now()

	t.mu.Lock()
	node, ok := t.nodes[nodeID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
	}
	if node.State != types.NodeDead {
		t.mu.Unlock()
		return fmt.Errorf("node %s is %s, only dead nodes can be re-registered", nodeID, node.State)
	}
	node.State = types.NodeHealthy
	node.LastHeartbeat = now
	node.StateChangedAt = now
	node.RegisteredAt = now
	t.mu.Unlock()

	t.dispatch([]Transition{{NodeID: nodeID, From: types.NodeDead, To: types.NodeHealthy, At: now}})
	return nil
}

// UpdateStorage records the capacity summary from a node report
func (t *Tracker) UpdateStorage(nodeID string, storage types.NodeStorage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
	}
	s := storage
	node.Storage = &s

	metrics.NodeStorageBytes.WithLabelValues(nodeID, "capacity").Set(float64(s.CapacityBytes))
	metrics.NodeStorageBytes.WithLabelValues(nodeID, "used").Set(float64(s.UsedBytes))
	metrics.NodeStorageBytes.WithLabelValues(nodeID, "remaining").Set(float64(s.RemainingBytes))
	return nil
}

// State returns the liveness state of nodeID
func (t *Tracker) State(nodeID string) (types.NodeState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return "", false
	}
	return node.State, true
}

// IsHealthy reports whether nodeID is known and HEALTHY
func (t *Tracker) IsHealthy(nodeID string) bool {
	state, ok := t.State(nodeID)
	return ok && state == types.NodeHealthy
}

// Node returns a copy of the node record
func (t *Tracker) Node(nodeID string) (*types.StorageNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return node.Clone(), true
}

// Nodes returns copies of every node ordered by ID
func (t *Tracker) Nodes() []*types.StorageNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*types.StorageNode, 0, len(t.nodes))
	for _, id := range t.sortedIDs() {
		out = append(out, t.nodes[id].Clone())
	}
	return out
}

// CountByState returns the number of nodes in each liveness state
func (t *Tracker) CountByState() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]int)
	for _, node := range t.nodes {
		counts[string(node.State)]++
	}
	return counts
}

// sortedIDs must be called with mu held
func (t *Tracker) sortedIDs() []string {
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dispatch must be called with dispatchMu held and mu released
func (t *Tracker) dispatch(transitions []Transition) {
	for _, tr := range transitions {
		t.logTransition(tr)
		t.publish(tr)
		for _, h := range t.handlers {
			h(tr)
		}
	}
}

func (t *Tracker) logTransition(tr Transition) {
	logger := log.WithNodeID(t.logger, tr.NodeID)
	switch {
	case tr.From == "":
		logger.Info().Msg("Node registered")
	case tr.Lost():
		metrics.NodesLostTotal.Inc()
		logger.Warn().
			Str("from", string(tr.From)).
			Msg("Node lost")
	default:
		logger.Info().
			Str("from", string(tr.From)).
			Str("to", string(tr.To)).
			Msg("Node liveness changed")
	}
}

func (t *Tracker) publish(tr Transition) {
	if t.cfg.Broker == nil {
		return
	}

	var typ events.EventType
	switch {
	case tr.From == "":
		typ = events.EventNodeRegistered
	case tr.To == types.NodeHealthy:
		typ = events.EventNodeHealthy
	case tr.To == types.NodeStale:
		typ = events.EventNodeStale
	case tr.To == types.NodeDead:
		typ = events.EventNodeDead
	default:
		return
	}

	t.cfg.Broker.Publish(&events.Event{
		Type:      typ,
		Timestamp: tr.At,
		Message:   fmt.Sprintf("node %s is %s", tr.NodeID, tr.To),
		Metadata: map[string]string{
			"node_id": tr.NodeID,
			"from":    string(tr.From),
			"to":      string(tr.To),
		},
	})
}
