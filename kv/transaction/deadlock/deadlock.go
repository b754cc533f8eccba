// Package deadlock finds cycles in the wait-for graph built from a lock table
// snapshot and picks transactions to abort.
package deadlock

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/hypermesh/txnkv/kv/transaction/lock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Graph is a wait-for graph: an edge a -> b means a waits for a lock b holds.
type Graph struct {
	edges map[uuid.UUID]map[uuid.UUID]struct{}
}

func NewGraph() *Graph {
	return &Graph{edges: make(map[uuid.UUID]map[uuid.UUID]struct{})}
}

// BuildGraph adds an edge from every waiter to every other holder of the key it waits on.
func BuildGraph(snap *lock.Snapshot) *Graph {
	g := NewGraph()
	for key, waiters := range snap.Waiters {
		holders := snap.Holders[key]
		for _, w := range waiters {
			for holder := range holders {
				if holder != w.Txn {
					g.AddEdge(w.Txn, holder)
				}
			}
		}
	}
	return g
}

func (g *Graph) AddEdge(from, to uuid.UUID) {
	if g.edges[from] == nil {
		g.edges[from] = make(map[uuid.UUID]struct{})
	}
	g.edges[from][to] = struct{}{}
	if g.edges[to] == nil {
		g.edges[to] = make(map[uuid.UUID]struct{})
	}
}

// RemoveNode drops id and every edge touching it.
func (g *Graph) RemoveNode(id uuid.UUID) {
	delete(g.edges, id)
	for _, out := range g.edges {
		delete(out, id)
	}
}

func (g *Graph) Len() int {
	return len(g.edges)
}

func less(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return less(ids[i], ids[j]) })
}

func (g *Graph) nodes() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func (g *Graph) successors(id uuid.UUID) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(g.edges[id]))
	for to := range g.edges[id] {
		ids = append(ids, to)
	}
	sortIDs(ids)
	return ids
}

// FindCycle runs a depth-first search from every node in id order and returns
// the first cycle found as the path from the revisited node around to itself,
// or nil if the graph is acyclic.
func (g *Graph) FindCycle() []uuid.UUID {
	visited := make(map[uuid.UUID]bool, len(g.edges))
	onPath := make(map[uuid.UUID]int)
	var path []uuid.UUID

	var visit func(id uuid.UUID) []uuid.UUID
	visit = func(id uuid.UUID) []uuid.UUID {
		visited[id] = true
		onPath[id] = len(path)
		path = append(path, id)
		for _, next := range g.successors(id) {
			if start, ok := onPath[next]; ok {
				return append([]uuid.UUID(nil), path[start:]...)
			}
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		delete(onPath, id)
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.nodes() {
		if visited[id] {
			continue
		}
		if cycle := visit(id); cycle != nil {
			return cycle
		}
	}
	return nil
}

type VictimPolicy int

const (
	// Youngest aborts the transaction with the largest start timestamp.
	Youngest VictimPolicy = iota
	// SmallestID aborts the transaction with the smallest id.
	SmallestID
	// FewestLocks aborts the transaction holding the fewest locks.
	FewestLocks
)

func (p VictimPolicy) String() string {
	switch p {
	case Youngest:
		return "youngest"
	case SmallestID:
		return "smallest-id"
	case FewestLocks:
		return "fewest-locks"
	}
	return fmt.Sprintf("VictimPolicy(%d)", int(p))
}

func ParseVictimPolicy(s string) (VictimPolicy, error) {
	switch s {
	case "youngest":
		return Youngest, nil
	case "smallest-id":
		return SmallestID, nil
	case "fewest-locks":
		return FewestLocks, nil
	}
	return 0, errors.Errorf("unknown victim policy %q", s)
}

// Victim is a transaction chosen to break a cycle.
type Victim struct {
	Txn   uuid.UUID
	Cycle []uuid.UUID
}

// Detector resolves every deadlock of a snapshot in one pass.
type Detector struct {
	policy VictimPolicy
}

func NewDetector(policy VictimPolicy) *Detector {
	return &Detector{policy: policy}
}

// Detect returns one victim per cycle until the remaining graph is acyclic.
// startTS maps live transactions to their start timestamps. A cycle with a
// member missing from it is already broken and yields no victim. A nil startTS
// treats every transaction as live.
func (d *Detector) Detect(snap *lock.Snapshot, startTS map[uuid.UUID]uint64) []Victim {
	g := BuildGraph(snap)
	if g.Len() == 0 {
		return nil
	}
	locks := snap.LocksHeld()
	var victims []Victim
	for {
		cycle := g.FindCycle()
		if cycle == nil {
			break
		}
		if gone, ok := d.finished(cycle, startTS); ok {
			g.RemoveNode(gone)
			log.Debug("skip resolved cycle",
				zap.Stringer("finished", gone),
				zap.Int("cycle-len", len(cycle)))
			continue
		}
		victim := d.choose(cycle, startTS, locks)
		victims = append(victims, Victim{Txn: victim, Cycle: cycle})
		g.RemoveNode(victim)
		deadlockCounter.WithLabelValues(d.policy.String()).Inc()
		log.Warn("deadlock detected",
			zap.Stringer("victim", victim),
			zap.Int("cycle-len", len(cycle)),
			zap.Stringer("policy", d.policy))
	}
	return victims
}

// finished returns a cycle member that has left the live set since the snapshot.
func (d *Detector) finished(cycle []uuid.UUID, startTS map[uuid.UUID]uint64) (uuid.UUID, bool) {
	if startTS == nil {
		return uuid.Nil, false
	}
	for _, id := range cycle {
		if _, ok := startTS[id]; !ok {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (d *Detector) choose(cycle []uuid.UUID, startTS map[uuid.UUID]uint64, locks map[uuid.UUID]int) uuid.UUID {
	candidates := append([]uuid.UUID(nil), cycle...)
	sortIDs(candidates)

	best := candidates[0]
	for _, id := range candidates[1:] {
		switch d.policy {
		case Youngest:
			if startTS[id] > startTS[best] {
				best = id
			}
		case FewestLocks:
			if locks[id] < locks[best] {
				best = id
			}
		}
	}
	return best
}
