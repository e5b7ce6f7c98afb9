// Package graph tracks the counterparty transaction graph used for
// circular-flow detection.
package graph

import (
	"sync"
	"time"
)

// maxCycleDepth bounds the DFS so pathological graphs stay cheap.
const maxCycleDepth = 5

// edge holds the recent transfer events from one party to another.
type edge struct {
	from   string
	to     string
	events []time.Time
}

// Graph is a windowed counterparty digraph. Edges age out after the
// retention window; RecordTransfer and HasCycle are safe for concurrent use.
type Graph struct {
	mu        sync.RWMutex
	edges     map[string]*edge // key: from + "->" + to
	retention time.Duration
}

// New creates a graph that retains edge events for the given window.
func New(retention time.Duration) *Graph {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Graph{
		edges:     make(map[string]*edge),
		retention: retention,
	}
}

// RecordTransfer adds a directed edge event from -> to at the given time.
func (g *Graph) RecordTransfer(from, to string, at time.Time) {
	if from == "" || to == "" || from == to {
		return
	}

	key := from + "->" + to

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.edges[key]
	if !ok {
		e = &edge{from: from, to: to}
		g.edges[key] = e
	}
	e.events = append(e.events, at)

	// Drop aged events while we hold the lock; oldest are first.
	cutoff := time.Now().Add(-g.retention)
	i := 0
	for i < len(e.events) && e.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.events = e.events[i:]
	}
	if len(e.events) == 0 {
		delete(g.edges, key)
	}
}

// HasCycle reports whether a directed cycle starting and ending at start
// exists using edges with at least one event inside the retention window.
// Returns the cycle path (e.g. ["A","B","C","A"]) or nil.
func (g *Graph) HasCycle(start string) []string {
	cutoff := time.Now().Add(-g.retention)

	g.mu.RLock()
	defer g.mu.RUnlock()

	// Build adjacency list from live edges.
	adj := make(map[string][]string)
	for _, e := range g.edges {
		for _, at := range e.events {
			if !at.Before(cutoff) {
				adj[e.from] = append(adj[e.from], e.to)
				break
			}
		}
	}

	visited := map[string]bool{start: true}
	path := []string{start}

	var dfs func(current string, depth int) []string
	dfs = func(current string, depth int) []string {
		if depth >= maxCycleDepth {
			return nil
		}
		for _, next := range adj[current] {
			if next == start && len(path) > 1 {
				return append(path, start)
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			path = append(path, next)
			if result := dfs(next, depth+1); result != nil {
				return result
			}
			path = path[:len(path)-1]
			visited[next] = false
		}
		return nil
	}

	return dfs(start, 0)
}

// EdgeCount returns the number of live edges, for stats.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}
