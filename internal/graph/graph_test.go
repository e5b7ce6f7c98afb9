package graph

import (
	"testing"
	"time"
)

func TestNoCycleOnLinearFlow(t *testing.T) {
	g := New(time.Hour)
	now := time.Now()

	g.RecordTransfer("a", "b", now)
	g.RecordTransfer("b", "c", now)

	if cycle := g.HasCycle("a"); cycle != nil {
		t.Errorf("expected no cycle, got %v", cycle)
	}
}

func TestDetectsThreePartyCycle(t *testing.T) {
	g := New(time.Hour)
	now := time.Now()

	g.RecordTransfer("a", "b", now)
	g.RecordTransfer("b", "c", now)
	g.RecordTransfer("c", "a", now)

	cycle := g.HasCycle("a")
	if cycle == nil {
		t.Fatal("expected cycle, got none")
	}
	if cycle[0] != "a" || cycle[len(cycle)-1] != "a" {
		t.Errorf("cycle should start and end at a: %v", cycle)
	}
}

func TestIgnoresSelfTransfer(t *testing.T) {
	g := New(time.Hour)
	g.RecordTransfer("a", "a", time.Now())

	if cycle := g.HasCycle("a"); cycle != nil {
		t.Errorf("self-transfer must not form a cycle, got %v", cycle)
	}
}

func TestAgedEdgesExcluded(t *testing.T) {
	g := New(time.Hour)
	old := time.Now().Add(-2 * time.Hour)

	g.RecordTransfer("a", "b", old)
	g.RecordTransfer("b", "a", old)

	if cycle := g.HasCycle("a"); cycle != nil {
		t.Errorf("aged edges must not form a cycle, got %v", cycle)
	}
}

func TestDepthBound(t *testing.T) {
	g := New(time.Hour)
	now := time.Now()

	// Cycle longer than maxCycleDepth is not reported.
	nodes := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i := range nodes {
		g.RecordTransfer(nodes[i], nodes[(i+1)%len(nodes)], now)
	}

	if cycle := g.HasCycle("a"); cycle != nil {
		t.Errorf("cycle beyond depth bound should not be reported, got %v", cycle)
	}
}

func TestStaticThreatFeed(t *testing.T) {
	feed := NewStaticThreatFeed("203.0.113.7")

	if !feed.IsSuspicious("203.0.113.7") {
		t.Error("seeded IP should be suspicious")
	}
	if feed.IsSuspicious("198.51.100.1") {
		t.Error("unknown IP should not be suspicious")
	}

	feed.Add("198.51.100.1")
	if !feed.IsSuspicious("198.51.100.1") {
		t.Error("added IP should be suspicious")
	}
}
