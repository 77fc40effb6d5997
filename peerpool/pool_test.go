package peerpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/AlfredDev/alfred/services/slotproxy/peerpool"
	"github.com/AlfredDev/alfred/services/slotproxy/statusupdate"
	"github.com/AlfredDev/alfred/services/slotproxy/tristate"
)

func update(addr string, idle, processing int) statusupdate.StatusUpdate {
	return statusupdate.StatusUpdate{
		ExternalAddr:           addr,
		IsAuthorized:           tristate.True,
		IsSlotsEndpointEnabled: tristate.True,
		IdleSlotsCount:         idle,
		ProcessingSlotsCount:   processing,
	}
}

func TestApplyStatusUpdateGrowsCapacity(t *testing.T) {
	pool := peerpool.New(time.Minute, time.Minute)
	now := time.Now()

	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 4, 0), now)
	avail, total := pool.SemaphoreSnapshot()
	if avail != 4 || total != 4 {
		t.Fatalf("expected (4, 4), got (%d, %d)", avail, total)
	}

	pool.ApplyStatusUpdate("agent-2", update("10.0.0.2:8080", 2, 0), now)
	avail, total = pool.SemaphoreSnapshot()
	if avail != 6 || total != 6 {
		t.Fatalf("expected (6, 6), got (%d, %d)", avail, total)
	}
}

func TestSelectBestPrefersMoreIdleSlots(t *testing.T) {
	pool := peerpool.New(time.Minute, time.Minute)
	now := time.Now()

	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 1, 0), now)
	pool.ApplyStatusUpdate("agent-2", update("10.0.0.2:8080", 5, 0), now)

	best, err := pool.SelectBest(now)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if best.ExternalAddr() != "10.0.0.2:8080" {
		t.Fatalf("expected the peer with more idle slots, got %s", best.ExternalAddr())
	}
}

func TestSelectBestErrorsWithNoUsablePeer(t *testing.T) {
	pool := peerpool.New(time.Minute, time.Minute)
	now := time.Now()
	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 0, 0), now)

	if _, err := pool.SelectBest(now); err != peerpool.ErrNoUsablePeer {
		t.Fatalf("expected ErrNoUsablePeer, got %v", err)
	}
}

func TestTakeAndReleaseSlotThroughPool(t *testing.T) {
	pool := peerpool.New(time.Minute, time.Minute)
	now := time.Now()
	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 1, 0), now)

	asOf, err := pool.TakeSlot("agent-1", now)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if _, err := pool.SelectBest(now); err != peerpool.ErrNoUsablePeer {
		t.Fatalf("expected no usable peer once the only slot is taken")
	}

	if err := pool.ReleaseSlot("agent-1", asOf, now); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := pool.SelectBest(now); err != nil {
		t.Fatalf("expected the peer usable again after release: %v", err)
	}
}

func TestReleaseSlotIsFencedAgainstNewerUpdate(t *testing.T) {
	pool := peerpool.New(time.Minute, time.Minute)
	t0 := time.Now()
	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 1, 0), t0)

	asOf, err := pool.TakeSlot("agent-1", t0)
	if err != nil {
		t.Fatalf("take: %v", err)
	}

	// A fresher status update supersedes the stale release below.
	t1 := t0.Add(time.Second)
	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 3, 0), t1)

	if err := pool.ReleaseSlot("agent-1", asOf, t1); err != nil {
		t.Fatalf("release: %v", err)
	}

	best, err := pool.SelectBest(t1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	idle, _ := best.SlotsCount()
	if idle != 3 {
		t.Fatalf("expected stale release to be a no-op, idle slots should remain 3, got %d", idle)
	}
}

func TestPermitCustodyLifecycle(t *testing.T) {
	pool := peerpool.New(time.Minute, time.Minute)
	now := time.Now()
	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 2, 0), now)

	perm, err := pool.AcquirePermit(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := pool.StorePermit("agent-1", perm); err != nil {
		t.Fatalf("store: %v", err)
	}

	avail, total := pool.SemaphoreSnapshot()
	if avail != 1 || total != 2 {
		t.Fatalf("expected (1, 2) after acquiring and storing one permit, got (%d, %d)", avail, total)
	}

	if err := pool.ReleaseOnePermit("agent-1"); err != nil {
		t.Fatalf("release permit: %v", err)
	}
	avail, total = pool.SemaphoreSnapshot()
	if avail != 2 || total != 2 {
		t.Fatalf("expected (2, 2) after releasing, got (%d, %d)", avail, total)
	}
}

func TestWithdrawPermitTransfersCustodyAcrossPeersOnRetry(t *testing.T) {
	pool := peerpool.New(time.Minute, time.Minute)
	now := time.Now()
	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 2, 0), now)
	pool.ApplyStatusUpdate("agent-2", update("10.0.0.2:8080", 2, 0), now)

	perm, err := pool.AcquirePermit(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := pool.StorePermit("agent-1", perm); err != nil {
		t.Fatalf("store: %v", err)
	}

	// Simulate a failed connect to peer 1: its custody follows the retry
	// to peer 2 rather than round-tripping through the free pool.
	withdrawn, err := pool.WithdrawPermit("agent-1", 1)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := pool.StorePermit("agent-2", withdrawn); err != nil {
		t.Fatalf("store on new peer: %v", err)
	}

	avail, total := pool.SemaphoreSnapshot()
	if avail != 3 || total != 4 {
		t.Fatalf("expected capacity untouched by the transfer (3, 4), got (%d, %d)", avail, total)
	}

	if err := pool.ReleaseOnePermit("agent-2"); err != nil {
		t.Fatalf("release from new peer: %v", err)
	}
	avail, _ = pool.SemaphoreSnapshot()
	if avail != 4 {
		t.Fatalf("expected all capacity free after release, got %d", avail)
	}
}

func TestPurgeStaleReleasesCustodyBeforeDeleting(t *testing.T) {
	pool := peerpool.New(time.Minute, 10*time.Millisecond)
	t0 := time.Now()
	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 2, 0), t0)

	perm, err := pool.AcquirePermit(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := pool.StorePermit("agent-1", perm); err != nil {
		t.Fatalf("store: %v", err)
	}

	avail, total := pool.SemaphoreSnapshot()
	if avail != 1 || total != 2 {
		t.Fatalf("expected (1, 2) before purge, got (%d, %d)", avail, total)
	}

	removed := pool.PurgeStale(t0.Add(time.Second))
	if len(removed) != 1 || removed[0] != "agent-1" {
		t.Fatalf("expected the stale peer to be purged, got %v", removed)
	}

	avail, total = pool.SemaphoreSnapshot()
	if avail != 0 || total != 0 {
		t.Fatalf("expected capacity fully reconciled to 0 after purging the only peer, got (%d, %d)", avail, total)
	}
}

func TestQuarantinePeerExcludesFromSelection(t *testing.T) {
	pool := peerpool.New(time.Minute, time.Minute)
	now := time.Now()
	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 2, 0), now)

	if err := pool.QuarantinePeer("agent-1", now); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if _, err := pool.SelectBest(now); err != peerpool.ErrNoUsablePeer {
		t.Fatalf("expected quarantined peer to be excluded from selection")
	}
}

func TestSnapshotOrdering(t *testing.T) {
	pool := peerpool.New(time.Minute, time.Minute)
	now := time.Now()
	pool.ApplyStatusUpdate("agent-1", update("10.0.0.1:8080", 1, 0), now)
	pool.ApplyStatusUpdate("agent-2", update("10.0.0.2:8080", 5, 0), now)

	snap := pool.Snapshot(now)
	if len(snap) != 2 {
		t.Fatalf("expected 2 peers in snapshot, got %d", len(snap))
	}
	if snap[0].ExternalAddr != "10.0.0.2:8080" {
		t.Fatalf("expected the peer with more idle slots first, got %s", snap[0].ExternalAddr)
	}
}
