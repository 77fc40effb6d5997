package peer_test

import (
	"context"
	"testing"
	"time"

	"github.com/AlfredDev/alfred/services/slotproxy/admission"
	"github.com/AlfredDev/alfred/services/slotproxy/peer"
	"github.com/AlfredDev/alfred/services/slotproxy/tristate"
)

func TestUsableRequiresAuthorizedAndIdleSlots(t *testing.T) {
	now := time.Now()
	p := peer.New("agent-1", "10.0.0.1:8080")

	if p.Usable(now) {
		t.Fatalf("fresh peer with unknown telemetry must not be usable")
	}

	p.ApplyStatusUpdate("agent-1", "10.0.0.1:8080", tristate.True, tristate.True, 0, 0, "", now)
	if p.Usable(now) {
		t.Fatalf("peer with zero idle slots must not be usable")
	}

	p.ApplyStatusUpdate("agent-1", "10.0.0.1:8080", tristate.True, tristate.True, 2, 1, "", now)
	if !p.Usable(now) {
		t.Fatalf("authorized peer with idle slots should be usable")
	}

	p.ApplyStatusUpdate("agent-1", "10.0.0.1:8080", tristate.False, tristate.True, 2, 1, "", now)
	if p.Usable(now) {
		t.Fatalf("unauthorized peer must not be usable")
	}
}

func TestQuarantineExpires(t *testing.T) {
	now := time.Now()
	p := peer.New("agent-1", "10.0.0.1:8080")
	p.ApplyStatusUpdate("agent-1", "10.0.0.1:8080", tristate.True, tristate.True, 2, 0, "", now)

	p.Quarantine(now, 50*time.Millisecond)
	if p.Usable(now) {
		t.Fatalf("quarantined peer must not be usable")
	}
	if p.Usable(now.Add(100 * time.Millisecond)) != true {
		t.Fatalf("peer should be usable again once quarantine expires")
	}
}

func TestTakeAndReleaseSlot(t *testing.T) {
	now := time.Now()
	p := peer.New("agent-1", "10.0.0.1:8080")
	p.ApplyStatusUpdate("agent-1", "10.0.0.1:8080", tristate.True, tristate.True, 1, 0, "", now)

	asOf, err := p.TakeSlot(now)
	if err != nil {
		t.Fatalf("take slot: %v", err)
	}
	if !asOf.Equal(now) {
		t.Fatalf("expected TakeSlot to return the bumped last_update")
	}
	idle, processing := p.SlotsCount()
	if idle != 0 || processing != 1 {
		t.Fatalf("expected (0, 1) after take, got (%d, %d)", idle, processing)
	}

	if _, err := p.TakeSlot(now); err != peer.ErrNoIdleSlots {
		t.Fatalf("expected ErrNoIdleSlots, got %v", err)
	}

	p.ReleaseSlot(now)
	idle, processing = p.SlotsCount()
	if idle != 1 || processing != 0 {
		t.Fatalf("expected (1, 0) after release, got (%d, %d)", idle, processing)
	}
}

func TestCustodyStoreWithdrawRelease(t *testing.T) {
	sem := admission.New(3)
	perm, err := sem.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 2; i++ {
		extra, err := sem.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire extra: %v", err)
		}
		if err := perm.Merge(extra); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}

	p := peer.New("agent-1", "10.0.0.1:8080")
	if err := p.StoreCustody(perm); err != nil {
		t.Fatalf("store custody: %v", err)
	}
	if p.CustodyCount() != 3 {
		t.Fatalf("expected custody of 3, got %d", p.CustodyCount())
	}

	withdrawn, err := p.WithdrawCustody(2)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Count() != 2 || p.CustodyCount() != 1 {
		t.Fatalf("expected withdrawn=2 remaining=1, got withdrawn=%d remaining=%d", withdrawn.Count(), p.CustodyCount())
	}

	if _, err := p.WithdrawCustody(5); err != peer.ErrNoCustody {
		t.Fatalf("expected ErrNoCustody, got %v", err)
	}

	p.ReleaseAllCustody()
	if p.CustodyCount() != 0 {
		t.Fatalf("expected custody cleared after ReleaseAllCustody")
	}

	avail, total := sem.Snapshot()
	if total != 3 || avail != 1 {
		t.Fatalf("expected (1, 3) after releasing remaining custody (withdrawn bundle still held), got (%d, %d)", avail, total)
	}
	withdrawn.Release()
	avail, _ = sem.Snapshot()
	if avail != 3 {
		t.Fatalf("expected all 3 permits free once withdrawn bundle is also released, got %d", avail)
	}
}

func TestLessOrdering(t *testing.T) {
	usableMore := peer.Info{Usable: true, SlotsIdle: 3, SlotsProcessing: 1, ExternalAddr: "b"}
	usableFewer := peer.Info{Usable: true, SlotsIdle: 1, SlotsProcessing: 0, ExternalAddr: "a"}
	unusable := peer.Info{Usable: false, SlotsIdle: 10, ExternalAddr: "a"}

	if !peer.Less(usableMore, usableFewer) {
		t.Fatalf("peer with more idle slots should sort first")
	}
	if !peer.Less(usableFewer, unusable) {
		t.Fatalf("any usable peer should sort before an unusable one")
	}

	tieIdle1 := peer.Info{Usable: true, SlotsIdle: 2, SlotsProcessing: 1, ExternalAddr: "z"}
	tieIdle2 := peer.Info{Usable: true, SlotsIdle: 2, SlotsProcessing: 0, ExternalAddr: "a"}
	if !peer.Less(tieIdle2, tieIdle1) {
		t.Fatalf("fewer processing slots should break an idle-count tie")
	}

	addrA := peer.Info{Usable: true, SlotsIdle: 1, SlotsProcessing: 0, ExternalAddr: "a"}
	addrB := peer.Info{Usable: true, SlotsIdle: 1, SlotsProcessing: 0, ExternalAddr: "b"}
	if !peer.Less(addrA, addrB) {
		t.Fatalf("address should break a full tie")
	}
}
