/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L5
Logic:       Thread-safe registry of every known peer plus the
             fleet-wide admission semaphore, exposing selection,
             slot/permit bookkeeping, and integrity restoration as
             a single coherent API so callers never juggle the
             semaphore and the peer map separately.
Root Cause:  §4.3 Peer pool, §4.6 Integrity restoration, §4.5
             Permit custody transfer on retry.
Context:     Grounded on provider/pool.go's RWMutex-guarded map of
             providers plus its SelectBest ranking loop, generalized
             from a provider health score to the peer.Less total
             order, and on middleware/concurrency.go's acquire/
             release bookkeeping idiom, generalized from a fixed
             per-route channel to a single resizable
             admission.Semaphore. WithdrawPermit and the
             ReleaseAllCustody-before-purge ordering in PurgeStale
             have no line-for-line original_source analogue; both
             close a capacity-leak gap the literal Rust source
             leaves open (§9's resolved Open Question).
Suitability: L5 — governs I1 (permit/slot integrity) directly.
──────────────────────────────────────────────────────────────
*/

package peerpool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/AlfredDev/alfred/services/slotproxy/admission"
	"github.com/AlfredDev/alfred/services/slotproxy/peer"
	"github.com/AlfredDev/alfred/services/slotproxy/snapshot"
	"github.com/AlfredDev/alfred/services/slotproxy/statusupdate"
)

// ErrNoUsablePeer is returned by SelectBest when no registered peer is
// currently eligible for dispatch.
var ErrNoUsablePeer = errors.New("peerpool: no usable peer")

// ErrUnknownPeer is returned by operations addressed to an agent_id the
// pool has never seen.
var ErrUnknownPeer = errors.New("peerpool: unknown peer")

// Pool is the fleet's shared registry of peers and the single admission
// semaphore gating total in-flight generation slots across all of them.
type Pool struct {
	mu    sync.RWMutex
	peers map[string]*peer.Peer

	sem *admission.Semaphore

	quarantineDuration time.Duration
	stalePeerDuration  time.Duration
}

// New constructs an empty Pool whose semaphore starts at zero capacity;
// capacity grows as peers report slots via ApplyStatusUpdate followed by
// RestoreIntegrity, or is supplied directly via Grow for tests.
func New(quarantineDuration, stalePeerDuration time.Duration) *Pool {
	return &Pool{
		peers:              make(map[string]*peer.Peer),
		sem:                admission.New(0),
		quarantineDuration: quarantineDuration,
		stalePeerDuration:  stalePeerDuration,
	}
}

// Grow adds n permits directly to the pool's semaphore. Exposed mainly
// for tests that want a primed capacity without going through a status
// update and RestoreIntegrity round trip.
func (p *Pool) Grow(n int) {
	p.sem.Add(n)
}

// ApplyStatusUpdate registers (or updates) the peer identified by
// agentID from a freshly received StatusUpdate. On overwrite, if the
// newly reported slots_processing is less than the previously stored
// value by K, K permits are released from the peer's custody back to the
// semaphore first — modeling requests the upstream completed without the
// proxy being notified (I6). Telemetry is then overwritten, quarantine
// is cleared, last_update is stamped to now, and RestoreIntegrity
// reconciles the fleet-wide total.
func (p *Pool) ApplyStatusUpdate(agentID string, u statusupdate.StatusUpdate, now time.Time) {
	p.mu.Lock()
	pr, ok := p.peers[agentID]
	if !ok {
		pr = peer.New(agentID, u.ExternalAddr)
		p.peers[agentID] = pr
	}
	p.mu.Unlock()

	_, previousProcessing := pr.SlotsCount()
	if u.ProcessingSlotsCount < previousProcessing {
		k := previousProcessing - u.ProcessingSlotsCount
		if withdrawn, err := pr.WithdrawCustody(k); err == nil {
			withdrawn.Release()
		}
	}

	agentName := u.ExternalAddr
	if u.AgentName != nil && *u.AgentName != "" {
		agentName = *u.AgentName
	}
	agentErr := ""
	if u.Error != nil {
		agentErr = *u.Error
	}

	pr.ApplyStatusUpdate(agentName, u.ExternalAddr, u.IsAuthorized, u.IsSlotsEndpointEnabled, u.IdleSlotsCount, u.ProcessingSlotsCount, agentErr, now)
	pr.ClearQuarantine()

	p.RestoreIntegrity()
}

// peerList returns a stable-ordered snapshot of every registered peer
// pointer, for iteration without holding the pool lock during per-peer
// work.
func (p *Pool) peerList() []*peer.Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	list := make([]*peer.Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		list = append(list, pr)
	}
	return list
}

// SelectBest returns the highest-ranked usable peer per peer.Less's total
// order. Ties are broken deterministically by external address, so two
// callers racing to select see a stable preference even before either
// acts on it.
func (p *Pool) SelectBest(now time.Time) (*peer.Peer, error) {
	list := p.peerList()

	var bestPeer *peer.Peer
	var bestInfo peer.Info
	have := false

	for _, pr := range list {
		info := pr.Snapshot(now)
		if !info.Usable {
			continue
		}
		if !have || peer.Less(info, bestInfo) {
			bestPeer = pr
			bestInfo = info
			have = true
		}
	}

	if !have {
		return nil, ErrNoUsablePeer
	}
	return bestPeer, nil
}

// Ranked returns every peer's current snapshot ordered by peer.Less,
// usable peers first. Used by the admin surface and tests.
func (p *Pool) Ranked(now time.Time) []peer.Info {
	list := p.peerList()
	infos := make([]peer.Info, 0, len(list))
	for _, pr := range list {
		infos = append(infos, pr.Snapshot(now))
	}
	sort.Slice(infos, func(i, j int) bool {
		return peer.Less(infos[i], infos[j])
	})
	return infos
}

func (p *Pool) get(agentID string) (*peer.Peer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.peers[agentID]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return pr, nil
}

// TakeSlot applies the optimistic slot-taken bookkeeping to the named
// peer, called right after SelectBest picks it for a request. It returns
// the post-take last_update fence value the caller must present to the
// matching ReleaseSlot.
func (p *Pool) TakeSlot(agentID string, now time.Time) (time.Time, error) {
	pr, err := p.get(agentID)
	if err != nil {
		return time.Time{}, err
	}
	return pr.TakeSlot(now)
}

// ReleaseSlot reverses TakeSlot's bookkeeping, fenced against a status
// update that arrived after asOf: if the peer's telemetry has moved on
// since asOf, the release is dropped as a no-op on counters (I3) — a
// status update already reconciled the counters in the interim.
func (p *Pool) ReleaseSlot(agentID string, asOf time.Time, now time.Time) error {
	pr, err := p.get(agentID)
	if err != nil {
		return err
	}
	if pr.LastUpdate().After(asOf) {
		return nil
	}
	pr.ReleaseSlot(now)
	return nil
}

// StorePermit merges perm into the named peer's custody.
func (p *Pool) StorePermit(agentID string, perm *admission.Permit) error {
	pr, err := p.get(agentID)
	if err != nil {
		return err
	}
	return pr.StoreCustody(perm)
}

// ReleaseOnePermit releases a single permit from the named peer's
// custody back to the fleet semaphore, for the normal end-of-request
// path where a request's one slot is being handed back.
func (p *Pool) ReleaseOnePermit(agentID string) error {
	pr, err := p.get(agentID)
	if err != nil {
		return err
	}
	withdrawn, err := pr.WithdrawCustody(1)
	if err != nil {
		return err
	}
	withdrawn.Release()
	return nil
}

// WithdrawPermit splits n permits out of the named peer's custody and
// returns them to the caller, rather than releasing them to the
// semaphore. This is how a retry that lands on a different peer carries
// its already-acquired capacity forward instead of releasing and
// re-acquiring — the permit follows the new peer, it never touches the
// free pool in between.
func (p *Pool) WithdrawPermit(agentID string, n int) (*admission.Permit, error) {
	pr, err := p.get(agentID)
	if err != nil {
		return nil, err
	}
	return pr.WithdrawCustody(n)
}

// AcquirePermit blocks on the fleet semaphore for one slot of admission
// capacity, independent of any specific peer.
func (p *Pool) AcquirePermit(ctx context.Context) (*admission.Permit, error) {
	return p.sem.Acquire(ctx)
}

// QuarantinePeer marks a peer unusable for the pool's configured
// quarantine duration, typically after a failed connection attempt.
func (p *Pool) QuarantinePeer(agentID string, now time.Time) error {
	pr, err := p.get(agentID)
	if err != nil {
		return err
	}
	pr.Quarantine(now, p.quarantineDuration)
	return nil
}

// RestoreIntegrity reconciles the semaphore's total capacity against
// target = Σ slots_idle + slots_processing over peers whose authorization
// is true. Because total == available + outstanding is maintained as an
// invariant by construction elsewhere, restoring integrity reduces to
// comparing total against that target directly: a fleet that now
// advertises more total slots than the semaphore knows about grows it; a
// fleet that has shrunk (peers went away or reported fewer slots) drains
// the difference from whatever is currently free.
func (p *Pool) RestoreIntegrity() {
	list := p.peerList()
	now := time.Now()

	target := 0
	for _, pr := range list {
		info := pr.Snapshot(now)
		if authorized, known := info.IsAuthorized.Bool(); !known || !authorized {
			continue
		}
		target += info.SlotsIdle + info.SlotsProcessing
	}

	_, total := p.sem.Snapshot()
	if target > total {
		p.sem.Add(target - total)
	} else if target < total {
		p.sem.Drain(total - target)
	}
}

// PurgeStale removes every peer whose telemetry hasn't been refreshed
// within the pool's stale-peer window, releasing any custody it still
// holds back to the semaphore first so that capacity isn't silently
// leaked when a peer disappears mid-flight.
func (p *Pool) PurgeStale(now time.Time) []string {
	cutoff := now.Add(-p.stalePeerDuration)

	p.mu.Lock()
	var removed []string
	for id, pr := range p.peers {
		if pr.LastUpdate().Before(cutoff) {
			pr.ReleaseAllCustody()
			delete(p.peers, id)
			removed = append(removed, id)
		}
	}
	p.mu.Unlock()

	if len(removed) > 0 {
		p.RestoreIntegrity()
	}
	return removed
}

// Snapshot renders every peer's current state as exported DTOs, ordered
// by selection rank, for the admin surface.
func (p *Pool) Snapshot(now time.Time) []snapshot.Peer {
	infos := p.Ranked(now)
	out := make([]snapshot.Peer, 0, len(infos))
	for _, info := range infos {
		out = append(out, snapshot.FromPeer(info))
	}
	return out
}

// SemaphoreSnapshot reports the pool's current (available, total)
// admission capacity.
func (p *Pool) SemaphoreSnapshot() (available, total int) {
	return p.sem.Snapshot()
}
