/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Peer holds one inference agent's last-known telemetry
             and the admission.Permit bundle currently in its
             custody. All mutation goes through a single mutex so
             the pool can read-modify-write without a second lock.
Root Cause:  §4.1 Peer record, §4.4 Peer lifecycle, §4.5 Permit
             custody.
Context:     Grounded on upstream_peer.rs's UpstreamPeer struct and
             its update_from_status / take_slot / release_slot
             methods, generalized from per-peer Option<bool> gates
             to tristate.T, and from a raw integer slot count to an
             admission.Permit bundle representing custody.
Suitability: L3 — concurrency-bearing domain type.
──────────────────────────────────────────────────────────────
*/

package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/AlfredDev/alfred/services/slotproxy/admission"
	"github.com/AlfredDev/alfred/services/slotproxy/tristate"
)

// ErrNoIdleSlots is returned by TakeSlot when the peer believes it has no
// free generation slot to offer.
var ErrNoIdleSlots = errors.New("peer: no idle slots")

// ErrNoCustody is returned when a custody operation is attempted against
// a peer holding fewer permits than requested.
var ErrNoCustody = errors.New("peer: insufficient custody")

// Peer is one inference agent's last reported state, plus any admission
// permits currently held in its custody on behalf of in-flight requests.
// Identity is agentID, fixed at construction; externalAddr may be
// rebound by later status updates without creating a new peer record.
type Peer struct {
	mu sync.Mutex

	agentID string

	externalAddr string
	agentName    string

	isAuthorized           tristate.T
	isSlotsEndpointEnabled tristate.T

	slotsIdle       int
	slotsProcessing int

	quarantinedUntil time.Time
	lastUpdate       time.Time
	lastError        string

	custody *admission.Permit
}

// New constructs a Peer for the given agent identity at the given
// initial external address, with no telemetry yet applied.
func New(agentID, externalAddr string) *Peer {
	return &Peer{agentID: agentID, externalAddr: externalAddr}
}

// AgentID returns the peer's stable identity key. Immutable after
// construction, so no lock is needed.
func (p *Peer) AgentID() string {
	return p.agentID
}

// ExternalAddr returns the agent's current dial address.
func (p *Peer) ExternalAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.externalAddr
}

// ApplyStatusUpdate folds a freshly-received telemetry record into the
// peer, stamping lastUpdate to now. externalAddr may change (worker
// rebind) without affecting identity. Callers that need staleness
// fencing across concurrent updates should compare LastUpdate() before
// and after.
func (p *Peer) ApplyStatusUpdate(agentName, externalAddr string, authorized, slotsEnabled tristate.T, idle, processing int, agentErr string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentName = agentName
	if externalAddr != "" {
		p.externalAddr = externalAddr
	}
	p.isAuthorized = authorized
	p.isSlotsEndpointEnabled = slotsEnabled
	p.slotsIdle = idle
	p.slotsProcessing = processing
	p.lastError = agentErr
	p.lastUpdate = now
}

// LastUpdate reports when telemetry was last applied.
func (p *Peer) LastUpdate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUpdate
}

// Usable reports whether the peer is eligible for selection: known
// authorized, no reported error, not quarantined, and reporting at least
// one idle slot.
func (p *Peer) Usable(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usableLocked(now)
}

func (p *Peer) usableLocked(now time.Time) bool {
	authorized, known := p.isAuthorized.Bool()
	if !known || !authorized {
		return false
	}
	if p.lastError != "" {
		return false
	}
	if now.Before(p.quarantinedUntil) {
		return false
	}
	return p.slotsIdle > 0
}

// SlotsCount returns the peer's last-reported idle and processing slot
// counts.
func (p *Peer) SlotsCount() (idle, processing int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slotsIdle, p.slotsProcessing
}

// Quarantine marks the peer unusable until now+d.
func (p *Peer) Quarantine(now time.Time, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := now.Add(d)
	if until.After(p.quarantinedUntil) {
		p.quarantinedUntil = until
	}
}

// ClearQuarantine lifts any quarantine in effect. Applied on every fresh
// status update, since fresh telemetry supersedes the failure that
// triggered the quarantine.
func (p *Peer) ClearQuarantine() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quarantinedUntil = time.Time{}
}

// QuarantinedUntil reports the current quarantine expiry, the zero time
// if none is in effect.
func (p *Peer) QuarantinedUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quarantinedUntil
}

// TakeSlot optimistically decrements the peer's believed idle count,
// reflecting the slot a dispatched request now occupies, and bumps
// last_update. Real confirmation arrives on the next status update; this
// is bookkeeping only so SelectBest doesn't repeatedly offer the same
// peer within a single scheduling pass. Returns the post-bump
// last_update, which the caller must retain as the fence value for the
// matching ReleaseSlot.
func (p *Peer) TakeSlot(now time.Time) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slotsIdle <= 0 {
		return p.lastUpdate, ErrNoIdleSlots
	}
	p.slotsIdle--
	p.slotsProcessing++
	p.lastUpdate = now
	return p.lastUpdate, nil
}

// ReleaseSlot reverses TakeSlot's optimistic bookkeeping and bumps
// last_update. Staleness fencing against a concurrent, newer
// ApplyStatusUpdate is the pool's responsibility (see
// peerpool.Pool.ReleaseSlot), not the peer's: a bare Peer has no notion
// of "the update this release corresponds to".
func (p *Peer) ReleaseSlot(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slotsProcessing > 0 {
		p.slotsProcessing--
	}
	p.slotsIdle++
	p.lastUpdate = now
}

// StoreCustody merges perm into the peer's held custody bundle.
func (p *Peer) StoreCustody(perm *admission.Permit) error {
	if perm == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.custody == nil {
		p.custody = perm
		return nil
	}
	return p.custody.Merge(perm)
}

// WithdrawCustody splits n permits out of the peer's held custody and
// returns them as an independently-owned bundle, for example to carry
// across a retry to a newly selected peer. Returns ErrNoCustody if the
// peer does not currently hold at least n.
func (p *Peer) WithdrawCustody(n int) (*admission.Permit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.custody == nil || p.custody.Count() < n {
		return nil, ErrNoCustody
	}
	withdrawn, err := p.custody.Split(n)
	if err != nil {
		return nil, ErrNoCustody
	}
	if p.custody.Count() == 0 {
		p.custody = nil
	}
	return withdrawn, nil
}

// ReleaseAllCustody releases every permit currently held in this peer's
// custody back to its semaphore and clears the custody bundle. Called
// when a peer is purged from the pool so its capacity isn't leaked.
func (p *Peer) ReleaseAllCustody() {
	p.mu.Lock()
	custody := p.custody
	p.custody = nil
	p.mu.Unlock()
	if custody != nil {
		custody.Release()
	}
}

// CustodyCount reports how many permits the peer currently holds.
func (p *Peer) CustodyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.custody == nil {
		return 0
	}
	return p.custody.Count()
}

// Info is a point-in-time, lock-free copy of a peer's fields, suitable
// for ranking and snapshotting without holding the peer's lock.
type Info struct {
	AgentID          string
	ExternalAddr     string
	AgentName        string
	IsAuthorized     tristate.T
	SlotsEnabled     tristate.T
	SlotsIdle        int
	SlotsProcessing  int
	QuarantinedUntil time.Time
	LastUpdate       time.Time
	LastError        string
	Usable           bool
}

// Snapshot copies the peer's current fields into an Info.
func (p *Peer) Snapshot(now time.Time) Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		AgentID:          p.agentID,
		ExternalAddr:     p.externalAddr,
		AgentName:        p.agentName,
		IsAuthorized:     p.isAuthorized,
		SlotsEnabled:     p.isSlotsEndpointEnabled,
		SlotsIdle:        p.slotsIdle,
		SlotsProcessing:  p.slotsProcessing,
		QuarantinedUntil: p.quarantinedUntil,
		LastUpdate:       p.lastUpdate,
		LastError:        p.lastError,
		Usable:           p.usableLocked(now),
	}
}

// Less implements the fleet's total selection order over two peer
// snapshots: usable peers sort before unusable ones; among usable peers,
// more idle slots sort first, ties broken by fewer processing slots,
// final ties broken by external address for determinism.
func Less(a, b Info) bool {
	if a.Usable != b.Usable {
		return a.Usable
	}
	if a.SlotsIdle != b.SlotsIdle {
		return a.SlotsIdle > b.SlotsIdle
	}
	if a.SlotsProcessing != b.SlotsProcessing {
		return a.SlotsProcessing < b.SlotsProcessing
	}
	return a.ExternalAddr < b.ExternalAddr
}
