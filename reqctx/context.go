// Package reqctx carries the per-request state threaded through the
// proxy's lifecycle callbacks, mirroring pingora's per-request context
// value (§5).
package reqctx

import (
	"time"

	"github.com/AlfredDev/alfred/services/slotproxy/admission"
	"github.com/AlfredDev/alfred/services/slotproxy/peer"
)

// Context accumulates state across one request's lifecycle: which peer
// was selected, whether a slot/permit is currently held on its behalf,
// and — during a retry — a permit withdrawn from the previous peer that
// must be merged into whichever peer is selected next.
type Context struct {
	SelectedPeer *peer.Peer

	// SlotTaken records whether TakeSlot bookkeeping has been applied to
	// SelectedPeer, so fail_to_connect/error_while_proxy know whether
	// ReleaseSlot is owed.
	SlotTaken bool

	// UsesSlots is false for requests classified as not consuming a
	// generation slot (§5.2); such requests skip admission entirely.
	UsesSlots bool

	// AsOf is the peer telemetry timestamp in effect when SlotTaken was
	// set, used to fence a later ReleaseSlot against a newer update.
	AsOf time.Time

	// PendingPermit carries a permit withdrawn from a previous peer's
	// custody across a retry, to be merged into the newly selected
	// peer's custody rather than released and reacquired.
	PendingPermit *admission.Permit

	// Attempts counts dispatch attempts made for this request, including
	// retries against the same peer.
	Attempts int
}

// New returns a zero-value Context for a fresh request.
func New() *Context {
	return &Context{}
}
