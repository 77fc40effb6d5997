// Package snapshot defines the peer DTOs exposed over the admin HTTP
// surface, decoupled from the internal peer.Info representation so the
// wire shape can evolve independently of pool internals.
package snapshot

import (
	"time"

	"github.com/AlfredDev/alfred/services/slotproxy/peer"
)

// Peer is the externally-visible rendering of one fleet member.
type Peer struct {
	AgentID         string    `json:"agent_id"`
	ExternalAddr    string    `json:"external_addr"`
	AgentName       string    `json:"agent_name"`
	Usable          bool      `json:"usable"`
	IsAuthorized    string    `json:"is_authorized"`
	SlotsEnabled    string    `json:"slots_endpoint_enabled"`
	SlotsIdle       int       `json:"slots_idle"`
	SlotsProcessing int       `json:"slots_processing"`
	Quarantined     bool      `json:"quarantined"`
	LastUpdate      time.Time `json:"last_update"`
	LastError       string    `json:"last_error,omitempty"`
}

// FromPeer maps an internal peer.Info into its exported DTO.
func FromPeer(info peer.Info) Peer {
	return Peer{
		AgentID:         info.AgentID,
		ExternalAddr:    info.ExternalAddr,
		AgentName:       info.AgentName,
		Usable:          info.Usable,
		IsAuthorized:    info.IsAuthorized.String(),
		SlotsEnabled:    info.SlotsEnabled.String(),
		SlotsIdle:       info.SlotsIdle,
		SlotsProcessing: info.SlotsProcessing,
		Quarantined:     !info.QuarantinedUntil.IsZero() && info.QuarantinedUntil.After(time.Now()),
		LastUpdate:      info.LastUpdate,
		LastError:       info.LastError,
	}
}
