/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Wire shape for the telemetry records agents publish
             about themselves. Transport and authentication of
             this channel are external collaborators (§6.3); this
             package only defines the decoded shape.
Root Cause:  Peer pool needs a stable decode target independent
             of whatever transport (Redis, gRPC, HTTP) delivers it.
Suitability: L2 — plain DTO.
──────────────────────────────────────────────────────────────
*/

package statusupdate

import "github.com/AlfredDev/alfred/services/slotproxy/tristate"

// StatusUpdate carries an agent's self-reported telemetry (§6.3).
type StatusUpdate struct {
	AgentName              *string    `json:"agent_name,omitempty"`
	Error                  *string    `json:"error,omitempty"`
	ExternalAddr           string     `json:"external_llamacpp_addr"`
	IsAuthorized           tristate.T `json:"is_authorized"`
	IsSlotsEndpointEnabled tristate.T `json:"is_slots_endpoint_enabled"`
	IdleSlotsCount         int        `json:"idle_slots_count"`
	ProcessingSlotsCount   int        `json:"processing_slots_count"`
}

// Envelope wraps a StatusUpdate with the agent identifier it concerns,
// the shape actually placed on the ingestion channel (§4.7).
type Envelope struct {
	AgentID string       `json:"agent_id"`
	Update  StatusUpdate `json:"update"`
}
