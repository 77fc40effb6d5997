/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Hand-rolled streaming reverse proxy implementing the
             request_filter / upstream_peer / upstream_request_filter
             / connected_to_upstream / response_body_filter /
             fail_to_connect / error_while_proxy lifecycle over
             plain net/http, distinguishing a failed dial from a
             mid-stream error via a DialContext hook carried on the
             request context.
Root Cause:  §4.3 Request context state machine, §6.1 HTTP proxy
             surface.
Context:     Logging and error-response shape grounded on
             handler/proxy.go's writeError/zerolog idiom; the
             connect-vs-stream distinction and buffered request body
             for retry replay are grounded on olla-service.go's
             per-request retry handling, generalized from its
             object-pooled request/error contexts down to the
             simpler reqctx.Context this system's scale calls for.
Suitability: L4 — this is the pipeline the whole admission and
             slot-accounting design exists to drive correctly.
──────────────────────────────────────────────────────────────
*/

package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/alfred/services/slotproxy/classify"
	"github.com/AlfredDev/alfred/services/slotproxy/peerpool"
	"github.com/AlfredDev/alfred/services/slotproxy/reqctx"
)

// maxRetryBufferBytes bounds how much of a request body is buffered for
// replay on retry. Bodies larger than this are forwarded unbuffered and
// are therefore not retryable once streaming to the upstream has begun.
const maxRetryBufferBytes = 4 << 20 // 4 MiB

// maxAttempts bounds the retry loop (fail_to_connect and error_while_proxy
// retries alike) so a persistently unreachable or failing fleet fails a
// request rather than looping forever.
const maxAttempts = 4

// Handler implements the reverse-proxy pipeline: it classifies each
// request, blocks on admission, selects and dials a peer, and reconciles
// slot/permit bookkeeping at every lifecycle transition.
type Handler struct {
	pool   *peerpool.Pool
	logger zerolog.Logger

	rewriteHostHeader   bool
	slotsEndpointEnable bool

	transport *http.Transport
}

// NewHandler constructs a proxy Handler backed by pool.
func NewHandler(pool *peerpool.Pool, logger zerolog.Logger, rewriteHostHeader, slotsEndpointEnable bool) *Handler {
	return &Handler{
		pool:                pool,
		logger:              logger,
		rewriteHostHeader:   rewriteHostHeader,
		slotsEndpointEnable: slotsEndpointEnable,
		transport:           newTransport(),
	}
}

// connectHookKey keys a connectHook carried on the outbound request
// context so a RoundTrip error can be distinguished from a mid-stream I/O
// error: if the transport's DialContext never completed, the failure
// happened before any bytes were exchanged with the upstream and is a
// connect failure, not a proxy error.
type connectHookKey struct{}

type connectHook struct {
	connected bool
}

func newTransport() *http.Transport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConns = 100
	base.MaxIdleConnsPerHost = 20
	base.IdleConnTimeout = 90 * time.Second
	dial := base.DialContext
	base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if hook, ok := ctx.Value(connectHookKey{}).(*connectHook); ok && err == nil {
			hook.connected = true
		}
		return conn, err
	}
	return base
}

// ServeHTTP runs the full proxy lifecycle for one inbound request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.New()

	usesSlots, err := classify.Classify(r.URL.Path, h.slotsEndpointEnable)
	if err != nil {
		// request_filter: short-circuit, no peer contacted, no permit held.
		h.logger.Info().Str("path", r.URL.Path).Msg("slots endpoint disabled")
		writeError(w, http.StatusServiceUnavailable, "slots_disabled", err.Error())
		return
	}
	rc.UsesSlots = usesSlots

	body, err := bufferBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	if rc.UsesSlots {
		perm, err := h.pool.AcquirePermit(r.Context())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			writeError(w, http.StatusServiceUnavailable, "admission_timeout", "no admission capacity available")
			return
		}
		rc.PendingPermit = perm
	}

	h.dispatch(w, r, rc, body)
}

// dispatch runs the upstream_peer → connected_to_upstream →
// response_body_filter loop. A fail_to_connect retry clears SelectedPeer
// so the next iteration re-selects (and the permit is carried forward via
// PendingPermit); an error_while_proxy retry leaves SelectedPeer set, so
// the next iteration re-attempts against the SAME peer and its existing
// custody, matching upstream_peer's "only re-select when selected_peer is
// none" behavior.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, rc *reqctx.Context, body []byte) {
	for {
		rc.Attempts++

		if rc.SelectedPeer == nil {
			peerHandle, err := h.pool.SelectBest(time.Now())
			if err != nil {
				// §4.5: caller held a permit; no usable peer is an internal
				// error, not a retryable upstream condition.
				h.logger.Error().Err(err).Msg("no usable peer while holding a permit")
				h.releasePending(rc)
				writeError(w, http.StatusInternalServerError, "no_peer_available", "no usable peer available")
				return
			}
			rc.SelectedPeer = peerHandle

			if rc.UsesSlots && rc.PendingPermit != nil {
				if err := h.pool.StorePermit(peerHandle.AgentID(), rc.PendingPermit); err != nil {
					h.logger.Error().Err(err).Msg("failed to store permit in selected peer's custody")
					rc.PendingPermit.Release()
					rc.PendingPermit = nil
					writeError(w, http.StatusInternalServerError, "permit_custody_error", "internal admission error")
					return
				}
				rc.PendingPermit = nil
			}
		}

		retry, done := h.attempt(w, r, rc, body)
		if done {
			return
		}
		if !retry {
			return
		}
		if rc.Attempts >= maxAttempts {
			h.logger.Error().Int("attempts", rc.Attempts).Msg("exhausted retry attempts against the fleet")
			h.releaseHeldCapacity(rc)
			writeError(w, http.StatusBadGateway, "upstream_unavailable", "no upstream peer could serve this request")
			return
		}
	}
}

// attempt performs upstream_request_filter, dials the selected peer, and
// streams the response. Returns (retry, done): done means a terminal
// response was already written (success or non-retryable failure); retry
// means the caller should re-enter dispatch, either after fail_to_connect
// quarantined the peer or after a retryable error_while_proxy.
func (h *Handler) attempt(w http.ResponseWriter, r *http.Request, rc *reqctx.Context, body []byte) (retry, done bool) {
	pr := rc.SelectedPeer
	target, err := url.Parse("http://" + pr.ExternalAddr())
	if err != nil {
		h.releaseHeldCapacity(rc)
		writeError(w, http.StatusInternalServerError, "bad_peer_address", "peer address is malformed")
		return false, true
	}

	outbound := r.Clone(r.Context())
	outbound.URL.Scheme = target.Scheme
	outbound.URL.Host = target.Host
	outbound.RequestURI = ""
	if body != nil {
		outbound.Body = io.NopCloser(bytes.NewReader(body))
		outbound.ContentLength = int64(len(body))
	}

	// upstream_request_filter
	if h.rewriteHostHeader {
		outbound.Host = target.Host
	}

	hook := &connectHook{}
	ctx := context.WithValue(outbound.Context(), connectHookKey{}, hook)
	outbound = outbound.WithContext(ctx)

	resp, err := h.transport.RoundTrip(outbound)
	if err != nil {
		if !hook.connected {
			return h.failToConnect(w, rc)
		}
		return h.errorWhileProxy(w, rc, body, err)
	}
	defer resp.Body.Close()

	// connected_to_upstream
	if rc.UsesSlots {
		asOf, err := h.pool.TakeSlot(pr.AgentID(), time.Now())
		if err != nil {
			h.logger.Error().Err(err).Str("peer", pr.AgentID()).Msg("take_slot failed after successful connect")
		} else {
			rc.SlotTaken = true
			rc.AsOf = asOf
		}
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	_, copyErr := streamBody(w, resp.Body, flusher)

	// response_body_filter / end-of-stream
	h.releaseOnSuccess(rc)

	if copyErr != nil {
		h.logger.Debug().Err(copyErr).Msg("client disconnected mid-stream")
	}
	return false, true
}

// failToConnect quarantines the selected peer, clears it from the
// context, and signals a retry. The permit is withdrawn from the failed
// peer's custody into PendingPermit; dispatch's next iteration stores it
// in the newly selected peer.
func (h *Handler) failToConnect(w http.ResponseWriter, rc *reqctx.Context) (retry, done bool) {
	pr := rc.SelectedPeer
	now := time.Now()
	if err := h.pool.QuarantinePeer(pr.AgentID(), now); err != nil {
		h.logger.Error().Err(err).Str("peer", pr.AgentID()).Msg("failed to quarantine unreachable peer")
	}

	if rc.UsesSlots {
		withdrawn, err := h.pool.WithdrawPermit(pr.AgentID(), 1)
		if err != nil {
			h.logger.Error().Err(err).Str("peer", pr.AgentID()).Msg("failed to withdraw permit from quarantined peer")
			writeError(w, http.StatusInternalServerError, "permit_custody_error", "internal admission error")
			return false, true
		}
		rc.PendingPermit = withdrawn
	}
	rc.SelectedPeer = nil
	return true, false
}

// errorWhileProxy handles a mid-stream proxy error. Unlike fail_to_connect,
// it never clears SelectedPeer: a retry here re-attempts against the SAME
// peer, which still holds the permit reserved for this request in its
// custody — only the slot (if taken) is released. Retry is only viable
// when the request body is fully buffered (so it can be replayed) and no
// bytes of the response have reached the client yet; RoundTrip failing
// before headers were written satisfies that here, since we write nothing
// to w until RoundTrip succeeds.
func (h *Handler) errorWhileProxy(w http.ResponseWriter, rc *reqctx.Context, body []byte, upstreamErr error) (retry, done bool) {
	h.logger.Warn().Err(upstreamErr).Msg("mid-stream proxy error")

	pr := rc.SelectedPeer
	if rc.UsesSlots && rc.SlotTaken {
		if err := h.pool.ReleaseSlot(pr.AgentID(), rc.AsOf, time.Now()); err != nil {
			h.logger.Error().Err(err).Msg("release_slot failed during error handling")
		}
		rc.SlotTaken = false
	}

	if body != nil {
		return true, false
	}

	if rc.UsesSlots {
		if err := h.pool.ReleaseOnePermit(pr.AgentID()); err != nil {
			h.logger.Error().Err(err).Msg("release_one_permit failed during error handling")
		}
	}
	writeError(w, http.StatusBadGateway, "upstream_error", "upstream connection failed mid-stream")
	return false, true
}

// releaseHeldCapacity releases whatever admission capacity the request
// currently holds when dispatch gives up: a PendingPermit not yet handed
// to any peer, or, failing that, the one permit still resident in the
// selected peer's custody.
func (h *Handler) releaseHeldCapacity(rc *reqctx.Context) {
	if rc.PendingPermit != nil {
		h.releasePending(rc)
		return
	}
	if rc.UsesSlots && rc.SelectedPeer != nil {
		if err := h.pool.ReleaseOnePermit(rc.SelectedPeer.AgentID()); err != nil {
			h.logger.Error().Err(err).Msg("release_one_permit failed while abandoning request")
		}
	}
}

// releaseOnSuccess releases the slot and the one permit reserved for this
// request at clean end-of-stream.
func (h *Handler) releaseOnSuccess(rc *reqctx.Context) {
	if !rc.UsesSlots {
		return
	}
	pr := rc.SelectedPeer
	if rc.SlotTaken {
		if err := h.pool.ReleaseSlot(pr.AgentID(), rc.AsOf, time.Now()); err != nil {
			h.logger.Error().Err(err).Msg("release_slot failed at end of stream")
		}
	}
	if err := h.pool.ReleaseOnePermit(pr.AgentID()); err != nil {
		h.logger.Error().Err(err).Msg("release_one_permit failed at end of stream")
	}
}

// releaseOnError releases the slot (if taken) and drops any pending
// permit, used on failures that occur before a peer's custody holds the
// permit.
func (h *Handler) releaseOnError(rc *reqctx.Context) {
	if rc.UsesSlots && rc.SlotTaken && rc.SelectedPeer != nil {
		if err := h.pool.ReleaseSlot(rc.SelectedPeer.AgentID(), rc.AsOf, time.Now()); err != nil {
			h.logger.Error().Err(err).Msg("release_slot failed during error cleanup")
		}
	}
	h.releasePending(rc)
}

func (h *Handler) releasePending(rc *reqctx.Context) {
	if rc.PendingPermit != nil {
		rc.PendingPermit.Release()
		rc.PendingPermit = nil
	}
}

// bufferBody reads the request body into memory for retry replay, up to
// maxRetryBufferBytes. A body larger than that bound is not buffered,
// signaled by a nil return with no error; r.Body is left readable from
// the start, so such a request still executes, it simply cannot be
// retried mid-stream.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}

	limited := io.LimitReader(r.Body, maxRetryBufferBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		r.Body.Close()
		return nil, err
	}
	if len(data) > maxRetryBufferBytes {
		// Put the bytes already read back in front of the unread remainder
		// so the request can still be forwarded once.
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), r.Body), r.Body}
		return nil, nil
	}
	r.Body.Close()
	return data, nil
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// streamBody copies src to w, flushing after each chunk so token-by-token
// streaming responses aren't buffered.
func streamBody(w io.Writer, src io.Reader, flusher http.Flusher) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return total, writeErr
			}
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"type":"` + errType + `","message":"` + jsonEscape(message) + `"}}`))
}

func jsonEscape(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
