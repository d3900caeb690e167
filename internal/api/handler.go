package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veritel/veritel-node/internal/domain"
	"github.com/veritel/veritel-node/internal/node"
)

// StatusSource reports the publication lifecycle of the local node.
type StatusSource interface {
	Phase() node.Phase
	LastTimestamp() uint64
	LastRecord() (domain.TelemetryRecord, bool)
}

// GossipInfo reports the live state of the p2p layer.
type GossipInfo interface {
	PeerID() peer.ID
	PeerCount() int
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Phase         string `json:"phase"`
	SmallID       uint64 `json:"small_id,omitempty"`
	Country       string `json:"country,omitempty"`
	PublicURL     string `json:"public_url,omitempty"`
	PeerID        string `json:"peer_id,omitempty"`
	Peers         int    `json:"peers"`
	LastPublish   uint64 `json:"last_publish_timestamp"`
	DeviceCount   uint32 `json:"device_count"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse for error cases
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Options wires a status Handler. Gossip is optional so the server can come
// up before the p2p layer.
type Options struct {
	Identity domain.IdentityMetadata
	Status   StatusSource
	Gossip   GossipInfo
	Version  string
	Log      *slog.Logger
}

// Handler serves the read-only status surface of the node.
type Handler struct {
	identity domain.IdentityMetadata
	status   StatusSource
	gossip   GossipInfo
	version  string
	started  time.Time
	log      *slog.Logger
}

func NewHandler(opts Options) *Handler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		identity: opts.Identity,
		status:   opts.Status,
		gossip:   opts.Gossip,
		version:  opts.Version,
		started:  time.Now(),
		log:      log,
	}
}

// Routes returns the status server's mux: health, status, latest telemetry
// and Prometheus metrics.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/v1/status", h.handleStatus)
	mux.HandleFunc("/v1/telemetry/latest", h.handleLatestTelemetry)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// handleHealthz handles GET /healthz
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /v1/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	resp := StatusResponse{
		Phase:         string(h.status.Phase()),
		SmallID:       h.identity.SmallID,
		Country:       h.identity.Country,
		PublicURL:     h.identity.PublicURL,
		LastPublish:   h.status.LastTimestamp(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if record, ok := h.status.LastRecord(); ok {
		resp.DeviceCount = record.NumDevices
	}
	if h.gossip != nil {
		resp.PeerID = h.gossip.PeerID().String()
		resp.Peers = h.gossip.PeerCount()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// handleLatestTelemetry handles GET /v1/telemetry/latest
func (h *Handler) handleLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	record, ok := h.status.LastRecord()
	if !ok {
		h.writeError(w, http.StatusNotFound, "no telemetry published yet", "NO_TELEMETRY")
		return
	}

	h.writeJSON(w, http.StatusOK, record)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warn("failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
