// Package httpapi wires the aggregator state into its HTTP surface,
// using chi for routing.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/octoreflex/aggregator/internal/aggregator"
	"github.com/octoreflex/aggregator/internal/export"
	"github.com/octoreflex/aggregator/internal/model"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/octoreflex/aggregator/internal/httpapi")

// NewRouter builds the full chi router for the aggregator HTTP surface.
func NewRouter(state *aggregator.State, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	h := &handlers{state: state, log: log}

	r.Post("/ingest", h.ingest)
	r.Get("/peer/{id}", h.peerHistory)
	r.Get("/correlations/{metric}", h.correlations)
	r.Get("/cluster", h.clusterCount)
	r.Get("/tls/warnings/latest", h.tlsLatest)
	r.Get("/tls/warnings/status", h.tlsStatus)
	r.Get("/anomalies/bridge", h.anomalies)
	r.Get("/remediation/bridge", h.remediationActions)
	r.Get("/remediation/bridge/dispatches", h.remediationDispatches)
	r.Get("/export/all", h.exportAll)
	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", state.Metrics.Handler())

	return r
}

type handlers struct {
	state *aggregator.State
	log   *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "httpapi.ingest")
	defer span.End()

	token := r.Header.Get("x-auth-token")
	if h.state.Auth == nil || !h.state.Auth.Check(token) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var batch []model.PeerStat
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	now := nowSeconds()
	if err := h.state.IngestBatch(batch, now); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) peerHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, ok := h.state.Ingest.PeerHistory(id)
	if !ok {
		history = nil
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *handlers) correlations(w http.ResponseWriter, r *http.Request) {
	metric := chi.URLParam(r, "metric")
	writeJSON(w, http.StatusOK, h.state.Correlation.ForMetric(metric))
}

func (h *handlers) clusterCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Ingest.PeerCount())
}

func (h *handlers) tlsLatest(w http.ResponseWriter, r *http.Request) {
	snaps := h.state.TLS.Latest()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].LastSeenSecs > snaps[j].LastSeenSecs })
	writeJSON(w, http.StatusOK, snaps)
}

func (h *handlers) tlsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.TLS.Status(nowSeconds()))
}

func (h *handlers) anomalies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Anomaly.Events())
}

func (h *handlers) remediationActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Remediation.Actions())
}

func (h *handlers) remediationDispatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Dispatch.Log())
}

func (h *handlers) exportAll(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "httpapi.export_all")
	defer span.End()

	req := export.Request{
		Recipient: r.URL.Query().Get("recipient"),
		Password:  r.URL.Query().Get("password"),
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	peerIDs := h.state.Ingest.AllPeers()
	peers := make([]export.PeerExport, 0, len(peerIDs))
	for _, id := range peerIDs {
		hist, _ := h.state.Ingest.PeerHistory(id)
		peers = append(peers, export.PeerExport{PeerID: id, History: hist})
	}

	now := nowSeconds()
	result, err := h.state.Exporter.Export(ctx, peers, h.state.TLS.Latest(), h.state.TLS.Status(now), req)
	if err != nil {
		switch err {
		case export.ErrTooManyPeers:
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		case export.ErrMutuallyExclusive:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.state.Metrics.BulkExportTotal.Inc()
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="export-`+strconv.FormatInt(now, 10)+`.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}
