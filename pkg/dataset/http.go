package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gorilla/mux"
	"github.com/synaptica-ai/ehrpipe/pkg/analytics/dsl"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
	"github.com/synaptica-ai/ehrpipe/pkg/common/models"
	"github.com/synaptica-ai/ehrpipe/pkg/patient"
	"github.com/synaptica-ai/ehrpipe/pkg/pipeline"
)

const maxPageSize = 1000

// Invalidator drops derived state kept for a dataset, such as cached
// sample summaries.
type Invalidator interface {
	Invalidate(ctx context.Context, dataset string) (int, error)
}

// HTTPHandler exposes read access to a dataset's patients and events.
type HTTPHandler struct {
	ds           *Dataset
	publisher    pipeline.EventPublisher
	invalidators []Invalidator
}

func NewHTTPHandler(ds *Dataset, publisher pipeline.EventPublisher, invalidators ...Invalidator) *HTTPHandler {
	return &HTTPHandler{ds: ds, publisher: publisher, invalidators: invalidators}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/patients", h.handlePatients).Methods(http.MethodGet)
	router.HandleFunc("/patients/{id}/events", h.handleEvents).Methods(http.MethodGet)
	router.HandleFunc("/invalidate", h.handleInvalidate).Methods(http.MethodPost)
}

func (h *HTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ds.Stats(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to compute dataset stats")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandler) handlePatients(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	ids, err := h.ds.UniquePatientIDs(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to list patients")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	total := len(ids)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    total,
		"offset":   offset,
		"patients": ids[offset:end],
	})
}

func (h *HTTPHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q, limit, err := parseEventQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := h.ds.GetPatient(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrUnknownPatient) {
			http.Error(w, "patient not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to load patient")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	events, err := p.GetEvents(q)
	if err != nil {
		if errors.Is(err, patient.ErrUnknownAttribute) || errors.Is(err, patient.ErrFilterWithoutEventType) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("failed to query patient events")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	resp := models.PatientEvents{PatientID: id, Count: len(events), Events: make([]models.TimelineEvent, len(events))}
	for i, e := range events {
		resp.Events[i] = timelineEvent(e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseEventQuery reads event_type, start, end and repeated filter
// parameters, or a whole query in q such as "labs where value > 10 limit 5".
func parseEventQuery(r *http.Request) (patient.Query, int, error) {
	params := r.URL.Query()
	var (
		q     patient.Query
		limit int
		err   error
	)
	if raw := params.Get("q"); raw != "" {
		parsed, err := dsl.Parse(raw)
		if err != nil {
			return q, 0, err
		}
		q.EventType, q.Filters, limit = parsed.EventType, parsed.Filters, parsed.Limit
	}
	if et := params.Get("event_type"); et != "" {
		q.EventType = et
	}
	for _, expr := range params["filter"] {
		f, err := dsl.ParseFilter(expr)
		if err != nil {
			return q, 0, err
		}
		q.Filters = append(q.Filters, f)
	}
	if q.Start, err = timeParam(params.Get("start")); err != nil {
		return q, 0, fmt.Errorf("start: %w", err)
	}
	if q.End, err = timeParam(params.Get("end")); err != nil {
		return q, 0, fmt.Errorf("end: %w", err)
	}
	if limit, err = intParam(r, "limit", limit); err != nil {
		return q, 0, err
	}
	return q, limit, nil
}

func timeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func timelineEvent(e patient.Event) models.TimelineEvent {
	out := models.TimelineEvent{
		PatientID: e.PatientID,
		EventType: e.EventType,
		Timestamp: e.Timestamp,
	}
	if len(e.Attr) > 0 {
		out.Attributes = make(map[string]interface{}, len(e.Attr))
		for k, v := range e.Attr {
			out.Attributes[k] = v.Interface()
		}
	}
	return out
}

func (h *HTTPHandler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	h.invalidate(r.Context(), "http")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "invalidated", "dataset": h.ds.Name()})
}

func (h *HTTPHandler) invalidate(ctx context.Context, origin string) {
	h.ds.Invalidate()
	for _, inv := range h.invalidators {
		n, err := inv.Invalidate(ctx, h.ds.Name())
		if err != nil {
			logger.Log.WithError(err).Warn("failed to invalidate derived dataset state")
			continue
		}
		logger.Log.WithFields(map[string]interface{}{
			"dataset": h.ds.Name(),
			"keys":    n,
		}).Info("Invalidated derived dataset state")
	}
	if h.publisher == nil {
		return
	}
	err := h.publisher.PublishEvent(ctx, models.EventDatasetInvalidated, "ehrpipe.dataset", map[string]interface{}{
		"dataset": h.ds.Name(),
		"origin":  origin,
	})
	if err != nil {
		logger.Log.WithError(err).Warn("failed to publish invalidation event")
	}
}

// HandleRequest consumes dataset requests from the event bus. Requests for
// other datasets are ignored.
func (h *HTTPHandler) HandleRequest(ctx context.Context, event models.Event) error {
	if event.Type != models.RequestInvalidate {
		logger.Log.WithField("type", event.Type).Debug("ignoring dataset request")
		return nil
	}
	if name, _ := event.Data["dataset"].(string); name != "" && name != h.ds.Name() {
		return nil
	}
	h.invalidate(ctx, "kafka:"+event.ID)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
