package dataset

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/ehrpipe/pkg/common/models"
)

type publishedEvent struct {
	eventType string
	data      map[string]interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, eventType, _ string, data map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{eventType, data})
	return nil
}

type countingInvalidator struct {
	datasets []string
}

func (c *countingInvalidator) Invalidate(_ context.Context, dataset string) (int, error) {
	c.datasets = append(c.datasets, dataset)
	return 1, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *HTTPHandler, *recordingPublisher) {
	t.Helper()
	ds, _ := admissionsDataset(t)
	pub := &recordingPublisher{}
	h := NewHTTPHandler(ds, pub)
	router := mux.NewRouter()
	h.Register(router.PathPrefix("/api/v1").Subrouter())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, h, pub
}

func getJSON(t *testing.T, rawURL string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHTTPStats(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var stats models.DatasetStats
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/stats", &stats))
	require.Equal(t, "toy", stats.Dataset)
	require.Equal(t, 2, stats.Patients)
	require.Equal(t, 7, stats.Events)
	require.Equal(t, map[string]int{"admissions": 3, "diagnoses": 4}, stats.Tables)
}

func TestHTTPPatientsPaging(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var page struct {
		Total    int      `json:"total"`
		Offset   int      `json:"offset"`
		Patients []string `json:"patients"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/patients", &page))
	require.Equal(t, 2, page.Total)
	require.Equal(t, []string{"p1", "p2"}, page.Patients)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/patients?offset=1&limit=5", &page))
	require.Equal(t, []string{"p2"}, page.Patients)

	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/patients?limit=-1", nil))
}

func TestHTTPPatientEvents(t *testing.T) {
	srv, _, _ := newTestServer(t)
	base := srv.URL + "/api/v1/patients/p1/events"

	var all models.PatientEvents
	require.Equal(t, http.StatusOK, getJSON(t, base, &all))
	require.Equal(t, "p1", all.PatientID)
	require.Equal(t, 5, all.Count)

	params := url.Values{}
	params.Set("event_type", "diagnoses")
	params.Add("filter", "hadm_id == 100")
	var filtered models.PatientEvents
	require.Equal(t, http.StatusOK, getJSON(t, base+"?"+params.Encode(), &filtered))
	require.Equal(t, 2, filtered.Count)
	require.Equal(t, "I10", filtered.Events[0].Attributes["icd_code"])

	params = url.Values{}
	params.Set("q", "diagnoses where hadm_id = 100 limit 1")
	var limited models.PatientEvents
	require.Equal(t, http.StatusOK, getJSON(t, base+"?"+params.Encode(), &limited))
	require.Equal(t, 1, limited.Count)

	params = url.Values{}
	params.Set("start", "2020-01-15")
	var later models.PatientEvents
	require.Equal(t, http.StatusOK, getJSON(t, base+"?"+params.Encode(), &later))
	require.Equal(t, 2, later.Count)
	for _, e := range later.Events {
		require.Equal(t, 2020, e.Timestamp.Year())
		require.Equal(t, 2, int(e.Timestamp.Month()))
	}
}

func TestHTTPPatientEventErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/v1/patients/p9/events", nil))

	params := url.Values{}
	params.Add("filter", "hadm_id == 100")
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/patients/p1/events?"+params.Encode(), nil))

	params = url.Values{}
	params.Set("event_type", "diagnoses")
	params.Add("filter", "ward == 3")
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/patients/p1/events?"+params.Encode(), nil))

	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/patients/p1/events?start=not-a-date", nil))
}

func TestHTTPInvalidatePublishes(t *testing.T) {
	srv, h, pub := newTestServer(t)
	ctx := context.Background()
	before, err := h.ds.CollectedEvents(ctx)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/v1/invalidate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	after, err := h.ds.CollectedEvents(ctx)
	require.NoError(t, err)
	require.NotSame(t, before, after)
	require.Len(t, pub.events, 1)
	require.Equal(t, models.EventDatasetInvalidated, pub.events[0].eventType)
	require.Equal(t, "toy", pub.events[0].data["dataset"])
}

func TestHandleRequest(t *testing.T) {
	ds, _ := admissionsDataset(t)
	pub := &recordingPublisher{}
	inv := &countingInvalidator{}
	h := NewHTTPHandler(ds, pub, inv)
	ctx := context.Background()

	require.NoError(t, h.HandleRequest(ctx, models.Event{ID: "e1", Type: "something.else"}))
	require.NoError(t, h.HandleRequest(ctx, models.Event{ID: "e2", Type: models.RequestInvalidate,
		Data: map[string]interface{}{"dataset": "other"}}))
	require.Empty(t, pub.events)

	require.NoError(t, h.HandleRequest(ctx, models.Event{ID: "e3", Type: models.RequestInvalidate,
		Data: map[string]interface{}{"dataset": "toy"}}))
	require.Len(t, pub.events, 1)
	require.Equal(t, "kafka:e3", pub.events[0].data["origin"])
	require.Equal(t, []string{"toy"}, inv.datasets)
}
