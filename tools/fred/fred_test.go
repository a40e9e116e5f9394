package fred

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/finagent/tools"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "k" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error_message":"Bad Request. The value for variable api_key is not registered."}`))
			return
		}
		assert.Equal(t, "/series/observations", r.URL.Path)
		assert.Equal(t, "DGS10", r.URL.Query().Get("series_id"))
		assert.Equal(t, "desc", r.URL.Query().Get("sort_order"))
		_, _ = w.Write([]byte(`{"observations":[{"date":"2026-10-16","value":"."},{"date":"2026-10-15","value":"4.12"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestObservations_ParsesMissingValues(t *testing.T) {
	srv := newTestServer(t)
	c := New("k", WithBaseURL(srv.URL))

	series, err := c.Observations(context.Background(), "dgs10", 2, "")
	require.NoError(t, err)
	require.Len(t, series.Observations, 2)
	assert.Nil(t, series.Observations[0].Value)
	require.NotNil(t, series.Latest)
	assert.Equal(t, "2026-10-15", series.Latest.Date)
	assert.InDelta(t, 4.12, *series.Latest.Value, 1e-9)
}

func TestObservations_SurfacesAPIError(t *testing.T) {
	srv := newTestServer(t)
	c := New("wrong", WithBaseURL(srv.URL))

	_, err := c.Observations(context.Background(), "DGS10", 1, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key is not registered")
}

func TestTool_ThroughRegistry(t *testing.T) {
	srv := newTestServer(t)
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(New("k", WithBaseURL(srv.URL)).Tool()))

	res, err := reg.Invoke(context.Background(), ToolName, json.RawMessage(`{"series_id":"DGS10","limit":2}`))
	require.NoError(t, err)
	series, ok := res.Output.(Series)
	require.True(t, ok)
	assert.Equal(t, "DGS10", series.SeriesID)

	_, err = reg.Invoke(context.Background(), ToolName, json.RawMessage(`{"limit":2}`))
	assert.Error(t, err)
}

func TestObservations_RequiresAPIKey(t *testing.T) {
	_, err := New("").Observations(context.Background(), "DGS10", 1, "")
	assert.ErrorContains(t, err, "api key")
}
