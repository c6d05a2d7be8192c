package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/astrolab/finkstream/distribution"
	"github.com/astrolab/finkstream/record"
	"github.com/astrolab/finkstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (f fakeCounter) CountByStatus(context.Context) (map[string]int64, error) {
	return f.counts, f.err
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	router := NewRouter(NewAdminHandlers(Sources{
		Service: "distribute",
		Engine:  func() distribution.Status { return distribution.Status{Phase: "sleeping"} },
		Store:   fakeCounter{counts: map[string]int64{string(record.StatusNew): 3}},
	}))

	code, body := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, true, data["healthy"])
	assert.Equal(t, "sleeping", data["phase"])
}

func TestHealthUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		sources Sources
	}{
		{"store down", Sources{Store: fakeCounter{err: errors.New("database is locked")}}},
		{"engine terminated", Sources{Engine: func() distribution.Status {
			return distribution.Status{Phase: distribution.PhaseTerminated.String()}
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get(t, NewRouter(NewAdminHandlers(tt.sources)), "/health")
			assert.Equal(t, http.StatusServiceUnavailable, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestStatus(t *testing.T) {
	router := NewRouter(NewAdminHandlers(Sources{
		Service: "raw2science",
		Engine: func() distribution.Status {
			return distribution.Status{Name: "distribution", Phase: "idle", Watermark: 2000, Cycles: 4}
		},
		Jobs: func() []stream.JobState {
			return []stream.JobState{{Name: "raw2science", Role: "primary", Running: true}}
		},
		Store: fakeCounter{counts: map[string]int64{string(record.StatusNew): 3, string(record.StatusDistributed): 7}},
	}))

	code, body := get(t, router, "/status")
	require.Equal(t, http.StatusOK, code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "raw2science", data["service"])

	engine := data["distribution"].(map[string]interface{})
	assert.Equal(t, float64(2000), engine["watermark"])

	jobs := data["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "primary", jobs[0].(map[string]interface{})["role"])

	records := data["records"].(map[string]interface{})
	assert.Equal(t, float64(7), records["distributed"])
}

func TestStatusOmitsMissingSources(t *testing.T) {
	code, body := get(t, NewRouter(NewAdminHandlers(Sources{Service: "distribute"})), "/status")
	require.Equal(t, http.StatusOK, code)

	data := body["data"].(map[string]interface{})
	assert.NotContains(t, data, "distribution")
	assert.NotContains(t, data, "jobs")
	assert.NotContains(t, data, "records")
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "fink_stream_distribution_cycles_total 1\n")
	})

	rec := httptest.NewRecorder()
	NewRouter(NewAdminHandlers(Sources{Metrics: metrics})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cycles_total")

	rec = httptest.NewRecorder()
	NewRouter(NewAdminHandlers(Sources{})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	NewMetricsRouter(metrics).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerLifecycle(t *testing.T) {
	srv := NewServer("admin", "127.0.0.1", 0, NewRouter(NewAdminHandlers(Sources{Service: "test"})))
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}

func TestServerBindFailure(t *testing.T) {
	first := NewServer("a", "127.0.0.1", 0, http.NotFoundHandler())
	require.NoError(t, first.Start())
	defer first.Stop(context.Background())

	_, port, err := splitPort(first.Addr())
	require.NoError(t, err)

	second := NewServer("b", "127.0.0.1", port, http.NotFoundHandler())
	assert.Error(t, second.Start())
}

func splitPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	return host, port, err
}
