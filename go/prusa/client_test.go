package prusa

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/printfarm/farmd/go/fleet"
)

func testTarget(srv *httptest.Server) Target {
	return Target{
		Name:   "P1",
		IP:     strings.TrimPrefix(srv.URL, "http://"),
		APIKey: "token",
	}
}

func TestFetchStatusAndCache(t *testing.T) {
	var calls atomic.Int32
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token", r.Header.Get("X-Api-Key"))
		require.Equal(t, "/api/v1/status", r.URL.Path)
		calls.Add(1)
		w.Write([]byte(`{"printer":{"state":"IDLE","temp_bed":24.5,"temp_nozzle":28.1,"axis_z":0.4}}`))
	}))
	defer srv.Close()

	var c = NewClient()
	defer c.Close()
	var target = testTarget(srv)

	var status = c.FetchStatus(context.Background(), target)
	require.NotNil(t, status)
	require.Equal(t, "IDLE", status.State)
	require.Equal(t, 24.5, status.TempBed)

	// Second read within the TTL is served from cache.
	c.FetchStatus(context.Background(), target)
	require.Equal(t, int32(1), calls.Load())
}

func TestObservePrintingIncludesJob(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/status":
			w.Write([]byte(`{"printer":{"state":"PRINTING","temp_bed":60,"temp_nozzle":215}}`))
		case "/api/v1/job":
			w.Write([]byte(`{"id":42,"progress":37.5,"time_remaining":1800,"file":{"display_name":"part.gcode"}}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	var c = NewClient()
	defer c.Close()

	var obs = c.Observe(context.Background(), testTarget(srv))
	require.NotNil(t, obs)
	require.Equal(t, fleet.StatePrinting, obs.State)
	require.Equal(t, 37.5, obs.Progress)
	require.Equal(t, 1800, obs.TimeRemaining)
	require.Equal(t, "part.gcode", obs.File)
	require.Equal(t, "42", obs.JobID)
}

func TestObserveNoActiveJob(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/status":
			w.Write([]byte(`{"printer":{"state":"PAUSED"}}`))
		case "/api/v1/job":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	var c = NewClient()
	defer c.Close()

	var obs = c.Observe(context.Background(), testTarget(srv))
	require.NotNil(t, obs)
	require.Equal(t, fleet.StatePaused, obs.State)
	require.Empty(t, obs.File)
}

func TestUploadAndStartConflictRecovery(t *testing.T) {
	var deleted atomic.Bool
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/files/usb/part.gcode", r.URL.Path)
		switch r.Method {
		case http.MethodPut:
			require.Equal(t, "?1", r.Header.Get("Print-After-Upload"))
			if !deleted.Load() {
				w.WriteHeader(http.StatusConflict)
				return
			}
			require.Equal(t, "?1", r.Header.Get("Overwrite"))
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			deleted.Store(true)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	var c = NewClient()
	defer c.Close()
	require.NoError(t, c.UploadAndStart(context.Background(), testTarget(srv), "part.gcode", []byte("G28\n")))
	require.True(t, deleted.Load())
}

func TestStartExistingBusyPrinterCountsAsStarted(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/files/usb/part.gcode":
			w.WriteHeader(http.StatusConflict)
		case r.URL.Path == "/api/v1/status":
			w.Write([]byte(`{"printer":{"state":"BUSY"}}`))
		}
	}))
	defer srv.Close()

	var c = NewClient()
	defer c.Close()
	require.NoError(t, c.StartExisting(context.Background(), testTarget(srv), "part.gcode"))
}

func TestJobCommandLegacyFallback(t *testing.T) {
	var legacy atomic.Bool
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/job":
			w.WriteHeader(http.StatusMethodNotAllowed)
		case "/api/job":
			legacy.Store(true)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	var c = NewClient()
	defer c.Close()
	require.NoError(t, c.Stop(context.Background(), testTarget(srv)))
	require.True(t, legacy.Load())
}

func TestDeleteMissingFileIsNotAnError(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var c = NewClient()
	defer c.Close()
	require.NoError(t, c.Delete(context.Background(), testTarget(srv), "gone.gcode"))
}

func TestObserveUnreachablePrinter(t *testing.T) {
	var srv = httptest.NewServer(http.NotFoundHandler())
	var addr = strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	var c = NewClient()
	defer c.Close()
	var obs = c.Observe(context.Background(), Target{Name: "P9", IP: addr})
	require.Nil(t, obs)
}

func TestStateMapping(t *testing.T) {
	require.Equal(t, fleet.StateIdle, mapState("IDLE"))
	require.Equal(t, fleet.StateIdle, mapState("OPERATIONAL"))
	require.Equal(t, fleet.StateFinished, mapState("FINISHED"))
	require.Equal(t, fleet.StatePrinting, mapState("PRINTING"))
	require.Equal(t, fleet.StatePrinting, mapState("BUSY"))
	require.Equal(t, fleet.StatePaused, mapState("PAUSED"))
	require.Equal(t, fleet.StateError, mapState("ATTENTION"))
	require.Equal(t, fleet.StateOffline, mapState("???"))
}
