// Package prusa is the pull-side printer driver: it polls a printer's
// local HTTP API for status and job detail, and pushes files to its USB
// storage to start prints and ejection sequences.
package prusa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/printfarm/farmd/go/fleet"
)

const (
	apiTimeout   = 15 * time.Second
	maxRetries   = 2
	retryInitial = time.Second
	cacheTTL     = 10 * time.Second
)

// Target addresses one printer.
type Target struct {
	Name   string
	IP     string
	APIKey string
}

// Status is the printer-level reading from /api/v1/status.
type Status struct {
	State      string
	TempBed    float64
	TempNozzle float64
	AxisZ      float64
}

// Job is the active-job reading from /api/v1/job.
type Job struct {
	ID            string
	Progress      float64
	TimeRemaining int
	File          string
}

// Client talks to Prusa-class printers. One Client serves the whole
// fleet; connections are pooled per host and status readings are cached
// briefly so bursts of lookups within a tick hit the network once.
type Client struct {
	http  *http.Client
	cache *lru.LRU[string, Status]
}

// NewClient builds a Client with a pooled transport.
func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Timeout: apiTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cache: lru.NewLRU[string, Status](256, nil, cacheTTL),
	}
}

// Close releases pooled connections.
func (c *Client) Close() { c.http.CloseIdleConnections() }

// mapState converts the printer's reported state word into the canonical
// state.
func mapState(s string) fleet.State {
	switch s {
	case "IDLE", "OPERATIONAL":
		return fleet.StateIdle
	case "FINISHED":
		return fleet.StateFinished
	case "PRINTING", "BUSY":
		return fleet.StatePrinting
	case "PAUSED":
		return fleet.StatePaused
	case "ERROR", "ATTENTION":
		return fleet.StateError
	default:
		return fleet.StateOffline
	}
}

// FetchStatus reads /api/v1/status, consulting the short-lived cache
// first. Returns nil when the printer is unreachable.
func (c *Client) FetchStatus(ctx context.Context, t Target) *Status {
	if cached, ok := c.cache.Get(t.Name); ok {
		return &cached
	}

	var body struct {
		Printer struct {
			State      string  `json:"state"`
			TempBed    float64 `json:"temp_bed"`
			TempNozzle float64 `json:"temp_nozzle"`
			AxisZ      float64 `json:"axis_z"`
		} `json:"printer"`
	}
	if err := c.getJSON(ctx, t, "/api/v1/status", &body); err != nil {
		log.WithFields(log.Fields{"printer": t.Name, "error": err}).Debug("status fetch failed")
		return nil
	}
	var status = Status{
		State:      body.Printer.State,
		TempBed:    body.Printer.TempBed,
		TempNozzle: body.Printer.TempNozzle,
		AxisZ:      body.Printer.AxisZ,
	}
	c.cache.Add(t.Name, status)
	return &status
}

// FetchJob reads /api/v1/job. Only meaningful while the printer reports
// PRINTING or PAUSED; a 404 (no active job) returns nil without error.
func (c *Client) FetchJob(ctx context.Context, t Target) *Job {
	var body struct {
		ID            json.Number `json:"id"`
		Progress      float64     `json:"progress"`
		TimeRemaining int         `json:"time_remaining"`
		File          struct {
			DisplayName string `json:"display_name"`
		} `json:"file"`
	}
	if err := c.getJSON(ctx, t, "/api/v1/job", &body); err != nil {
		return nil
	}
	return &Job{
		ID:            body.ID.String(),
		Progress:      body.Progress,
		TimeRemaining: body.TimeRemaining,
		File:          body.File.DisplayName,
	}
}

// Observe produces a merged observation for the reconciler: the status
// reading mapped to canonical state, plus job detail when printing.
func (c *Client) Observe(ctx context.Context, t Target) *fleet.Observation {
	var status = c.FetchStatus(ctx, t)
	if status == nil {
		return nil
	}
	var obs = &fleet.Observation{
		State:      mapState(status.State),
		TempBed:    status.TempBed,
		TempNozzle: status.TempNozzle,
		ZHeight:    status.AxisZ,
	}
	if obs.State == fleet.StatePrinting || obs.State == fleet.StatePaused {
		if job := c.FetchJob(ctx, t); job != nil {
			obs.Progress = job.Progress
			obs.TimeRemaining = job.TimeRemaining
			obs.File = job.File
			obs.JobID = job.ID
		}
	}
	return obs
}

// VerifyPrinting re-polls the printer for start verification, bypassing
// the cache, and reports the mapped state plus the active job's file.
func (c *Client) VerifyPrinting(ctx context.Context, t Target) (fleet.State, string, bool) {
	c.cache.Remove(t.Name)
	var status = c.FetchStatus(ctx, t)
	if status == nil {
		return fleet.StateOffline, "", false
	}
	var state = mapState(status.State)
	var file string
	if state == fleet.StatePrinting || state == fleet.StatePaused {
		if job := c.FetchJob(ctx, t); job != nil {
			file = job.File
		}
	}
	return state, file, true
}

// UploadAndStart puts content on the printer's USB storage and starts it.
// A 409 means the file already exists: delete it and retry once with the
// overwrite header.
func (c *Client) UploadAndStart(ctx context.Context, t Target, filename string, content []byte) error {
	var path = "/api/v1/files/usb/" + filename

	status, err := c.put(ctx, t, path, content, false)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		log.WithFields(log.Fields{"printer": t.Name, "file": filename}).Info("upload conflict, deleting and retrying")
		c.Delete(ctx, t, filename)
		status, err = c.put(ctx, t, path, content, true)
		if err != nil {
			return err
		}
	}
	if status != http.StatusCreated {
		return fmt.Errorf("upload of %s to %s: unexpected status %d", filename, t.Name, status)
	}
	return nil
}

// StartExisting starts a file already present on USB storage. A 409 is
// resolved by polling status: an already-busy printer counts as success.
func (c *Client) StartExisting(ctx context.Context, t Target, filename string) error {
	status, err := c.do(ctx, t, http.MethodPost, "/api/v1/files/usb/"+filename, nil, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent, http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		c.cache.Remove(t.Name)
		if s := c.FetchStatus(ctx, t); s != nil {
			if mapped := mapState(s.State); mapped == fleet.StatePrinting {
				return nil
			}
		}
		return fmt.Errorf("start of %s on %s: printer busy with another job", filename, t.Name)
	default:
		return fmt.Errorf("start of %s on %s: unexpected status %d", filename, t.Name, status)
	}
}

// Delete removes a file from USB storage. Missing files are not an error.
func (c *Client) Delete(ctx context.Context, t Target, filename string) error {
	status, err := c.do(ctx, t, http.MethodDelete, "/api/v1/files/usb/"+filename, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusNotFound {
		return fmt.Errorf("delete of %s on %s: unexpected status %d", filename, t.Name, status)
	}
	return nil
}

// SendEjection uploads an ejection G-code file with print-after-upload,
// so the sequence runs as a short print job.
func (c *Client) SendEjection(ctx context.Context, t Target, filename, gcode string) error {
	c.Delete(ctx, t, filename)
	status, err := c.put(ctx, t, "/api/v1/files/usb/"+filename, []byte(gcode), true)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("ejection upload to %s: unexpected status %d", t.Name, status)
	}
	return nil
}

// Stop cancels the active job. Pause and Resume follow the same shape.
func (c *Client) Stop(ctx context.Context, t Target) error   { return c.jobCommand(ctx, t, "cancel") }
func (c *Client) Pause(ctx context.Context, t Target) error  { return c.jobCommand(ctx, t, "pause") }
func (c *Client) Resume(ctx context.Context, t Target) error { return c.jobCommand(ctx, t, "resume") }

// jobCommand posts a job command, falling back to the legacy endpoint on
// firmwares that do not accept it at /api/v1/job.
func (c *Client) jobCommand(ctx context.Context, t Target, command string) error {
	var body, _ = json.Marshal(map[string]string{"command": command})

	status, err := c.do(ctx, t, http.MethodPost, "/api/v1/job", body, map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotFound {
		status, err = c.do(ctx, t, http.MethodPost, "/api/job", body, map[string]string{"Content-Type": "application/json"})
		if err != nil {
			return err
		}
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%s on %s: unexpected status %d", command, t.Name, status)
	}
	c.cache.Remove(t.Name)
	return nil
}

// errNoContent marks a valid "nothing here" response; it is not retried.
var errNoContent = fmt.Errorf("no content")

func (c *Client) getJSON(ctx context.Context, t Target, path string, into interface{}) error {
	return c.withRetry(ctx, t, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+t.IP+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Api-Key", t.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
			return errNoContent
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(into)
	})
}

func (c *Client) put(ctx context.Context, t Target, path string, content []byte, overwrite bool) (int, error) {
	var headers = map[string]string{
		"Content-Type":       "application/octet-stream",
		"Print-After-Upload": "?1",
	}
	if overwrite {
		headers["Overwrite"] = "?1"
	}
	return c.do(ctx, t, http.MethodPut, path, content, headers)
}

// do issues one request with the driver's bounded retry. Responses with
// any HTTP status are returned to the caller; only transport errors retry.
func (c *Client) do(ctx context.Context, t Target, method, path string, body []byte, headers map[string]string) (int, error) {
	var status int
	var err = c.withRetry(ctx, t, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, "http://"+t.IP+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Api-Key", t.APIKey)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		status = resp.StatusCode
		return nil
	})
	return status, err
}

// withRetry runs fn with exponential backoff: two retries starting at one
// second.
func (c *Client) withRetry(ctx context.Context, t Target, fn func() error) error {
	var backoff = retryInitial
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if err = fn(); err == nil {
			return nil
		} else if err == errNoContent {
			return err
		}
		log.WithFields(log.Fields{
			"printer": t.Name,
			"attempt": attempt + 1,
			"error":   err,
		}).Debug("printer request failed")
	}
	return err
}
