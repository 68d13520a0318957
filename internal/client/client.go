// Package client finds, starts and talks to the kiln daemon.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/kiln/internal/api"
	"github.com/mattjoyce/kiln/internal/auth"
	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/daemon/exec"
	"github.com/mattjoyce/kiln/internal/events"
	"github.com/mattjoyce/kiln/internal/lock"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/protocol"
)

var (
	// ErrNoDaemon means no usable daemon is registered for the configuration.
	ErrNoDaemon = errors.New("no compatible daemon running")
	// ErrBusy means the daemon is already running another build.
	ErrBusy = errors.New("daemon is busy with another build")
)

const maxEventBytes = 4 * 1024 * 1024

// Client talks to one running daemon.
type Client struct {
	Registry lock.Registry
	base     string
	http     *http.Client
}

// New returns a client for the daemon described by reg.
func New(reg lock.Registry) *Client {
	return &Client{
		Registry: reg,
		base:     "http://" + reg.Addr,
		http:     &http.Client{},
	}
}

// Connect returns a client for the daemon registered in cfg's daemon
// directory. It fails with ErrNoDaemon when none is registered, when the
// registered one no longer answers, or when it was started with settings
// that differ from cfg.
func Connect(ctx context.Context, cfg *config.Config) (*Client, error) {
	reg, err := lock.ReadRegistry(cfg.Daemon.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDaemon, err)
	}
	want, err := config.Fingerprint(cfg)
	if err != nil {
		return nil, err
	}
	if reg.Fingerprint != want {
		return nil, fmt.Errorf("%w: daemon pid %d runs with a different configuration", ErrNoDaemon, reg.PID)
	}

	c := New(*reg)
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	health, err := c.Healthz(hctx)
	if err != nil {
		return nil, fmt.Errorf("%w: daemon pid %d not answering: %v", ErrNoDaemon, reg.PID, err)
	}
	if health.PID != reg.PID {
		return nil, fmt.Errorf("%w: stale registry for pid %d", ErrNoDaemon, reg.PID)
	}
	return c, nil
}

// Healthz checks that the daemon is up. It needs no token.
func (c *Client) Healthz(ctx context.Context) (api.HealthzResponse, error) {
	var out api.HealthzResponse
	err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// Status describes the daemon.
func (c *Client) Status(ctx context.Context) (exec.StatusReport, error) {
	var out exec.StatusReport
	err := c.doJSON(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Stop asks the daemon to shut down.
func (c *Client) Stop(ctx context.Context) error {
	var out map[string]string
	return c.doJSON(ctx, http.MethodPost, "/stop", nil, &out)
}

// Build runs a build and waits for its result. onOutput, when set, sees
// every output event the daemon relays while the build runs. A build with
// failing tests is not an error; check BuildResult.Succeeded.
func (c *Client) Build(ctx context.Context, req protocol.BuildRequest, onOutput func(log.OutputEvent)) (protocol.BuildResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.BuildResult{}, fmt.Errorf("encode build request: %w", err)
	}
	resp, err := c.send(ctx, http.MethodPost, "/build", body)
	if err != nil {
		return protocol.BuildResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return protocol.BuildResult{}, responseError(resp)
	}

	var (
		result   protocol.BuildResult
		finished bool
		failure  error
	)
	err = readStream(resp.Body, func(ev events.Event) bool {
		switch ev.Type {
		case api.EventOutput:
			var out log.OutputEvent
			if err := json.Unmarshal(ev.Data, &out); err != nil {
				failure = fmt.Errorf("decode output event: %w", err)
				return false
			}
			if onOutput != nil {
				onOutput(out)
			}
		case api.EventResult:
			if err := json.Unmarshal(ev.Data, &result); err != nil {
				failure = fmt.Errorf("decode build result: %w", err)
				return false
			}
			finished = true
			return false
		case api.EventFailure:
			var f exec.Failure
			if err := json.Unmarshal(ev.Data, &f); err != nil {
				failure = fmt.Errorf("decode build failure: %w", err)
			} else {
				failure = fmt.Errorf("build failed: %s", f.Message)
			}
			return false
		}
		return true
	})
	switch {
	case failure != nil:
		return protocol.BuildResult{}, failure
	case finished:
		return result, nil
	case err != nil:
		return protocol.BuildResult{}, fmt.Errorf("read build stream: %w", err)
	default:
		return protocol.BuildResult{}, errors.New("daemon closed the build stream without a result")
	}
}

// Watch streams daemon lifecycle events newer than lastID to fn until ctx
// is cancelled or the daemon goes away.
func (c *Client) Watch(ctx context.Context, lastID int64, fn func(events.Event)) error {
	req, err := c.request(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("watch events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	err = readStream(resp.Body, func(ev events.Event) bool {
		fn(ev)
		return true
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := c.request(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) request(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.SetBearerToken(req, c.Registry.Token)
	return req, nil
}

func responseError(resp *http.Response) error {
	var e api.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrBusy, e.Error)
	}
	return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, e.Error)
}

// readStream feeds each server-sent event to fn until fn returns false or
// the stream ends.
func readStream(r io.Reader, fn func(events.Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var current events.Event
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				current.Data = []byte(data.String())
				if !fn(current) {
					return nil
				}
			}
			current = events.Event{}
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return scanner.Err()
}
