package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/gastown/pkg/schema"
)

const (
	defaultNomadTimeout = 30 * time.Second
	defaultImage        = "gastown:latest"

	maxNomadResponse = 1 << 20 // 1MB
)

// NomadDispatcher registers docker batch jobs against Nomad's HTTP API.
type NomadDispatcher struct {
	addr        string
	image       string
	datacenters []string
	cpu         int
	memoryMB    int
	consulAddr  string
	httpClient  *http.Client
}

// NomadOption configures a NomadDispatcher.
type NomadOption func(*NomadDispatcher)

// WithImage overrides the worker container image.
func WithImage(image string) NomadOption {
	return func(d *NomadDispatcher) { d.image = image }
}

// WithDatacenters sets the Nomad datacenters jobs are eligible for.
func WithDatacenters(dcs ...string) NomadOption {
	return func(d *NomadDispatcher) { d.datacenters = dcs }
}

// WithResources sets per-job CPU (MHz) and memory (MB) limits.
func WithResources(cpu, memoryMB int) NomadOption {
	return func(d *NomadDispatcher) {
		d.cpu = cpu
		d.memoryMB = memoryMB
	}
}

// WithConsulAddr sets the discovery address handed to spawned workers.
func WithConsulAddr(addr string) NomadOption {
	return func(d *NomadDispatcher) { d.consulAddr = addr }
}

// WithNomadHTTPClient replaces the HTTP client.
func WithNomadHTTPClient(client *http.Client) NomadOption {
	return func(d *NomadDispatcher) { d.httpClient = client }
}

// NewNomadDispatcher creates a dispatcher against the given Nomad
// address, e.g. "http://localhost:4646".
func NewNomadDispatcher(addr string, opts ...NomadOption) *NomadDispatcher {
	d := &NomadDispatcher{
		addr:        addr,
		image:       defaultImage,
		datacenters: []string{"dc1"},
		cpu:         500,
		memoryMB:    1024,
		consulAddr:  os.Getenv("CONSUL_HTTP_ADDR"),
		httpClient:  &http.Client{Timeout: defaultNomadTimeout},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Payload types mirror the subset of Nomad's job registration API the
// dispatcher emits.

type nomadRegisterRequest struct {
	Job nomadJob `json:"Job"`
}

type nomadJob struct {
	ID          string           `json:"ID"`
	Name        string           `json:"Name"`
	Type        string           `json:"Type"`
	Datacenters []string         `json:"Datacenters"`
	TaskGroups  []nomadTaskGroup `json:"TaskGroups"`
}

type nomadTaskGroup struct {
	Name  string      `json:"Name"`
	Tasks []nomadTask `json:"Tasks"`
}

type nomadTask struct {
	Name      string            `json:"Name"`
	Driver    string            `json:"Driver"`
	Config    nomadDockerConfig `json:"Config"`
	Env       map[string]string `json:"Env"`
	Resources nomadResources    `json:"Resources"`
}

type nomadDockerConfig struct {
	Image   string   `json:"image"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type nomadResources struct {
	CPU      int `json:"CPU"`
	MemoryMB int `json:"MemoryMB"`
}

func (d *NomadDispatcher) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.TaskID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "dispatch spec has empty task id")
	}
	if spec.AgentType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "dispatch spec has empty agent type")
	}

	jobID := fmt.Sprintf("swarm-%s-%s-%s", spec.AgentType, spec.TaskID, uuid.NewString()[:8])

	env := map[string]string{
		"WORKER_TASK_ID":     spec.TaskID,
		"WORKER_PROMPT":      spec.Prompt,
		"WORKER_CONTEXT":     spec.Context,
		"GASTOWN_AGENT_TYPE": string(spec.AgentType),
	}
	if d.consulAddr != "" {
		env["CONSUL_HTTP_ADDR"] = d.consulAddr
	}
	for k, v := range spec.Env {
		env[k] = v
	}

	payload := nomadRegisterRequest{
		Job: nomadJob{
			ID:          jobID,
			Name:        jobID,
			Type:        "batch",
			Datacenters: d.datacenters,
			TaskGroups: []nomadTaskGroup{{
				Name: "worker-group",
				Tasks: []nomadTask{{
					Name:   "worker-agent",
					Driver: "docker",
					Config: nomadDockerConfig{
						Image:   d.image,
						Command: "gastown",
						Args:    []string{string(spec.AgentType)},
					},
					Env:       env,
					Resources: nomadResources{CPU: d.cpu, MemoryMB: d.memoryMB},
				}},
			}},
		},
	}

	if err := d.do(ctx, http.MethodPost, "/v1/job/"+jobID, payload, nil); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch,
			"failed to dispatch %s job for task %s: %s", spec.AgentType, spec.TaskID, err).
			WithTask(spec.TaskID).WithCause(err)
	}

	return &Handle{JobID: jobID, TaskID: spec.TaskID, AgentType: spec.AgentType}, nil
}

// jobSummary is Nomad's per-group allocation count response.
type jobSummary struct {
	Summary map[string]struct {
		Queued   int `json:"Queued"`
		Starting int `json:"Starting"`
		Running  int `json:"Running"`
		Complete int `json:"Complete"`
		Failed   int `json:"Failed"`
		Lost     int `json:"Lost"`
	} `json:"Summary"`
}

func (d *NomadDispatcher) Status(ctx context.Context, jobID string) (JobStatus, error) {
	if jobID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "job id is empty")
	}

	var summary jobSummary
	if err := d.do(ctx, http.MethodGet, "/v1/job/"+jobID+"/summary", nil, &summary); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeDispatch, "failed to query job %s: %s", jobID, err).WithCause(err)
	}

	var running, complete, failed int
	for _, g := range summary.Summary {
		running += g.Running
		complete += g.Complete
		failed += g.Failed + g.Lost
	}

	switch {
	case failed > 0:
		return StatusFailed, nil
	case running > 0:
		return StatusRunning, nil
	case complete > 0:
		return StatusComplete, nil
	default:
		return StatusPending, nil
	}
}

func (d *NomadDispatcher) Purge(ctx context.Context, jobID string) error {
	if jobID == "" {
		return schema.NewError(schema.ErrCodeValidation, "job id is empty")
	}
	if err := d.do(ctx, http.MethodDelete, "/v1/job/"+jobID+"?purge=true", nil, nil); err != nil {
		return schema.NewErrorf(schema.ErrCodeDispatch, "failed to purge job %s: %s", jobID, err).WithCause(err)
	}
	return nil
}

func (d *NomadDispatcher) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.addr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxNomadResponse))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nomad returned status %d: %s", resp.StatusCode, string(raw))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
