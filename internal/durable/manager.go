package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
}

// New dials the Temporal server and registers the dispatch workflow and its
// activities on a worker.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(DispatchWorkflow)
	w.RegisterActivity(acts.CallProvider)
	w.RegisterActivity(acts.ClassifyFailure)
	w.RegisterActivity(acts.RecordOutcome)

	return &Manager{client: c, worker: w, cfg: cfg}, nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// Dispatch starts a DispatchWorkflow and blocks for its result.
func (m *Manager) Dispatch(ctx context.Context, input DispatchInput) (DispatchOutput, error) {
	id := input.RunID
	if id == "" {
		id = uuid.NewString()
	}
	run, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "dispatch-" + id,
		TaskQueue: m.cfg.TaskQueue,
	}, DispatchWorkflow, input)
	if err != nil {
		return DispatchOutput{}, fmt.Errorf("start dispatch workflow: %w", err)
	}
	var out DispatchOutput
	if err := run.Get(ctx, &out); err != nil {
		return DispatchOutput{}, err
	}
	return out, nil
}

// DispatchInfo summarizes one dispatch workflow execution.
type DispatchInfo struct {
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	CloseTime  time.Time `json:"close_time,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// ListDispatches queries Temporal visibility for recent dispatch workflow
// executions, optionally filtered by execution status (e.g. "Running",
// "Failed"). Newest first, capped at 200.
func (m *Manager) ListDispatches(ctx context.Context, limit int, status string) ([]DispatchInfo, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := "WorkflowType = 'DispatchWorkflow'"
	if status != "" {
		query += " AND ExecutionStatus = '" + status + "'"
	}
	resp, err := m.client.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
		PageSize: int32(limit),
		Query:    query,
	})
	if err != nil {
		return nil, fmt.Errorf("list dispatch workflows: %w", err)
	}

	out := make([]DispatchInfo, 0, len(resp.Executions))
	for _, exec := range resp.Executions {
		info := DispatchInfo{
			WorkflowID: exec.Execution.WorkflowId,
			RunID:      exec.Execution.RunId,
			Status:     exec.Status.String(),
			StartTime:  exec.StartTime.AsTime(),
		}
		if exec.Status != enums.WORKFLOW_EXECUTION_STATUS_RUNNING && exec.CloseTime != nil {
			info.CloseTime = exec.CloseTime.AsTime()
			info.DurationMs = info.CloseTime.Sub(info.StartTime).Milliseconds()
		}
		out = append(out, info)
	}
	return out, nil
}

// TaskQueue returns the configured task queue name.
func (m *Manager) TaskQueue() string {
	return m.cfg.TaskQueue
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
