// Package dispatch implements the Worker Dispatch Bridge (spec §4.K): six
// MCP tools, exposed to the agent SDK as an in-process server named
// "<member>-dispatch", that operate on the Worker Job Store (H) and
// forward the job-starting and job-stopping calls on to the owning
// plugin's own worker/* JSON-RPC methods.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kandev/guildhall/internal/jobstore"
	"github.com/kandev/guildhall/internal/mcprpc"
)

const forwardTimeout = 30 * time.Second

// ContractError carries a JSON-RPC error code for a tool contract
// violation (spec §4.K: "-32602 for contract violations").
type ContractError struct {
	Code    int
	Message string
}

func (e *ContractError) Error() string { return e.Message }

func invalidParams(format string, args ...any) error {
	return &ContractError{Code: -32602, Message: fmt.Sprintf(format, args...)}
}

// URLResolver returns the plugin's current bound MCP URL, or ok=false if
// the plugin is not currently connected.
type URLResolver func() (url string, ok bool)

// Bridge backs the six dispatch tools for one Guild Member.
type Bridge struct {
	memberName string
	store      *jobstore.Store
	resolveURL URLResolver
	onCancel   func(jobID string)
}

// New creates a Bridge for memberName, backed by store. onCancel, if
// non-nil, is invoked when a job transitions to cancelled so the owning
// Agent Session Manager can abort whatever query spawned it (spec §4.I).
func New(memberName string, store *jobstore.Store, resolveURL URLResolver, onCancel func(jobID string)) *Bridge {
	return &Bridge{memberName: memberName, store: store, resolveURL: resolveURL, onCancel: onCancel}
}

// MCPServer builds the "<member>-dispatch" in-process MCP server and
// registers all six tools on it.
func (b *Bridge) MCPServer() *server.MCPServer {
	s := server.NewMCPServer(b.memberName+"-dispatch", "1.0.0")

	s.AddTool(
		mcp.NewTool("dispatch",
			mcp.WithDescription("Start a background research job for this guild member."),
			mcp.WithString("description", mcp.Required(), mcp.Description("Short label for the job")),
			mcp.WithString("task", mcp.Required(), mcp.Description("Full task instructions for the worker")),
			mcp.WithString("config", mcp.Description("JSON-encoded configuration object for the worker (optional)")),
		),
		b.handleDispatch,
	)
	s.AddTool(
		mcp.NewTool("list",
			mcp.WithDescription("List this member's worker jobs."),
			mcp.WithString("filter", mcp.Description("Glob pattern matched against job description")),
			mcp.WithBoolean("detail", mcp.Description("Include each job's current summary")),
		),
		b.handleList,
	)
	s.AddTool(
		mcp.NewTool("status",
			mcp.WithDescription("Get full status for one worker job."),
			mcp.WithString("jobId", mcp.Required()),
		),
		b.handleStatus,
	)
	s.AddTool(
		mcp.NewTool("result",
			mcp.WithDescription("Fetch a completed worker job's result."),
			mcp.WithString("jobId", mcp.Required()),
		),
		b.handleResult,
	)
	s.AddTool(
		mcp.NewTool("cancel",
			mcp.WithDescription("Cancel a worker job."),
			mcp.WithString("jobId", mcp.Required()),
		),
		b.handleCancel,
	)
	s.AddTool(
		mcp.NewTool("delete",
			mcp.WithDescription("Delete a worker job. Rejected while running or failed."),
			mcp.WithString("jobId", mcp.Required()),
		),
		b.handleDelete,
	)
	return s
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func (b *Bridge) forward(ctx context.Context, method string, params map[string]any) {
	url, ok := b.resolveURL()
	if !ok {
		return
	}
	client := mcprpc.New(url)
	_, _ = client.Request(ctx, method, params, forwardTimeout)
}

func (b *Bridge) handleDispatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	description := stringArg(args, "description")
	task := stringArg(args, "task")
	if description == "" {
		return nil, invalidParams("description is required")
	}
	if task == "" {
		return nil, invalidParams("task is required")
	}

	var config map[string]any
	if raw := stringArg(args, "config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &config); err != nil {
			return nil, invalidParams("config must be a JSON object: %v", err)
		}
	}

	jobID, err := b.store.CreateJob(description, task, config)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	b.forward(ctx, "worker/dispatch", map[string]any{
		"jobId": jobID, "description": description, "task": task, "config": config,
	})
	return mcp.NewToolResultText(fmt.Sprintf(`{"jobId":%q}`, jobID)), nil
}

func (b *Bridge) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	filter := stringArg(args, "filter")
	detail, _ := args["detail"].(bool)

	jobs, err := b.store.List()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	type jobView struct {
		jobstore.Meta
		Summary *string `json:"summary,omitempty"`
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		if filter != "" {
			if matched, _ := filepath.Match(filter, j.Description); !matched {
				continue
			}
		}
		v := jobView{Meta: j}
		if detail {
			if summary, err := b.store.ReadSummary(j.ID); err == nil {
				v.Summary = summary
			}
		}
		views = append(views, v)
	}

	data, err := json.Marshal(views)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (b *Bridge) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := stringArg(req.GetArguments(), "jobId")
	if jobID == "" {
		return nil, invalidParams("jobId is required")
	}

	meta, err := b.store.GetMeta(jobID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	summary, _ := b.store.ReadSummary(jobID)
	questions, _ := b.store.ReadQuestions(jobID)
	decisions, _ := b.store.ReadDecisions(jobID)

	view := struct {
		jobstore.Meta
		Summary   *string           `json:"summary,omitempty"`
		Questions []string          `json:"questions,omitempty"`
		Decisions []json.RawMessage `json:"decisions,omitempty"`
	}{Meta: meta, Summary: summary, Questions: questions, Decisions: decisions}

	data, err := json.Marshal(view)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (b *Bridge) handleResult(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := stringArg(req.GetArguments(), "jobId")
	if jobID == "" {
		return nil, invalidParams("jobId is required")
	}

	meta, err := b.store.GetMeta(jobID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if meta.Status != jobstore.StatusCompleted {
		return nil, invalidParams("job %s is not completed (status=%s)", jobID, meta.Status)
	}
	result, err := b.store.ReadResult(jobID)
	if err != nil || result == nil {
		return mcp.NewToolResultError("job has no result"), nil
	}
	return mcp.NewToolResultText(*result), nil
}

func (b *Bridge) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := stringArg(req.GetArguments(), "jobId")
	if jobID == "" {
		return nil, invalidParams("jobId is required")
	}

	meta, err := b.store.GetMeta(jobID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	switch meta.Status {
	case jobstore.StatusCompleted, jobstore.StatusCancelled:
		return mcp.NewToolResultText(fmt.Sprintf(`{"jobId":%q,"status":%q}`, jobID, meta.Status)), nil
	}

	if err := b.store.UpdateStatus(jobID, jobstore.StatusCancelled, nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	b.forward(ctx, "worker/cancel", map[string]any{"jobId": jobID})
	if b.onCancel != nil {
		b.onCancel(jobID)
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"jobId":%q,"status":"cancelled"}`, jobID)), nil
}

func (b *Bridge) handleDelete(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := stringArg(req.GetArguments(), "jobId")
	if jobID == "" {
		return nil, invalidParams("jobId is required")
	}

	meta, err := b.store.GetMeta(jobID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if meta.Status == jobstore.StatusRunning || meta.Status == jobstore.StatusFailed {
		return nil, invalidParams("cannot delete job %s while status=%s", jobID, meta.Status)
	}
	if err := b.store.DeleteJob(jobID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"jobId":%q,"deleted":true}`, jobID)), nil
}
