package mcpapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/evanschultz/tandem/internal/adapters/server/common"
	"github.com/evanschultz/tandem/internal/domain"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// kindDescription documents accepted kind spellings for every entity tool.
const kindDescription = "Entity kind: matrix_task, capture_item, focus_session, or goal"

// jsonResult encodes one tool payload or reports an encoding failure.
func jsonResult(tool string, payload any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return result, nil
}

// registerSyncTools registers sync trigger and conflict tools.
func registerSyncTools(srv *mcpserver.MCPServer, service common.SyncService) {
	srv.AddTool(
		mcp.NewTool(
			"tandem.sync",
			mcp.WithDescription("Run one sync pass across every collection."),
			mcp.WithBoolean("force", mcp.Description("Ignore retry backoff and re-arm failed pushes")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			status, err := service.Sync(ctx, common.SyncRequest{Force: req.GetBool("force", false)})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("sync", status)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tandem.list_conflicts",
			mcp.WithDescription("List unresolved sync conflicts, oldest first."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			rows, err := service.ListConflicts(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_conflicts", map[string]any{"conflicts": rows})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tandem.resolve_conflict",
			mcp.WithDescription("Resolve one sync conflict by keeping the local or the remote version."),
			mcp.WithString("conflict_id", mcp.Required(), mcp.Description("Conflict identifier")),
			mcp.WithString("choice", mcp.Required(), mcp.Description("Side to keep"), mcp.Enum(string(domain.ChoiceLocal), string(domain.ChoiceRemote))),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			conflictID, err := req.RequireString("conflict_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			choice, err := req.RequireString("choice")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			resolved, err := service.ResolveConflict(ctx, common.ResolveConflictRequest{ID: conflictID, Choice: choice})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("resolve_conflict", resolved)
		},
	)
}

// registerHistoryTools registers history, undo affordance, and undo tools.
func registerHistoryTools(srv *mcpserver.MCPServer, service common.HistoryService) {
	srv.AddTool(
		mcp.NewTool(
			"tandem.list_history",
			mcp.WithDescription("List action history newest first."),
			mcp.WithString("entity_id", mcp.Description("Only entries for this entity")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows to return")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			rows, err := service.ListHistory(ctx, common.ListHistoryRequest{
				EntityID: req.GetString("entity_id", ""),
				Limit:    req.GetInt("limit", 0),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_history", map[string]any{"entries": rows})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tandem.list_undos",
			mcp.WithDescription("List undo affordances still inside their window."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			rows, err := service.VisibleUndos(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_undos", map[string]any{"undos": rows})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tandem.undo",
			mcp.WithDescription("Undo one recorded action while its undo window is open."),
			mcp.WithString("history_id", mcp.Required(), mcp.Description("History entry identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			historyID, err := req.RequireString("history_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			entry, err := service.Undo(ctx, historyID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("undo", entry)
		},
	)
}

// registerEntityTools registers entity read and mutation tools.
func registerEntityTools(srv *mcpserver.MCPServer, service common.EntityService) {
	srv.AddTool(
		mcp.NewTool(
			"tandem.list_entities",
			mcp.WithDescription("List live entities of one kind."),
			mcp.WithString("kind", mcp.Required(), mcp.Description(kindDescription)),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			kind, err := req.RequireString("kind")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			rows, err := service.ListEntities(ctx, kind)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_entities", map[string]any{"entities": rows})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tandem.get_entity",
			mcp.WithDescription("Return one live entity."),
			mcp.WithString("kind", mcp.Required(), mcp.Description(kindDescription)),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			kind, err := req.RequireString("kind")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			id, err := req.RequireString("entity_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			entity, err := service.GetEntity(ctx, kind, id)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_entity", entity)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tandem.create_entity",
			mcp.WithDescription("Create one entity. The matching payload object is optional."),
			mcp.WithString("kind", mcp.Required(), mcp.Description(kindDescription)),
			mcp.WithString("title", mcp.Required(), mcp.Description("Title")),
			mcp.WithString("status", mcp.Description("Initial status"), mcp.Enum("pending", "in_progress", "completed", "cancelled")),
			mcp.WithString("notes", mcp.Description("Free-form notes")),
			mcp.WithObject("matrix", mcp.Description("Matrix task payload: quadrant, gtdItemId, dueAt")),
			mcp.WithObject("capture", mcp.Description("Capture item payload: list, context, matrixTaskId")),
			mcp.WithObject("session", mcp.Description("Focus session payload: taskId, plannedMinutes, startedAt, endedAt")),
			mcp.WithObject("goal", mcp.Description("Goal payload: targetDate, progress")),
			mcp.WithBoolean("wait", mcp.Description("Block until the remote confirms the write")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				Kind    string               `json:"kind"`
				Title   string               `json:"title"`
				Status  string               `json:"status"`
				Notes   string               `json:"notes"`
				Matrix  *domain.MatrixTask   `json:"matrix"`
				Capture *domain.CaptureItem  `json:"capture"`
				Session *domain.FocusSession `json:"session"`
				Goal    *domain.Goal         `json:"goal"`
				Wait    bool                 `json:"wait"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if strings.TrimSpace(args.Title) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "title" not found`), nil
			}
			out, err := service.CreateEntity(ctx, common.CreateEntityRequest{
				Kind:    args.Kind,
				Title:   args.Title,
				Status:  args.Status,
				Notes:   args.Notes,
				Matrix:  args.Matrix,
				Capture: args.Capture,
				Session: args.Session,
				Goal:    args.Goal,
				Wait:    args.Wait,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("create_entity", out)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tandem.update_entity",
			mcp.WithDescription("Apply a partial update. Only the fields present in patch change."),
			mcp.WithString("kind", mcp.Required(), mcp.Description(kindDescription)),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity identifier")),
			mcp.WithObject("patch", mcp.Required(), mcp.Description("Fields to change: title, status, notes, or one payload object")),
			mcp.WithBoolean("wait", mcp.Description("Block until the remote confirms the write")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				Kind     string       `json:"kind"`
				EntityID string       `json:"entity_id"`
				Patch    domain.Patch `json:"patch"`
				Wait     bool         `json:"wait"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if strings.TrimSpace(args.EntityID) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "entity_id" not found`), nil
			}
			out, err := service.UpdateEntity(ctx, common.UpdateEntityRequest{
				Kind:  args.Kind,
				ID:    args.EntityID,
				Patch: args.Patch,
				Wait:  args.Wait,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("update_entity", out)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tandem.set_completion",
			mcp.WithDescription("Complete or reopen one entity. Linked matrix/capture items follow."),
			mcp.WithString("kind", mcp.Required(), mcp.Description(kindDescription)),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity identifier")),
			mcp.WithBoolean("completed", mcp.Description("Completion state, default true")),
			mcp.WithBoolean("wait", mcp.Description("Block until the remote confirms the write")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			kind, err := req.RequireString("kind")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			id, err := req.RequireString("entity_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			completed := req.GetBool("completed", true)
			out, err := service.SetCompletion(ctx, common.SetCompletionRequest{
				Kind:      kind,
				ID:        id,
				Completed: &completed,
				Wait:      req.GetBool("wait", false),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("set_completion", out)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tandem.delete_entity",
			mcp.WithDescription("Delete one entity. Linked matrix/capture items follow."),
			mcp.WithString("kind", mcp.Required(), mcp.Description(kindDescription)),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity identifier")),
			mcp.WithBoolean("wait", mcp.Description("Block until the remote confirms the write")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			kind, err := req.RequireString("kind")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			id, err := req.RequireString("entity_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			out, err := service.DeleteEntity(ctx, common.DeleteEntityRequest{
				Kind: kind,
				ID:   id,
				Wait: req.GetBool("wait", false),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("delete_entity", out)
		},
	)
}

// registerSnapshotTools registers the export tool. Imports stay on the REST surface.
func registerSnapshotTools(srv *mcpserver.MCPServer, service common.SnapshotService) {
	srv.AddTool(
		mcp.NewTool(
			"tandem.export_snapshot",
			mcp.WithDescription("Export every live entity as a versioned snapshot."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			snap, err := service.ExportSnapshot(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("export_snapshot", snap)
		},
	)
}
