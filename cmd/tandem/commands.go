package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/evanschultz/tandem/internal/adapters/remote/memdoc"
	serveradapter "github.com/evanschultz/tandem/internal/adapters/server"
	"github.com/evanschultz/tandem/internal/adapters/server/common"
	"github.com/evanschultz/tandem/internal/adapters/server/docapi"
	"github.com/evanschultz/tandem/internal/app"
	"github.com/evanschultz/tandem/internal/config"
	"github.com/evanschultz/tandem/internal/domain"
)

// serveCommandRunner starts the HTTP+MCP serve flow.
var serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
	return serveradapter.Run(ctx, cfg, deps)
}

// remoteServeRunner serves the document API until ctx ends.
var remoteServeRunner = func(ctx context.Context, bind string, handler http.Handler) error {
	httpServer := &http.Server{Addr: bind, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-serveErrCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen and serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Websocket feeds are hijacked and not tracked by Shutdown.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	}
}

// writeJSON prints one indented JSON document.
func writeJSON(out io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	encoded = append(encoded, '\n')
	_, err = out.Write(encoded)
	return err
}

// withRuntime opens the runtime for one short-lived command and logs its flow.
func (o *rootOptions) withRuntime(cmd *cobra.Command, name string, fn func(context.Context, *runtimeEnv) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := o.openRuntime(ctx, openOptions{command: name})
	if err != nil {
		return err
	}
	defer env.close()
	env.logger.Info("command flow start", "command", name)
	if err := fn(ctx, env); err != nil {
		env.logger.Error("command flow failed", "command", name, "err", err)
		return fmt.Errorf("run %s command: %w", name, err)
	}
	env.logger.Info("command flow complete", "command", name)
	return nil
}

func newPathsCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config and data paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := o.resolvePaths()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "app: %s\n", o.appName)
			_, _ = fmt.Fprintf(out, "dev_mode: %t\n", o.devMode)
			_, _ = fmt.Fprintf(out, "config: %s\n", paths.ConfigPath)
			_, _ = fmt.Fprintf(out, "data_dir: %s\n", paths.DataDir)
			_, _ = fmt.Fprintf(out, "db: %s\n", paths.DBPath)
			return nil
		},
	}
}

func newServeCommand(o *rootOptions) *cobra.Command {
	var bind, apiEndpoint, mcpEndpoint string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and MCP tools over the local service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := o.openRuntime(ctx, openOptions{command: "serve", watch: true, console: true})
			if err != nil {
				return err
			}
			defer env.close()

			cfg := serveradapter.Config{
				HTTPBind:      firstNonEmpty(bind, env.cfg.Server.HTTPBind),
				APIEndpoint:   firstNonEmpty(apiEndpoint, env.cfg.Server.APIEndpoint),
				MCPEndpoint:   firstNonEmpty(mcpEndpoint, env.cfg.Server.MCPEndpoint),
				ServerName:    o.appName,
				ServerVersion: version,
			}

			watchCtx, stopWatch := context.WithCancel(ctx)
			watchDone := make(chan struct{})
			go func() {
				defer close(watchDone)
				env.watchPolicy(watchCtx)
			}()
			defer func() {
				stopWatch()
				<-watchDone
			}()

			env.logger.Info("command flow start", "command", "serve", "bind", cfg.HTTPBind)
			if err := serveCommandRunner(ctx, cfg, serveradapter.Dependencies{
				Service: env.adapter,
				Logger:  env.logger.Component("server"),
			}); err != nil {
				env.logger.Error("command flow failed", "command", "serve", "err", err)
				return fmt.Errorf("run serve command: %w", err)
			}
			env.logger.Info("command flow complete", "command", "serve")
			return nil
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (defaults to server.http_bind)")
	cmd.Flags().StringVar(&apiEndpoint, "api-endpoint", "", "REST API mount path")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp-endpoint", "", "MCP mount path")
	return cmd
}

// watchPolicy applies manual-field and undo policy edits from the config file until ctx ends.
func (e *runtimeEnv) watchPolicy(ctx context.Context) {
	err := config.Watch(ctx, e.paths.ConfigPath, e.defaults, func(cfg config.Config, err error) {
		if err != nil {
			e.logger.Warn("config reload failed; keeping current policy", "config_path", e.paths.ConfigPath, "err", err)
			return
		}
		e.svc.SetPolicy(policy(cfg))
		e.logger.Info("config reloaded", "config_path", e.paths.ConfigPath, "manual_fields", cfg.Sync.ManualFields, "undo_window", cfg.UndoWindow(), "max_visible_undos", cfg.Undo.MaxVisible)
	})
	if err != nil {
		e.logger.Warn("config watch unavailable", "config_path", e.paths.ConfigPath, "err", err)
	}
}

func newRemoteCommand(o *rootOptions) *cobra.Command {
	remoteCmd := &cobra.Command{
		Use:   "remote",
		Short: "Remote document store tools",
	}
	var bind, token string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory remote document store for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := o.resolvePaths()
			if err != nil {
				return err
			}
			cfg, _, err := o.loadConfig(paths)
			if err != nil {
				return err
			}
			logger, err := newRuntimeLogger(o.stderr, o.appName, o.devMode, cfg.Logging, time.Now)
			if err != nil {
				return fmt.Errorf("configure runtime logger: %w", err)
			}
			defer func() { _ = logger.Close() }()

			handler, err := docapi.NewHandler(memdoc.New(nil), docapi.Options{
				Token:  firstNonEmpty(token, cfg.Remote.Token),
				Logger: logger.Component("docapi"),
			})
			if err != nil {
				return err
			}
			logger.Info("command flow start", "command", "remote serve", "bind", bind)
			if err := remoteServeRunner(cmd.Context(), bind, handler); err != nil {
				logger.Error("command flow failed", "command", "remote serve", "err", err)
				return fmt.Errorf("run remote serve command: %w", err)
			}
			logger.Info("command flow complete", "command", "remote serve")
			return nil
		},
	}
	serve.Flags().StringVar(&bind, "bind", "127.0.0.1:5438", "listen address")
	serve.Flags().StringVar(&token, "token", "", "bearer token clients must send (defaults to remote.token)")
	remoteCmd.AddCommand(serve)
	return remoteCmd
}

func newStatusCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, "status", func(ctx context.Context, env *runtimeEnv) error {
				status, err := env.adapter.SyncStatus(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newSyncCommand(o *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes and pull remote updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, "sync", func(ctx context.Context, env *runtimeEnv) error {
				status, err := env.adapter.Sync(ctx, common.SyncRequest{Force: force})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), status)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "retry held failures and ignore backoff")
	return cmd
}

func newConflictsCommand(o *rootOptions) *cobra.Command {
	conflicts := &cobra.Command{
		Use:   "conflicts",
		Short: "Review sync conflicts",
	}
	conflicts.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, "conflicts list", func(ctx context.Context, env *runtimeEnv) error {
				items, err := env.adapter.ListConflicts(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), items)
			})
		},
	})
	var choice string
	resolve := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve one conflict by keeping the local or remote version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRuntime(cmd, "conflicts resolve", func(ctx context.Context, env *runtimeEnv) error {
				resolved, err := env.adapter.ResolveConflict(ctx, common.ResolveConflictRequest{
					ID:     args[0],
					Choice: strings.TrimSpace(choice),
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resolved)
			})
		},
	}
	resolve.Flags().StringVar(&choice, "choice", "", "local or remote")
	_ = resolve.MarkFlagRequired("choice")
	conflicts.AddCommand(resolve)
	return conflicts
}

func newEntityCommand(o *rootOptions) *cobra.Command {
	entity := &cobra.Command{
		Use:     "entity",
		Aliases: []string{"entities"},
		Short:   "Create, list, and change tracked entities",
	}

	entity.AddCommand(&cobra.Command{
		Use:   "list <kind>",
		Short: "List live entities of one kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRuntime(cmd, "entity list", func(ctx context.Context, env *runtimeEnv) error {
				items, err := env.adapter.ListEntities(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), items)
			})
		},
	})

	entity.AddCommand(&cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Print one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRuntime(cmd, "entity get", func(ctx context.Context, env *runtimeEnv) error {
				item, err := env.adapter.GetEntity(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), item)
			})
		},
	})

	var title, notes, status, payload string
	create := &cobra.Command{
		Use:   "create <kind>",
		Short: "Create an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRuntime(cmd, "entity create", func(ctx context.Context, env *runtimeEnv) error {
				req := common.CreateEntityRequest{
					Kind:   args[0],
					Title:  title,
					Notes:  notes,
					Status: status,
					Wait:   true,
				}
				if err := decodePayload(args[0], payload, &req); err != nil {
					return err
				}
				result, err := env.adapter.CreateEntity(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	create.Flags().StringVar(&title, "title", "", "entity title")
	create.Flags().StringVar(&notes, "notes", "", "free-form notes")
	create.Flags().StringVar(&status, "status", "", "initial status")
	create.Flags().StringVar(&payload, "payload", "", "kind-specific payload as JSON")
	_ = create.MarkFlagRequired("title")
	entity.AddCommand(create)

	var patchJSON string
	update := &cobra.Command{
		Use:   "update <kind> <id>",
		Short: "Apply a JSON patch to an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRuntime(cmd, "entity update", func(ctx context.Context, env *runtimeEnv) error {
				var patch domain.Patch
				decoder := json.NewDecoder(strings.NewReader(patchJSON))
				decoder.DisallowUnknownFields()
				if err := decoder.Decode(&patch); err != nil {
					return fmt.Errorf("decode patch json: %w", err)
				}
				result, err := env.adapter.UpdateEntity(ctx, common.UpdateEntityRequest{
					Kind:  args[0],
					ID:    args[1],
					Patch: patch,
					Wait:  true,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	update.Flags().StringVar(&patchJSON, "patch", "", `patch JSON, e.g. {"title":"new"}`)
	_ = update.MarkFlagRequired("patch")
	entity.AddCommand(update)

	var reopen bool
	complete := &cobra.Command{
		Use:   "complete <kind> <id>",
		Short: "Mark a task-like entity done, propagating to its linked item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRuntime(cmd, "entity complete", func(ctx context.Context, env *runtimeEnv) error {
				completed := !reopen
				result, err := env.adapter.SetCompletion(ctx, common.SetCompletionRequest{
					Kind:      args[0],
					ID:        args[1],
					Completed: &completed,
					Wait:      true,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	complete.Flags().BoolVar(&reopen, "reopen", false, "mark the entity not done instead")
	entity.AddCommand(complete)

	entity.AddCommand(&cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Delete an entity, cancelling its linked item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRuntime(cmd, "entity delete", func(ctx context.Context, env *runtimeEnv) error {
				result, err := env.adapter.DeleteEntity(ctx, common.DeleteEntityRequest{
					Kind: args[0],
					ID:   args[1],
					Wait: true,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	})
	return entity
}

// decodePayload decodes raw into the payload field matching kind.
func decodePayload(rawKind, raw string, req *common.CreateEntityRequest) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	kind, err := domain.ParseKind(rawKind)
	if err != nil {
		return err
	}
	var target any
	switch kind {
	case domain.KindMatrixTask:
		req.Matrix = &domain.MatrixTask{}
		target = req.Matrix
	case domain.KindCaptureItem:
		req.Capture = &domain.CaptureItem{}
		target = req.Capture
	case domain.KindFocusSession:
		req.Session = &domain.FocusSession{}
		target = req.Session
	case domain.KindGoal:
		req.Goal = &domain.Goal{}
		target = req.Goal
	default:
		return fmt.Errorf("kind %q takes no payload", rawKind)
	}
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode payload json: %w", err)
	}
	return nil
}

func newUndoCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "undo <history-id>",
		Short: "Undo one recorded action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRuntime(cmd, "undo", func(ctx context.Context, env *runtimeEnv) error {
				entry, err := env.adapter.Undo(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entry)
			})
		},
	}
}

func newHistoryCommand(o *rootOptions) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and prune the action history",
	}

	var entityID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, "history list", func(ctx context.Context, env *runtimeEnv) error {
				entries, err := env.adapter.ListHistory(ctx, common.ListHistoryRequest{EntityID: entityID, Limit: limit})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	list.Flags().StringVar(&entityID, "entity", "", "only actions on this entity id")
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	historyCmd.AddCommand(list)

	var before string
	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete history recorded before a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cutoff, err := purgeCutoff(before, olderThan, time.Now)
			if err != nil {
				return err
			}
			return o.withRuntime(cmd, "history purge", func(ctx context.Context, env *runtimeEnv) error {
				n, err := env.adapter.PurgeHistory(ctx, common.PurgeHistoryRequest{Before: cutoff})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"purged": n, "before": cutoff})
			})
		},
	}
	purge.Flags().StringVar(&before, "before", "", "RFC3339 cutoff")
	purge.Flags().DurationVar(&olderThan, "older-than", 0, "purge entries older than this duration")
	purge.MarkFlagsOneRequired("before", "older-than")
	purge.MarkFlagsMutuallyExclusive("before", "older-than")
	historyCmd.AddCommand(purge)
	return historyCmd
}

// purgeCutoff resolves the purge cutoff from exactly one of before or olderThan.
func purgeCutoff(before string, olderThan time.Duration, now func() time.Time) (time.Time, error) {
	if raw := strings.TrimSpace(before); raw != "" {
		cutoff, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse --before: %w", err)
		}
		return cutoff.UTC(), nil
	}
	if olderThan <= 0 {
		return time.Time{}, errors.New("--older-than must be positive")
	}
	return now().UTC().Add(-olderThan), nil
}

func newExportCommand(o *rootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a JSON snapshot of every local collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, "export", func(ctx context.Context, env *runtimeEnv) error {
				snap, err := env.adapter.ExportSnapshot(ctx)
				if err != nil {
					return fmt.Errorf("export snapshot: %w", err)
				}
				if outPath == "-" {
					return writeJSON(cmd.OutOrStdout(), snap)
				}
				encoded, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return fmt.Errorf("encode snapshot json: %w", err)
				}
				encoded = append(encoded, '\n')
				if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
					return fmt.Errorf("create export output dir: %w", err)
				}
				if err := os.WriteFile(outPath, encoded, 0o644); err != nil {
					return fmt.Errorf("write export file: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "-", "output file path ('-' for stdout)")
	return cmd
}

func newImportCommand(o *rootOptions) *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a JSON snapshot into the local collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			content, err := os.ReadFile(inPath)
			if err != nil {
				return fmt.Errorf("read import file: %w", err)
			}
			var snap app.Snapshot
			if err := json.Unmarshal(content, &snap); err != nil {
				return fmt.Errorf("decode snapshot json: %w", err)
			}
			return o.withRuntime(cmd, "import", func(ctx context.Context, env *runtimeEnv) error {
				result, err := env.adapter.ImportSnapshot(ctx, snap)
				if err != nil {
					return fmt.Errorf("import snapshot: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "input snapshot JSON file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

// firstNonEmpty returns the first value that is not blank.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
