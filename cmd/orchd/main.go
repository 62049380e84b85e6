package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opencode-core/orchd/internal/activity"
	"github.com/opencode-core/orchd/internal/bridge"
	"github.com/opencode-core/orchd/internal/buffers"
	"github.com/opencode-core/orchd/internal/config"
	"github.com/opencode-core/orchd/internal/guard"
	"github.com/opencode-core/orchd/internal/learning"
	"github.com/opencode-core/orchd/internal/ledger"
	"github.com/opencode-core/orchd/internal/registry"
	"github.com/opencode-core/orchd/internal/runtime"
	"github.com/opencode-core/orchd/internal/stream"
	"github.com/opencode-core/orchd/internal/supervisor"
	"github.com/opencode-core/orchd/internal/tools"
	"github.com/opencode-core/orchd/internal/types"
	"github.com/opencode-core/orchd/internal/ui"
	"github.com/opencode-core/orchd/internal/workflow"
)

const usage = `orchd — agent orchestration core

Usage:
  orchd status                          show ledger, tasks and checkpoints
  orchd resume                          replay the stream and resume a handoff
  orchd serve                           run supervisor + learning extractor; tool calls on stdin
  orchd gc                              expire checkpoints and sweep old snapshots
  orchd approve <checkpointId> <optionId>
  orchd reject <checkpointId> <reason...>
  orchd tool <name> [json-args]         invoke one tool and print the result
  orchd workflow <file.md> <task...>    run a workflow definition
`

func main() {
	_ = godotenv.Load(".env")
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	cfg := config.Load()
	if os.Getenv("NO_COLOR") != "" {
		ui.Colors = false
	}

	args := os.Args[1:]
	cmd := "status"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(cfg)
	case "resume":
		err = cmdResume(cfg)
	case "serve":
		err = cmdServe(cfg)
	case "gc":
		err = cmdGC(cfg)
	case "approve":
		if len(args) < 2 {
			err = fmt.Errorf("usage: orchd approve <checkpointId> <optionId>")
			break
		}
		err = cmdResolveCheckpoint(cfg, args[0], args[1], true)
	case "reject":
		if len(args) < 1 {
			err = fmt.Errorf("usage: orchd reject <checkpointId> <reason...>")
			break
		}
		reason := "rejected by operator"
		if len(args) > 1 {
			reason = strings.Join(args[1:], " ")
		}
		err = cmdResolveCheckpoint(cfg, args[0], reason, false)
	case "tool":
		if len(args) < 1 {
			err = fmt.Errorf("usage: orchd tool <name> [json-args]")
			break
		}
		err = cmdTool(cfg, args)
	case "workflow":
		if len(args) < 2 {
			err = fmt.Errorf("usage: orchd workflow <file.md> <task...>")
			break
		}
		err = cmdWorkflow(cfg, args[0], strings.Join(args[1:], " "))
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchd: %v\n", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	if os.Getenv("ORCHD_DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// core is the wired component set shared by the subcommands.
type core struct {
	cfg    config.Config
	ledger *ledger.Store
	stream *stream.Stream
	bridge *bridge.Bridge
	report stream.ResumeReport
}

// open initializes the ledger and replays the event stream.
func open(cfg config.Config) (*core, error) {
	store := ledger.New(cfg.BaseDir)
	if err := store.Initialize(); err != nil {
		return nil, err
	}
	s := stream.New(stream.Options{
		Dir:                 cfg.BaseDir,
		MaxHistorySize:      cfg.MaxHistorySize,
		MaxStreamSizeMB:     cfg.MaxStreamSizeMB,
		MaxCheckpoints:      cfg.MaxCheckpoints,
		CheckpointTimeoutMs: cfg.CheckpointTimeoutMs,
		SnapshotGCHours:     cfg.SnapshotGCHours,
	})
	report, err := s.Initialize()
	if err != nil {
		return nil, err
	}
	b := bridge.New(s, "")
	store.SetHook(b.LedgerHook())
	return &core{cfg: cfg, ledger: store, stream: s, bridge: b, report: report}, nil
}

func cmdStatus(cfg config.Config) error {
	c, err := open(cfg)
	if err != nil {
		return err
	}
	defer c.stream.Shutdown()

	snap, err := c.ledger.Status()
	if err != nil {
		return err
	}
	ui.RenderStatus(os.Stdout, snap, nil, c.stream.PendingCheckpoints())
	return nil
}

func cmdResume(cfg config.Config) error {
	c, err := open(cfg)
	if err != nil {
		return err
	}
	defer c.stream.Shutdown()

	fmt.Printf("replayed %d events (%d malformed lines skipped), %d pending checkpoints, %d active intents\n",
		c.report.EventsReplayed, c.report.SkippedLines,
		len(c.report.PendingCheckpoints), len(c.report.ActiveIntents))

	h, err := c.ledger.ResumeHandoff()
	if err != nil {
		return err
	}
	if h == nil {
		fmt.Println("no handoff pending")
		return nil
	}
	fmt.Printf("resumed handoff (%s): %s\n", h.Reason, h.Summary)
	for _, next := range h.WhatsNext {
		fmt.Printf("  next: %s\n", next)
	}
	return nil
}

func cmdGC(cfg config.Config) error {
	c, err := open(cfg)
	if err != nil {
		return err
	}
	defer c.stream.Shutdown()

	expired := c.stream.ExpireCheckpoints()
	swept, err := c.stream.GCSnapshots(time.Duration(cfg.SnapshotGCHours) * time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("expired %d checkpoints, swept %d snapshots\n", expired, swept)
	return nil
}

func cmdResolveCheckpoint(cfg config.Config, id, arg string, approve bool) error {
	c, err := open(cfg)
	if err != nil {
		return err
	}
	defer c.stream.Shutdown()

	var done bool
	if approve {
		done = c.stream.ApproveCheckpoint(id, "operator", arg)
	} else {
		done = c.stream.RejectCheckpoint(id, "operator", arg)
	}
	if !done {
		return fmt.Errorf("checkpoint %s is not pending", id)
	}
	fmt.Printf("checkpoint %s resolved\n", id)
	return nil
}

// buildTools wires the full tool table, including the supervisor as the
// observer when one is supplied. index is the caller's handle: LevelDB holds
// a directory lock, so the process-wide instance must be shared, never
// reopened. A nil index degrades ledger_get_learnings to the markdown ring.
func buildTools(c *core, obs tools.Observer, pb *buffers.PromptBuffer, index *learning.Index) *tools.Tools {
	if pb == nil {
		pb = buffers.NewPromptBuffer()
	}
	deps := tools.Deps{
		Ledger:    c.ledger,
		Registry:  registry.New(c.ledger),
		Stream:    c.stream,
		Learnings: index,
		Observer:  obs,
		Guard:     guard.New(c.cfg.ProtectedAgents),
		Signals:   buffers.NewSignalBuffer(),
		Prompts:   pb,
	}
	return tools.New(deps)
}

// openLearningIndex opens the LevelDB index, degrading to nil (with a
// warning) when it is unavailable, e.g. locked by another process.
func openLearningIndex(cfg config.Config) *learning.Index {
	index, err := learning.OpenIndex(filepath.Join(cfg.BaseDir, "learnings", "index.db"))
	if err != nil {
		slog.Warn("[MAIN] learning index unavailable", "error", err)
		return nil
	}
	return index
}

func cmdTool(cfg config.Config, args []string) error {
	c, err := open(cfg)
	if err != nil {
		return err
	}
	defer c.stream.Shutdown()

	toolArgs := map[string]any{}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("parse args: %w", err)
		}
	}
	index := openLearningIndex(cfg)
	if index != nil {
		defer index.Close()
	}
	tl := buildTools(c, nil, nil, index)
	return printJSON(tl.Handle(args[0], toolArgs))
}

func cmdServe(cfg config.Config) error {
	c, err := open(cfg)
	if err != nil {
		return err
	}
	defer c.stream.Shutdown()

	rt := runtime.NewHTTPClient(cfg.RuntimeBaseURL)
	reg := registry.New(c.ledger)
	prompts := buffers.NewPromptBuffer()

	sup := supervisor.New(reg, rt, c.ledger, supervisor.Options{
		BaseIntervalMs:   cfg.BaseIntervalMs,
		MaxIntervalMs:    cfg.MaxIntervalMs,
		StuckThresholdMs: cfg.StuckThresholdMs,
	})
	sup.SetPromptBuffer(prompts)

	// Mirror every event into the daily activity stream
	act := activity.New(cfg.BaseDir)
	defer c.stream.Subscribe(types.EventWildcard, func(e types.Event) {
		act.Log(string(e.Type), e.SessionID, e.Actor, e.Payload)
	})()

	// Realtime learning extraction: qualifying events land in the ledger's
	// learning files and, when available, the searchable index. The same
	// handle backs the tool table below.
	index := openLearningIndex(cfg)
	if index != nil {
		defer index.Close()
	}
	extractor := learning.NewExtractor(cfg.MinConfidence, cfg.MaxLearnings)
	defer extractor.Watch(c.stream, func(l types.Learning) {
		if err := c.ledger.AddLearning(l.Type, l.Content); err != nil {
			slog.Warn("[MAIN] learning record failed", "error", err)
		}
		if index != nil {
			if err := index.Put(l); err != nil {
				slog.Warn("[MAIN] learning index put failed", "error", err)
			}
		}
	})()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\norchd: shutting down")
		cancel()
	}()

	sup.Start()
	defer sup.Stop()

	// Checkpoint expiry sweep
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.stream.ExpireCheckpoints(); n > 0 {
					slog.Info("[MAIN] expired checkpoints", "count", n)
				}
			}
		}
	}()

	tl := buildTools(c, sup, prompts, index)
	slog.Info("[MAIN] serving", "baseDir", cfg.BaseDir, "runtime", cfg.RuntimeBaseURL)
	return serveTools(ctx, tl)
}

// toolCall is one stdin request line: {"tool": "...", "args": {...}}.
type toolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// serveTools reads JSON tool calls line by line from stdin and writes one
// JSON result per line to stdout, until EOF or cancellation.
func serveTools(ctx context.Context, tl *tools.Tools) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			var call toolCall
			if err := json.Unmarshal([]byte(line), &call); err != nil {
				_ = enc.Encode(map[string]any{"success": false, "error": "bad request: " + err.Error()})
				continue
			}
			_ = enc.Encode(tl.Handle(call.Tool, call.Args))
		}
	}
}

func cmdWorkflow(cfg config.Config, path, task string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	def, err := workflow.Parse(string(src))
	if err != nil {
		return err
	}

	c, err := open(cfg)
	if err != nil {
		return err
	}
	defer c.stream.Shutdown()

	rt := runtime.NewHTTPClient(cfg.RuntimeBaseURL)
	engine := workflow.NewEngine(rt, c.ledger, c.bridge, workflow.Options{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// A paused cursor for the same workflow continues; anything else starts
	// fresh.
	var state *types.WorkflowState
	if saved, err := c.ledger.WorkflowState(); err == nil && saved != nil &&
		saved.Workflow == def.Name && saved.Status == "paused" {
		state, err = engine.Resume(ctx, def)
		if err != nil {
			return err
		}
	} else {
		state, err = engine.Run(ctx, def, task)
		if err != nil {
			return err
		}
	}
	if state.Status == "paused" {
		fmt.Printf("workflow %q paused at a checkpoint; approve it and run `orchd workflow` again to resume\n", def.Name)
		return nil
	}
	fmt.Printf("workflow %q %s\n", def.Name, state.Status)
	return printJSON(state.StepResults)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
