// Command agentcorectl runs a single instruction through the task
// execution core from the terminal: it wires an in-process Task Manager
// (memory store, placeholder tool provider), submits the instruction,
// and prints the stage event stream until the task is terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/internal/metrics"
	"github.com/lybic/agentcore/internal/mockprovider"
	"github.com/lybic/agentcore/internal/store"
	"github.com/lybic/agentcore/internal/taskmanager"
	"github.com/lybic/agentcore/pkg/agent"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitMisconfig = 2
	exitCancelled = 130
)

var (
	backendFlag        = flag.String("backend", string(agent.BackendLocalGUI), "backend kind (lybic, lybic_mobile, local_gui, vm, adb)")
	queryFlag          = flag.String("query", "", "the instruction to execute (required)")
	maxStepsFlag       = flag.Int("max-steps", taskmanager.DefaultMaxSteps, "step budget for the task")
	modeFlag           = flag.String("mode", string(agent.ModeNormal), "execution mode (normal, fast)")
	enableTakeoverFlag = flag.Bool("enable-takeover", false, "allow the action generator to hand control to the user")
	disableSearchFlag  = flag.Bool("disable-search", false, "disable web search during planning")
	logLevelFlag       = flag.String("log-level", "warn", "log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *queryFlag == "" {
		fmt.Fprintln(os.Stderr, "agentcorectl: --query is required")
		flag.Usage()
		return exitMisconfig
	}
	mode := agent.Mode(*modeFlag)
	if mode != agent.ModeNormal && mode != agent.ModeFast {
		fmt.Fprintf(os.Stderr, "agentcorectl: invalid --mode %q\n", *modeFlag)
		return exitMisconfig
	}
	if *maxStepsFlag < 1 {
		fmt.Fprintln(os.Stderr, "agentcorectl: --max-steps must be >= 1")
		return exitMisconfig
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: *logLevelFlag, Format: "console", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentcorectl: initializing logger: %v\n", err)
		return exitMisconfig
	}
	defer log.Sync()

	logDir := os.Getenv("LOG_DIR")
	if logDir == "" {
		logDir = "./logs"
	}

	mgr := taskmanager.New(store.NewMemoryStore(), mockprovider.New(), metrics.New(nil, false), log, taskmanager.Options{
		LogDir:        logDir,
		MaxConcurrent: 1,
	})
	defer mgr.Close()

	task, err := mgr.Submit(context.Background(), agent.SubmitRequest{
		Instruction: *queryFlag,
		Config: agent.TaskConfig{
			Backend:        agent.BackendKind(*backendFlag),
			Mode:           mode,
			MaxSteps:       *maxStepsFlag,
			EnableSearch:   !*disableSearchFlag,
			EnableTakeover: *enableTakeoverFlag,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentcorectl: %v\n", err)
		return exitMisconfig
	}

	sub, err := mgr.Subscribe(task.TaskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentcorectl: %v\n", err)
		return exitFailed
	}
	defer sub.Unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interrupted := false
	for {
		select {
		case <-sigCh:
			interrupted = true
			fmt.Fprintln(os.Stderr, "agentcorectl: cancelling task")
			if _, err := mgr.Cancel(context.Background(), task.TaskID); err != nil {
				fmt.Fprintf(os.Stderr, "agentcorectl: cancel: %v\n", err)
			}

		case ev, open := <-sub.Events:
			if !open {
				return exitFromStatus(mgr, task.TaskID, interrupted)
			}
			fmt.Printf("[%s] %-11s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Stage, ev.Message)
			if ev.Stage.IsTerminal() {
				return exitFromStatus(mgr, task.TaskID, interrupted)
			}
		}
	}
}

func exitFromStatus(mgr *taskmanager.Manager, taskID string, interrupted bool) int {
	rec, err := mgr.Query(context.Background(), taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentcorectl: query: %v\n", err)
		return exitFailed
	}
	if rec.FinalMessage != "" {
		fmt.Println(rec.FinalMessage)
	}
	switch rec.Status {
	case agent.TaskCompleted:
		return exitOK
	case agent.TaskCancelled:
		return exitCancelled
	default:
		if interrupted {
			return exitCancelled
		}
		return exitFailed
	}
}
