// Package main is a command line client that registers a workspace, opens
// a session and streams the runs it submits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/zhongli1990/saas-codex/internal/logging"
)

func main() {
	backend := flag.String("backend", "http://localhost:8000", "backend base URL")
	runnerWS := flag.String("runner-ws", "ws://localhost:8081", "runner WebSocket base URL, used with -ws")
	workspace := flag.String("workspace", "", "absolute path of the workspace checkout, as seen by the runner")
	runnerType := flag.String("runner", "codex", "runner type: codex or claude")
	prompt := flag.String("prompt", "", "prompt to run; reads prompts from stdin when empty")
	useWS := flag.Bool("ws", false, "follow the runner WebSocket instead of the backend SSE stream")
	flag.Parse()

	logger := logging.New("info")
	if *workspace == "" {
		logger.Error("-workspace is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := NewClient(*backend)
	workspaceID, err := client.RegisterWorkspace(ctx, *workspace)
	if err != nil {
		logger.Error("failed to register workspace", tint.Err(err))
		os.Exit(1)
	}
	sessionID, err := client.CreateSession(ctx, workspaceID, *runnerType)
	if err != nil {
		logger.Error("failed to create session", tint.Err(err))
		os.Exit(1)
	}
	logger.Info("session ready", "workspace_id", workspaceID, "session_id", sessionID, "runner", *runnerType)

	run := func(text string) error {
		sub, err := client.Prompt(ctx, sessionID, text)
		if err != nil {
			return err
		}
		logger.Info("run started", "run_id", sub.RunID, "runner_run_id", sub.RunnerRunID)
		printer := NewPrinter(os.Stdout)
		if *useWS {
			return WatchWS(ctx, *runnerWS, sub.RunnerRunID, printer.Handle)
		}
		return client.WatchSSE(ctx, sub.RunID, printer.Handle)
	}

	if *prompt != "" {
		if err := run(*prompt); err != nil {
			logger.Error("run failed", tint.Err(err))
			os.Exit(1)
		}
		return
	}

	fmt.Println("Type a prompt and press Enter. /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() || ctx.Err() != nil {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" {
			return
		}
		if err := run(input); err != nil {
			logger.Error("run failed", tint.Err(err))
		}
	}
}
