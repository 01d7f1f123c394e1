package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/kadirpekel/coda/pkg/agent"
	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/logger"
	"github.com/kadirpekel/coda/pkg/protocol"
	"github.com/kadirpekel/coda/pkg/runtime"
	"github.com/kadirpekel/coda/pkg/store"
)

// ChatCmd runs an interactive session against the workspace in the
// current (or given) directory, without the HTTP server.
type ChatCmd struct {
	Path string `help:"Workspace root." type:"path" default:"."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanup, err := setupLogging(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := runtime.New(cfg, runtime.WithLogger(logger.GetLogger()))
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer func() {
		_ = rt.Shutdown(context.Background())
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rt.Bootstrap(ctx); err != nil {
		return err
	}

	root, err := filepath.Abs(c.Path)
	if err != nil {
		return err
	}
	ws, err := rt.EnsureWorkspace(ctx, root)
	if err != nil {
		return fmt.Errorf("failed to register workspace: %w", err)
	}

	row := &store.Session{WorkspaceID: ws.ID}
	if err := rt.Store().CreateSession(ctx, row); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	ui := &chatUI{in: bufio.NewReader(os.Stdin), out: os.Stdout}
	session, err := rt.OpenSession(row.ID, ws, agent.SinkFunc(ui.handle))
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	ui.session = session
	defer session.Close()

	if provider, ok := rt.Manager().Active(); ok {
		info := provider.ModelInfo()
		fmt.Printf("Chatting with %s/%s in %s\n", info.Provider, info.ModelName, root)
	}
	fmt.Println(`Type "exit" to leave.`)

	for {
		fmt.Print("\n> ")
		line, err := ui.in.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		if _, err := session.RunTurn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// chatUI renders session events on the terminal. Approval requests are
// answered inline: the session blocks until the prompt is resolved.
type chatUI struct {
	in      *bufio.Reader
	out     io.Writer
	session *agent.Session

	streamed bool
}

func (ui *chatUI) handle(event *protocol.Event) {
	switch event.Type {
	case protocol.EventMessageDelta:
		var payload protocol.MessageDeltaPayload
		if event.Decode(&payload) == nil {
			fmt.Fprint(ui.out, payload.Delta)
			ui.streamed = true
		}

	case protocol.EventToolUse:
		var payload protocol.ToolUsePayload
		if event.Decode(&payload) == nil {
			ui.breakLine()
			fmt.Fprintf(ui.out, "%s[%s]%s\n", dimColor(), payload.Tool, resetColor())
		}

	case protocol.EventApprovalRequest:
		var payload protocol.ApprovalRequestPayload
		if event.Decode(&payload) == nil {
			ui.breakLine()
			ui.session.ResolveApproval(payload.RequestID, ui.confirm(payload.Prompt))
		}

	case protocol.EventMessageFinal:
		var payload protocol.MessageFinalPayload
		if event.Decode(&payload) == nil {
			if !ui.streamed && payload.Message != "" {
				fmt.Fprint(ui.out, payload.Message)
			}
			fmt.Fprintln(ui.out)
			ui.streamed = false
		}

	case protocol.EventServerError:
		var payload protocol.ErrorPayload
		if event.Decode(&payload) == nil {
			ui.breakLine()
			fmt.Fprintf(ui.out, "error: %s\n", payload.Error.Message)
		}
	}
}

// confirm prompts for a yes/no answer. Anything but y/yes denies.
func (ui *chatUI) confirm(prompt string) bool {
	fmt.Fprintf(ui.out, "%s [y/N] ", prompt)
	line, err := ui.in.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func (ui *chatUI) breakLine() {
	if ui.streamed {
		fmt.Fprintln(ui.out)
		ui.streamed = false
	}
}

func dimColor() string {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "\033[2m"
	}
	return ""
}

func resetColor() string {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "\033[0m"
	}
	return ""
}
