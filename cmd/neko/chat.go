package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	markdown "github.com/MichaelMure/go-term-markdown"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"neko/internal/channels"
	"neko/internal/config"
	nerrors "neko/internal/errors"
	"neko/internal/gateway"
	"neko/internal/logging"
)

const cliChannel = "cli"

// chatSession runs terminal turns through the gateway so the CLI shares
// session handling, reset commands and recall with every other channel.
type chatSession struct {
	stack   *stack
	gateway *gateway.Gateway
	sender  string
}

func openChat(ctx context.Context, cfg config.Config, out io.Writer, verbose bool) (*chatSession, io.Closer, error) {
	level := "warn"
	if verbose {
		level = cfg.Observability.Logging.Level
	}
	_, logCloser, err := logging.Setup(logging.Config{
		Level:  level,
		Format: cfg.Observability.Logging.Format,
		File:   cfg.LogFile(),
	})
	if err != nil {
		return nil, nil, err
	}
	st, err := buildStack(ctx, cfg, nil)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, err
	}
	st.router.Register(cliChannel, channels.NewWriterDeliverer(out, ""))
	gw := gateway.New(st.sessions, st.agent, st.memory, nil, logging.NewComponentLogger("gateway"))
	closer := closerFunc(func() error {
		st.Close()
		return logCloser.Close()
	})
	return &chatSession{stack: st, gateway: gw, sender: localUser()}, closer, nil
}

func (s *chatSession) send(ctx context.Context, text string) (*gateway.Reply, error) {
	return s.gateway.Handle(ctx, channels.InboundMessage{
		Channel:    cliChannel,
		ChatID:     s.sender,
		SenderID:   s.sender,
		SenderName: s.sender,
		Text:       text,
	})
}

func newChatCmd(c *cli) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent in an interactive terminal session",
		Long: `Start a REPL on the CLI session. Type /new or /reset to start a fresh
conversation; exit, quit or Ctrl+D to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			chat, closer, err := openChat(cmd.Context(), cfg, cmd.OutOrStdout(), verbose)
			if err != nil {
				return err
			}
			defer closer.Close()
			return chat.repl(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")
	return cmd
}

func (s *chatSession) repl(ctx context.Context, out io.Writer) error {
	fmt.Fprintln(out, bold("Neko "+version))
	fmt.Fprintf(out, "%s\n\n", gray("Type a message and press Enter. /new starts a fresh session; exit or Ctrl+D quits."))

	historyFile := filepath.Join(s.stack.cfg.Workspace, ".chat_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		UniqueEditLine:    true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            out,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		input, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(input) == 0 {
				break
			}
			continue
		} else if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		switch input {
		case "":
			continue
		case "exit", "quit", "q":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		reply, err := s.send(ctx, input)
		if err != nil {
			fmt.Fprintf(out, "\n%s %s\n\n", red("Error:"), nerrors.FormatForLLM(err))
			continue
		}
		if reply.Reset {
			fmt.Fprintf(out, "%s %s\n\n", green(reply.Text), gray("("+reply.SessionID+")"))
			continue
		}
		fmt.Fprintf(out, "\n%s\n", renderMarkdown(reply.Text))
	}
	fmt.Fprintln(out, "\nGoodbye!")
	return nil
}

func newMessageCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "message <text>",
		Short: "Send one message to the agent and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			chat, closer, err := openChat(cmd.Context(), cfg, cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer closer.Close()

			reply, err := chat.send(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if isTTY() {
				fmt.Fprintln(out, renderMarkdown(reply.Text))
			} else {
				fmt.Fprintln(out, reply.Text)
			}
			return nil
		},
	}
}

// renderMarkdown renders content for the terminal width.
func renderMarkdown(content string) string {
	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w - 8
	}
	return string(markdown.Render(content, width, 4))
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "local"
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
