package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-go-golems/chatwire/pkg/components"
	"github.com/go-go-golems/chatwire/pkg/config"
	"github.com/go-go-golems/chatwire/pkg/session"
	"github.com/go-go-golems/chatwire/pkg/transport"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

func newConnectCommand() *cobra.Command {
	var (
		workflow  string
		chatID    string
		sessionID string
		plain     bool
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a chat session and exchange messages over stdin/stdout",
		Long: `Reads one message per line from stdin. Lines starting with a slash are commands:

  /action <tool-id> [json]   report a tool action
  /reconnect                 reconnect the session
  /quit                      leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workflow == "" {
				return errors.New("--workflow is required")
			}
			if chatID == "" {
				chatID = uuid.NewString()
			}
			styled := !plain && isatty.IsTerminal(os.Stdout.Fd())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, settings, connectArgs{
				workflow:  workflow,
				chatID:    chatID,
				sessionID: sessionID,
				styled:    styled,
				in:        os.Stdin,
				out:       os.Stdout,
			})
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow to talk to")
	cmd.Flags().StringVar(&chatID, "chat-id", "", "chat id (random if empty)")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "resume an existing backend session")
	cmd.Flags().BoolVar(&plain, "plain", false, "disable styling even on a terminal")
	return cmd
}

type connectArgs struct {
	workflow  string
	chatID    string
	sessionID string
	styled    bool
	in        io.Reader
	out       io.Writer
}

func runConnect(ctx context.Context, s *config.Settings, a connectArgs) error {
	opts, closer, err := s.TransportOptions(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	manager := transport.NewManager(opts)

	resolver, _ := s.Resolver()
	lost := make(chan error, 1)
	surface := newTerminalSurface(a.out, a.styled, lost)
	dispatcher := components.NewDispatcher(resolver, surface)

	ctrl, err := session.NewController(a.chatID, session.Options{
		Connector:  manager,
		Resolver:   resolver,
		Messages:   surface,
		Components: dispatcher,
		Status:     surface,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = ctrl.Close()
		dispatcher.Wait()
	}()

	if err := ctrl.Connect(ctx, session.Params{
		Workflow:  a.workflow,
		ChatID:    a.chatID,
		SessionID: a.sessionID,
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return readInput(gctx, ctrl, a.in)
	})
	g.Go(func() error {
		return keepAlive(gctx, ctrl, s.Reconnect, lost)
	})

	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readInput forwards stdin lines until EOF, /quit or cancellation.
func readInput(ctx context.Context, ctrl *session.Controller, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if err != nil {
				return errors.Wrap(err, "read stdin")
			}
			return errQuit
		case line := <-lines:
			if err := handleLine(ctx, ctrl, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				log.Warn().Err(err).Str("component", "cli").Msg("command failed")
			}
		}
	}
}

func handleLine(ctx context.Context, ctrl *session.Controller, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return ctrl.Send(ctx, line)
	}

	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/reconnect":
		return ctrl.Reconnect(ctx)
	case "/action":
		if len(fields) < 2 {
			return errors.New("usage: /action <tool-id> [json]")
		}
		payload := map[string]any{}
		if len(fields) == 3 {
			if err := json.Unmarshal([]byte(fields[2]), &payload); err != nil {
				return errors.Wrap(err, "action payload")
			}
		}
		return ctrl.SendToolAction(ctx, fields[1], payload)
	default:
		return errors.Errorf("unknown command %s", fields[0])
	}
}

// keepAlive reconnects after the transport was lost, up to the configured
// number of attempts.
func keepAlive(ctx context.Context, ctrl *session.Controller, policy config.ReconnectSettings, lost <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cause := <-lost:
			if policy.MaxAttempts == 0 {
				return errors.Wrap(cause, "connection lost")
			}
			if err := reconnect(ctx, ctrl, policy); err != nil {
				return errors.Wrapf(err, "connection lost (%v)", cause)
			}
		}
	}
}

func reconnect(ctx context.Context, ctrl *session.Controller, policy config.ReconnectSettings) error {
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay):
		}
		log.Info().Str("component", "cli").Int("attempt", attempt).Msg("reconnecting")
		if err = ctrl.Reconnect(ctx); err == nil {
			return nil
		}
	}
	return err
}
