// Package cli implements chatctl, a terminal client for the assistant
// backend.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistant-client/internal/backend"
	"github.com/capitalize-ai/assistant-client/internal/config"
	"github.com/capitalize-ai/assistant-client/internal/session"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
)

const rootLongDesc string = `chatctl talks to the assistant backend from the terminal.

Send a message and stream the reply:
  chatctl send "what's on my calendar tomorrow?"

Start an interactive chat:
  chatctl chat --model gpt-4o

Manage stored conversations, memories and scheduled tasks:
  chatctl conversations list
  chatctl memories search coffee
  chatctl tasks list -o yaml

Defaults for --backend, --token and --model come from BACKEND_URL,
BACKEND_TOKEN and DEFAULT_MODEL (a .env file is honoured).`

const rootShortDesc string = "Terminal client for the assistant backend"

// app holds the global flags and the clients built from them.
type app struct {
	backendURL string
	token      string
	model      string
	output     string
	timeout    time.Duration
	verbose    bool

	logger *logger.Logger
	client *backend.Client
}

// NewRootCmd builds the chatctl command tree.
func NewRootCmd() *cobra.Command {
	cfg := config.Load()
	a := &app{}

	cmd := &cobra.Command{
		Use:          "chatctl",
		Short:        rootShortDesc,
		Long:         rootLongDesc,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.backendURL, "backend", "b", cfg.BackendURL, "Assistant backend URL")
	flags.StringVar(&a.token, "token", cfg.BackendToken, "Bearer token sent to the backend")
	flags.StringVarP(&a.model, "model", "m", cfg.DefaultModel, "Model for new messages (empty uses the backend default)")
	flags.StringVarP(&a.output, "output", "o", FormatTable, "Output format: table, json or yaml")
	flags.DurationVar(&a.timeout, "timeout", cfg.RequestTimeout, "Timeout for non-streaming requests")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging on stderr")

	cmd.AddCommand(
		newSendCmd(a),
		newChatCmd(a),
		newConversationsCmd(a),
		newModelsCmd(a),
		newMemoriesCmd(a),
		newTasksCmd(a),
	)

	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	if err := validFormat(a.output); err != nil {
		return err
	}

	level := "warn"
	if a.verbose {
		level = "debug"
	}
	a.logger = logger.NewWithWriter(level, cmd.ErrOrStderr())

	client, err := backend.New(a.backendURL,
		backend.WithToken(a.token),
		backend.WithUserAgent("chatctl"),
		backend.WithRequestTimeout(a.timeout),
		backend.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("configuring backend: %w", err)
	}
	a.client = client

	a.logger.Debug("backend configured",
		zap.String("url", client.BaseURL()),
		zap.Bool("token", a.token != ""),
	)
	return nil
}

func (a *app) sessions() *session.Controller {
	return session.NewController(a.client, a.logger)
}
