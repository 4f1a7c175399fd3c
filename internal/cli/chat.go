package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistant-client/internal/chatview"
	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/internal/session"
)

const sendLongDesc string = `Send one message and print the assistant's reply.

The reply streams to stdout as it arrives. Tool activity and stream errors
are written to stderr. With -o json or -o yaml the completed reply is
printed as a single document instead.

Examples:
  chatctl send "summarize my week"
  chatctl send -c 6f1c... "and next week?"
  chatctl send --no-stream -o json "hello"`

const chatLongDesc string = `Start an interactive chat session.

Each line you type is sent as a message and the reply streams back. The
conversation carries over between messages.

Commands:
  /new           start a new conversation
  /model <name>  switch model for the next message
  /exit          quit (Ctrl+D also works)`

// reply is the machine-readable form of one exchange.
type reply struct {
	ConversationID string               `json:"conversation_id" yaml:"conversation_id"`
	MessageID      string               `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	Model          string               `json:"model,omitempty" yaml:"model,omitempty"`
	Content        string               `json:"content" yaml:"content"`
	ToolCalls      []model.ToolCallInfo `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	Error          string               `json:"error,omitempty" yaml:"error,omitempty"`
}

type sendCommander struct {
	app            *app
	conversationID string
	noStream       bool
	markdown       bool
}

func newSendCmd(a *app) *cobra.Command {
	cmder := &sendCommander{app: a}

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message and print the reply",
		Long:  sendLongDesc,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&cmder.conversationID, "conversation", "c", "", "Continue an existing conversation")
	cmd.Flags().BoolVar(&cmder.noStream, "no-stream", false, "Wait for the full reply instead of streaming")
	cmd.Flags().BoolVar(&cmder.markdown, "markdown", false, "Render the completed reply as markdown when stdout is a terminal")

	return cmd
}

func (c *sendCommander) run(cmd *cobra.Command, text string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if c.noStream {
		return c.sendBlocking(ctx, out, text)
	}

	structured := c.app.output != FormatTable
	p := &turnPrinter{
		out:    out,
		errOut: cmd.ErrOrStderr(),
		live:   !structured && !c.markdown,
	}
	view := chatview.New(c.app.model, chatview.WithObserver(p.handlers()))
	if c.conversationID != "" {
		view.Load(&model.Conversation{ID: c.conversationID})
	}

	r, err := runTurn(ctx, c.app, view, text)
	if err != nil {
		return err
	}

	if structured {
		if _, err := encode(out, c.app.output, r); err != nil {
			return err
		}
	} else {
		p.finish(r)
	}

	if r.Error != "" {
		return errors.New(r.Error)
	}
	return nil
}

func (c *sendCommander) sendBlocking(ctx context.Context, out io.Writer, text string) error {
	resp, err := c.app.client.SendMessage(ctx, model.ChatRequest{
		Message:        text,
		ConversationID: c.conversationID,
		Model:          c.app.model,
	})
	if err != nil {
		return err
	}

	r := &reply{
		ConversationID: resp.ConversationID,
		MessageID:      resp.Message.ID,
		Content:        resp.Message.Content,
		Model:          derefOr(resp.Message.Model, ""),
	}
	if ok, err := encode(out, c.app.output, r); ok {
		return err
	}

	content := r.Content
	if c.markdown && isTerminal(out) {
		content = renderMarkdown(content)
	}
	_, err = fmt.Fprintln(out, strings.TrimRight(content, "\n"))
	return err
}

type chatCommander struct {
	app            *app
	conversationID string
	markdown       bool
}

func newChatCmd(a *app) *cobra.Command {
	cmder := &chatCommander{app: a}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the assistant",
		Long:  chatLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().StringVarP(&cmder.conversationID, "conversation", "c", "", "Resume an existing conversation")
	cmd.Flags().BoolVar(&cmder.markdown, "markdown", false, "Render completed replies as markdown when stdout is a terminal")

	return cmd
}

func (c *chatCommander) run(cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	p := &turnPrinter{out: out, errOut: errOut, live: !c.markdown, prompt: true}
	view := chatview.New(c.app.model, chatview.WithObserver(p.handlers()))

	_, _ = fmt.Fprintln(out)
	if c.conversationID != "" {
		conv, err := c.app.client.GetConversation(ctx, c.conversationID)
		if err != nil {
			return fmt.Errorf("loading conversation: %w", err)
		}
		view.Load(conv)
		_, _ = fmt.Fprintf(out, "  %s Resuming %s %s\n",
			successMark,
			keyStyle.Render(conv.DisplayTitle()),
			dimStyle.Render(fmt.Sprintf("(%d messages)", len(conv.Messages))),
		)
	} else {
		_, _ = fmt.Fprintf(out, "  %s New conversation\n", dimStyle.Render("●"))
	}
	_, _ = fmt.Fprintf(out, "  %s\n\n", dimStyle.Render("Type your message and press Enter. /exit or Ctrl+D to quit."))

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for ctx.Err() == nil {
		_, _ = fmt.Fprint(out, userPrompt)
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "/exit":
			_, _ = fmt.Fprintln(out)
			return nil
		case input == "/new":
			view.Reset()
			_, _ = fmt.Fprintf(out, "  %s New conversation\n\n", dimStyle.Render("●"))
			continue
		case strings.HasPrefix(input, "/model"):
			name := strings.TrimSpace(strings.TrimPrefix(input, "/model"))
			view.SetModel(name)
			_, _ = fmt.Fprintf(out, "  %s %s\n\n", keyStyle.Render("Model:"), modelLabel(name))
			continue
		}

		r, err := runTurn(ctx, c.app, view, input)
		if err != nil {
			_, _ = fmt.Fprintf(errOut, "  %s %v\n\n", failMark, err)
			continue
		}
		p.finish(r)
		_, _ = fmt.Fprintln(out)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	_, _ = fmt.Fprintln(out)
	return nil
}

// runTurn streams one message through view. The error is non-nil only when
// the stream could not be opened; stream failures land in reply.Error.
func runTurn(ctx context.Context, a *app, view *chatview.State, text string) (*reply, error) {
	req := view.Begin(text)
	a.logger.Debug("sending message",
		zap.String("conversation_id", req.ConversationID),
		zap.String("model", req.Model),
	)

	res, err := a.sessions().Run(ctx, req, view.Handlers())
	if err != nil {
		view.Fail(err)
		return nil, err
	}

	snap := view.Snapshot()
	r := &reply{
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
		Model:          res.Model,
		ToolCalls:      res.ToolCalls,
	}
	if r.ConversationID == "" {
		r.ConversationID = snap.ConversationID
	}
	if res.State == session.StateCompleted {
		if n := len(snap.Messages); n > 0 && snap.Messages[n-1].Role == model.RoleAssistant {
			r.Content = snap.Messages[n-1].Content
		}
	} else {
		r.Error = snap.LastError
		if r.Error == "" && res.Err != nil {
			r.Error = res.Err.Error()
		}
	}

	a.logger.Debug("turn finished",
		zap.Stringer("state", res.State),
		zap.Duration("duration", res.Duration),
	)
	return r, nil
}

// turnPrinter writes a streaming reply to the terminal.
type turnPrinter struct {
	out    io.Writer
	errOut io.Writer

	// live prints deltas as they arrive; otherwise finish prints the
	// completed reply.
	live bool
	// prompt prefixes each reply with the assistant prompt.
	prompt bool

	started bool
}

func (p *turnPrinter) handlers() session.Handlers {
	return session.Handlers{
		OnDelta: func(content string) {
			if !p.live {
				return
			}
			p.begin()
			_, _ = fmt.Fprint(p.out, content)
		},
		OnToolCall: func(call model.ToolCallInfo) {
			args, _ := json.Marshal(call.Arguments)
			_, _ = fmt.Fprintf(p.errOut, "  %s %s %s\n", toolMark, call.Tool, dimStyle.Render(string(args)))
		},
		OnToolResult: func(call model.ToolCallInfo) {
			_, _ = fmt.Fprintf(p.errOut, "  %s %s\n", successMark, call.Tool)
		},
		OnError: func(message string) {
			_, _ = fmt.Fprintf(p.errOut, "  %s %s\n", failMark, message)
		},
		OnDecodeError: func(message string) {
			_, _ = fmt.Fprintf(p.errOut, "  %s %s\n", warnMark, dimStyle.Render(message))
		},
	}
}

func (p *turnPrinter) begin() {
	if p.started {
		return
	}
	p.started = true
	if p.prompt {
		_, _ = fmt.Fprint(p.out, assistantPrompt)
	}
}

// finish completes the reply started by the handlers and resets the printer
// for the next turn.
func (p *turnPrinter) finish(r *reply) {
	defer func() { p.started = false }()

	if p.live {
		if p.started {
			_, _ = fmt.Fprintln(p.out)
		}
		return
	}
	if r.Content == "" {
		return
	}

	p.begin()
	content := r.Content
	if isTerminal(p.out) {
		content = renderMarkdown(content)
	}
	_, _ = fmt.Fprintln(p.out, strings.TrimRight(content, "\n"))
}

func modelLabel(name string) string {
	if name == "" {
		return dimStyle.Render("backend default")
	}
	return name
}
