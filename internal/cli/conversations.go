package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/assistant-client/internal/model"
)

func newConversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List, show and delete conversations",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List conversations, most recent first",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				convs, err := a.client.ListConversations(cmd.Context())
				if err != nil {
					return err
				}
				if ok, err := encode(cmd.OutOrStdout(), a.output, convs); ok {
					return err
				}

				t := newTable(cmd.OutOrStdout(), "ID", "TITLE", "MODEL", "UPDATED").setMaxWidth(1, 48)
				for _, c := range convs {
					t.addRow(c.ID, c.DisplayTitle(), c.Model, formatTime(c.UpdatedAt))
				}
				return t.render()
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print a conversation's messages",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				conv, err := a.client.GetConversation(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ok, err := encode(cmd.OutOrStdout(), a.output, conv); ok {
					return err
				}
				printConversation(cmd, conv)
				return nil
			},
		},
		&cobra.Command{
			Use:     "delete <id>",
			Aliases: []string{"rm"},
			Short:   "Delete a conversation and its messages",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.client.DeleteConversation(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted conversation %s\n", successMark, args[0])
				return err
			},
		},
	)

	return cmd
}

func printConversation(cmd *cobra.Command, conv *model.Conversation) {
	out := cmd.OutOrStdout()
	markdown := isTerminal(out)

	_, _ = fmt.Fprintf(out, "%s %s\n", keyStyle.Render(conv.DisplayTitle()), dimStyle.Render(conv.ID))
	_, _ = fmt.Fprintf(out, "%s %s  %s %s\n\n",
		keyStyle.Render("Model:"), modelLabel(conv.Model),
		keyStyle.Render("Updated:"), formatTime(conv.UpdatedAt),
	)

	for _, msg := range conv.Messages {
		switch msg.Role {
		case model.RoleUser:
			_, _ = fmt.Fprintf(out, "%s%s\n\n", userPrompt, msg.Content)
		case model.RoleAssistant:
			content := msg.Content
			if markdown {
				content = renderMarkdown(content)
			}
			_, _ = fmt.Fprintf(out, "%s%s\n\n", assistantPrompt, strings.TrimRight(content, "\n"))
		default:
			_, _ = fmt.Fprintf(out, "%s\n\n", dimStyle.Render(string(msg.Role)+": "+msg.Content))
		}
	}
}
