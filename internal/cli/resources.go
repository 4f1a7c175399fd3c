package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/assistant-client/internal/model"
)

func newModelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the backend can use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			models, err := a.client.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			if ok, err := encode(cmd.OutOrStdout(), a.output, models); ok {
				return err
			}

			t := newTable(cmd.OutOrStdout(), "ID", "OWNED BY")
			for _, m := range models {
				t.addRow(m.ID, m.OwnedBy)
			}
			return t.render()
		},
	}
}

func newMemoriesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "memories",
		Aliases: []string{"mem"},
		Short:   "Inspect what the assistant remembers",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List stored memories",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				items, err := a.client.ListMemories(cmd.Context())
				if err != nil {
					return err
				}
				return printMemories(cmd, a.output, items)
			},
		},
		&cobra.Command{
			Use:   "search <query>",
			Short: "Search memories",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				items, err := a.client.SearchMemories(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printMemories(cmd, a.output, items)
			},
		},
		&cobra.Command{
			Use:     "delete <id>",
			Aliases: []string{"rm"},
			Short:   "Forget a memory",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.client.DeleteMemory(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted memory %s\n", successMark, args[0])
				return err
			},
		},
	)

	return cmd
}

func printMemories(cmd *cobra.Command, format string, items []model.MemoryItem) error {
	if ok, err := encode(cmd.OutOrStdout(), format, items); ok {
		return err
	}

	t := newTable(cmd.OutOrStdout(), "ID", "MEMORY", "UPDATED").setMaxWidth(1, 72)
	for _, m := range items {
		updated := derefOr(m.UpdatedAt, derefOr(m.CreatedAt, "-"))
		t.addRow(m.ID, m.Memory, updated)
	}
	return t.render()
}
