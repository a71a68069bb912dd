package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"im-sync/internal/client"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, _, err := loadSync()
		if err != nil {
			return err
		}
		list, err := client.New(sc, nil).ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tNAME\tUNREAD\tLAST")
		for _, c := range list {
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Content.Preview()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Type, title(c), c.UnreadCount, last)
		}
		return w.Flush()
	},
}
