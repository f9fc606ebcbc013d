package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	listQuery string
	listRole  string
)

func init() {
	conversationsCmd.Flags().StringVarP(&listQuery, "query", "q", "", "filter by participant name or last-message text")
	conversationsCmd.Flags().StringVar(&listRole, "role", "", "filter by participant role")
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(verboseFlag)
		client := getClient(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return err
		}

		store := newStoreFrom(convs)
		for _, c := range store.FilterConversations(listRole, listQuery) {
			fmt.Printf("%-24s  %-20s  %s\n", c.ID, participantsOf(c), previewOf(c))
		}
		return nil
	},
}
