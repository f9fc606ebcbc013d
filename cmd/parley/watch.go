package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	parley "github.com/parleyhq/parley-go"
	"github.com/spf13/cobra"
)

var watchConversation string

func init() {
	watchCmd.Flags().StringVarP(&watchConversation, "conversation", "c", "", "open one conversation and print its timeline first")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live conversation activity",
	Long:  "Connect to the push channel, join every known conversation, and print messages as they arrive. Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(verboseFlag)
		client := getClient(logger)

		store := parley.NewStore(logger)
		rt := client.Realtime(&parley.RealtimeConfig{AutoReconnect: true})
		engine := parley.NewEngine(client, store, rt, logger)
		defer engine.Close()

		rt.OnMessageCreated("cli.print", func(m parley.Message) {
			fmt.Printf("[%s] %s %s: %s\n",
				m.CreatedAt.Local().Format("15:04:05"), m.ConversationID, m.Sender.ID, m.Content)
		})
		rt.OnStateChange("cli.print", func(s parley.ConnState) {
			fmt.Fprintf(os.Stderr, "-- connection %s\n", s)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := rt.Connect(ctx); err != nil {
			cancel()
			return err
		}
		if err := engine.Bootstrap(ctx); err != nil {
			cancel()
			return err
		}
		if watchConversation != "" {
			if err := engine.OpenConversation(ctx, parley.ConvID(watchConversation)); err != nil {
				cancel()
				return err
			}
			if timeline, ok := store.Timeline(parley.ConvID(watchConversation)); ok {
				for _, m := range timeline {
					fmt.Printf("[%s] %s: %s\n",
						m.CreatedAt.Local().Format("15:04:05"), m.Sender.ID, m.Content)
				}
			}
		}
		cancel()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt)
		<-stop
		return rt.Disconnect()
	},
}
