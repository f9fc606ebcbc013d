package main

import (
	"context"
	"fmt"
	"time"

	parley "github.com/parleyhq/parley-go"
	"github.com/spf13/cobra"
)

var (
	sendImageURL  string
	sendImageName string
	sendImageType string
)

func init() {
	sendCmd.Flags().StringVar(&sendImageURL, "image-url", "", "send an image message with this already-uploaded URL")
	sendCmd.Flags().StringVar(&sendImageName, "image-name", "", "attachment filename")
	sendCmd.Flags().StringVar(&sendImageType, "image-type", "", "attachment media type")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(verboseFlag)
		client := getClient(logger)

		store := parley.NewStore(logger)
		gw := parley.NewGateway(client, store, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		kind := parley.KindText
		var attachment *parley.Attachment
		if sendImageURL != "" {
			kind = parley.KindImage
			attachment = &parley.Attachment{
				URL:  sendImageURL,
				Name: sendImageName,
				Type: sendImageType,
			}
		}

		msg, err := gw.Send(ctx, parley.ConvID(args[0]), args[1], kind, attachment)
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s to %s\n", msg.ID, msg.ConversationID)
		return nil
	},
}
