package main

import (
	"fmt"
	"os"

	parley "github.com/parleyhq/parley-go"
	"go.uber.org/zap"
)

// getClient creates a Parley client from the stored configuration.
func getClient(logger *zap.Logger) *parley.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'parley init <token>' first.")
		os.Exit(1)
	}

	opts := []parley.ClientOption{parley.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, parley.WithBaseURL(cfg.Default.BaseURL))
	}
	return parley.NewClient(cfg.Default.Token, opts...)
}

// newLogger builds the CLI logger. Verbose switches to development output.
func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// newStoreFrom seeds a store from a fetched conversation list so the CLI can
// reuse the SDK's filter views.
func newStoreFrom(convs []parley.Conversation) *parley.Store {
	store := parley.NewStore(nil)
	store.ReplaceAll(convs)
	return store
}

// participantsOf renders a conversation's participants for list output.
func participantsOf(c parley.Conversation) string {
	names := ""
	for i, p := range c.Participants {
		if i > 0 {
			names += ", "
		}
		if p.DisplayName != "" {
			names += p.DisplayName
		} else {
			names += p.Username
		}
	}
	return names
}

// previewOf renders a conversation's last message for list output.
func previewOf(c parley.Conversation) string {
	if c.LastMessage == nil {
		return "(no messages)"
	}
	if c.LastMessage.Deleted {
		return "(deleted)"
	}
	if c.LastMessage.Kind == parley.KindImage {
		return "(image) " + c.LastMessage.Content
	}
	return c.LastMessage.Content
}
