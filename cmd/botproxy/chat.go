package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"BotProxy/internal/api"
	"BotProxy/internal/chatbot"
)

func newChatCmd(flags *globalFlags) *cobra.Command {
	var assistantID, userID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to an assistant from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			repl := chatbot.NewREPL(a.bot, assistantID, userID, cmd.InOrStdin(), cmd.OutOrStdout())
			return repl.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&assistantID, "assistant", "", "assistant id")
	cmd.Flags().StringVar(&userID, "user", "cli", "user id the session is keyed by")
	_ = cmd.MarkFlagRequired("assistant")
	return cmd
}

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var assistantID, userID string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored transcript of an assistant/user pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireBase(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			msgs, err := a.store.ListMessages(cmd.Context(), assistantID, userID, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				ts := time.UnixMilli(m.CreatedTs).UTC().Format(time.RFC3339)
				if _, err := fmt.Fprintf(out, "[%s] %s: %s\n", ts, m.Role, m.Content); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&assistantID, "assistant", "", "assistant id")
	cmd.Flags().StringVar(&userID, "user", api.AnonymousUser, "user id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of messages")
	_ = cmd.MarkFlagRequired("assistant")
	return cmd
}
