package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"school_billing_echo/internal/config"
	"school_billing_echo/internal/services"
)

func notifyTestCmd() *cobra.Command {
	var msg string

	cmd := &cobra.Command{
		Use:   "notify-test <phone-or-group-id>",
		Short: "Send a WhatsApp test message through WAHA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			waha := services.NewWahaService(cfg.WahaBaseURL, cfg.WahaAPIKey)

			chatID := services.NormalizeChatID(args[0])
			fmt.Printf("Sending message to %s: %s\n", chatID, msg)
			if err := waha.SendMessage(cmd.Context(), chatID, msg); err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}
			fmt.Println("Message sent successfully!")
			return nil
		},
	}

	cmd.Flags().StringVarP(&msg, "msg", "m", "Test message from the billing engine", "Message body")
	return cmd
}
