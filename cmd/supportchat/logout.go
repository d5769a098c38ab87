package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/unidesk/supportchat-client/internal/session"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the current session and clear stored identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if _, err := a.Start(ctx); err != nil {
				return err
			}
			a.Resolver.EndSession(ctx, session.ReasonManual)
			fmt.Println("session ended")
			return nil
		},
	}
}
