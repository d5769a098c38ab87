package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unidesk/supportchat-client/internal/chat"
	"github.com/unidesk/supportchat-client/internal/proto"
	"github.com/unidesk/supportchat-client/internal/rest"
	"github.com/unidesk/supportchat-client/internal/session"
)

func newChatCmd() *cobra.Command {
	var name, email, subject string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the support chat as a customer or guest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(name, email, subject)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for a new guest session")
	cmd.Flags().StringVar(&email, "email", "", "contact email for a new guest session")
	cmd.Flags().StringVar(&subject, "subject", "", "what the conversation is about")
	return cmd
}

func runChat(name, email, subject string) error {
	a, _, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := a.Start(ctx)
	if err != nil {
		return err
	}

	if id.Mode == session.ModeNone {
		if name == "" {
			return fmt.Errorf("no session found; pass --name to start as a guest")
		}
		sess, err := a.Resolver.CreateGuestSession(ctx, rest.GuestProfile{
			Name:    name,
			Email:   email,
			Subject: subject,
		})
		if err != nil {
			return err
		}
		a.RefreshViewer()
		fmt.Printf("Started guest session as %s\n", sess.Name)
	} else {
		fmt.Printf("Resumed session (%s)\n", id.Mode)
	}

	// Print inbound traffic as it arrives.
	a.Bus.Subscribe(proto.EventNewMessage, func(data json.RawMessage) {
		var payload proto.NewMessageData
		if json.Unmarshal(data, &payload) != nil {
			return
		}
		m := payload.Message
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderName, m.Content)
	})
	a.Bus.Subscribe(proto.EventUserTyping, func(data json.RawMessage) {
		var payload proto.UserTypingData
		if json.Unmarshal(data, &payload) != nil {
			return
		}
		if payload.IsTyping {
			fmt.Printf("... %s is typing\n", payload.UserName)
		}
	})
	a.Bus.Subscribe(proto.EventDisconnected, func(json.RawMessage) {
		fmt.Println("(connection lost, retrying in background)")
	})
	a.Bus.Subscribe(proto.EventConnected, func(json.RawMessage) {
		fmt.Println("(connected)")
	})

	fmt.Println("Type a message and press Enter. /close rates and ends, /quit exits.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		a.Resolver.RecordActivity(ctx)

		switch {
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/close"):
			room := a.Sync.ActiveRoom()
			if room == nil {
				fmt.Println("no open conversation")
				continue
			}
			rating := parseRating(strings.TrimSpace(strings.TrimPrefix(line, "/close")))
			if err := a.Sync.CloseRoomWithRating(ctx, room.ID, rating, ""); err != nil {
				fmt.Printf("close failed: %v\n", err)
				continue
			}
			fmt.Println("conversation closed, thank you")
			return nil
		default:
			if _, err := a.Sync.SendMessage(ctx, line, chat.MessageText); err != nil {
				fmt.Printf("send failed (kept in log): %v\n", err)
			}
		}
	}
}

func parseRating(s string) int {
	switch s {
	case "1", "2", "3", "4", "5":
		return int(s[0] - '0')
	default:
		return 0
	}
}
