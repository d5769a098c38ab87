package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unidesk/supportchat-client/internal/chat"
	"github.com/unidesk/supportchat-client/internal/session"
	"github.com/unidesk/supportchat-client/internal/transport"
)

func newAgentCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Open the agent console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token (stored for next time)")
	return cmd
}

func runAgent(token string) error {
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

	if token != "" {
		if err := a.Resolver.Login(ctx, token); err != nil {
			return err
		}
		id = a.Resolver.Identity()
	}
	if id.Mode != session.ModeUser {
		return fmt.Errorf("agent console requires authentication; pass --token")
	}

	a.SetViewer(chat.Viewer{
		ID:   id.UserID,
		Name: id.UserName,
		Type: chat.SenderAgent,
		Mode: transport.AuthUser,
	})

	if err := a.Sync.RefreshRooms(ctx); err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	printRooms(a.Sync.Rooms())

	fmt.Println("Commands: rooms | join <id> | msg <text> | assign <id> <agent> | close <id> | quit")

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
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit":
			return nil
		case "rooms":
			printRooms(a.Sync.Rooms())
		case "join":
			if len(fields) < 2 {
				fmt.Println("usage: join <room-id>")
				continue
			}
			room, err := a.Sync.JoinRoom(ctx, fields[1])
			if err != nil {
				fmt.Printf("join failed: %v\n", err)
				continue
			}
			fmt.Printf("joined %s (%s)\n", room.ID, room.Status)
			for _, m := range a.Sync.Messages(room.ID) {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderName, m.Content)
			}
		case "msg":
			if len(fields) < 2 {
				fmt.Println("usage: msg <text>")
				continue
			}
			text := strings.Join(fields[1:], " ")
			if _, err := a.Sync.SendMessage(ctx, text, chat.MessageText); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		case "assign":
			if len(fields) < 3 {
				fmt.Println("usage: assign <room-id> <agent-id>")
				continue
			}
			if err := a.Sync.AssignAgent(fields[1], fields[2]); err != nil {
				fmt.Printf("assign failed: %v\n", err)
			}
		case "close":
			if len(fields) < 2 {
				fmt.Println("usage: close <room-id>")
				continue
			}
			if err := a.Sync.CloseRoom(ctx, fields[1], "resolved"); err != nil {
				fmt.Printf("close failed: %v\n", err)
			}
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func printRooms(rooms []chat.Room) {
	if len(rooms) == 0 {
		fmt.Println("no rooms")
		return
	}
	for _, r := range rooms {
		agent := "-"
		if r.Agent != nil {
			agent = r.Agent.Name
		}
		fmt.Printf("%s  %-8s unread=%d agent=%s  %s\n", r.ID, r.Status, r.Unread, agent, r.Subject)
	}
}
