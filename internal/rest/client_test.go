package rest_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/unidesk/supportchat-client/internal/chattest"
	"github.com/unidesk/supportchat-client/internal/proto"
	"github.com/unidesk/supportchat-client/internal/rest"
)

func newTestClient(t *testing.T) (*rest.Client, *chattest.Server) {
	t.Helper()
	srv := chattest.New()
	t.Cleanup(srv.Close)
	return rest.NewClient(srv.URL(), nil), srv
}

func TestGuestSessionLifecycle(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	info, err := c.CreateGuestSession(ctx, rest.GuestProfile{Name: "A", Subject: "Help"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.SessionID == "" {
		t.Fatal("empty session id")
	}
	if srv.SessionName(info.SessionID) != "A" {
		t.Fatal("session not registered")
	}

	if err := c.EndGuestSession(ctx, info.SessionID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if srv.SessionName(info.SessionID) != "" {
		t.Fatal("session not removed")
	}
}

func TestRequestsWithoutAuthAreRejected(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.ListRooms(context.Background())
	var apiErr *rest.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 401 {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
}

func TestGetMessagesPagination(t *testing.T) {
	c, srv := newTestClient(t)
	c.SetGuestSession("g1")

	srv.AddRoom(proto.Room{ID: "r1", Status: "active", CreatedAt: time.Now(), LastActivity: time.Now()})
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		srv.AddMessage(proto.Message{
			ID: "m" + strconv.Itoa(i), RoomID: "r1", SenderID: "agent-1",
			Content: "h", Type: "text", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	page1, err := c.GetMessages(context.Background(), "r1", 1, 5)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1.Messages) != 5 || !page1.HasMore {
		t.Fatalf("page 1 = %d messages, has_more %v", len(page1.Messages), page1.HasMore)
	}

	page2, err := c.GetMessages(context.Background(), "r1", 2, 5)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2.Messages) != 2 || page2.HasMore {
		t.Fatalf("page 2 = %d messages, has_more %v", len(page2.Messages), page2.HasMore)
	}
}

func TestSendMessagePreservesTempID(t *testing.T) {
	c, srv := newTestClient(t)
	c.SetGuestSession("g1")
	srv.AddRoom(proto.Room{ID: "r1", Status: "active", CreatedAt: time.Now(), LastActivity: time.Now()})

	msg, err := c.SendMessage(context.Background(), "r1", "hello", "text", "temp-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == "" || msg.TempID != "temp-1" {
		t.Fatalf("msg = id %q temp %q, want server id and temp-1", msg.ID, msg.TempID)
	}
}

func TestCloseRoomConflictMapsToErrAlreadyClosed(t *testing.T) {
	c, srv := newTestClient(t)
	c.SetGuestSession("g1")
	srv.AddRoom(proto.Room{ID: "r1", Status: "active", CreatedAt: time.Now(), LastActivity: time.Now()})

	if err := c.CloseRoomWithRating(context.Background(), "r1", 4, "ok"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if srv.Rating("r1") != 4 {
		t.Fatalf("rating = %d, want 4", srv.Rating("r1"))
	}

	err := c.CloseRoom(context.Background(), "r1", "again")
	if !errors.Is(err, rest.ErrAlreadyClosed) {
		t.Fatalf("err = %v, want ErrAlreadyClosed", err)
	}
}

func TestUploadFile(t *testing.T) {
	c, srv := newTestClient(t)
	c.SetGuestSession("g1")
	srv.AddRoom(proto.Room{ID: "r1", Status: "active", CreatedAt: time.Now(), LastActivity: time.Now()})

	msg, err := c.UploadFile(context.Background(), "r1", "receipt.pdf", strings.NewReader("%PDF-1.4"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if msg.Type != "file" || msg.Content != "receipt.pdf" {
		t.Fatalf("msg = type %q content %q", msg.Type, msg.Content)
	}
}
