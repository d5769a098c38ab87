package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unidesk/supportchat-client/internal/proto"
)

// ErrAlreadyClosed is reported when closing a room the server already
// considers closed. Callers treat it as success: the intended end state holds.
var ErrAlreadyClosed = errors.New("room already closed")

// APIError is a non-2xx response decoded from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// GuestProfile is the profile submitted when opening a guest session.
type GuestProfile struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// GuestSessionInfo is the server's answer to a session-creation call.
type GuestSessionInfo struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagesPage is one page of room history, oldest-first.
type MessagesPage struct {
	Messages []proto.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// Client calls the support-chat REST collaborators. Guest-mode requests carry
// the guest session header instead of a bearer token; the session resolver
// switches the client between the two.
type Client struct {
	base string
	http *http.Client
	log  *zerolog.Logger

	mu      sync.Mutex
	bearer  string
	guestID string
}

// NewClient builds a REST client against the given base URL.
func NewClient(baseURL string, logger *zerolog.Logger) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: 15 * time.Second},
		log:  logger,
	}
}

// SetBearer switches the client to authenticated-user requests.
func (c *Client) SetBearer(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bearer = token
	c.guestID = ""
}

// SetGuestSession switches the client to guest requests.
func (c *Client) SetGuestSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guestID = sessionID
	c.bearer = ""
}

// ClearAuth drops any configured credentials.
func (c *Client) ClearAuth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bearer = ""
	c.guestID = ""
}

// CreateGuestSession opens an anonymous session for the given profile.
func (c *Client) CreateGuestSession(ctx context.Context, profile GuestProfile) (*GuestSessionInfo, error) {
	var info GuestSessionInfo
	if err := c.do(ctx, http.MethodPost, "/api/guest/sessions", profile, &info); err != nil {
		return nil, fmt.Errorf("create guest session: %w", err)
	}
	return &info, nil
}

// EndGuestSession invalidates a guest session server-side.
func (c *Client) EndGuestSession(ctx context.Context, sessionID string) error {
	path := "/api/guest/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("end guest session: %w", err)
	}
	return nil
}

// ListRooms returns the rooms visible to the current identity.
func (c *Client) ListRooms(ctx context.Context) ([]proto.Room, error) {
	var out struct {
		Rooms []proto.Room `json:"rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &out); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return out.Rooms, nil
}

// GetRoom returns one room by id.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*proto.Room, error) {
	var room proto.Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, &room); err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	return &room, nil
}

// GetMessages returns one page of room history, oldest-first. Pages are
// 1-based.
func (c *Client) GetMessages(ctx context.Context, roomID string, page, pageSize int) (*MessagesPage, error) {
	path := fmt.Sprintf("/api/rooms/%s/messages?page=%s&page_size=%s",
		url.PathEscape(roomID), strconv.Itoa(page), strconv.Itoa(pageSize))
	var out MessagesPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get messages for %s: %w", roomID, err)
	}
	return &out, nil
}

// SendMessage delivers a message over REST. This is the fallback path used
// when the transport is unavailable; the returned message is canonical.
func (c *Client) SendMessage(ctx context.Context, roomID, content, msgType, tempID string) (*proto.Message, error) {
	body := struct {
		Content string `json:"content"`
		Type    string `json:"type"`
		TempID  string `json:"temp_id,omitempty"`
	}{Content: content, Type: msgType, TempID: tempID}

	var msg proto.Message
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/messages", body, &msg); err != nil {
		return nil, fmt.Errorf("send message to %s: %w", roomID, err)
	}
	return &msg, nil
}

// CloseRoom closes a room. An already-closed conflict maps to
// ErrAlreadyClosed so callers can treat it as success.
func (c *Client) CloseRoom(ctx context.Context, roomID, reason string) error {
	return c.closeRoom(ctx, roomID, reason, 0, "")
}

// CloseRoomWithRating is the customer-initiated close carrying an optional
// rating (1-5) and comment.
func (c *Client) CloseRoomWithRating(ctx context.Context, roomID string, rating int, comment string) error {
	return c.closeRoom(ctx, roomID, "customer_closed", rating, comment)
}

func (c *Client) closeRoom(ctx context.Context, roomID, reason string, rating int, comment string) error {
	body := struct {
		Reason  string `json:"reason,omitempty"`
		Rating  int    `json:"rating,omitempty"`
		Comment string `json:"comment,omitempty"`
	}{Reason: reason, Rating: rating, Comment: comment}

	err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/close", body, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return ErrAlreadyClosed
		}
		return fmt.Errorf("close room %s: %w", roomID, err)
	}
	return nil
}

// UploadFile streams a file into a room and returns the message reference the
// server created for it.
func (c *Client) UploadFile(ctx context.Context, roomID, filename string, r io.Reader) (*proto.Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("copy file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/rooms/"+url.PathEscape(roomID)+"/files", &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload file to %s: %w", roomID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.decodeError(resp)
	}

	var msg proto.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.bearer != "":
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	case c.guestID != "":
		req.Header.Set("X-Guest-Session", c.guestID)
	}
}

func (c *Client) decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	}
	if c.log != nil {
		c.log.Debug().Int("status", resp.StatusCode).Str("code", apiErr.Code).Msg("api error response")
	}
	return apiErr
}
