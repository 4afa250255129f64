package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/astromechza/holoboard/pkg/board"
)

// Client talks to the persistence api. Every failure is returned to the caller; none of them affect live
// collaboration.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimSuffix(baseURL, "/"), HTTPClient: http.DefaultClient}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, e.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) SaveBoard(ctx context.Context, req SaveRequest) (Record, error) {
	var out struct {
		Board Record `json:"board"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/save", req, &out); err != nil {
		return Record{}, err
	}
	return out.Board, nil
}

func (c *Client) ListBoards(ctx context.Context, userID string) ([]Record, error) {
	var out []Record
	if _, err := c.do(ctx, http.MethodGet, "/api/boards/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadBoard returns the board saved for a room, reporting false when nothing has been saved.
func (c *Client) LoadBoard(ctx context.Context, roomID string) (board.Snapshot, bool, error) {
	var out Record
	if _, err := c.do(ctx, http.MethodGet, "/api/board/"+url.PathEscape(roomID), nil, &out); err != nil {
		return board.Snapshot{}, false, err
	}
	if out.Data == nil {
		return board.EmptySnapshot(), false, nil
	}
	return out.Data.Snapshot(), true, nil
}

func (c *Client) DeleteBoard(ctx context.Context, id string) error {
	status, err := c.do(ctx, http.MethodDelete, "/api/boards/"+url.PathEscape(id), nil, nil)
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}
