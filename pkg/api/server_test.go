package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/holoboard/pkg/board"
	"github.com/astromechza/holoboard/pkg/httplog"
)

func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "boards.db"))
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	router := mux.NewRouter()
	s.Register(router)
	srv := httptest.NewServer(httplog.Middleware(router))
	t.Cleanup(func() {
		srv.Close()
		_ = s.Close()
	})
	return s, NewClient(srv.URL + "/")
}

func sampleData() *BoardData {
	s := board.NewShape(board.ShapeCircle, 5, 5)
	s.ID = "s1"
	return &BoardData{Shapes: []board.Shape{s}, Connectors: []board.Connector{{ID: "c1", From: "s1", To: "s1"}}}
}

func TestClient_SaveAndLoad(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()

	_, found, err := c.LoadBoard(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, found)

	rec, err := c.SaveBoard(ctx, SaveRequest{RoomID: "r1", UserID: "u1", Name: "first", Data: sampleData()})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "first", rec.Name)

	snap, found, err := c.LoadBoard(ctx, "r1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, board.ShapeCircle, snap.Shapes["s1"].Type)
	assert.Equal(t, "s1", snap.Connectors["c1"].From)

	again, err := c.SaveBoard(ctx, SaveRequest{RoomID: "r1", UserID: "u1", Name: "renamed", Data: &BoardData{}})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID, "one record per room")
	assert.Equal(t, "renamed", again.Name)
	assert.True(t, again.CreatedAt.After(rec.CreatedAt))
}

func TestClient_ListNewestFirst(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()
	for _, room := range []string{"a", "b", "c"} {
		_, err := c.SaveBoard(ctx, SaveRequest{RoomID: room, UserID: "u1", Name: room})
		require.NoError(t, err)
	}
	_, err := c.SaveBoard(ctx, SaveRequest{RoomID: "z", UserID: "someone-else"})
	require.NoError(t, err)
	_, err = c.SaveBoard(ctx, SaveRequest{RoomID: "a", UserID: "u1", Name: "a"})
	require.NoError(t, err)

	records, err := c.ListBoards(ctx, "u1")
	require.NoError(t, err)
	var rooms []string
	for _, r := range records {
		rooms = append(rooms, r.RoomID)
	}
	assert.Equal(t, []string{"a", "c", "b"}, rooms)

	resp, err := http.Get(c.BaseURL + "/api/boards/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.Len(t, raw, 3)
	assert.Equal(t, records[0].ID, raw[0]["_id"])
	assert.NotContains(t, raw[0], "id")
	for _, key := range []string{"roomId", "name", "createdAt"} {
		assert.Contains(t, raw[0], key)
	}

	records, err = c.ListBoards(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestClient_Delete(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()
	rec, err := c.SaveBoard(ctx, SaveRequest{RoomID: "r1", UserID: "u1", Data: sampleData()})
	require.NoError(t, err)

	require.NoError(t, c.DeleteBoard(ctx, rec.ID))
	_, found, err := c.LoadBoard(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, found)

	assert.ErrorIs(t, c.DeleteBoard(ctx, rec.ID), ErrNotFound)
}

func TestServer_RejectsBadSaves(t *testing.T) {
	_, c := startServer(t)
	resp, err := http.Post(c.BaseURL+"/api/save", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = c.SaveBoard(context.Background(), SaveRequest{UserID: "u1"})
	assert.ErrorContains(t, err, "roomId is required")
}

func TestClient_UnreachableServer(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, _, err := c.LoadBoard(context.Background(), "r1")
	assert.Error(t, err)
}
