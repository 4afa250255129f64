package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/holoboard/pkg/board"
)

const maxBodyBytes = 10 << 20

var ErrNotFound = errors.New("board not found")

// BoardData is the saved content of a board.
type BoardData struct {
	Shapes     []board.Shape     `json:"shapes"`
	Connectors []board.Connector `json:"connectors"`
}

func DataFromSnapshot(s board.Snapshot) *BoardData {
	shapes, connectors := s.Lists()
	return &BoardData{Shapes: shapes, Connectors: connectors}
}

func (d *BoardData) Snapshot() board.Snapshot {
	out := board.EmptySnapshot()
	if d == nil {
		return out
	}
	for _, s := range d.Shapes {
		out.Shapes[s.ID] = s
	}
	for _, c := range d.Connectors {
		out.Connectors[c.ID] = c
	}
	return out
}

// Record is one saved board. There is at most one record per room.
type Record struct {
	ID        string     `json:"_id"`
	RoomID    string     `json:"roomId"`
	UserID    string     `json:"userId"`
	Name      string     `json:"name"`
	Data      *BoardData `json:"data"`
	CreatedAt time.Time  `json:"createdAt"`
}

type SaveRequest struct {
	RoomID string     `json:"roomId"`
	UserID string     `json:"userId"`
	Name   string     `json:"name"`
	Data   *BoardData `json:"data"`
}

// Server stores saved boards in sqlite and serves them over a small REST api.
type Server struct {
	database *sql.DB
	now      func() time.Time
}

func Open(path string) (*Server, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Server{database: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	slog.Info("Creating board tables")
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS boards (
		id text not null primary key,
		room_id text not null unique,
		user_id text not null,
		name text not null,
		data text not null,
		created_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create boards table: %w", err)
	}
	if _, err := s.database.Exec(`CREATE INDEX IF NOT EXISTS boards_by_user ON boards (user_id, created_at)`); err != nil {
		return fmt.Errorf("failed to create boards index: %w", err)
	}
	return nil
}

func (s *Server) Close() error {
	return s.database.Close()
}

// Register adds the api routes to a router.
func (s *Server) Register(router *mux.Router) {
	router.HandleFunc("/api/save", s.save).Methods(http.MethodPost)
	router.HandleFunc("/api/boards/{userId}", s.list).Methods(http.MethodGet)
	router.HandleFunc("/api/board/{roomId}", s.get).Methods(http.MethodGet)
	router.HandleFunc("/api/boards/{id}", s.delete).Methods(http.MethodDelete)
}

func writeJSON(writer http.ResponseWriter, status int, v interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write", "err", err)
	}
}

func writeError(writer http.ResponseWriter, status int, err error) {
	writeJSON(writer, status, map[string]string{"error": err.Error()})
}

// Save upserts the board for a room. The creation time is refreshed on every save so lists show the most recently
// saved board first.
func (s *Server) Save(ctx context.Context, req SaveRequest) (Record, error) {
	if req.RoomID == "" {
		return Record{}, errors.New("roomId is required")
	}
	if req.Data == nil {
		req.Data = &BoardData{}
	}
	rawData, err := json.Marshal(req.Data)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode board: %w", err)
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO boards (id, room_id, user_id, name, data, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (room_id) DO UPDATE SET user_id = excluded.user_id, name = excluded.name, data = excluded.data, created_at = excluded.created_at`,
		uuid.NewString(), req.RoomID, req.UserID, req.Name, string(rawData), now.UnixMilli(),
	); err != nil {
		return Record{}, fmt.Errorf("failed to save board: %w", err)
	}
	return s.Get(ctx, req.RoomID)
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var r Record
	var rawData string
	var createdAt int64
	if err := scan(&r.ID, &r.RoomID, &r.UserID, &r.Name, &rawData, &createdAt); err != nil {
		return r, err
	}
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.Data = &BoardData{}
	if err := json.Unmarshal([]byte(rawData), r.Data); err != nil {
		return r, fmt.Errorf("failed to decode board %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *Server) Get(ctx context.Context, roomID string) (Record, error) {
	r, err := scanRecord(s.database.QueryRowContext(
		ctx, `SELECT id, room_id, user_id, name, data, created_at FROM boards WHERE room_id = $1`, roomID,
	).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

func (s *Server) List(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.database.QueryContext(
		ctx, `SELECT id, room_id, user_id, name, data, created_at FROM boards WHERE user_id = $1 ORDER BY created_at DESC, id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query boards: %w", err)
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Server) Delete(ctx context.Context, id string) error {
	res, err := s.database.ExecContext(ctx, `DELETE FROM boards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete board: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Server) save(writer http.ResponseWriter, request *http.Request) {
	var req SaveRequest
	if err := json.NewDecoder(http.MaxBytesReader(writer, request.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(writer, http.StatusBadRequest, fmt.Errorf("failed to decode body: %w", err))
		return
	}
	if req.RoomID == "" {
		writeError(writer, http.StatusBadRequest, errors.New("roomId is required"))
		return
	}
	r, err := s.Save(request.Context(), req)
	if err != nil {
		slog.Error("failed to save board", "room", req.RoomID, "err", err)
		writeError(writer, http.StatusInternalServerError, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]interface{}{"success": true, "board": r})
}

func (s *Server) list(writer http.ResponseWriter, request *http.Request) {
	records, err := s.List(request.Context(), mux.Vars(request)["userId"])
	if err != nil {
		slog.Error("failed to list boards", "err", err)
		writeError(writer, http.StatusInternalServerError, err)
		return
	}
	writeJSON(writer, http.StatusOK, records)
}

func (s *Server) get(writer http.ResponseWriter, request *http.Request) {
	r, err := s.Get(request.Context(), mux.Vars(request)["roomId"])
	if errors.Is(err, ErrNotFound) {
		writeJSON(writer, http.StatusOK, map[string]interface{}{"data": nil})
		return
	} else if err != nil {
		slog.Error("failed to get board", "err", err)
		writeError(writer, http.StatusInternalServerError, err)
		return
	}
	writeJSON(writer, http.StatusOK, r)
}

func (s *Server) delete(writer http.ResponseWriter, request *http.Request) {
	err := s.Delete(request.Context(), mux.Vars(request)["id"])
	if errors.Is(err, ErrNotFound) {
		writeError(writer, http.StatusNotFound, err)
		return
	} else if err != nil {
		slog.Error("failed to delete board", "err", err)
		writeError(writer, http.StatusInternalServerError, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]interface{}{"success": true})
}
