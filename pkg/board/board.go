package board

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

type ShapeType string

const (
	ShapeRect     ShapeType = "rect"
	ShapeCircle   ShapeType = "circle"
	ShapeDiamond  ShapeType = "diamond"
	ShapeSticky   ShapeType = "sticky"
	ShapeImage    ShapeType = "image"
	ShapeLine     ShapeType = "line"
	ShapeEraser   ShapeType = "eraser"
	ShapeTriangle ShapeType = "triangle"
	ShapeHexagon  ShapeType = "hexagon"
	ShapeStar     ShapeType = "star"
	ShapeArrow    ShapeType = "arrow"
	ShapeText     ShapeType = "text"
)

// Radial reports whether x/y is the centroid of the shape rather than its top-left corner.
func (t ShapeType) Radial() bool {
	switch t {
	case ShapeCircle, ShapeDiamond, ShapeTriangle, ShapeHexagon, ShapeStar:
		return true
	}
	return false
}

// Stroke reports whether the shape is described by its points.
func (t ShapeType) Stroke() bool {
	return t == ShapeLine || t == ShapeEraser || t == ShapeArrow
}

func (t ShapeType) Valid() bool {
	switch t {
	case ShapeRect, ShapeCircle, ShapeDiamond, ShapeSticky, ShapeImage, ShapeLine,
		ShapeEraser, ShapeTriangle, ShapeHexagon, ShapeStar, ShapeArrow, ShapeText:
		return true
	}
	return false
}

// Shape is a single element on the canvas. It is replicated as a whole value: a concurrent write to the same id
// replaces the entire shape.
type Shape struct {
	ID          string    `json:"id"`
	Type        ShapeType `json:"type"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Width       *float64  `json:"width,omitempty"`
	Height      *float64  `json:"height,omitempty"`
	Rotation    float64   `json:"rotation,omitempty"`
	Fill        string    `json:"fill,omitempty"`
	Text        string    `json:"text,omitempty"`
	Points      []float64 `json:"points,omitempty"`
	Stroke      string    `json:"stroke,omitempty"`
	StrokeWidth float64   `json:"strokeWidth,omitempty"`
	Src         string    `json:"src,omitempty"`
}

// NewShape returns a shape of the given type with a fresh id and the default fill, label and size for that type.
func NewShape(t ShapeType, x, y float64) Shape {
	s := Shape{ID: uuid.NewString(), Type: t, X: x, Y: y}
	if t.Stroke() {
		s.Stroke = "#df4b26"
		s.StrokeWidth = 3
		return s
	}
	s.Fill, s.Text = "#ff6b6b", "Label"
	switch t {
	case ShapeCircle:
		s.Fill = "#4ecdc4"
	case ShapeDiamond:
		s.Fill, s.Text = "#ffe66d", "Decision"
	case ShapeSticky:
		s.Fill, s.Text = "#fff740", "Note"
	case ShapeImage, ShapeText:
		s.Fill = ""
	}
	w, h := DefaultSize(t)
	s.Width, s.Height = &w, &h
	return s
}

// DefaultSize is the size used when a shape has no explicit width or height.
func DefaultSize(t ShapeType) (float64, float64) {
	switch t {
	case ShapeSticky:
		return 150, 150
	case ShapeDiamond:
		return 120, 120
	case ShapeLine, ShapeEraser, ShapeArrow:
		return 0, 0
	}
	return 100, 100
}

// Size returns the width and height of the shape, falling back to the type defaults.
func (s Shape) Size() (float64, float64) {
	w, h := DefaultSize(s.Type)
	if s.Width != nil {
		w = *s.Width
	}
	if s.Height != nil {
		h = *s.Height
	}
	return w, h
}

// Center is the point connectors attach to.
func (s Shape) Center() (float64, float64) {
	if s.Type.Radial() {
		return s.X, s.Y
	}
	if s.Type.Stroke() && len(s.Points) >= 2 {
		var sx, sy float64
		n := len(s.Points) / 2
		for i := 0; i < n; i++ {
			sx += s.Points[2*i]
			sy += s.Points[2*i+1]
		}
		return s.X + sx/float64(n), s.Y + sy/float64(n)
	}
	w, h := s.Size()
	return s.X + w/2, s.Y + h/2
}

func (s Shape) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("shape has no id")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("shape %s has unknown type %q", s.ID, s.Type)
	}
	if len(s.Points)%2 != 0 {
		return fmt.Errorf("shape %s has an odd number of point coordinates", s.ID)
	}
	return nil
}

// Connector links two shapes. A connector whose endpoint is missing is dangling and must be ignored by consumers.
type Connector struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

func NewConnector(from, to string) Connector {
	return Connector{ID: uuid.NewString(), From: from, To: to}
}

// Touches reports whether either endpoint is the given shape id.
func (c Connector) Touches(shapeID string) bool {
	return c.From == shapeID || c.To == shapeID
}

func (c Connector) Dangling(shapes map[string]Shape) bool {
	_, okFrom := shapes[c.From]
	_, okTo := shapes[c.To]
	return !okFrom || !okTo
}

func (c Connector) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("connector has no id")
	}
	if c.From == "" || c.To == "" {
		return fmt.Errorf("connector %s is missing an endpoint", c.ID)
	}
	return nil
}

// Snapshot is a read-only copy of the merged board state.
type Snapshot struct {
	Shapes     map[string]Shape     `json:"shapes"`
	Connectors map[string]Connector `json:"connectors"`
}

func EmptySnapshot() Snapshot {
	return Snapshot{Shapes: map[string]Shape{}, Connectors: map[string]Connector{}}
}

func (s Snapshot) Empty() bool {
	return len(s.Shapes) == 0 && len(s.Connectors) == 0
}

// VisibleConnectors drops connectors whose endpoints do not both exist.
func (s Snapshot) VisibleConnectors() map[string]Connector {
	out := make(map[string]Connector, len(s.Connectors))
	for id, c := range s.Connectors {
		if !c.Dangling(s.Shapes) {
			out[id] = c
		}
	}
	return out
}

// Lists returns the shapes and connectors ordered by id, the form boards are exchanged in with the persistence api.
func (s Snapshot) Lists() ([]Shape, []Connector) {
	shapes := make([]Shape, 0, len(s.Shapes))
	for _, sh := range s.Shapes {
		shapes = append(shapes, sh)
	}
	sort.Slice(shapes, func(i, j int) bool { return shapes[i].ID < shapes[j].ID })
	connectors := make([]Connector, 0, len(s.Connectors))
	for _, c := range s.Connectors {
		connectors = append(connectors, c)
	}
	sort.Slice(connectors, func(i, j int) bool { return connectors[i].ID < connectors[j].ID })
	return shapes, connectors
}

// DecodeShapes decodes raw replicated values, skipping entries that cannot be decoded.
func DecodeShapes(raw map[string]json.RawMessage) (map[string]Shape, []error) {
	out := make(map[string]Shape, len(raw))
	var errs []error
	for id, v := range raw {
		var s Shape
		if err := json.Unmarshal(v, &s); err != nil {
			errs = append(errs, fmt.Errorf("failed to decode shape %s: %w", id, err))
			continue
		}
		out[id] = s
	}
	return out, errs
}

func DecodeConnectors(raw map[string]json.RawMessage) (map[string]Connector, []error) {
	out := make(map[string]Connector, len(raw))
	var errs []error
	for id, v := range raw {
		var c Connector
		if err := json.Unmarshal(v, &c); err != nil {
			errs = append(errs, fmt.Errorf("failed to decode connector %s: %w", id, err))
			continue
		}
		out[id] = c
	}
	return out, errs
}

// StateKey is the durable storage namespace for a room.
func StateKey(roomID string) string {
	return "board-state-" + roomID
}
