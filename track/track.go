// Package track describes a closed race track laid out on a grid of square tiles.
//
// A track is given as a walk over the grid: a string of moves (u, d, l, r) starting
// at tile (0, 0) that must return to (0, 0) on its last move. Each visited tile
// becomes either a straight or a quarter turn depending on how the walk enters and
// leaves it.
package track

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// DefaultDeadzone is the wall thickness as a fraction of the tile side.
const DefaultDeadzone = 0.087

// Direction is a single move of the walk.
type Direction byte

// The four moves a walk is made of.
const (
	Up    Direction = 'u'
	Down  Direction = 'd'
	Left  Direction = 'l'
	Right Direction = 'r'
)

func (d Direction) valid() bool {
	return d == Up || d == Down || d == Left || d == Right
}

// Step is the grid displacement of a move.
func (d Direction) Step() (dCol, dRow int) {
	switch d {
	case Up:
		return 0, 1
	case Down:
		return 0, -1
	case Left:
		return -1, 0
	case Right:
		return 1, 0
	default:
		return 0, 0
	}
}

// RightOf is the unit vector pointing to the right of travel.
func (d Direction) RightOf() r2.Point {
	switch d {
	case Up:
		return r2.Point{X: 1, Y: 0}
	case Down:
		return r2.Point{X: -1, Y: 0}
	case Left:
		return r2.Point{X: 0, Y: 1}
	case Right:
		return r2.Point{X: 0, Y: -1}
	default:
		return r2.Point{}
	}
}

// TileType is the shape of a tile, named by the compass sides it connects.
type TileType int

// Tile shapes. Turns are named after the corner their inner apex sits in.
const (
	TileEmpty TileType = iota
	TileWE
	TileNS
	TileSE
	TileSW
	TileNE
	TileNW
)

var tileTypeNames = map[TileType]string{
	TileEmpty: "empty",
	TileWE:    "WE",
	TileNS:    "NS",
	TileSE:    "SE",
	TileSW:    "SW",
	TileNE:    "NE",
	TileNW:    "NW",
}

func (t TileType) String() string {
	return tileTypeNames[t]
}

// Straight reports whether the tile is a straight section.
func (t TileType) Straight() bool {
	return t == TileWE || t == TileNS
}

// apex is the inner corner of a turn in tile-local units.
func (t TileType) apex() r2.Point {
	switch t {
	case TileSE:
		return r2.Point{X: 1, Y: 0}
	case TileSW:
		return r2.Point{X: 0, Y: 0}
	case TileNE:
		return r2.Point{X: 1, Y: 1}
	case TileNW:
		return r2.Point{X: 0, Y: 1}
	default:
		return r2.Point{}
	}
}

// tileTypeFor maps an (entry, exit) move pair onto a tile shape.
var tileTypeFor = map[[2]Direction]TileType{
	{Right, Right}: TileWE,
	{Left, Left}:   TileWE,
	{Up, Up}:       TileNS,
	{Down, Down}:   TileNS,
	{Up, Right}:    TileSE,
	{Left, Down}:   TileSE,
	{Up, Left}:     TileSW,
	{Right, Down}:  TileSW,
	{Down, Right}:  TileNE,
	{Left, Up}:     TileNE,
	{Right, Up}:    TileNW,
	{Down, Left}:   TileNW,
}

// Tile is one occupied cell of the grid.
type Tile struct {
	Col, Row int
	Type     TileType
	Entry    Direction
	Exit     Direction
	// Walk is the index of the tile in the description, counted from the origin.
	Walk int
	// Seq is the index of the tile along the raceline, counted from the start tile.
	Seq int
}

// Config describes a track.
type Config struct {
	Description string    `json:"description"`
	Rows        int       `json:"rows"`
	Cols        int       `json:"cols"`
	Scale       float64   `json:"scale"`
	Start       int       `json:"start"`
	Offsets     []float64 `json:"offsets,omitempty"`
	Deadzone    float64   `json:"deadzone,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Description == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "description")
	}
	if cfg.Rows <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "rows")
	}
	if cfg.Cols <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "cols")
	}
	if cfg.Scale <= 0 {
		return utils.NewConfigValidationError(path, errors.New("scale must be positive"))
	}
	if cfg.Start < 0 || cfg.Start >= len(cfg.Description) {
		return utils.NewConfigValidationError(path,
			errors.Errorf("start %d outside of the %d tile walk", cfg.Start, len(cfg.Description)))
	}
	if len(cfg.Offsets) > len(cfg.Description) {
		return utils.NewConfigValidationError(path,
			errors.Errorf("%d offsets given for %d tiles", len(cfg.Offsets), len(cfg.Description)))
	}
	for i, o := range cfg.Offsets {
		if o < -1 || o > 1 {
			return utils.NewConfigValidationError(path, errors.Errorf("offset %d (%.3f) must be within [-1, 1]", i, o))
		}
	}
	if cfg.Deadzone < 0 || cfg.Deadzone >= 0.5 {
		return utils.NewConfigValidationError(path, errors.New("deadzone must be within [0, 0.5)"))
	}
	return nil
}

// Track is an immutable tile arena built from a Config.
type Track struct {
	cfg      Config
	deadzone float64
	arena    []Tile
	sequence []int
}

// New walks the description and builds the tile arena. It fails if the walk is
// malformed, leaves the grid, crosses itself, or does not close.
func New(cfg Config) (*Track, error) {
	if err := cfg.Validate("track"); err != nil {
		return nil, err
	}
	t := &Track{
		cfg:      cfg,
		deadzone: cfg.Deadzone,
		arena:    make([]Tile, cfg.Cols*cfg.Rows),
	}
	if t.deadzone == 0 {
		t.deadzone = DefaultDeadzone
	}
	n := len(cfg.Description)
	walk := make([]int, 0, n)
	col, row := 0, 0
	for i := 0; i < n; i++ {
		exit := Direction(cfg.Description[i])
		if !exit.valid() {
			return nil, errors.Errorf("invalid move %q at position %d", cfg.Description[i], i)
		}
		entry := Direction(cfg.Description[(i+n-1)%n])
		typ, ok := tileTypeFor[[2]Direction{entry, exit}]
		if !ok {
			return nil, errors.Errorf("move %c follows %c at position %d, tracks cannot reverse", exit, entry, i)
		}
		if !t.inGrid(col, row) {
			return nil, errors.Errorf("walk leaves the %dx%d grid at position %d", t.cfg.Cols, t.cfg.Rows, i)
		}
		idx := t.index(col, row)
		if t.arena[idx].Type != TileEmpty {
			return nil, errors.Errorf("walk revisits tile (%d, %d) at position %d", col, row, i)
		}
		t.arena[idx] = Tile{Col: col, Row: row, Type: typ, Entry: entry, Exit: exit, Walk: i}
		walk = append(walk, idx)
		dCol, dRow := exit.Step()
		col += dCol
		row += dRow
	}
	if col != 0 || row != 0 {
		return nil, errors.Errorf("walk ends at (%d, %d) instead of returning to the origin", col, row)
	}

	t.sequence = make([]int, n)
	for j := range t.sequence {
		idx := walk[(cfg.Start+j)%n]
		t.arena[idx].Seq = j
		t.sequence[j] = idx
	}
	return t, nil
}

func (t *Track) inGrid(col, row int) bool {
	return col >= 0 && row >= 0 && col < t.cfg.Cols && row < t.cfg.Rows
}

func (t *Track) index(col, row int) int {
	return col*t.cfg.Rows + row
}

// Len is the number of tiles on the track.
func (t *Track) Len() int {
	return len(t.sequence)
}

// Scale is the side length of a tile in meters.
func (t *Track) Scale() float64 {
	return t.cfg.Scale
}

// Config returns the configuration the track was built from.
func (t *Track) Config() Config {
	return t.cfg
}

// TileAt returns the tile at a grid coordinate. ok is false for empty cells and
// cells outside the grid.
func (t *Track) TileAt(col, row int) (Tile, bool) {
	if !t.inGrid(col, row) {
		return Tile{}, false
	}
	tile := t.arena[t.index(col, row)]
	return tile, tile.Type != TileEmpty
}

// Tile returns the j-th tile along the raceline.
func (t *Track) Tile(seq int) Tile {
	n := len(t.sequence)
	return t.arena[t.sequence[((seq%n)+n)%n]]
}

// Locate returns the tile containing a point given in meters.
func (t *Track) Locate(p r2.Point) (Tile, bool) {
	col := math.Floor(p.X / t.cfg.Scale)
	row := math.Floor(p.Y / t.cfg.Scale)
	if math.IsNaN(col) || math.IsNaN(row) || math.Abs(col) > float64(t.cfg.Cols) || math.Abs(row) > float64(t.cfg.Rows) {
		return Tile{}, false
	}
	return t.TileAt(int(col), int(row))
}

// SequenceNumber returns the raceline index of the tile containing p.
func (t *Track) SequenceNumber(p r2.Point) (int, bool) {
	tile, ok := t.Locate(p)
	if !ok {
		return 0, false
	}
	return tile.Seq, true
}

func (t *Track) offset(seq int) float64 {
	if seq < len(t.cfg.Offsets) {
		return t.cfg.Offsets[seq]
	}
	return 0
}

// ControlPoints returns the raceline waypoints in meters, one per tile at the
// middle of its exit edge shifted by the tile's lateral offset. The list is closed:
// the last waypoint is also prepended, so waypoint k sits at curve parameter k and
// the first and last entries coincide.
func (t *Track) ControlPoints() []r2.Point {
	n := len(t.sequence)
	pts := make([]r2.Point, n+1)
	for j := 0; j < n; j++ {
		tile := t.Tile(j)
		dCol, dRow := tile.Exit.Step()
		p := r2.Point{X: float64(tile.Col) + 0.5, Y: float64(tile.Row) + 0.5}
		p = p.Add(r2.Point{X: float64(dCol), Y: float64(dRow)}.Mul(0.5))
		p = p.Add(tile.Exit.RightOf().Mul(t.offset(j) / 2))
		pts[j+1] = p.Mul(t.cfg.Scale)
	}
	pts[0] = pts[n]
	return pts
}

// Margin is the distance, in tile units, from p to the nearest wall of the tile
// containing it. It is negative outside the drivable band and -Inf in empty cells.
func (t *Track) Margin(p r2.Point) float64 {
	tile, ok := t.Locate(p)
	if !ok {
		return math.Inf(-1)
	}
	local := p.Mul(1 / t.cfg.Scale).Sub(r2.Point{X: float64(tile.Col), Y: float64(tile.Row)})
	dz := t.deadzone
	switch tile.Type {
	case TileWE:
		return math.Min(local.Y-dz, 1-dz-local.Y)
	case TileNS:
		return math.Min(local.X-dz, 1-dz-local.X)
	case TileSE, TileSW, TileNE, TileNW:
		r := local.Sub(tile.Type.apex()).Norm()
		return math.Min(1-dz-r, r-dz)
	default:
		return math.Inf(-1)
	}
}

// Inside reports whether p lies on the drivable part of the track.
func (t *Track) Inside(p r2.Point) bool {
	return t.Margin(p) > 0
}

// ClearanceStep is the ray marching resolution of BoundaryClearance, in meters.
const ClearanceStep = 0.01

// BoundaryClearance marches from coord perpendicular to heading and returns the
// distance to the left and right walls. Each side is capped at one tile side.
func (t *Track) BoundaryClearance(coord r2.Point, heading float64) (left, right float64) {
	march := func(angle float64) float64 {
		dir := r2.Point{X: math.Cos(angle), Y: math.Sin(angle)}
		limit := t.cfg.Scale
		dist := 0.0
		for dist < limit {
			next := dist + ClearanceStep
			if !t.Inside(coord.Add(dir.Mul(next))) {
				break
			}
			dist = next
		}
		return math.Min(dist, limit)
	}
	return march(heading + math.Pi/2), march(heading - math.Pi/2)
}
