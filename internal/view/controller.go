package view

import (
	"fmt"
	"image"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Mode is the display mode of the mosaic
type Mode string

const (
	ModeTiled      Mode = "tiled"
	ModeFullscreen Mode = "fullscreen"
)

// NoStream is the focused stream while tiled
const NoStream = -1

// State is the current view. Stream is NoStream when tiled.
type State struct {
	Mode   Mode `json:"mode"`
	Stream int  `json:"stream"`
}

func (s State) String() string {
	if s.Mode == ModeTiled {
		return string(ModeTiled)
	}
	return fmt.Sprintf("%s(%d)", s.Mode, s.Stream)
}

// Framer is told when one of its outputs changes resolution
type Framer interface {
	SetFullscreenFraming(pad int)
	SetTiledFraming(pad int)
}

// Layout describes the mosaic grid
type Layout struct {
	MaxStreams int
	Columns    int
	TileWidth  int
	TileHeight int
}

// DefaultLayout is a 3x2 grid of 640x360 tiles
func DefaultLayout() Layout {
	return Layout{MaxStreams: 6, Columns: 3, TileWidth: 640, TileHeight: 360}
}

// Rows returns the number of grid rows
func (l Layout) Rows() int {
	return (l.MaxStreams + l.Columns - 1) / l.Columns
}

// Bounds returns the full output rectangle
func (l Layout) Bounds() image.Rectangle {
	return image.Rect(0, 0, l.Columns*l.TileWidth, l.Rows()*l.TileHeight)
}

// Tile returns the rectangle of stream n in the grid
func (l Layout) Tile(n int) image.Rectangle {
	x := (n % l.Columns) * l.TileWidth
	y := (n / l.Columns) * l.TileHeight
	return image.Rect(x, y, x+l.TileWidth, y+l.TileHeight)
}

// Placement is where a stream is drawn
type Placement struct {
	Rect image.Rectangle `json:"rect"`
	Z    int             `json:"z"`
}

type input struct {
	owner Framer
	group int
	pad   int
}

// Controller tracks which stream is focused and decides whether a stream's
// inference runs for a frame. All streams infer while tiled; only the
// focused one does in fullscreen.
type Controller struct {
	layout Layout
	log    *logrus.Entry

	// nav serializes transitions including their notifications
	nav sync.Mutex

	mu        sync.RWMutex
	inputs    []input
	groups    int
	focused   int
	observers []func(prev, next State)
}

// NewController creates a controller in the tiled state
func NewController(layout Layout, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		layout:  layout,
		log:     log.WithField("component", "view"),
		focused: NoStream,
	}
}

// Layout returns the grid the controller places streams on
func (c *Controller) Layout() Layout {
	return c.layout
}

// Link assigns the next stream ids to the pads of owner. Pads linked
// together share admission: focusing any of them admits all.
func (c *Controller) Link(owner Framer, pads int) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.inputs)+pads > c.layout.MaxStreams {
		return nil, fmt.Errorf("mosaic full: %d of %d streams linked, %d more requested",
			len(c.inputs), c.layout.MaxStreams, pads)
	}
	group := c.groups
	c.groups++

	ids := make([]int, pads)
	for p := 0; p < pads; p++ {
		ids[p] = len(c.inputs)
		c.inputs = append(c.inputs, input{owner: owner, group: group, pad: p})
	}
	return ids, nil
}

// Streams returns the number of linked streams
func (c *Controller) Streams() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inputs)
}

// OnChange registers fn to run after every transition
func (c *Controller) OnChange(fn func(prev, next State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns the current view
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	if c.focused == NoStream {
		return State{Mode: ModeTiled, Stream: NoStream}
	}
	return State{Mode: ModeFullscreen, Stream: c.focused}
}

// ShouldInfer reports whether stream may run inference on its next frame
func (c *Controller) ShouldInfer(stream int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.focused == NoStream || c.focused == stream {
		return true
	}
	if stream < 0 || stream >= len(c.inputs) {
		return false
	}
	return c.inputs[stream].group == c.inputs[c.focused].group
}

// HandleKey applies a navigation key. Keys 1..MaxStreams focus the matching
// stream; pressing the focused stream's key again, or any other key,
// returns to the tiled view.
func (c *Controller) HandleKey(key int) {
	target := key - 1
	if key < 1 || key > c.layout.MaxStreams {
		target = NoStream
	}
	c.transition(target)
}

// HandleKeyString parses the leading integer of a key name, accepting 0x
// and 0 prefixes, so "1x" is key 1. A name with no leading digits returns
// to the tiled view.
func (c *Controller) HandleKeyString(key string) {
	c.HandleKey(int(parseKey(key)))
}

// parseKey returns the value of the longest integer prefix of key, or 0
func parseKey(key string) int64 {
	key = strings.TrimLeft(key, " \t\n\r\v\f")
	sign := ""
	if len(key) > 0 && (key[0] == '+' || key[0] == '-') {
		sign, key = key[:1], key[1:]
	}

	base, digits := 10, key
	switch {
	case len(key) > 2 && key[0] == '0' && (key[1] == 'x' || key[1] == 'X') && isDigit(key[2], 16):
		base, digits = 16, key[2:]
	case len(key) > 1 && key[0] == '0':
		base, digits = 8, key[1:]
	}

	end := 0
	for end < len(digits) && isDigit(digits[end], base) {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.ParseInt(sign+digits[:end], base, 64)
	if err != nil {
		return 0
	}
	return n
}

func isDigit(b byte, base int) bool {
	switch {
	case b >= '0' && b <= '9':
		return int(b-'0') < base
	case base == 16 && b >= 'a' && b <= 'f', base == 16 && b >= 'A' && b <= 'F':
		return true
	}
	return false
}

// Tiled returns to the tiled view
func (c *Controller) Tiled() {
	c.transition(NoStream)
}

func (c *Controller) transition(target int) {
	c.nav.Lock()
	defer c.nav.Unlock()

	c.mu.Lock()
	prev := c.stateLocked()
	if target != NoStream && (target == c.focused || target >= len(c.inputs)) {
		target = NoStream
	}
	if target == c.focused {
		c.mu.Unlock()
		return
	}

	var leaving, entering *input
	if c.focused != NoStream {
		in := c.inputs[c.focused]
		leaving = &in
	}
	if target != NoStream {
		in := c.inputs[target]
		entering = &in
	}
	c.focused = target
	next := c.stateLocked()
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	if leaving != nil {
		leaving.owner.SetTiledFraming(leaving.pad)
	}
	if entering != nil {
		entering.owner.SetFullscreenFraming(entering.pad)
	}

	c.log.Infof("view %s -> %s", prev, next)
	for _, fn := range observers {
		fn(prev, next)
	}
}

// Placement returns where stream is drawn in the current view
func (c *Controller) Placement(stream int) Placement {
	c.mu.RLock()
	focused := c.focused
	c.mu.RUnlock()

	if focused == stream {
		return Placement{Rect: c.layout.Bounds(), Z: 1}
	}
	return Placement{Rect: c.layout.Tile(stream), Z: 0}
}
