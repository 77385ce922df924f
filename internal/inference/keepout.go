package inference

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Point is a normalized 2D coordinate
type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Polygon is a closed outline given by its vertices
type Polygon []Point

// ParsePolygon reads "x,y" rows after a header line
func ParsePolygon(r io.Reader) (Polygon, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var poly Polygon
	header := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header {
			header = false
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: want x,y", len(poly)+2)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", len(poly)+2, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", len(poly)+2, err)
		}
		poly = append(poly, Point{X: float32(x), Y: float32(y)})
	}
	if len(poly) < 3 {
		return nil, fmt.Errorf("keep-out polygon needs at least 3 points, got %d", len(poly))
	}
	return poly, nil
}

// LoadPolygon reads a keep-out polygon file
func LoadPolygon(path string) (Polygon, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keep-out polygon: %w", err)
	}
	defer f.Close()

	poly, err := ParsePolygon(f)
	if err != nil {
		return nil, fmt.Errorf("parse keep-out polygon %s: %w", path, err)
	}
	return poly, nil
}
