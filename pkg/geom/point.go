// Package geom holds the point model, the pair terms summed by workers and
// the splitting of a point sequence into dispatchable chunks.
package geom

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type Point struct {
	X float64
	Y float64
}

// Term is the contribution of one pair of consecutive points.
type Term func(a, b Point) float64

// Cross is the shoelace cross term. Summed over a closed polygon it gives
// twice the signed area (positive for counter-clockwise winding).
func Cross(a, b Point) float64 {
	return a.X*b.Y - b.X*a.Y
}

// Legacy is the (x[i+1]-x[i])*y[i] term older workers summed.
func Legacy(a, b Point) float64 {
	return (b.X - a.X) * a.Y
}

// TermByName maps a configured formula name to its term.
func TermByName(name string) (Term, error) {
	switch name {
	case "", "shoelace":
		return Cross, nil
	case "legacy":
		return Legacy, nil
	default:
		return nil, fmt.Errorf("geom: unknown formula %q", name)
	}
}

// PartialSum adds term over every consecutive pair in points.
func PartialSum(points []Point, term Term) float64 {
	var sum float64
	for i := 0; i+1 < len(points); i++ {
		sum += term(points[i], points[i+1])
	}
	return sum
}

// ParsePoints reads one "x y" pair per line. Blank lines are skipped.
func ParsePoints(r io.Reader) ([]Point, error) {
	var out []Point
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want 2 coordinates, got %d", line, len(fields))
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, Point{X: x, Y: y})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
