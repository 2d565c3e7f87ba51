// Package wire encodes compute requests and responses.
//
// Request:  count uint64 | count * (x float64, y float64)
// Response: sum float64
//
// Every field is big-endian; floats travel as their IEEE-754 bits.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ryandielhenn/polyarea/pkg/geom"
)

const (
	HeaderSize   = 8
	PointSize    = 16
	ResponseSize = 8
)

var (
	ErrShortFrame        = errors.New("wire: frame shorter than header")
	ErrSizeMismatch      = errors.New("wire: body size does not match point count")
	ErrMalformedResponse = errors.New("wire: malformed response")
)

func EncodeRequest(points []geom.Point) []byte {
	buf := make([]byte, HeaderSize+PointSize*len(points))
	binary.BigEndian.PutUint64(buf, uint64(len(points)))
	off := HeaderSize
	for _, p := range points {
		binary.BigEndian.PutUint64(buf[off:], math.Float64bits(p.X))
		binary.BigEndian.PutUint64(buf[off+8:], math.Float64bits(p.Y))
		off += PointSize
	}
	return buf
}

func DecodeRequest(frame []byte) ([]geom.Point, error) {
	if len(frame) < HeaderSize {
		return nil, ErrShortFrame
	}
	count := binary.BigEndian.Uint64(frame)
	body := frame[HeaderSize:]
	if uint64(len(body))%PointSize != 0 || count != uint64(len(body))/PointSize {
		return nil, fmt.Errorf("%w: count=%d body=%d bytes", ErrSizeMismatch, count, len(body))
	}

	points := make([]geom.Point, count)
	for i := range points {
		off := i * PointSize
		points[i] = geom.Point{
			X: math.Float64frombits(binary.BigEndian.Uint64(body[off:])),
			Y: math.Float64frombits(binary.BigEndian.Uint64(body[off+8:])),
		}
	}
	return points, nil
}

func EncodeResponse(sum float64) []byte {
	buf := make([]byte, ResponseSize)
	binary.BigEndian.PutUint64(buf, math.Float64bits(sum))
	return buf
}

func DecodeResponse(b []byte) (float64, error) {
	if len(b) != ResponseSize {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedResponse, len(b), ResponseSize)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}
