package node

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/polyarea/internal/telemetry"
	"github.com/ryandielhenn/polyarea/pkg/geom"
	"github.com/ryandielhenn/polyarea/pkg/wire"
)

var rectangle = []geom.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 3}, {X: 0, Y: 3}, {X: 0, Y: 0}}

func startNode(t *testing.T, cfg Config) (*Node, string) {
	t.Helper()
	n, err := New(cfg, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return n, ln.Addr().String()
}

// exchange sends frame, half-closes and returns everything the worker wrote.
func exchange(t *testing.T, addr string, frame []byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write(frame)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	return resp
}

func TestServeComputesPartialSum(t *testing.T) {
	n, addr := startNode(t, Config{ID: "n1"})

	resp := exchange(t, addr, wire.EncodeRequest(rectangle))
	sum, err := wire.DecodeResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, 24.0, sum)
	assert.EqualValues(t, 1, n.Served())
}

func TestServeChunksAddUp(t *testing.T) {
	_, addr := startNode(t, Config{})

	var total float64
	for _, chunk := range geom.Split(rectangle, 2) {
		sum, err := wire.DecodeResponse(exchange(t, addr, wire.EncodeRequest(chunk)))
		require.NoError(t, err)
		total += sum
	}
	assert.Equal(t, 24.0, total)
}

func TestServeLegacyFormula(t *testing.T) {
	_, addr := startNode(t, Config{Formula: "legacy"})

	sum, err := wire.DecodeResponse(exchange(t, addr, wire.EncodeRequest(rectangle)))
	require.NoError(t, err)
	assert.Equal(t, -12.0, sum)
}

func TestBadRequestClosesWithoutResponse(t *testing.T) {
	n, addr := startNode(t, Config{})

	frame := wire.EncodeRequest(rectangle)
	assert.Empty(t, exchange(t, addr, frame[:len(frame)-3]))
	assert.Empty(t, exchange(t, addr, []byte{1, 2}))
	assert.Zero(t, n.Served())
}

func TestOversizedFrameIsRejected(t *testing.T) {
	n, addr := startNode(t, Config{MaxFrame: int64(wire.HeaderSize + 5*wire.PointSize)})
	before := testutil.ToFloat64(telemetry.WorkerRequests.WithLabelValues("too_large"))

	sum, err := wire.DecodeResponse(exchange(t, addr, wire.EncodeRequest(rectangle)))
	require.NoError(t, err, "a frame at the bound is served")
	assert.Equal(t, 24.0, sum)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write(wire.EncodeRequest(append(rectangle, rectangle...)))
	require.NoError(t, err)
	conn.(*net.TCPConn).CloseWrite()

	// the worker may reset the connection since it stops reading early
	resp, _ := io.ReadAll(conn)
	assert.Empty(t, resp)
	assert.EqualValues(t, 1, n.Served())
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.WorkerRequests.WithLabelValues("too_large")))
}

func TestEmptyChunk(t *testing.T) {
	_, addr := startNode(t, Config{})

	sum, err := wire.DecodeResponse(exchange(t, addr, wire.EncodeRequest(nil)))
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestReadTimeoutDropsStalledPeer(t *testing.T) {
	_, addr := startNode(t, Config{ReadTimeout: 100 * time.Millisecond})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	// never half-close: the worker gives up and closes
	_, err = conn.Write(wire.EncodeRequest(rectangle))
	require.NoError(t, err)
	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, resp)
}

func TestNewRejectsUnknownFormula(t *testing.T) {
	_, err := New(Config{Formula: "trapezoid"}, nil)
	assert.Error(t, err)
}

func TestAdminEndpoints(t *testing.T) {
	n, err := New(Config{ID: "n1", Addr: "10.0.0.1:12345"}, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(n.AdminMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info struct {
		ID      string `json:"id"`
		Addr    string `json:"addr"`
		Formula string `json:"formula"`
		Served  int64  `json:"served"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "n1", info.ID)
	assert.Equal(t, "10.0.0.1:12345", info.Addr)
	assert.Equal(t, "shoelace", info.Formula)

	resp2, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestNormalizeHostPort(t *testing.T) {
	cases := map[string]string{
		"http://10.0.0.1:8080/": "10.0.0.1:8080",
		"https://worker":        "worker:12345",
		"10.0.0.2":              "10.0.0.2:12345",
		"::1":                   "[::1]:12345",
		"[::1]:7000":            "[::1]:7000",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeHostPort(in, "12345"), in)
	}
}

func TestParseEndpoint(t *testing.T) {
	ap, err := ParseEndpoint("http://127.0.0.1", "9000")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", ap.String())

	ap, err = ParseEndpoint("[::ffff:10.0.0.1]:80", "9000")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:80", ap.String(), "v4-mapped addresses unmap")

	_, err = ParseEndpoint("10.0.0.1:notaport", "9000")
	assert.Error(t, err)
}
