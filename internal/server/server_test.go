package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsense/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Storage.Driver = "memory"
	cfg.HTTP.RateLimit = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postReading(t *testing.T, base, body string) {
	t.Helper()
	resp, err := http.Post(base+"/api/healthdata", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if v != nil {
		require.NoError(t, json.Unmarshal(data, v), string(data))
	}
	return resp.StatusCode
}

type frame struct {
	Event string `json:"event"`
	Data  struct {
		HealthData struct {
			ID       string `json:"id"`
			DeviceID string `json:"device_id"`
		} `json:"health_data"`
		Alerts []json.RawMessage `json:"alerts"`
	} `json:"data"`
}

func dialWS(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	conn := dialWS(t, ts.URL)
	assert.Equal(t, "connected", readFrame(t, conn).Event)

	postReading(t, ts.URL, `{"device_id":"HEALTH01","glucose":260,"bp_systolic":120,"bp_diastolic":80,"spo2":97,"heart_rate":72}`)

	f := readFrame(t, conn)
	assert.Equal(t, "new_health_data", f.Event)
	assert.Equal(t, "HEALTH01", f.Data.HealthData.DeviceID)
	assert.Len(t, f.Data.Alerts, 1)

	var latest struct {
		Status     string `json:"status"`
		HealthData struct {
			ID string `json:"id"`
		} `json:"health_data"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/latest", &latest))
	assert.Equal(t, f.Data.HealthData.ID, latest.HealthData.ID)

	var stats Stats
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/stats", &stats))
	assert.Equal(t, 1, stats.Cache.Readings)
	assert.Equal(t, 1, stats.Cache.Alerts)
	assert.Equal(t, 1, stats.Broadcast.Subscribers)
	assert.Nil(t, stats.Worker)
}

func TestOperationalEndpoints(t *testing.T) {
	s, ts := newTestServer(t, testConfig())

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "healthy", health["status"])

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/metrics", nil))

	var notFound map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/nope", &notFound))
	assert.Equal(t, "error", notFound["status"])

	// a closed store fails the health check
	require.NoError(t, s.store.Close())
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "unhealthy", health["status"])
}

func TestHealthReportsEventStream(t *testing.T) {
	cfg := testConfig()
	cfg.Kafka.Brokers = []string{"127.0.0.1:1"}
	cfg.Kafka.Producer.Enabled = true
	s, ts := newTestServer(t, cfg)
	t.Cleanup(func() { _ = s.producer.Close() })

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "degraded", health["status"])
	assert.Equal(t, "ok", health["store"])
	assert.Equal(t, "unavailable", health["event_stream"])

	// ingestion keeps working without the stream
	postReading(t, ts.URL, `{"device_id":"HEALTH01","glucose":100,"bp_systolic":115,"bp_diastolic":75,"spo2":98,"heart_rate":70}`)
}

func TestRateLimitedAPI(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.RateLimit = 1
	cfg.HTTP.RateBurst = 1
	_, ts := newTestServer(t, cfg)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/latest", nil))
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, ts.URL+"/api/latest", nil))
	// operational endpoints are not limited
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", nil))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "cassandra"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Scoring.ModelPath = "/does/not/exist.yaml"
	_, err = New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReplicasShareBroadcasts(t *testing.T) {
	mr := miniredis.RunT(t)

	replica := func(node string) (*Server, *httptest.Server) {
		cfg := testConfig()
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = mr.Addr()
		cfg.Redis.NodeID = node
		return newTestServer(t, cfg)
	}
	a, tsA := replica("node-a")
	b, tsB := replica("node-b")

	ctx, cancel := context.WithCancel(context.Background())
	doneA, doneB := make(chan error, 1), make(chan error, 1)
	go func() { doneA <- a.Run(ctx) }()
	go func() { doneB <- b.Run(ctx) }()
	defer func() {
		cancel()
		<-doneA
		<-doneB
	}()

	for _, s := range []*Server{a, b} {
		select {
		case <-s.relay.Ready():
		case <-time.After(3 * time.Second):
			t.Fatal("relay did not subscribe")
		}
	}

	connB := dialWS(t, tsB.URL)
	assert.Equal(t, "connected", readFrame(t, connB).Event)

	postReading(t, tsA.URL, `{"device_id":"HEALTH05","glucose":100,"bp_systolic":115,"bp_diastolic":75,"spo2":98,"heart_rate":70}`)

	f := readFrame(t, connB)
	assert.Equal(t, "new_health_data", f.Event)
	assert.Equal(t, "HEALTH05", f.Data.HealthData.DeviceID)
}
