package metrics

import (
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/kilianp07/gridflex/core/metrics"
	"github.com/kilianp07/gridflex/pkg/frame"
)

type lineServer struct {
	mu     sync.Mutex
	bodies []string
	srv    *httptest.Server
}

func newLineServer(t *testing.T) *lineServer {
	t.Helper()
	ls := &lineServer{}
	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		ls.mu.Lock()
		ls.bodies = append(ls.bodies, strings.TrimSpace(string(data)))
		ls.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

func (ls *lineServer) lines() []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	var out []string
	for _, b := range ls.bodies {
		out = append(out, strings.Split(b, "\n")...)
	}
	return out
}

func line(p *write.Point) string {
	return strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
}

func TestInfluxSink_RecordTask(t *testing.T) {
	ls := newLineServer(t)
	sink := NewInfluxSink(InfluxConfig{URL: ls.srv.URL, Token: "token", Org: "org", Bucket: "bucket"})
	now := time.Now()

	require.NoError(t, sink.RecordTask(coremetrics.TaskEvent{
		RunID:    "run",
		Task:     "min_exp_feeder:ding0:3",
		Outcome:  coremetrics.OutcomeFailed,
		Duration: 1500 * time.Millisecond,
		Error:    "infeasible",
		Time:     now,
	}))

	p := write.NewPointWithMeasurement("pipeline_task").
		AddTag("run_id", "run").
		AddTag("stage", "min_exp_feeder").
		AddTag("task", "min_exp_feeder:ding0:3").
		AddTag("outcome", "failed").
		AddField("duration_s", 1.5).
		AddField("error", "infeasible").
		SetTime(now)
	assert.Equal(t, []string{line(p)}, ls.lines())
}

func TestInfluxSink_RecordWindowSolve(t *testing.T) {
	ls := newLineServer(t)
	sink := NewInfluxSink(InfluxConfig{URL: ls.srv.URL + "/api/v2/write", Org: "org", Bucket: "bucket"})
	now := time.Now()

	require.NoError(t, sink.RecordWindowSolve(coremetrics.WindowSolveEvent{
		Grid: "ding0", Feeder: "01", Window: 2, Outcome: coremetrics.OutcomeSolved,
		Duration: 250 * time.Millisecond, Time: now,
	}))

	p := write.NewPointWithMeasurement("window_solve").
		AddTag("grid", "ding0").
		AddTag("feeder", "01").
		AddTag("outcome", "solved").
		AddField("window", 2).
		AddField("duration_s", 0.25).
		SetTime(now)
	assert.Equal(t, []string{line(p)}, ls.lines())
}

func TestInfluxSink_RecordSeriesSkipsNaN(t *testing.T) {
	ls := newLineServer(t)
	sink := NewInfluxSink(InfluxConfig{URL: ls.srv.URL, Org: "org", Bucket: "bucket"})
	idx := frame.HourlyIndex(time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC), 2)
	f, err := frame.FromColumns(idx, map[string][]float64{"hp_1": {0.12345, math.NaN()}})
	require.NoError(t, err)

	require.NoError(t, sink.RecordSeries(coremetrics.SeriesEvent{
		Grid: "ding0", Objective: "min_exp", Param: "charging_hp", Series: f,
	}))

	p := write.NewPointWithMeasurement("dispatch_series").
		AddTag("grid", "ding0").
		AddTag("objective", "min_exp").
		AddTag("param", "charging_hp").
		AddTag("component", "hp_1").
		AddField("value", 0.123).
		SetTime(idx[0])
	assert.Equal(t, []string{line(p)}, ls.lines())
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(InfluxConfig{URL: srv.URL + "/api/v2/write", Token: "tok", Org: "org", Bucket: "bucket"})
	_, ok := sink.(*InfluxSink)
	assert.False(t, ok, "expected NopSink on failing health check")
	assert.True(t, called, "health endpoint not called")
}
