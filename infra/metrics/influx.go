package metrics

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/gridflex/core/metrics"
	"github.com/kilianp07/gridflex/core/pipeline"
	"github.com/kilianp07/gridflex/infra/logger"
)

// seriesBatch bounds the number of points sent per write request.
const seriesBatch = 5000

// InfluxConfig holds the connection settings of the Influx sink.
type InfluxConfig struct {
	URL    string `json:"url" koanf:"url"`
	Token  string `json:"token" koanf:"token"`
	Org    string `json:"org" koanf:"org"`
	Bucket string `json:"bucket" koanf:"bucket"`
}

// InfluxSink writes pipeline events and dispatch series to InfluxDB.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a
// NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordTask writes a pipeline_task point.
func (s *InfluxSink) RecordTask(ev coremetrics.TaskEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("pipeline_task").
		AddTag("run_id", ev.RunID).
		AddTag("stage", pipeline.Stage(ev.Task)).
		AddTag("task", ev.Task).
		AddTag("outcome", ev.Outcome).
		AddField("duration_s", round3(ev.Duration.Seconds()))
	if ev.Error != "" {
		p = p.AddField("error", ev.Error)
	}
	p = p.SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordWindowSolve writes a window_solve point.
func (s *InfluxSink) RecordWindowSolve(ev coremetrics.WindowSolveEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("window_solve").
		AddTag("grid", ev.Grid).
		AddTag("feeder", ev.Feeder).
		AddTag("outcome", ev.Outcome).
		AddField("window", ev.Window).
		AddField("duration_s", round3(ev.Duration.Seconds())).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSeries writes one dispatch_series point per non-NaN cell.
func (s *InfluxSink) RecordSeries(ev coremetrics.SeriesEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	batch := make([]*write.Point, 0, seriesBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.writeAPI.WritePoint(ctx, batch...)
		batch = batch[:0]
		return err
	}
	for _, col := range ev.Series.Columns {
		for row, ts := range ev.Series.Index {
			v := ev.Series.Get(col, row)
			if math.IsNaN(v) {
				continue
			}
			p := write.NewPointWithMeasurement("dispatch_series").
				AddTag("grid", ev.Grid).
				AddTag("objective", ev.Objective)
			if ev.Scenario != "" {
				p = p.AddTag("scenario", ev.Scenario)
			}
			batch = append(batch, p.AddTag("param", ev.Param).
				AddTag("component", col).
				AddField("value", round3(v)).
				SetTime(ts))
			if len(batch) == seriesBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// Close releases the client.
func (s *InfluxSink) Close() { s.client.Close() }

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
