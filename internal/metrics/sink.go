// Package metrics buffers the per-run counters and step timings and emits
// them to CloudWatch in a single flush at the end of the run.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog/log"
)

// Namespace is the CloudWatch namespace all pipeline metrics live under.
const Namespace = "WeatherPipeline"

// putMetricDataBatch is the CloudWatch per-request datum limit we stay under.
const putMetricDataBatch = 20

// Standard counter names. The sink accepts arbitrary names; these are the
// ones the dashboards key on.
const (
	CounterFilesDownloaded = "FilesDownloaded"
	CounterFilesProcessed  = "FilesProcessed"
	CounterTilesGenerated  = "TilesGenerated"
)

// API is the slice of the CloudWatch client the sink needs.
type API interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type stepSample struct {
	name    string
	seconds float64
}

// Sink accumulates counters, the error count, and per-step durations for one
// run. A nil API makes the sink log-only, which backs dry runs and tests.
type Sink struct {
	api      API
	pipeline string
	dryRun   bool

	counters map[string]float64
	order    []string
	errors   int
	steps    []stepSample
}

// New creates a sink for one pipeline run. pipeline is the profile name and
// becomes the Pipeline dimension on every datum.
func New(api API, pipeline string, dryRun bool) *Sink {
	return &Sink{
		api:      api,
		pipeline: pipeline,
		dryRun:   dryRun,
		counters: make(map[string]float64),
	}
}

// AddCount adds delta to the named counter.
func (s *Sink) AddCount(name string, delta int) {
	if _, ok := s.counters[name]; !ok {
		s.order = append(s.order, name)
	}
	s.counters[name] += float64(delta)
}

// RecordError increments the run error counter by n.
func (s *Sink) RecordError(n int) {
	if n > 0 {
		s.errors += n
	}
}

// Errors returns the error count recorded so far.
func (s *Sink) Errors() int { return s.errors }

// Counter returns the current value of the named counter.
func (s *Sink) Counter(name string) float64 { return s.counters[name] }

// RecordStep appends one StepDuration sample.
func (s *Sink) RecordStep(name string, d time.Duration) {
	s.steps = append(s.steps, stepSample{name: name, seconds: d.Seconds()})
}

// Flush emits the buffered metrics. processingTime is the total wall time of
// the run; dataAge is the time elapsed since the cycle's nominal instant.
// Exactly one of Success or Failure is emitted. Emission failures are logged
// and never returned: metrics must not change the process exit status.
func (s *Sink) Flush(ctx context.Context, processingTime, dataAge time.Duration) {
	now := time.Now().UTC()
	dims := s.dimensions()

	datums := []types.MetricDatum{
		s.datum("ProcessingTime", processingTime.Seconds(), types.StandardUnitSeconds, now, dims),
		// CloudWatch has no minutes unit; the unit lives in the metric name.
		s.datum("DataAgeMinutes", dataAge.Minutes(), types.StandardUnitNone, now, dims),
	}
	for _, name := range s.order {
		datums = append(datums, s.datum(name, s.counters[name], types.StandardUnitCount, now, dims))
	}
	datums = append(datums, s.datum("Errors", float64(s.errors), types.StandardUnitCount, now, dims))
	if s.errors == 0 {
		datums = append(datums, s.datum("Success", 1, types.StandardUnitCount, now, dims))
	} else {
		datums = append(datums, s.datum("Failure", 1, types.StandardUnitCount, now, dims))
	}
	for _, step := range s.steps {
		stepDims := append(append([]types.Dimension{}, dims...), types.Dimension{
			Name:  aws.String("Step"),
			Value: aws.String(step.name),
		})
		datums = append(datums, s.datum("StepDuration", step.seconds, types.StandardUnitSeconds, now, stepDims))
	}

	log.Info().
		Str("pipeline", s.pipeline).
		Int("datums", len(datums)).
		Int("errors", s.errors).
		Bool("dryRun", s.dryRun).
		Msg("Flushing metrics")

	if s.api == nil {
		for _, d := range datums {
			log.Debug().Str("metric", aws.ToString(d.MetricName)).Float64("value", aws.ToFloat64(d.Value)).Msg("Metric (not emitted)")
		}
		return
	}

	for start := 0; start < len(datums); start += putMetricDataBatch {
		end := min(start+putMetricDataBatch, len(datums))
		_, err := s.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(Namespace),
			MetricData: datums[start:end],
		})
		if err != nil {
			log.Warn().Err(err).Msg("Metric emission failed; continuing")
		}
	}
}

func (s *Sink) dimensions() []types.Dimension {
	dims := []types.Dimension{{
		Name:  aws.String("Pipeline"),
		Value: aws.String(s.pipeline),
	}}
	if s.dryRun {
		dims = append(dims, types.Dimension{
			Name:  aws.String("DryRun"),
			Value: aws.String("true"),
		})
	}
	return dims
}

func (s *Sink) datum(name string, value float64, unit types.StandardUnit, ts time.Time, dims []types.Dimension) types.MetricDatum {
	return types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(ts),
		Dimensions: dims,
	}
}
