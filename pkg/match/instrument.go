package match

import (
	"sort"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"
)

// Recorder receives the wall-clock duration of a labelled stage.
type Recorder interface {
	Record(label string, d time.Duration)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(label string, d time.Duration)

// Record calls f(label, d).
func (f RecorderFunc) Record(label string, d time.Duration) {
	f(label, d)
}

type nopRecorder struct{}

func (nopRecorder) Record(string, time.Duration) {}

// Tee fans every record out to all recs.
func Tee(recs ...Recorder) Recorder {
	return RecorderFunc(func(label string, d time.Duration) {
		for _, r := range recs {
			if r != nil {
				r.Record(label, d)
			}
		}
	})
}

// Measure runs fn, reports its duration under label and returns its result
// and error unchanged. The duration is reported even when fn fails.
func Measure[T any](rec Recorder, label string, fn func() (T, error)) (T, time.Duration, error) {
	start := time.Now()
	v, err := fn()
	elapsed := time.Since(start)
	if rec != nil {
		rec.Record(label, elapsed)
	}
	return v, elapsed, err
}

// Timings collects stage durations in memory. It is safe for concurrent use.
type Timings struct {
	mu      sync.Mutex
	samples map[string][]time.Duration
}

// NewTimings creates an empty collector.
func NewTimings() *Timings {
	return &Timings{samples: make(map[string][]time.Duration)}
}

// Record implements Recorder.
func (t *Timings) Record(label string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[label] = append(t.samples[label], d)
}

// Labels returns the recorded labels in sorted order.
func (t *Timings) Labels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	labels := make([]string, 0, len(t.samples))
	for l := range t.samples {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Samples returns a copy of the durations recorded for label.
func (t *Timings) Samples(label string) []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.samples[label]...)
}

// Summary describes the distribution of one stage's durations.
type Summary struct {
	Label  string
	Count  int
	Total  time.Duration
	Mean   time.Duration
	Median time.Duration
	P95    time.Duration
	Max    time.Duration
}

// Summary computes the distribution for label. ok is false when nothing was
// recorded under it.
func (t *Timings) Summary(label string) (s Summary, ok bool) {
	samples := t.Samples(label)
	if len(samples) == 0 {
		return Summary{Label: label}, false
	}

	data := make(stats.Float64Data, len(samples))
	var total time.Duration
	for i, d := range samples {
		data[i] = float64(d)
		total += d
	}

	s = Summary{Label: label, Count: len(samples), Total: total}
	if v, err := data.Mean(); err == nil {
		s.Mean = time.Duration(v)
	}
	if v, err := data.Median(); err == nil {
		s.Median = time.Duration(v)
	}
	if v, err := data.Percentile(95); err == nil {
		s.P95 = time.Duration(v)
	}
	if v, err := data.Max(); err == nil {
		s.Max = time.Duration(v)
	}
	return s, true
}

// LogRecorder writes every stage duration as a structured log entry.
type LogRecorder struct {
	Logger logrus.FieldLogger
	Level  logrus.Level
}

// NewLogRecorder logs stage durations at debug level.
func NewLogRecorder(logger logrus.FieldLogger) *LogRecorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogRecorder{Logger: logger, Level: logrus.DebugLevel}
}

// Record implements Recorder.
func (r *LogRecorder) Record(label string, d time.Duration) {
	entry := r.Logger.WithFields(logrus.Fields{
		"stage":    label,
		"duration": d,
	})
	entry.Log(r.Level, "stage completed")
}
