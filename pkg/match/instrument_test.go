package match

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasure_Transparent(t *testing.T) {
	timings := NewTimings()

	v, d, err := Measure(timings, "ok", func() (int, error) {
		time.Sleep(2 * time.Millisecond)
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.GreaterOrEqual(t, d, 2*time.Millisecond)

	boom := errors.New("boom")
	v, _, err = Measure(timings, "fail", func() (int, error) {
		return 7, boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 7, v)

	assert.Len(t, timings.Samples("ok"), 1)
	assert.Len(t, timings.Samples("fail"), 1, "failures are timed too")

	// A nil recorder is allowed.
	v, _, err = Measure[int](nil, "nil", func() (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestTimings_Summary(t *testing.T) {
	timings := NewTimings()
	for i := 1; i <= 20; i++ {
		timings.Record("stage", time.Duration(i)*time.Millisecond)
	}

	s, ok := timings.Summary("stage")
	require.True(t, ok)
	assert.Equal(t, 20, s.Count)
	assert.Equal(t, 210*time.Millisecond, s.Total)
	assert.Equal(t, 10500*time.Microsecond, s.Mean)
	assert.Equal(t, 10500*time.Microsecond, s.Median)
	assert.Equal(t, 20*time.Millisecond, s.Max)
	assert.GreaterOrEqual(t, s.P95, 18*time.Millisecond)
	assert.LessOrEqual(t, s.P95, 20*time.Millisecond)

	_, ok = timings.Summary("missing")
	assert.False(t, ok)
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	rec := NewLogRecorder(logger)
	rec.Record(StagePopCount, 3*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, `"stage":"popcount"`)
	assert.Contains(t, out, "stage completed")

	buf.Reset()
	logger.SetLevel(logrus.InfoLevel)
	rec.Record(StageXor, time.Millisecond)
	assert.Empty(t, buf.String(), "debug entries are filtered at info level")
}
