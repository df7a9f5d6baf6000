package dlag

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTrialsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trials.csv")
	body := `trial,a,b,c
t1,1,2,3
t1,4,5,6
t2,7,8,9
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	trials, err := LoadTrialsCSV(path)
	require.NoError(t, err)
	require.Len(t, trials, 2)

	assert.Equal(t, "t1", trials[0].ID)
	assert.Equal(t, 2, trials[0].T)
	assert.Equal(t, 1.0, trials[0].Y.At(0, 0))
	assert.Equal(t, 5.0, trials[0].Y.At(1, 1))
	assert.Equal(t, 6.0, trials[0].Y.At(2, 1))

	assert.Equal(t, "t2", trials[1].ID)
	assert.Equal(t, 1, trials[1].T)
	assert.Equal(t, 9.0, trials[1].Y.At(2, 0))
}

func TestLoadTrialsCSVErrors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, []byte("trial,a\n"), 0o644))
	_, err := LoadTrialsCSV(empty)
	require.ErrorIs(t, err, ErrDegenerateInput)

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("trial,a\nt1,notanumber\n"), 0o644))
	_, err = LoadTrialsCSV(bad)
	require.Error(t, err)
}

func TestWriteFitHistoryCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	history := &FitHistory{
		Records: []IterRecord{
			{Iter: 1, LogLik: -120.5, Elapsed: 250 * time.Millisecond},
			{Iter: 2, LogLik: -118.25, Elapsed: 480 * time.Millisecond},
		},
	}
	require.NoError(t, WriteFitHistoryCSV(path, history))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Iter,LogLik,ElapsedSeconds", lines[0])
	assert.Equal(t, "1,-120.5,0.250", lines[1])
	assert.Equal(t, "2,-118.25,0.480", lines[2])
}

func TestWriteMetricsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	metrics := &EvalMetrics{
		R2:      0.91,
		GroupR2: []float64{0.93, 0.89},
		LogLik:  -512.75,
		Pairwise: []PairwiseResult{
			{Source: 0, Target: 1, MSE: 0.12, R2: 0.9, MSEOrth: 0.12, R2Orth: 0.9},
		},
	}
	require.NoError(t, WriteMetricsCSV(path, metrics))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	// header + R2 + LogLik + 2 group rows + 4 pairwise rows
	require.Len(t, lines, 9)
	assert.Equal(t, "Metric,Source,Target,Value", lines[0])
	assert.Contains(t, lines, "R2,,,0.91")
	assert.Contains(t, lines, "GroupR2,1,,0.89")
	assert.Contains(t, lines, "PairwiseR2,0,1,0.9")
}
