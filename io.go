package dlag

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// LoadTrialsCSV reads trials from a CSV file. The expected layout is a header
// row "trial,<feature names...>" followed by one row per timestep: the trial
// identifier in the first column and one value per observed feature after it.
// Consecutive rows with the same identifier form one trial; features must be
// ordered group by group to match the GroupLayout handed to the engine.
func LoadTrialsCSV(path string) ([]*Trial, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("%w: header needs a trial column and at least one feature", ErrConfiguration)
	}
	q := len(header) - 1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s holds no data rows", ErrDegenerateInput, path)
	}

	var trials []*Trial
	var cur string
	var cols [][]float64
	flush := func() error {
		if len(cols) == 0 {
			return nil
		}
		y := mat.NewDense(q, len(cols), nil)
		for t, col := range cols {
			for r := 0; r < q; r++ {
				y.Set(r, t, col[r])
			}
		}
		trials = append(trials, &Trial{ID: cur, T: len(cols), Y: y})
		cols = nil
		return nil
	}
	for i, rec := range records {
		if len(rec) != q+1 {
			return nil, fmt.Errorf("row %d has %d fields, want %d", i+2, len(rec), q+1)
		}
		if rec[0] != cur {
			if err := flush(); err != nil {
				return nil, err
			}
			cur = rec[0]
		}
		col := make([]float64, q)
		for j := 0; j < q; j++ {
			v, err := strconv.ParseFloat(rec[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("row %d, column %s: %w", i+2, header[j+1], err)
			}
			col[j] = v
		}
		cols = append(cols, col)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return trials, nil
}

// WriteFitHistoryCSV writes the per-iteration diagnostic history with the
// columns: Iter, LogLik, ElapsedSeconds.
func WriteFitHistoryCSV(path string, history *FitHistory) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"Iter", "LogLik", "ElapsedSeconds"}); err != nil {
		return err
	}
	for _, rec := range history.Records {
		row := []string{
			strconv.Itoa(rec.Iter),
			strconv.FormatFloat(rec.LogLik, 'g', -1, 64),
			strconv.FormatFloat(rec.Elapsed.Seconds(), 'f', 3, 64),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// WriteMetricsCSV writes the evaluator output with the columns:
// Metric, Source, Target, Value. Whole-model rows leave Source/Target empty.
func WriteMetricsCSV(path string, metrics *EvalMetrics) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"Metric", "Source", "Target", "Value"}); err != nil {
		return err
	}
	rows := [][]string{
		{"R2", "", "", strconv.FormatFloat(metrics.R2, 'g', -1, 64)},
		{"LogLik", "", "", strconv.FormatFloat(metrics.LogLik, 'g', -1, 64)},
	}
	for g, r2 := range metrics.GroupR2 {
		rows = append(rows, []string{"GroupR2", strconv.Itoa(g), "", strconv.FormatFloat(r2, 'g', -1, 64)})
	}
	for _, pr := range metrics.Pairwise {
		src, tgt := strconv.Itoa(pr.Source), strconv.Itoa(pr.Target)
		rows = append(rows,
			[]string{"PairwiseMSE", src, tgt, strconv.FormatFloat(pr.MSE, 'g', -1, 64)},
			[]string{"PairwiseR2", src, tgt, strconv.FormatFloat(pr.R2, 'g', -1, 64)},
			[]string{"PairwiseMSEOrth", src, tgt, strconv.FormatFloat(pr.MSEOrth, 'g', -1, 64)},
			[]string{"PairwiseR2Orth", src, tgt, strconv.FormatFloat(pr.R2Orth, 'g', -1, 64)},
		)
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	return nil
}
