package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"market-sentinel/internal/alert"
	"market-sentinel/internal/storage"
)

// exportRow is one job joined with its decoded alert payload.
type exportRow struct {
	job   storage.Job
	alert alert.Alert
}

// Export renders the job ledger as CSV and/or a PNG delta chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	jobs, err := store.ListJobsBetween(ctx, from, to)
	if err != nil {
		return err
	}

	rows := make([]exportRow, 0, len(jobs))
	for _, job := range jobs {
		var al alert.Alert
		if err := json.Unmarshal(job.Payload, &al); err != nil {
			a.Logger.Warn().Int64("job_id", job.ID).Msg("payload unreadable; skipped in export")
			continue
		}
		rows = append(rows, exportRow{job: job, alert: al})
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no jobs found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting jobs")

	if opts.CSVPath != "" {
		if err := writeJobsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDeltaPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeJobsCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"ts", "idempotency_key", "symbol", "severity", "delta_pct", "priority", "status", "retries", "dedup", "ack"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		ack := ""
		if row.job.Ack != nil {
			ack = *row.job.Ack
		}
		record := []string{
			row.job.Timestamp.Format(time.RFC3339),
			row.job.IdempotencyKey,
			row.alert.Symbol,
			string(row.alert.Severity),
			row.alert.DeltaPct.String(),
			row.job.Priority,
			row.job.Status,
			strconv.Itoa(row.job.Retries),
			strconv.FormatBool(row.job.Dedup),
			ack,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeDeltaPNG(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	delta := make([]float64, len(rows))
	severity := make([]float64, len(rows))

	for i, row := range rows {
		x[i] = row.job.Timestamp
		delta[i] = row.alert.DeltaPct.InexactFloat64()
		severity[i] = float64(row.alert.Severity.Rank())
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Delta (%)",
			ValueFormatter: pctFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Severity rank",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Delta %",
				XValues: x,
				YValues: delta,
			},
			chart.TimeSeries{
				Name:    "Severity",
				XValues: x,
				YValues: severity,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
