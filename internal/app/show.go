package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent hub jobs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show jobs")
	}
	defer closeStore()

	since := time.Now().Add(-time.Duration(opts.Hours) * time.Hour)
	jobs, err := store.ListRecentJobs(ctx, since, opts.Limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(os.Stdout, "no jobs found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tKey\tSource\tPriority\tStatus\tRetries\tDedup\tAck")

	for _, job := range jobs {
		ack := ""
		if job.Ack != nil {
			ack = sanitizeInline(*job.Ack)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%v\t%s\n",
			job.CreatedAt.UTC().Format(time.RFC3339),
			job.IdempotencyKey,
			job.Source,
			job.Priority,
			job.Status,
			job.Retries,
			job.Dedup,
			ack,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
