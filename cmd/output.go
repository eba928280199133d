package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"speedtest-monitor/pkg/config"
	"speedtest-monitor/pkg/models"
	"speedtest-monitor/pkg/scheduler"
	"speedtest-monitor/pkg/sink"
)

func printServers(w io.Writer, servers []models.Server) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSPONSOR\tCOUNTRY\tDISTANCE (km)\tHOST")
	for _, s := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f\t%s\n", s.ID, s.Name, s.Sponsor, s.Country, s.Distance, s.Host)
	}
	tw.Flush()
}

func formatResult(r models.MeasurementResult) string {
	return fmt.Sprintf("download %.2f Mbps, upload %.2f Mbps, ping %.1f ms (%s, %s)",
		r.DownloadMbps, r.UploadMbps, r.PingMs, r.Server.Name, r.Server.Sponsor)
}

func printResult(w io.Writer, r models.MeasurementResult) {
	fmt.Fprintf(w, "%s  %s\n", r.Timestamp.Local().Format(time.DateTime), formatResult(r))
}

func printEvent(w io.Writer, ev scheduler.Event) {
	ts := ev.Time.Local().Format(time.TimeOnly)
	switch ev.Kind {
	case scheduler.EventCycleStarted:
		fmt.Fprintf(w, "[%s] cycle %d: testing...\n", ts, ev.Cycle)
	case scheduler.EventResult:
		fmt.Fprintf(w, "[%s] cycle %d: %s\n", ts, ev.Cycle, formatResult(*ev.Result))
	case scheduler.EventCycleFailed:
		fmt.Fprintf(w, "[%s] cycle %d: failed: %v\n", ts, ev.Cycle, ev.Err)
	case scheduler.EventSinkFailed:
		fmt.Fprintf(w, "[%s] cycle %d: could not save result: %v\n", ts, ev.Cycle, ev.Err)
	case scheduler.EventStopped:
		fmt.Fprintf(w, "[%s] stopped\n", ts)
	}
}

func printHistory(w io.Writer, results []models.MeasurementResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDOWNLOAD (Mbps)\tUPLOAD (Mbps)\tPING (ms)\tSERVER")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.1f\t%s\n",
			r.Timestamp.Local().Format(time.DateTime), r.DownloadMbps, r.UploadMbps, r.PingMs, r.Server.Name)
	}
	tw.Flush()
}

// historyFormat resolves an empty format to the first enabled output,
// preferring CSV over JSON over Postgres.
func historyFormat(out config.SinkConfig, format string) string {
	if format != "" {
		return format
	}
	switch {
	case out.CSVEnabled:
		return "csv"
	case out.JSONEnabled:
		return "json"
	case out.PostgresEnabled:
		return "postgres"
	}
	return "json"
}

// readHistory loads results stored in the CSV or JSON output file.
func readHistory(out config.SinkConfig, format string) ([]models.MeasurementResult, error) {
	switch historyFormat(out, format) {
	case "csv":
		return sink.ReadCSV(out.CSVPath())
	case "json":
		return sink.ReadJSON(out.JSONPath())
	default:
		return nil, fmt.Errorf("unknown format %q, want csv, json or postgres", format)
	}
}

func measurementResults(rows []models.Measurement) []models.MeasurementResult {
	results := make([]models.MeasurementResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, row.Result())
	}
	return results
}
