package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/torosent/sseswarm/internal/metrics"
)

// PrintReport outputs the human-readable final report.
func PrintReport(w io.Writer, stats metrics.Stats) {
	fmt.Fprintln(w, "\nTest completed - Final metrics:")
	fmt.Fprintln(w, "FINAL RESULTS:")
	if stats.RunID != "" {
		fmt.Fprintf(w, "Run ID: %s\n", stats.RunID)
	}
	fmt.Fprintf(w, "Total Time: %ds\n", stats.TotalTimeSec)
	fmt.Fprintf(w, "Users: %d\n", stats.Users)
	fmt.Fprintf(w, "SSE Connections: %d (%d errors)\n", stats.ConnectionsOpened, stats.ConnectionErrors)
	fmt.Fprintf(w, "POST Requests: %d\n", stats.WriteAttempts)
	if stats.Abandoned > 0 {
		fmt.Fprintf(w, "Abandoned In-Flight: %d\n", stats.Abandoned)
	}
	fmt.Fprintf(w, "Success Rate: %d%%\n", stats.SuccessRate)
	fmt.Fprintf(w, "Average Response Time: %dms\n", stats.AverageMs)
	fmt.Fprintf(w, "Requests/sec: %d\n", stats.RequestsPerSec)

	if len(stats.Slow) > 0 {
		fmt.Fprintln(w, "\nSLOW RESPONSES (5-10s):")
		writeSlowRecords(w, stats.Slow)
	}
	if len(stats.VerySlow) > 0 {
		fmt.Fprintln(w, "\nVERY SLOW RESPONSES (>10s):")
		writeSlowRecords(w, stats.VerySlow)
	}

	if stats.HasLatencies {
		fmt.Fprintln(w, "\nRESPONSE TIME DISTRIBUTION:")
		fmt.Fprintf(w, "   50th percentile (median): %dms\n", stats.P50Ms)
		fmt.Fprintf(w, "   95th percentile: %dms\n", stats.P95Ms)
		fmt.Fprintf(w, "   99th percentile: %dms\n", stats.P99Ms)
		fmt.Fprintf(w, "   Maximum: %dms\n", stats.MaxMs)
	}

	if len(stats.ConnErrors) > 0 {
		fmt.Fprintln(w, "\nSSE ERROR DETAILS:")
		for i, e := range stats.ConnErrors {
			fmt.Fprintf(w, "   %d. User %d at %s\n", i+1, e.UserID, e.Timestamp)
			fmt.Fprintf(w, "      Message: %s\n", e.Message)
			fmt.Fprintf(w, "      Type: %s, ReadyState: %d\n", e.Type, e.ReadyState)
		}
	}

	if len(stats.WriteErrorDetails) > 0 {
		fmt.Fprintln(w, "\nPOST REQUEST ERROR DETAILS:")
		for i, e := range stats.WriteErrorDetails {
			fmt.Fprintf(w, "   %d. User %d, POST #%d at %s\n", i+1, e.UserID, e.PostCount, e.Timestamp)
			fmt.Fprintf(w, "      Status: %s, Duration: %dms\n", e.Status, e.DurationMs)
			fmt.Fprintf(w, "      Message: %s\n", e.Message)
			fmt.Fprintf(w, "      Code: %s\n", e.Code)
			if data := responseData(e.Data); data != "" {
				fmt.Fprintf(w, "      Response Data: %s\n", data)
			}
		}
	}

	if len(stats.ConnErrors) == 0 && len(stats.WriteErrorDetails) == 0 {
		fmt.Fprintln(w, "\nNO ERRORS DETECTED - Perfect test run!")
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, stats metrics.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func writeSlowRecords(w io.Writer, records []metrics.SlowRecord) {
	for _, r := range records {
		fmt.Fprintf(w, "   User %d, POST #%d: %dms\n", r.UserID, r.PostCount, r.DurationMs)
	}
}

// responseData renders an error body compactly, or "" when there was none.
func responseData(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		if strings.TrimSpace(v) == "" {
			return ""
		}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}
