package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mbeema/interpose/pkg/events"
	"go.uber.org/zap"
)

// StdoutExporter prints events to stdout for debugging.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{
		format: format,
		logger: logger,
	}
}

// ExportEvents prints events to stdout.
func (e *StdoutExporter) ExportEvents(_ context.Context, evs []events.Event) error {
	for _, ev := range evs {
		if e.format == "json" {
			e.printJSON(ev)
		} else {
			fmt.Fprintf(os.Stdout, "[EVENT] %-26s index=%d%s\n",
				ev.Type, ev.Index, formatDetail(ev))
		}
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(context.Context) error {
	return nil
}

func (e *StdoutExporter) printJSON(ev events.Event) {
	data := map[string]interface{}{
		"_type":     string(ev.Type),
		"timestamp": ev.Time.Format(time.RFC3339Nano),
		"index":     ev.Index,
	}
	if ev.Symbol != "" {
		data["symbol"] = ev.Symbol
	}
	if ev.Address != 0 {
		data["address"] = fmt.Sprintf("%#x", ev.Address)
	}
	if ev.Observed != 0 {
		data["observed"] = fmt.Sprintf("%#x", ev.Observed)
	}
	if ev.Type == events.HookUninstalled {
		data["forced"] = ev.Forced
	}
	if ev.Count > 0 {
		data["count"] = ev.Count
	}
	if len(ev.RuleIDs) > 0 {
		data["rule_ids"] = ev.RuleIDs
	}
	if ev.Err != "" {
		data["error"] = ev.Err
	}
	b, _ := json.Marshal(data)
	fmt.Fprintf(os.Stdout, "%s\n", b)
}

func formatDetail(ev events.Event) string {
	var parts []string
	if ev.Symbol != "" {
		parts = append(parts, fmt.Sprintf("symbol=%s", ev.Symbol))
	}
	if ev.Address != 0 {
		parts = append(parts, fmt.Sprintf("address=%#x", ev.Address))
	}
	if ev.Observed != 0 {
		parts = append(parts, fmt.Sprintf("observed=%#x", ev.Observed))
	}
	if ev.Type == events.HookUninstalled {
		parts = append(parts, fmt.Sprintf("forced=%t", ev.Forced))
	}
	if ev.Count > 0 {
		parts = append(parts, fmt.Sprintf("count=%d", ev.Count))
	}
	if len(ev.RuleIDs) > 0 {
		parts = append(parts, fmt.Sprintf("rules=%s", strings.Join(ev.RuleIDs, ",")))
	}
	if ev.Err != "" {
		parts = append(parts, fmt.Sprintf("error=%q", ev.Err))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}
