// Package metrics provides functions to record server events as
// metrics data. It writes CSV logs to local files, which is enough for
// simple setups without a metrics backend.
package metrics

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tzrikka/xdg"
)

// DefaultEventsFile is the per-day CSV file that accumulates counted
// events (the placeholder is the date).
const DefaultEventsFile = "shofar_events_%s.csv"

const (
	fileFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY
	filePerms = xdg.NewFilePermissions
)

var mu sync.Mutex

// CountEvent appends one counted event (connection accepted/closed,
// message relayed, and so on) with an optional detail column.
func CountEvent(l *slog.Logger, t time.Time, event, detail string) {
	mu.Lock()
	defer mu.Unlock()

	record := []string{t.Format(time.RFC3339), event, detail}
	if err := appendToCSVFile(DefaultEventsFile, t, record); err != nil {
		l.Error("metrics error: failed to count event", slog.Any("error", err),
			slog.String("event", event), slog.String("detail", detail))
	}
}

func appendToCSVFile(filename string, t time.Time, record []string) error {
	filename = fmt.Sprintf(filename, t.Format(time.DateOnly))
	f, err := os.OpenFile(filename, fileFlags, filePerms) //gosec:disable G304 // Hardcoded path.
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		return err
	}

	w.Flush()
	return w.Error()
}
