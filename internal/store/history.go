// history.go appends conversion history as JSON lines plus a per-region
// daily CSV audit file. Both are append-only; the CSV rolls to a new file
// each UTC day.
package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"convert-rotator/pkg/types"
)

var auditHeader = []string{
	"timestamp", "quote_id", "order_id", "from_token", "to_token",
	"from_amount", "to_amount", "ratio", "score", "expected_profit",
	"prob_up", "accepted", "error_code", "error_msg",
}

// History appends conversion records under a log directory.
type History struct {
	dir    string
	region types.Region
	mu     sync.Mutex
	now    func() time.Time
}

// OpenHistory creates the log directory and a history writer for it.
func OpenHistory(dir string, region types.Region) (*History, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &History{dir: dir, region: region, now: time.Now}, nil
}

// Append writes the record as one JSON line to history.jsonl and one row
// to the region's daily audit CSV.
func (h *History) Append(rec types.HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec.Timestamp == 0 {
		rec.Timestamp = h.now().UnixMilli()
	}

	if err := h.appendJSON(rec); err != nil {
		return err
	}
	return h.appendCSV(rec)
}

func (h *History) appendJSON(rec types.HistoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(h.dir, "history.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append history log: %w", err)
	}
	return nil
}

func (h *History) appendCSV(rec types.HistoryRecord) error {
	day := h.now().UTC().Format("2006-01-02")
	path := filepath.Join(h.dir, fmt.Sprintf("audit_%s_%s.csv", h.region, day))

	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(auditHeader); err != nil {
			return fmt.Errorf("write audit header: %w", err)
		}
	}
	row := []string{
		strconv.FormatInt(rec.Timestamp, 10),
		rec.QuoteID,
		rec.OrderID,
		rec.FromToken,
		rec.ToToken,
		rec.FromAmount.String(),
		rec.ToAmount.String(),
		rec.Ratio.String(),
		strconv.FormatFloat(rec.Score, 'f', 6, 64),
		strconv.FormatFloat(rec.ExpectedProfit, 'f', 6, 64),
		strconv.FormatFloat(rec.ProbUp, 'f', 4, 64),
		strconv.FormatBool(rec.Accepted),
		strconv.Itoa(rec.ErrorCode),
		rec.ErrorMsg,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write audit row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush audit csv: %w", err)
	}
	return nil
}

// ReadAll loads every record from history.jsonl, oldest first. Missing
// file yields an empty slice.
func (h *History) ReadAll() ([]types.HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(filepath.Join(h.dir, "history.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()

	var out []types.HistoryRecord
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec types.HistoryRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode history record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
