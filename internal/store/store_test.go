package store

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"convert-rotator/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	st := types.NewPositionState()
	st.Assets["SOL"] = dec("12.5")
	st.Assets["USDT"] = dec("300")
	st.Peaks["SOL"] = dec("150")
	st.PortfolioPeak = dec("2000")
	st.TS = 1700000000000

	if err := s.SaveState(st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !got.Assets["SOL"].Equal(dec("12.5")) || !got.Peaks["SOL"].Equal(dec("150")) {
		t.Errorf("state = %+v", got)
	}
	if !got.PortfolioPeak.Equal(dec("2000")) || got.TS != 1700000000000 {
		t.Errorf("state = %+v", got)
	}
}

func TestLoadMissingGivesFreshState(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st == nil || st.Assets == nil || st.Peaks == nil {
		t.Fatalf("fresh state = %+v, want initialized maps", st)
	}
	if len(st.Assets) != 0 {
		t.Errorf("fresh state should be empty, got %+v", st.Assets)
	}
}

func TestPeaksNeverRegress(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	first := types.NewPositionState()
	first.Peaks["SOL"] = dec("150")
	first.PortfolioPeak = dec("2000")
	if err := s.SaveState(first); err != nil {
		t.Fatal(err)
	}

	// A later save with lower peaks must not win.
	second := types.NewPositionState()
	second.Peaks["SOL"] = dec("120")
	second.Peaks["ETH"] = dec("3000")
	second.PortfolioPeak = dec("1800")
	if err := s.SaveState(second); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadState()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Peaks["SOL"].Equal(dec("150")) {
		t.Errorf("SOL peak = %s, want 150 (monotonic)", got.Peaks["SOL"])
	}
	if !got.Peaks["ETH"].Equal(dec("3000")) {
		t.Errorf("ETH peak = %s, want 3000 (new asset)", got.Peaks["ETH"])
	}
	if !got.PortfolioPeak.Equal(dec("2000")) {
		t.Errorf("portfolio peak = %s, want 2000", got.PortfolioPeak)
	}
}

func TestResetStateDropsOldPeaks(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	high := types.NewPositionState()
	high.Peaks["SOL"] = dec("150")
	high.PortfolioPeak = dec("2000")
	if err := s.SaveState(high); err != nil {
		t.Fatal(err)
	}

	base := types.NewPositionState()
	base.PortfolioPeak = dec("500")
	if err := s.ResetState(base); err != nil {
		t.Fatalf("ResetState: %v", err)
	}

	got, err := s.LoadState()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Peaks) != 0 || !got.PortfolioPeak.Equal(dec("500")) {
		t.Errorf("state after reset = %+v", got)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveState(types.NewPositionState()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "state.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}
}

func historyRecord(quoteID string, accepted bool) types.HistoryRecord {
	return types.HistoryRecord{
		QuoteID:    quoteID,
		FromToken:  "USDT",
		ToToken:    "SOL",
		FromAmount: dec("100"),
		ToAmount:   dec("0.5"),
		Ratio:      dec("0.005"),
		Score:      4.2,
		Accepted:   accepted,
		Timestamp:  1700000000000,
	}
}

func TestHistoryAppendAndReadAll(t *testing.T) {
	t.Parallel()
	h, err := OpenHistory(t.TempDir(), types.RegionAsia)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}

	if err := h.Append(historyRecord("q1", true)); err != nil {
		t.Fatal(err)
	}
	if err := h.Append(historyRecord("q2", false)); err != nil {
		t.Fatal(err)
	}

	recs, err := h.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 2 || recs[0].QuoteID != "q1" || recs[1].QuoteID != "q2" {
		t.Fatalf("records = %+v", recs)
	}
	if !recs[0].Accepted || recs[1].Accepted {
		t.Errorf("accepted flags = %v, %v", recs[0].Accepted, recs[1].Accepted)
	}
	if !recs[0].FromAmount.Equal(dec("100")) {
		t.Errorf("from amount = %s", recs[0].FromAmount)
	}
}

func TestHistoryWritesDailyAuditCSV(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h, err := OpenHistory(dir, types.RegionUS)
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	if err := h.Append(historyRecord("q1", true)); err != nil {
		t.Fatal(err)
	}
	if err := h.Append(historyRecord("q2", true)); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "audit_us_2026-03-14.csv"))
	if err != nil {
		t.Fatalf("open audit csv: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read audit csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2 records", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][3] != "from_token" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][1] != "q1" || rows[2][1] != "q2" {
		t.Errorf("quote ids = %s, %s", rows[1][1], rows[2][1])
	}
}

func TestHistoryAuditRollsByDay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h, err := OpenHistory(dir, types.RegionAsia)
	if err != nil {
		t.Fatal(err)
	}

	day := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	h.now = func() time.Time { return day }
	if err := h.Append(historyRecord("q1", true)); err != nil {
		t.Fatal(err)
	}

	day = day.Add(2 * time.Minute) // crosses midnight UTC
	if err := h.Append(historyRecord("q2", true)); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var csvs []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "audit_asia_") {
			csvs = append(csvs, e.Name())
		}
	}
	if len(csvs) != 2 {
		t.Fatalf("audit files = %v, want one per day", csvs)
	}
}
