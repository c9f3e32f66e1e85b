// report.go writes the ranked candidate list as CSV and JSON under the
// log root, one pair of files per region per run.
package ranker

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"convert-rotator/pkg/types"
)

// WriteReports writes candidates_<region>.csv and .json into dir, plus the
// rejection summary inside the JSON document.
func WriteReports(dir string, region types.Region, res *Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	csvPath := filepath.Join(dir, fmt.Sprintf("candidates_%s.csv", region))
	if err := writeCSV(csvPath, res.Candidates); err != nil {
		return err
	}

	doc := struct {
		Region     types.Region      `json:"region"`
		Candidates []types.Candidate `json:"candidates"`
		Rejections map[string]int    `json:"rejections"`
	}{Region: region, Candidates: res.Candidates, Rejections: res.Rejections}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	jsonPath := filepath.Join(dir, fmt.Sprintf("candidates_%s.json", region))
	tmp := jsonPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write candidates json: %w", err)
	}
	return os.Rename(tmp, jsonPath)
}

func writeCSV(path string, candidates []types.Candidate) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write candidates csv: %w", err)
	}

	w := csv.NewWriter(f)
	header := []string{"rank", "symbol", "base", "score", "quote_volume", "change_24h_pct", "spread_bps", "last_price", "route", "min_quote", "max_quote"}
	rows := [][]string{header}
	for _, c := range candidates {
		rows = append(rows, []string{
			strconv.Itoa(c.Rank),
			c.Symbol,
			c.Base,
			strconv.FormatFloat(c.Score, 'f', 6, 64),
			c.QuoteVolume.String(),
			strconv.FormatFloat(c.Change24h, 'f', 2, 64),
			strconv.FormatFloat(c.SpreadBps, 'f', 2, 64),
			c.LastPrice.String(),
			c.RouteDesc,
			c.MinQuote.String(),
			c.MaxQuote.String(),
		})
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write candidates csv: %w", err)
	}
	w.Flush()
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
