// Package dataset reads batches of videos to submit from a spreadsheet.
package dataset

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Row is one video to submit.
type Row struct {
	Line         int    `json:"line"`
	URL          string `json:"url"`
	Language     string `json:"language,omitempty"`
	CompanionRef string `json:"companion_ref,omitempty"`
}

// Load reads the first sheet of an xlsx file. Columns are found by header
// name; rows whose URL is not http(s) are skipped.
func Load(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	urlIdx, langIdx, refIdx := -1, -1, -1
	for i, h := range rows[0] {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "url") || strings.Contains(l, "link") || strings.Contains(l, "video"):
			if urlIdx == -1 {
				urlIdx = i
			}
		case strings.Contains(l, "lang"):
			langIdx = i
		case strings.Contains(l, "companion") || strings.Contains(l, "lesson") || strings.Contains(l, "ref"):
			refIdx = i
		}
	}
	if urlIdx == -1 {
		urlIdx = 0
	}

	var out []Row
	for i, r := range rows[1:] {
		row := Row{
			Line:         i + 2,
			URL:          cell(r, urlIdx),
			Language:     cell(r, langIdx),
			CompanionRef: cell(r, refIdx),
		}
		lower := strings.ToLower(row.URL)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func cell(r []string, idx int) string {
	if idx < 0 || idx >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[idx])
}
