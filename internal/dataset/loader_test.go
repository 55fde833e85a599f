package dataset

import (
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeSheet(t *testing.T, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, r := range rows {
		cellName, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow(sheet, cellName, &r); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "videos.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeSheet(t, [][]any{
		{"Lesson Ref", "Video URL", "Language"},
		{"L-1", "https://youtu.be/dQw4w9WgXcQ", "en"},
		{"L-2", "not a link", "en"},
		{"", " https://www.youtube.com/watch?v=abcdefghijk ", ""},
	})

	rows, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0] != (Row{Line: 2, URL: "https://youtu.be/dQw4w9WgXcQ", Language: "en", CompanionRef: "L-1"}) {
		t.Fatalf("row 0 = %+v", rows[0])
	}
	if rows[1].Line != 4 || rows[1].URL != "https://www.youtube.com/watch?v=abcdefghijk" || rows[1].Language != "" {
		t.Fatalf("row 1 = %+v", rows[1])
	}
}

func TestLoadWithoutHeaderMatchUsesFirstColumn(t *testing.T) {
	path := writeSheet(t, [][]any{
		{"source"},
		{"https://youtu.be/dQw4w9WgXcQ"},
	})
	rows, err := Load(path)
	if err != nil || len(rows) != 1 || rows[0].URL != "https://youtu.be/dQw4w9WgXcQ" {
		t.Fatalf("Load() = %+v, %v", rows, err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.xlsx")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeSheet(t, [][]any{{"url"}})); err == nil {
		t.Fatal("expected error for header-only sheet")
	}
}
