// Package projection maintains the per-subscriber spreadsheet that mirrors
// the post-signal state: it repairs drifted headers by column-name rematch,
// upserts data rows keyed by post_url, and keeps the sheet sorted by
// posted_at. The spreadsheet is never read back as a source of truth; the
// relational store is authoritative and projection is one-directional.
package projection

import (
	"fmt"
	"log/slog"

	"github.com/feedpulse/signalpipe/internal/domain"
)

// dataFirstRow is the first data row: row 1 is the header, row 2 the
// human-readable column descriptions.
const dataFirstRow = 3

// maxScanRange bounds every full-sheet read and clear.
const maxScanRange = "A3:AZ10000"

// RangeValues pairs an A1 range with a values grid for a batched write.
type RangeValues struct {
	Range  string
	Values [][]string
}

// ValuesAPI is the remote spreadsheet surface the writer drives. The
// concrete service behind it is external; RESTClient talks to it over HTTP
// and the writer never assumes anything beyond these six calls.
type ValuesAPI interface {
	Get(ctx domain.Context, spreadsheetID, rangeA1 string) ([][]string, error)
	Update(ctx domain.Context, spreadsheetID, rangeA1 string, values [][]string) error
	BatchUpdate(ctx domain.Context, spreadsheetID string, data []RangeValues) error
	Append(ctx domain.Context, spreadsheetID, rangeA1 string, values [][]string) error
	Clear(ctx domain.Context, spreadsheetID, rangeA1 string) error
	// SortRange sorts all data rows descending by the zero-based column index.
	SortRange(ctx domain.Context, spreadsheetID, sheetTitle string, columnIndex int) error
}

// Writer implements domain.SpreadsheetProjector over a ValuesAPI.
type Writer struct {
	API          ValuesAPI
	SheetTitle   string
	Descriptions []string
}

// NewWriter constructs a Writer targeting one sheet title within each
// subscriber's spreadsheet.
func NewWriter(api ValuesAPI, sheetTitle string, descriptions []string) *Writer {
	if sheetTitle == "" {
		sheetTitle = "Posts"
	}
	return &Writer{API: api, SheetTitle: sheetTitle, Descriptions: descriptions}
}

func (w *Writer) rng(a1 string) string { return w.SheetTitle + "!" + a1 }

// headerRows builds the two fixed top rows, padding or truncating the
// description row to the header length.
func (w *Writer) headerRows(headers []string) [][]string {
	descs := make([]string, len(headers))
	for i := range headers {
		if i < len(w.Descriptions) {
			descs[i] = w.Descriptions[i]
		}
	}
	return [][]string{headers, descs}
}

// EnsureHeader writes the canonical header and description rows, migrating
// existing data rows by column-name rematch when the stored header has
// drifted from the canonical list. Safe to call before every row write.
func (w *Writer) EnsureHeader(ctx domain.Context, spreadsheetID string, headers []string) error {
	if len(headers) == 0 {
		return fmt.Errorf("op=projection.ensure_header: empty header list")
	}
	existing, err := w.API.Get(ctx, spreadsheetID, w.rng("1:2"))
	if err != nil {
		return fmt.Errorf("op=projection.ensure_header.get: %w", err)
	}
	if len(existing) == 0 || len(existing[0]) == 0 {
		if err := w.API.Update(ctx, spreadsheetID, w.rng("1:2"), w.headerRows(headers)); err != nil {
			return fmt.Errorf("op=projection.ensure_header.init: %w", err)
		}
		return nil
	}

	if !sameHeader(existing[0], headers) {
		if err := w.migrate(ctx, spreadsheetID, existing[0], headers); err != nil {
			return err
		}
		return nil
	}

	// Header matches; rewrite the two top rows anyway so stale description
	// cells and trailing columns from older schemas are cleared.
	if err := w.API.Clear(ctx, spreadsheetID, w.rng("A1:AZ2")); err != nil {
		return fmt.Errorf("op=projection.ensure_header.clear: %w", err)
	}
	if err := w.API.Update(ctx, spreadsheetID, w.rng("1:2"), w.headerRows(headers)); err != nil {
		return fmt.Errorf("op=projection.ensure_header.rewrite: %w", err)
	}
	return nil
}

// migrate remaps every data row from the stored header's column order to
// the canonical order, matching columns by name so values never end up
// under the wrong header. Columns absent from the old header come out
// empty; columns dropped from the canonical list are discarded.
func (w *Writer) migrate(ctx domain.Context, spreadsheetID string, oldHeader, headers []string) error {
	rows, err := w.API.Get(ctx, spreadsheetID, w.rng(maxScanRange))
	if err != nil {
		return fmt.Errorf("op=projection.migrate.get: %w", err)
	}

	oldIdx := make(map[string]int, len(oldHeader))
	for i, name := range oldHeader {
		oldIdx[name] = i
	}
	migrated := make([][]string, 0, len(rows))
	for _, row := range rows {
		byName := make(map[string]string, len(oldHeader))
		for name, i := range oldIdx {
			if i < len(row) {
				byName[name] = row[i]
			}
		}
		out := make([]string, len(headers))
		for i, col := range headers {
			out[i] = byName[col]
		}
		migrated = append(migrated, out)
	}

	if err := w.API.Clear(ctx, spreadsheetID, w.rng("A1:AZ10000")); err != nil {
		return fmt.Errorf("op=projection.migrate.clear: %w", err)
	}
	if err := w.API.Update(ctx, spreadsheetID, w.rng("1:2"), w.headerRows(headers)); err != nil {
		return fmt.Errorf("op=projection.migrate.header: %w", err)
	}
	if len(migrated) > 0 {
		if err := w.API.Append(ctx, spreadsheetID, w.rng("A3"), migrated); err != nil {
			return fmt.Errorf("op=projection.migrate.append: %w", err)
		}
	}
	slog.Info("projection header migrated",
		slog.String("spreadsheet_id", spreadsheetID),
		slog.Int("rows", len(migrated)),
		slog.Int("old_columns", len(oldHeader)),
		slog.Int("new_columns", len(headers)))
	return nil
}

// UpsertRows writes each row under the stored header, keyed by post_url.
// Rows whose key is already present are rewritten in place; header columns
// a row map doesn't carry keep their current cell value, so partial rows
// (a velocity repair, say) never blank out the rest of the row. New keys
// are appended, with absent columns empty.
func (w *Writer) UpsertRows(ctx domain.Context, spreadsheetID string, rows []map[string]string) error {
	if len(rows) == 0 {
		return nil
	}
	headerRows, err := w.API.Get(ctx, spreadsheetID, w.rng("1:1"))
	if err != nil {
		return fmt.Errorf("op=projection.upsert_rows.header: %w", err)
	}
	if len(headerRows) == 0 || len(headerRows[0]) == 0 {
		return fmt.Errorf("op=projection.upsert_rows: sheet has no header row")
	}
	header := headerRows[0]
	urlIdx := 0
	for i, name := range header {
		if name == "post_url" {
			urlIdx = i
			break
		}
	}

	existing, err := w.API.Get(ctx, spreadsheetID, w.rng(maxScanRange))
	if err != nil {
		return fmt.Errorf("op=projection.upsert_rows.existing: %w", err)
	}
	rowNumByURL := make(map[string]int, len(existing))
	for i, row := range existing {
		if urlIdx < len(row) && row[urlIdx] != "" {
			rowNumByURL[row[urlIdx]] = dataFirstRow + i
		}
	}

	endCol := colLetter(len(header))
	var updates []RangeValues
	var appends [][]string
	for _, r := range rows {
		if r["post_url"] == "" {
			continue
		}
		out := make([]string, len(header))
		rowNum, exists := rowNumByURL[r["post_url"]]
		for i, col := range header {
			v, carried := r[col]
			if !carried && exists {
				if current := existing[rowNum-dataFirstRow]; i < len(current) {
					v = current[i]
				}
			}
			out[i] = v
		}
		if exists {
			updates = append(updates, RangeValues{
				Range:  w.rng(fmt.Sprintf("A%d:%s%d", rowNum, endCol, rowNum)),
				Values: [][]string{out},
			})
		} else {
			appends = append(appends, out)
		}
	}

	if len(updates) > 0 {
		if err := w.API.BatchUpdate(ctx, spreadsheetID, updates); err != nil {
			return fmt.Errorf("op=projection.upsert_rows.update: %w", err)
		}
	}
	if len(appends) > 0 {
		if err := w.API.Append(ctx, spreadsheetID, w.rng("A3"), appends); err != nil {
			return fmt.Errorf("op=projection.upsert_rows.append: %w", err)
		}
	}
	return nil
}

// SortByPostedAtDesc sorts the data rows newest-first. A sheet without a
// posted_at column is left unsorted.
func (w *Writer) SortByPostedAtDesc(ctx domain.Context, spreadsheetID string) error {
	headerRows, err := w.API.Get(ctx, spreadsheetID, w.rng("1:1"))
	if err != nil {
		return fmt.Errorf("op=projection.sort.header: %w", err)
	}
	if len(headerRows) == 0 {
		return nil
	}
	for i, name := range headerRows[0] {
		if name == "posted_at" {
			if err := w.API.SortRange(ctx, spreadsheetID, w.SheetTitle, i); err != nil {
				return fmt.Errorf("op=projection.sort: %w", err)
			}
			return nil
		}
	}
	return nil
}

func sameHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// colLetter converts a 1-based column number to its A1 letter form.
func colLetter(n int) string {
	out := ""
	for n > 0 {
		n--
		out = string(rune('A'+n%26)) + out
		n /= 26
	}
	return out
}
