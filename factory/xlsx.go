package factory

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/lot-ledger/ledger"
)

// =============================================================================
// BATCH IMPORT
// =============================================================================

// BatchColumns is the header row ImportBatchesXLSX expects, in any order.
// item_id and on_hand are mandatory.
var BatchColumns = []string{
	"batch_id", "item_id", "lot_number", "on_hand", "expires_at", "location", "unit_cost", "received_at",
}

const dateLayout = "2006-01-02"

// BatchRow is one receipt row with its xlsx row number for error reports.
type BatchRow struct {
	Row   int
	Batch ledger.Batch
}

// ImportBatchesXLSX reads receipts from the first sheet of an xlsx file.
// Blank rows are skipped. The first bad row fails the import.
func ImportBatchesXLSX(r io.Reader) ([]BatchRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: not a readable xlsx file: %v", ledger.ErrValidationFailed, err)
	}
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, &ledger.ValidationError{Field: "header", Reason: "sheet is empty"}
	}

	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"item_id", "on_hand"} {
		if _, ok := col[required]; !ok {
			return nil, &ledger.ValidationError{Field: "header", Reason: "missing column " + required}
		}
	}

	var out []BatchRow
	for i := 1; i < len(rows); i++ {
		cell := func(name string) string {
			idx, ok := col[name]
			if !ok || idx >= len(rows[i]) {
				return ""
			}
			return strings.TrimSpace(rows[i][idx])
		}
		if strings.Join(rows[i], "") == "" {
			continue
		}
		rowNo := i + 1

		b := ledger.Batch{
			ID:        ledger.BatchID(cell("batch_id")),
			ItemID:    ledger.ItemID(cell("item_id")),
			LotNumber: cell("lot_number"),
			Location:  cell("location"),
		}
		if b.ItemID == "" {
			return nil, rowError(rowNo, "item_id", "is required")
		}
		if b.OnHand, err = ledger.ParseQuantity(cell("on_hand")); err != nil {
			return nil, rowError(rowNo, "on_hand", "must be a number")
		}
		if v := cell("unit_cost"); v != "" {
			if b.UnitCost, err = decimal.NewFromString(v); err != nil {
				return nil, rowError(rowNo, "unit_cost", "must be a number")
			}
		}
		if v := cell("expires_at"); v != "" {
			t, err := parseDate(v)
			if err != nil {
				return nil, rowError(rowNo, "expires_at", "must be YYYY-MM-DD")
			}
			b.ExpiresAt = &t
		}
		if v := cell("received_at"); v != "" {
			if b.ReceivedAt, err = parseDate(v); err != nil {
				return nil, rowError(rowNo, "received_at", "must be YYYY-MM-DD")
			}
		}
		out = append(out, BatchRow{Row: rowNo, Batch: b})
	}
	return out, nil
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func rowError(row int, field, reason string) error {
	return &ledger.ValidationError{Field: fmt.Sprintf("row %d: %s", row, field), Reason: reason}
}

// =============================================================================
// REPORT EXPORT
// =============================================================================

var reportHeader = []any{
	"line_id", "item_id", "line", "required", "linked", "consumed", "remaining", "percent",
	"batch_id", "lot_number", "location", "expires_at", "link_linked", "link_consumed",
}

// ExportReportXLSX writes one row per line and one row per link under it.
func ExportReportXLSX(w io.Writer, report ledger.TaskReport) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if err := f.SetSheetRow(sheet, "A1", &reportHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := 2
	writeRow := func(values []any) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		row++
		return f.SetSheetRow(sheet, cell, &values)
	}

	for _, line := range report.Lines {
		err := writeRow([]any{
			string(line.LineID), string(line.ItemID), line.Name,
			line.Required.StringFixed(), line.Linked.StringFixed(), line.Consumed.StringFixed(),
			line.Remaining.StringFixed(), line.Percent.Value.StringFixed(2),
		})
		if err != nil {
			return fmt.Errorf("write line %s: %w", line.LineID, err)
		}
		for _, lr := range line.Links {
			snap := lr.Link.Snapshot
			expires := ""
			if snap.ExpiresAt != nil {
				expires = snap.ExpiresAt.Format(dateLayout)
			}
			err := writeRow([]any{
				string(line.LineID), string(line.ItemID), "", "", "", "", "", "",
				string(snap.BatchID), snap.LotNumber, snap.Location, expires,
				lr.Link.Linked.StringFixed(), lr.Link.Consumed.StringFixed(),
			})
			if err != nil {
				return fmt.Errorf("write link %s: %w", lr.Link.ID, err)
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
