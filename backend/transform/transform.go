package transform

import (
	"errors"
	"fmt"

	"github.com/andi/reportflow/backend/linkcodec"
	"github.com/xuri/excelize/v2"
)

// ErrTransform is the sentinel wrapped by every transform failure
var ErrTransform = errors.New("transform error")

// Error describes why a workbook could not be transformed
type Error struct {
	Sheet string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Sheet != "" {
		msg = fmt.Sprintf("sheet %q: %s", e.Sheet, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrTransform, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTransform, e.Err}
	}
	return []error{ErrTransform}
}

func transformErr(sheet string, err error, format string, args ...any) error {
	return &Error{Sheet: sheet, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Options selects the region to rewrite
type Options struct {
	Sheet    string // empty selects the first sheet
	Column   int    // 1-based column index (2 = B)
	StartRow int    // 1-based first row
}

// Result summarises a transform run
type Result struct {
	Sheet   string
	Rows    int // rows inspected
	Changed int // rows whose cell was rewritten
	Skipped int // empty, unlinked or already encoded rows
}

// Transformer rewrites a column so every linked cell carries its target as text
type Transformer struct {
	codec *linkcodec.Codec
}

// New creates a transformer using codec; nil selects the default codec
func New(codec *linkcodec.Codec) *Transformer {
	if codec == nil {
		codec = linkcodec.New(linkcodec.DefaultSeparator, false)
	}
	return &Transformer{codec: codec}
}

// Transform rewrites rows StartRow..last populated row of the column in place. Each
// non-empty cell is decoded and written back as plain encoded text; hyperlink and
// formula structure are dropped. Already-encoded rows are left untouched.
func (t *Transformer) Transform(f *excelize.File, opts Options) (*Result, error) {
	sheet, err := resolveSheet(f, opts.Sheet)
	if err != nil {
		return nil, err
	}
	if opts.Column < 1 || opts.Column > excelize.MaxColumns {
		return nil, transformErr(sheet, nil, "column %d out of range 1..%d", opts.Column, excelize.MaxColumns)
	}
	if opts.StartRow < 1 || opts.StartRow > excelize.TotalRows {
		return nil, transformErr(sheet, nil, "start row %d out of range 1..%d", opts.StartRow, excelize.TotalRows)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, transformErr(sheet, err, "read rows")
	}
	lastRow := len(rows)

	result := &Result{Sheet: sheet}
	for row := opts.StartRow; row <= lastRow; row++ {
		axis, err := excelize.CoordinatesToCellName(opts.Column, row)
		if err != nil {
			return nil, transformErr(sheet, err, "cell at column %d row %d", opts.Column, row)
		}
		result.Rows++

		cell, err := readCell(f, sheet, axis)
		if err != nil {
			return nil, transformErr(sheet, err, "read %s", axis)
		}
		if cell.Empty() || t.codec.IsEncoded(cell.Display) {
			// already-encoded rows keep their text and any attached link
			result.Skipped++
			continue
		}

		v := t.codec.Decode(cell)
		if !v.HasReference() {
			// nothing to embed; other formulas stay live
			result.Skipped++
			continue
		}
		encoded := t.codec.Encode(v.Display, v.Reference)
		if cell.Hyperlink == "" && cell.Formula == "" && encoded == cell.Display {
			result.Skipped++
			continue
		}
		if err := writePlain(f, sheet, axis, cell, encoded); err != nil {
			return nil, transformErr(sheet, err, "write %s", axis)
		}
		result.Changed++
	}
	return result, nil
}

func resolveSheet(f *excelize.File, name string) (string, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", transformErr("", nil, "workbook has no sheets")
	}
	if name == "" {
		return sheets[0], nil
	}
	idx, err := f.GetSheetIndex(name)
	if err != nil || idx < 0 {
		return "", transformErr(name, err, "sheet not found")
	}
	return name, nil
}

func readCell(f *excelize.File, sheet, axis string) (linkcodec.Cell, error) {
	var cell linkcodec.Cell
	display, err := f.GetCellValue(sheet, axis)
	if err != nil {
		return cell, err
	}
	cell.Display = display

	formula, err := f.GetCellFormula(sheet, axis)
	if err != nil {
		return cell, err
	}
	cell.Formula = formula

	ok, target, err := f.GetCellHyperLink(sheet, axis)
	if err != nil {
		return cell, err
	}
	if ok {
		cell.Hyperlink = target
	}
	return cell, nil
}

// writePlain replaces the cell with a plain string, dropping formula and hyperlink
func writePlain(f *excelize.File, sheet, axis string, cell linkcodec.Cell, value string) error {
	if cell.Formula != "" {
		if err := f.SetCellFormula(sheet, axis, ""); err != nil {
			return err
		}
	}
	if cell.Hyperlink != "" {
		if err := f.SetCellHyperLink(sheet, axis, "", "None"); err != nil {
			return err
		}
	}
	return f.SetCellStr(sheet, axis, value)
}
