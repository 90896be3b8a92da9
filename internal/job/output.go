package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// XLSXBuilder writes one workbook per finished job under Dir. Each row pairs
// the source record's selected fields with the task's outcome, ordered by
// record position so the workbook reads like the input file.
type XLSXBuilder struct {
	Dir string
}

func NewXLSXBuilder(dir string) *XLSXBuilder {
	return &XLSXBuilder{Dir: dir}
}

const resultSheet = "Results"

func (b *XLSXBuilder) Build(ctx context.Context, j *models.Job, rows []store.OutputRow) (string, error) {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating result dir: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	f.SetSheetName("Sheet1", resultSheet)

	headers := append([]string{"record"}, j.OutputFields...)
	headers = append(headers, "status", "response", "error")
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(resultSheet, cell, h)
	}

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, i+2)
			_ = f.SetCellValue(resultSheet, cell, v)
		}

		col := 1
		write(col, row.Position)
		for _, field := range j.OutputFields {
			col++
			write(col, row.Fields[field])
		}
		col++
		write(col, string(row.Task.Status))
		col++
		if row.Task.Response != nil {
			write(col, *row.Task.Response)
		}
		col++
		if row.Task.ErrorMessage != nil {
			write(col, *row.Task.ErrorMessage)
		}
	}

	path := filepath.Join(b.Dir, j.ID.String()+".xlsx")
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("saving workbook: %w", err)
	}
	return path, nil
}
