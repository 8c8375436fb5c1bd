package audit

import (
	"fmt"

	"bitbucket.org/mmdatafocus/warehouse_backend/models"
	"github.com/xuri/excelize/v2"
)

// ExportViolationsXlsx writes the given violations to an xlsx workbook so
// operators can review a scan before confirming repairs.
func ExportViolationsXlsx(violations []models.ViolationRecord, filename string) error {
	f := excelize.NewFile()
	sheetName := "Violations"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	// Add headers
	f.SetCellValue(sheetName, "A1", "ViolationId")
	f.SetCellValue(sheetName, "B1", "TenantId")
	f.SetCellValue(sheetName, "C1", "Table")
	f.SetCellValue(sheetName, "D1", "BusinessId")
	f.SetCellValue(sheetName, "E1", "Kind")
	f.SetCellValue(sheetName, "F1", "Status")
	f.SetCellValue(sheetName, "G1", "RowIds")
	f.SetCellValue(sheetName, "H1", "ProposedAction")
	f.SetCellValue(sheetName, "I1", "DetectedAt")

	// Add data
	for i, v := range violations {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+row, v.ViolationId)
		f.SetCellValue(sheetName, "B"+row, v.TenantId)
		f.SetCellValue(sheetName, "C"+row, v.TableName)
		f.SetCellValue(sheetName, "D"+row, v.BusinessId)
		f.SetCellValue(sheetName, "E"+row, string(v.Kind))
		f.SetCellValue(sheetName, "F"+row, string(v.Status))
		f.SetCellValue(sheetName, "G"+row, v.RowIds)
		f.SetCellValue(sheetName, "H"+row, v.ProposedAction)
		f.SetCellValue(sheetName, "I"+row, v.DetectedAt.Format("2006-01-02 15:04:05"))
	}

	return f.SaveAs(filename)
}
