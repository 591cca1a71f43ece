package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"roombook/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	sheetName  = "Reservations"
	dateLayout = "02.01.2006 15:04"
)

var headers = []string{"ID", "Start", "End", "Duration (h)", "Status", "Requester", "Purpose", "Course unit", "Created"}

var statusColors = map[models.Status]string{
	models.StatusPending:   "#FFF2CC",
	models.StatusApproved:  "#E2EFDA",
	models.StatusRefused:   "#F8CBAD",
	models.StatusCancelled: "#D9D9D9",
}

// RoomReport renders the reservations of one room as a spreadsheet.
type RoomReport struct {
	Room         *models.Room
	Reservations []*models.Reservation
	Location     *time.Location
	GeneratedAt  time.Time
}

// Write renders the report as xlsx into w.
func (r RoomReport) Write(w io.Writer) error {
	f, err := r.build()
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// Save renders the report into dir and returns the file path.
func (r RoomReport) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f, err := r.build()
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, r.FileName())
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return path, nil
}

// FileName is the suggested name of the exported workbook.
func (r RoomReport) FileName() string {
	return fmt.Sprintf("reservations_%s_%s.xlsx", r.Room.ID, r.generatedAt().Format("2006-01-02"))
}

func (r RoomReport) generatedAt() time.Time {
	if r.GeneratedAt.IsZero() {
		return time.Now()
	}
	return r.GeneratedAt
}

func (r RoomReport) build() (*excelize.File, error) {
	if r.Room == nil {
		return nil, fmt.Errorf("room is required")
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	index, err := f.NewSheet(sheetName)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	title := fmt.Sprintf("%s (%s)", r.Room.Name, r.Room.ID)
	if r.Room.Building != "" {
		title += ", " + r.Room.Building
	}
	_ = f.SetCellValue(sheetName, "A1", title)
	_ = f.SetCellValue(sheetName, "A2", "Generated: "+r.generatedAt().In(loc).Format(dateLayout))

	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.MergeCell(sheetName, "A1", lastCol+"1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 4)
		_ = f.SetCellValue(sheetName, cell, h)
	}
	_ = f.SetCellStyle(sheetName, "A4", lastCol+"4", headerStyle)

	styles := make(map[models.Status]int, len(statusColors))
	for status, color := range statusColors {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err == nil {
			styles[status] = id
		}
	}

	for i, res := range r.Reservations {
		row := i + 5
		var courseUnit interface{}
		if res.CourseUnitID != nil {
			courseUnit = *res.CourseUnitID
		}
		values := []interface{}{
			res.ID,
			res.Start.In(loc).Format(dateLayout),
			res.End.In(loc).Format(dateLayout),
			res.Interval().Duration().Hours(),
			string(res.Status),
			res.RequesterID,
			res.Purpose,
			courseUnit,
			res.CreatedAt.In(loc).Format(dateLayout),
		}
		start, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheetName, start, &values); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("error writing row %d: %w", row, err)
		}
		if style, ok := styles[res.Status]; ok {
			end, _ := excelize.CoordinatesToCellName(len(headers), row)
			_ = f.SetCellStyle(sheetName, start, end, style)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 8)
	_ = f.SetColWidth(sheetName, "B", "C", 18)
	_ = f.SetColWidth(sheetName, "D", "F", 12)
	_ = f.SetColWidth(sheetName, "G", "G", 40)
	_ = f.SetColWidth(sheetName, "H", "I", 18)
	_ = f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 4, TopLeftCell: "A5", ActivePane: "bottomLeft"})

	return f, nil
}
