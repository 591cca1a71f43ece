package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"roombook/internal/config"
	"roombook/internal/models"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	sheetTimeLayout = "2006-01-02 15:04"
	lastColumn      = "I"
)

// ErrRowNotFound is returned when a reservation has no row in the sheet.
var ErrRowNotFound = errors.New("reservation row not found")

var sheetHeaders = []interface{}{
	"ID", "Room", "Requester", "Start", "End", "Status", "Purpose", "Created At", "Updated At",
}

// SheetsService mirrors reservations into one sheet of a spreadsheet, one
// row per reservation keyed by the id in column A.
type SheetsService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	location      *time.Location

	rowCache map[int64]int
	cacheMu  sync.RWMutex
}

// NewSheetsService authenticates with the service account in
// cfg.CredentialsFile.
func NewSheetsService(ctx context.Context, cfg config.GoogleConfig, location *time.Location) (*SheetsService, error) {
	credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	jwtConfig, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	return NewSheetsServiceWithOptions(ctx, cfg, location, option.WithHTTPClient(jwtConfig.Client(ctx)))
}

// NewSheetsServiceWithOptions builds the service from raw client options.
func NewSheetsServiceWithOptions(ctx context.Context, cfg config.GoogleConfig, location *time.Location, opts ...option.ClientOption) (*SheetsService, error) {
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	if location == nil {
		location = time.UTC
	}
	sheetName := cfg.SheetName
	if sheetName == "" {
		sheetName = "Reservations"
	}

	return &SheetsService{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     sheetName,
		location:      location,
		rowCache:      make(map[int64]int),
	}, nil
}

// TestConnection reads the header cell.
func (s *SheetsService) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.cell("A1")).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// WarmUpCache rebuilds the id -> row index from column A.
func (s *SheetsService) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.cell("A:A")).Context(ctx).Do()
	if err != nil {
		return err
	}

	rows := make(map[int64]int, len(resp.Values))
	for i, row := range resp.Values {
		if id, ok := rowID(row); ok {
			rows[id] = i + 1
		}
	}

	s.cacheMu.Lock()
	s.rowCache = rows
	s.cacheMu.Unlock()
	return nil
}

// AppendReservation adds a row at the end of the sheet.
func (s *SheetsService) AppendReservation(ctx context.Context, r *models.Reservation) error {
	valueRange := &sheets.ValueRange{Values: [][]interface{}{s.rowValues(r)}}

	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.cell("A:A"), valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return err
	}

	if resp.Updates != nil {
		if row, ok := firstRow(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(r.ID, row)
		}
	}
	return nil
}

// UpsertReservation rewrites the reservation's row, appending one if the
// sheet has none yet.
func (s *SheetsService) UpsertReservation(ctx context.Context, r *models.Reservation) error {
	if r == nil || r.ID == 0 {
		return errors.New("reservation id is required")
	}

	rowIdx, err := s.FindReservationRow(ctx, r.ID)
	if errors.Is(err, ErrRowNotFound) {
		return s.AppendReservation(ctx, r)
	}
	if err != nil {
		return err
	}

	valueRange := &sheets.ValueRange{Values: [][]interface{}{s.rowValues(r)}}
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.rowRange(rowIdx), valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return err
}

// FindReservationRow returns the 1-based row of a reservation.
func (s *SheetsService) FindReservationRow(ctx context.Context, id int64) (int, error) {
	if row, ok := s.getCachedRow(id); ok {
		return row, nil
	}
	if err := s.WarmUpCache(ctx); err != nil {
		return 0, err
	}
	if row, ok := s.getCachedRow(id); ok {
		return row, nil
	}
	return 0, ErrRowNotFound
}

// ReplaceReservations clears the sheet and writes the header plus one row
// per reservation.
func (s *SheetsService) ReplaceReservations(ctx context.Context, list []*models.Reservation) error {
	_, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, s.cell("A:"+lastColumn), &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to clear reservations sheet: %w", err)
	}

	values := make([][]interface{}, 0, len(list)+1)
	values = append(values, sheetHeaders)
	for _, r := range list {
		values = append(values, s.rowValues(r))
	}

	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.cell("A1"), &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to write reservations sheet: %w", err)
	}

	rows := make(map[int64]int, len(list))
	for i, r := range list {
		rows[r.ID] = i + 2
	}
	s.cacheMu.Lock()
	s.rowCache = rows
	s.cacheMu.Unlock()
	return nil
}

func (s *SheetsService) rowValues(r *models.Reservation) []interface{} {
	return []interface{}{
		r.ID,
		r.RoomID,
		r.RequesterID,
		r.Start.In(s.location).Format(sheetTimeLayout),
		r.End.In(s.location).Format(sheetTimeLayout),
		string(r.Status),
		r.Purpose,
		formatOptional(r.CreatedAt, s.location),
		formatOptional(r.UpdatedAt, s.location),
	}
}

func formatOptional(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(sheetTimeLayout)
}

func (s *SheetsService) cell(ref string) string {
	return s.sheetName + "!" + ref
}

func (s *SheetsService) rowRange(row int) string {
	return s.cell(fmt.Sprintf("A%d:%s%d", row, lastColumn, row))
}

func (s *SheetsService) getCachedRow(id int64) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *SheetsService) setCachedRow(id int64, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}

// rowID reads the reservation id from column A; ids come back as numbers or
// strings depending on how the cell was written.
func rowID(row []interface{}) (int64, bool) {
	if len(row) == 0 {
		return 0, false
	}
	var id int64
	switch v := row[0].(type) {
	case float64:
		id = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		id = parsed
	}
	return id, id > 0
}

// firstRow extracts 10 from ranges like "Reservations!A10:I10".
func firstRow(a1 string) (int, bool) {
	ref := a1[strings.LastIndex(a1, "!")+1:]
	if i := strings.Index(ref, ":"); i >= 0 {
		ref = ref[:i]
	}
	row, err := strconv.Atoi(strings.TrimLeftFunc(ref, unicode.IsLetter))
	if err != nil || row <= 0 {
		return 0, false
	}
	return row, true
}
