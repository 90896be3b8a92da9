package handler

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	mw "github.com/promptbatch/promptbatch/internal/api/middleware"
	"github.com/promptbatch/promptbatch/internal/api/response"
	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// 32 MiB multipart memory ceiling; larger parts spill to temp files.
const maxUploadMemory = 32 << 20

// FileStore is the store slice the file handlers depend on.
type FileStore interface {
	CreateFile(ctx context.Context, file *models.File, records []*models.FileRecord) error
	GetFile(ctx context.Context, id uuid.UUID) (*models.File, error)
}

// NewIngestFileHandler returns the handler for POST /api/v1/files. It accepts
// a multipart upload of a CSV or XLSX dataset whose first row declares the
// field names.
func NewIngestFileHandler(s FileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected multipart form upload", nil)
			return
		}
		part, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file part is required", nil)
			return
		}
		defer part.Close()

		declared, rows, err := parseDataset(part, header.Filename)
		if err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "INVALID_DATASET", err.Error(), nil)
			return
		}

		fileID := uuid.New()
		records := make([]*models.FileRecord, 0, len(rows))
		for i, fields := range rows {
			records = append(records, &models.FileRecord{
				ID:       uuid.New(),
				FileID:   fileID,
				Position: i + 1,
				Fields:   fields,
			})
		}

		name := r.FormValue("name")
		if name == "" {
			name = header.Filename
		}
		file := &models.File{
			ID:             fileID,
			AccountID:      accountID,
			Name:           name,
			DeclaredFields: declared,
			RecordCount:    len(records),
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.CreateFile(r.Context(), file, records); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store dataset", nil)
			return
		}
		response.Created(w, file)
	}
}

// NewGetFileHandler returns the handler for GET /api/v1/files/{fileID}.
func NewGetFileHandler(s FileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}
		fileID, err := uuid.Parse(chi.URLParam(r, "fileID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "fileID must be a valid UUID", nil)
			return
		}

		file, err := s.GetFile(r.Context(), fileID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND", "File does not exist", nil)
			} else {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load file", nil)
			}
			return
		}
		if file.AccountID != accountID {
			response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND", "File does not exist", nil)
			return
		}
		response.JSON(w, file)
	}
}

// parseDataset reads the upload into a header row and field maps, one per
// data row. Rows with no non-empty cell are skipped; ragged rows are padded
// with empty strings.
func parseDataset(rd io.Reader, filename string) ([]string, []map[string]string, error) {
	var raw [][]string
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		raw, err = readCSV(rd)
	case ".xlsx":
		raw, err = readXLSX(rd)
	default:
		return nil, nil, fmt.Errorf("unsupported file type %q, expected .csv or .xlsx", filepath.Ext(filename))
	}
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return nil, nil, errors.New("dataset has no header row")
	}

	declared := make([]string, 0, len(raw[0]))
	for _, h := range raw[0] {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, nil, errors.New("header row contains an empty field name")
		}
		declared = append(declared, h)
	}

	var rows []map[string]string
	for _, cells := range raw[1:] {
		fields := make(map[string]string, len(declared))
		empty := true
		for i, name := range declared {
			v := ""
			if i < len(cells) {
				v = cells[i]
			}
			if strings.TrimSpace(v) != "" {
				empty = false
			}
			fields[name] = v
		}
		if empty {
			continue
		}
		rows = append(rows, fields)
	}
	return declared, rows, nil
}

func readCSV(rd io.Reader) ([][]string, error) {
	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing CSV: %w", err)
	}
	return rows, nil
}

func readXLSX(rd io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(rd)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading workbook rows: %w", err)
	}
	return rows, nil
}
