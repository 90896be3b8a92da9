package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	mw "github.com/promptbatch/promptbatch/internal/api/middleware"
	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
)

type mockFileStore struct {
	files   map[uuid.UUID]*models.File
	records map[uuid.UUID][]*models.FileRecord
}

func newMockFileStore() *mockFileStore {
	return &mockFileStore{
		files:   make(map[uuid.UUID]*models.File),
		records: make(map[uuid.UUID][]*models.FileRecord),
	}
}

func (m *mockFileStore) CreateFile(_ context.Context, f *models.File, records []*models.FileRecord) error {
	m.files[f.ID] = f
	m.records[f.ID] = records
	return nil
}

func (m *mockFileStore) GetFile(_ context.Context, id uuid.UUID) (*models.File, error) {
	f, ok := m.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f, nil
}

func uploadReq(t *testing.T, filename, content string, accountID uuid.UUID) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/v1/files", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())
	return r.WithContext(mw.SetAccountID(r.Context(), accountID))
}

func TestIngestFileHandler_CSV(t *testing.T) {
	s := newMockFileStore()
	rec := httptest.NewRecorder()
	csvBody := "review,author\nloved it,alice\nhated it,bob\n"
	NewIngestFileHandler(s).ServeHTTP(rec, uploadReq(t, "reviews.csv", csvBody, uuid.New()))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Data models.File `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data.RecordCount != 2 {
		t.Errorf("expected 2 records, got %d", env.Data.RecordCount)
	}
	if len(env.Data.DeclaredFields) != 2 || env.Data.DeclaredFields[0] != "review" {
		t.Errorf("unexpected declared fields: %v", env.Data.DeclaredFields)
	}

	records := s.records[env.Data.ID]
	if len(records) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(records))
	}
	if records[0].Position != 1 || records[0].Fields["review"] != "loved it" {
		t.Errorf("unexpected first record: %+v", records[0])
	}
}

func TestIngestFileHandler_SkipsEmptyRows(t *testing.T) {
	s := newMockFileStore()
	rec := httptest.NewRecorder()
	csvBody := "review\nloved it\n\n   \nhated it\n"
	NewIngestFileHandler(s).ServeHTTP(rec, uploadReq(t, "reviews.csv", csvBody, uuid.New()))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Data models.File `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data.RecordCount != 2 {
		t.Errorf("expected blank rows skipped, got %d records", env.Data.RecordCount)
	}
}

func TestIngestFileHandler_UnsupportedType(t *testing.T) {
	s := newMockFileStore()
	rec := httptest.NewRecorder()
	NewIngestFileHandler(s).ServeHTTP(rec, uploadReq(t, "data.json", `{"a":1}`, uuid.New()))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if code := decodeErrCode(t, rec); code != "INVALID_DATASET" {
		t.Errorf("expected INVALID_DATASET, got %s", code)
	}
}

func TestIngestFileHandler_EmptyHeaderName(t *testing.T) {
	s := newMockFileStore()
	rec := httptest.NewRecorder()
	NewIngestFileHandler(s).ServeHTTP(rec, uploadReq(t, "bad.csv", "review,,author\na,b,c\n", uuid.New()))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestGetFileHandler_Ownership(t *testing.T) {
	s := newMockFileStore()
	owner := uuid.New()
	f := &models.File{ID: uuid.New(), AccountID: owner, Name: "reviews.csv"}
	s.files[f.ID] = f

	h := NewGetFileHandler(s)

	rec := httptest.NewRecorder()
	r := withURLParam(authedReq(t, http.MethodGet, "/api/v1/files/"+f.ID.String(), nil, owner), "fileID", f.ID.String())
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r = withURLParam(authedReq(t, http.MethodGet, "/api/v1/files/"+f.ID.String(), nil, uuid.New()), "fileID", f.ID.String())
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stranger: expected 404, got %d", rec.Code)
	}
}

func TestParseDatasetPadsRaggedRows(t *testing.T) {
	declared, rows, err := parseDataset(strings.NewReader("a,b\n1\n2,3\n"), "data.csv")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(declared) != 2 {
		t.Fatalf("expected 2 fields, got %v", declared)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["b"] != "" {
		t.Errorf("expected missing cell padded empty, got %q", rows[0]["b"])
	}
}
