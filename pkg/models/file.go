package models

import (
	"time"

	"github.com/google/uuid"
)

// File is an uploaded dataset: a set of declared field names plus one record
// per row. Records are ingested once; jobs hold a non-owning reference.
type File struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	AccountID      uuid.UUID `db:"account_id"      json:"account_id"`
	Name           string    `db:"name"            json:"name"`
	DeclaredFields []string  `db:"declared_fields" json:"declared_fields"`
	RecordCount    int       `db:"record_count"    json:"record_count"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
}

// FileRecord is one row of a file. Fields maps declared field names to the
// row's values; placeholders in a prompt template are filled from this map.
type FileRecord struct {
	ID       uuid.UUID         `db:"id"       json:"id"`
	FileID   uuid.UUID         `db:"file_id"  json:"file_id"`
	Position int               `db:"position" json:"position"`
	Fields   map[string]string `db:"fields"   json:"fields"`
}

// Prompt is a stored prompt template with double-brace placeholders,
// e.g. "Classify the sentiment of {{review}}".
type Prompt struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	AccountID uuid.UUID `db:"account_id" json:"account_id"`
	Name      string    `db:"name"       json:"name"`
	Template  string    `db:"template"   json:"template"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
