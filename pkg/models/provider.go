package models

import "time"

// ModelProvider maps a model name to the queue its tasks are routed to and
// the LLM backend that serves it. Rows are mutable by administrative action;
// readers always go through the registry's copy-on-write snapshot.
type ModelProvider struct {
	Name          string    `db:"name"            json:"name"`
	Provider      string    `db:"provider"        json:"provider"`
	QueueName     string    `db:"queue_name"      json:"queue_name"`
	Enabled       bool      `db:"enabled"         json:"enabled"`
	CostPerRecord int64     `db:"cost_per_record" json:"cost_per_record"`
	UpdatedAt     time.Time `db:"updated_at"      json:"updated_at"`
}
