package store

import (
	"context"

	"github.com/Popie52/batchqueue/internal/model"
)

// JobStore persists job records so they survive a restart and can be purged by retention.
type JobStore interface {
	// Save inserts or replaces the record of one job.
	Save(ctx context.Context, job model.JobDetail) error

	// Load returns every stored record in submission order.
	Load(ctx context.Context) ([]model.JobDetail, error)

	Remove(ctx context.Context, jobID string) error
}

// Nop keeps nothing.
type Nop struct{}

func (Nop) Save(context.Context, model.JobDetail) error     { return nil }
func (Nop) Load(context.Context) ([]model.JobDetail, error) { return nil, nil }
func (Nop) Remove(context.Context, string) error            { return nil }
