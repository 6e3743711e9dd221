package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrBatchNotFound is returned when a staged batch has expired or was never staged.
var ErrBatchNotFound = errors.New("staged batch not found")

// DefaultBatchTTL bounds how long an uploaded batch waits for the worker.
const DefaultBatchTTL = time.Hour

func batchKey(id string) string {
	return "batch:" + id
}

// StageBatch stores an uploaded batch until the worker picks it up.
func StageBatch(ctx context.Context, c domain.Cache, batch *domain.StagedBatch, ttl time.Duration) error {
	if batch == nil || batch.ID == "" {
		return fmt.Errorf("%w: batch id", ErrEmptyKey)
	}
	if ttl <= 0 {
		ttl = DefaultBatchTTL
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", batch.ID, err)
	}
	return c.Set(ctx, batchKey(batch.ID), data, ttl)
}

// LoadBatch reads a staged batch back.
func LoadBatch(ctx context.Context, c domain.Cache, id string) (*domain.StagedBatch, error) {
	data, err := c.Get(ctx, batchKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}

	var batch domain.StagedBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("unmarshal batch %s: %w", id, err)
	}
	return &batch, nil
}

// DropBatch removes a staged batch once it has been analyzed.
func DropBatch(ctx context.Context, c domain.Cache, id string) error {
	return c.Delete(ctx, batchKey(id))
}
