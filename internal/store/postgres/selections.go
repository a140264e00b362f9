package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

type SelectionRepository struct {
	db DB
}

func NewSelectionRepository(db DB) *SelectionRepository {
	if db == nil {
		return nil
	}
	return &SelectionRepository{db: db}
}

func (r *SelectionRepository) Insert(ctx context.Context, selection domain.Selection) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("selection repository not initialized")
	}
	criteria, err := json.Marshal(selection.FilterCriteria)
	if err != nil {
		return fmt.Errorf("encode filter criteria: %w", err)
	}
	metrics, err := json.Marshal(selection.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	var expiresAt sql.NullTime
	if selection.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: selection.ExpiresAt.UTC(), Valid: true}
	}
	_, err = r.db.ExecContext(
		ctx,
		`INSERT INTO selections (selection_id, snapshot_cursor, filter_criteria, metrics, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		selection.SelectionID,
		selection.SnapshotCursor,
		criteria,
		metrics,
		selection.CreatedAt.UTC(),
		expiresAt,
	)
	if err != nil {
		if uniqueConstraint(err) != "" {
			return domain.NewError(domain.KindConflict, "selection %s already exists", selection.SelectionID)
		}
		return fmt.Errorf("insert selection: %w", err)
	}
	return nil
}

func (r *SelectionRepository) Get(ctx context.Context, selectionID string) (domain.Selection, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT selection_id, snapshot_cursor, filter_criteria, metrics, created_at, expires_at
		 FROM selections WHERE selection_id = $1`,
		selectionID,
	)
	var (
		selection   domain.Selection
		criteriaRaw []byte
		metricsRaw  []byte
		expiresAt   sql.NullTime
	)
	if err := row.Scan(
		&selection.SelectionID,
		&selection.SnapshotCursor,
		&criteriaRaw,
		&metricsRaw,
		&selection.CreatedAt,
		&expiresAt,
	); err != nil {
		return domain.Selection{}, handleNotFound(err)
	}
	if err := json.Unmarshal(criteriaRaw, &selection.FilterCriteria); err != nil {
		return domain.Selection{}, fmt.Errorf("decode filter criteria: %w", err)
	}
	if err := json.Unmarshal(metricsRaw, &selection.Metrics); err != nil {
		return domain.Selection{}, fmt.Errorf("decode metrics: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		selection.ExpiresAt = &t
	}
	return selection, nil
}
