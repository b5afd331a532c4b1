package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/rekod/model"
)

// PgRecordStore is a PostgreSQL-backed RecordStore using pgx/v5. Table and
// column names come from the entity definition and are sanitized before
// being interpolated into SQL; values always travel as bind parameters.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

// NewPgRecordStore creates a new PostgreSQL record store.
func NewPgRecordStore(pool *pgxpool.Pool) *PgRecordStore {
	return &PgRecordStore{pool: pool}
}

// Get loads the stored row identified by selector.
func (s *PgRecordStore) Get(ctx context.Context, def *model.EntityDefinition, selector string) (*model.Record, error) {
	cols := make([]string, 0, len(def.Fields)+1)
	for _, f := range def.Fields {
		if f.Entity != "" {
			continue
		}
		cols = append(cols, pgx.Identifier{f.Name}.Sanitize())
	}
	if def.VersionField != "" {
		cols = append(cols, pgx.Identifier{def.VersionField}.Sanitize())
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = $1",
		strings.Join(cols, ", "),
		pgx.Identifier{def.Table}.Sanitize(),
		pgx.Identifier{def.KeyField}.Sanitize(),
	)

	row := s.pool.QueryRow(ctx, query, selector)

	values := make([]any, len(cols))
	dests := make([]any, len(cols))
	for i := range values {
		dests[i] = &values[i]
	}

	err := row.Scan(dests...)
	if err == pgx.ErrNoRows {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("%s record %q not found", def.ID, selector),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s record: %w", def.ID, err)
	}

	fields := make(map[string]any, len(def.Fields))
	i := 0
	for _, f := range def.Fields {
		if f.Entity != "" {
			continue
		}
		fields[f.Name] = values[i]
		i++
	}

	rec := model.NewRecord(def.ID, selector, fields)
	if def.VersionField != "" {
		switch v := values[len(values)-1].(type) {
		case int64:
			rec.Version = v
		case int32:
			rec.Version = int64(v)
		}
	}
	return rec, nil
}

// Update persists the record's scalar field values inside a transaction,
// with optimistic locking when the entity declares a version column. A
// constraint violation rolls back and surfaces as a user-class error.
func (s *PgRecordStore) Update(ctx context.Context, def *model.EntityDefinition, rec *model.Record) error {
	sets := make([]string, 0, len(rec.Fields)+1)
	args := make([]any, 0, len(rec.Fields)+2)
	argIdx := 1

	fields := scalarFields(rec)
	for _, f := range def.Fields {
		if f.Entity != "" || f.Name == def.KeyField {
			continue
		}
		v, present := fields[f.Name]
		if !present {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{f.Name}.Sanitize(), argIdx))
		args = append(args, v)
		argIdx++
	}
	if len(sets) == 0 {
		return nil
	}

	versionCol := ""
	if def.VersionField != "" {
		versionCol = pgx.Identifier{def.VersionField}.Sanitize()
		sets = append(sets, fmt.Sprintf("%s = %s + 1", versionCol, versionCol))
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $%d",
		pgx.Identifier{def.Table}.Sanitize(),
		strings.Join(sets, ", "),
		pgx.Identifier{def.KeyField}.Sanitize(),
		argIdx,
	)
	args = append(args, rec.Selector)
	argIdx++

	if versionCol != "" {
		query += fmt.Sprintf(" AND %s = $%d", versionCol, argIdx)
		args = append(args, rec.Version)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin update transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		if ue := asUserError(err); ue != nil {
			return ue
		}
		return fmt.Errorf("update %s record: %w", def.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if versionCol != "" {
			return NewUserError("CONCURRENT_EDIT",
				fmt.Sprintf("%s record %q was modified by someone else", def.ID, rec.Selector),
			)
		}
		return model.NewNotFoundError(
			fmt.Sprintf("%s record %q not found", def.ID, rec.Selector),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update transaction: %w", err)
	}

	rec.Version++
	return nil
}

// Ping verifies the pool can reach the database.
func (s *PgRecordStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// asUserError maps integrity-constraint violations (SQLSTATE class 23) to
// user-class errors. Everything else stays fatal.
func asUserError(err error) *UserError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return NewUserError("CONSTRAINT_VIOLATION", pgErr.Message)
	}
	return nil
}
