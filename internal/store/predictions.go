// Package store - Postgres-backed cache of predictions keyed by image hash.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/pkg/errors"

	"github.com/andandandand/model-deployment-workshop/internal/model"
)

// ErrNotFound is returned on a cache miss or a stale entry.
var ErrNotFound = sql.ErrNoRows

const schema = `
create table if not exists predictions (
  image_hash  text        not null,
  model       text        not null,
  k           integer     not null,
  result_json jsonb       not null,
  created_at  timestamptz not null default now(),
  primary key (image_hash, model, k)
)`

// Open connects to Postgres and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return db, nil
}

// HashImage returns the hex SHA-256 of the uploaded bytes.
func HashImage(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PredictionRepo stores top-K results per (image hash, model, k).
type PredictionRepo struct{ DB *sql.DB }

// NewPredictionRepo wraps an open database.
func NewPredictionRepo(db *sql.DB) *PredictionRepo { return &PredictionRepo{DB: db} }

// EnsureSchema creates the predictions table if needed.
func (r *PredictionRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, schema)
	return errors.Wrap(err, "create predictions table")
}

// Find returns the cached result. If maxAge > 0, older rows count as a
// miss.
func (r *PredictionRepo) Find(ctx context.Context, imageHash, modelID string, k int, maxAge time.Duration) ([]model.Prediction, error) {
	const q = `select result_json, created_at
	           from predictions
	           where image_hash=$1 and model=$2 and k=$3`
	var (
		js []byte
		ts time.Time
	)
	if err := r.DB.QueryRowContext(ctx, q, imageHash, modelID, k).Scan(&js, &ts); err != nil {
		return nil, err
	}
	if maxAge > 0 && time.Since(ts) > maxAge {
		return nil, ErrNotFound
	}
	var preds []model.Prediction
	if err := json.Unmarshal(js, &preds); err != nil {
		// A corrupt row is treated as a miss and overwritten on the next Upsert.
		return nil, ErrNotFound
	}
	return preds, nil
}

// Upsert saves or refreshes a result.
func (r *PredictionRepo) Upsert(ctx context.Context, imageHash, modelID string, k int, preds []model.Prediction) error {
	js, err := json.Marshal(preds)
	if err != nil {
		return errors.Wrap(err, "encode predictions")
	}
	const q = `
insert into predictions(image_hash, model, k, result_json)
values ($1,$2,$3,$4)
on conflict (image_hash, model, k)
do update set result_json=excluded.result_json, created_at=now()`
	_, err = r.DB.ExecContext(ctx, q, imageHash, modelID, k, js)
	return errors.Wrap(err, "upsert prediction")
}
