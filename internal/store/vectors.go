package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// VectorRecord holds an embedding for a record.
type VectorRecord struct {
	RecordID   string
	Embedding  []float64
	Model      string
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// SaveVector stores or replaces the embedding for a record.
func (db *DB) SaveVector(ctx context.Context, recordID string, embedding []float64, model string) error {
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(embedding)

	_, err := db.ExecContext(ctx, `
		INSERT INTO vectors (record_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET embedding = excluded.embedding, model = excluded.model,
			dimensions = excluded.dimensions, created_at = excluded.created_at
	`, recordID, blob, model, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// GetVector returns the embedding for a record, or nil if not found.
func (db *DB) GetVector(ctx context.Context, recordID string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte

	err := db.QueryRowContext(ctx, `
		SELECT record_id, embedding, model, dimensions, created_at
		FROM vectors WHERE record_id = ?
	`, recordID).Scan(&v.RecordID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// AllVectors returns stored vectors from model, or from every model when
// model is empty.
func (db *DB) AllVectors(ctx context.Context, model string) ([]VectorRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT record_id, embedding, model, dimensions, created_at
		FROM vectors WHERE ? = '' OR model = ? ORDER BY record_id
	`, model, model)
	if err != nil {
		return nil, fmt.Errorf("all vectors: %w", err)
	}
	defer rows.Close()

	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		if err := rows.Scan(&v.RecordID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}

// VectorsFor returns embeddings keyed by record id for the given ids. A
// non-empty model skips vectors stored by any other model.
func (db *DB) VectorsFor(ctx context.Context, ids []string, model string) (map[string][]float64, error) {
	out := make(map[string][]float64, len(ids))
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		part := ids[start:end]
		args := make([]any, 0, len(part)+2)
		for _, id := range part {
			args = append(args, id)
		}
		args = append(args, model, model)
		rows, err := db.QueryContext(ctx, `
			SELECT record_id, embedding FROM vectors
			WHERE record_id IN (`+placeholders(len(part))+`) AND (? = '' OR model = ?)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("vectors for: %w", err)
		}
		for rows.Next() {
			var id string
			var blob []byte
			if err := rows.Scan(&id, &blob); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan vector: %w", err)
			}
			out[id] = decodeEmbedding(blob)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MissingVectors returns ids of non-archived records with no vector or a
// vector produced by a different model.
func (db *DB) MissingVectors(ctx context.Context, model string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.id FROM records r
		LEFT JOIN vectors v ON v.record_id = r.id
		WHERE r.lifecycle_state != 'archived' AND (v.record_id IS NULL OR v.model != ?)
		ORDER BY r.id
	`, model)
	if err != nil {
		return nil, fmt.Errorf("missing vectors: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan missing vector: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
