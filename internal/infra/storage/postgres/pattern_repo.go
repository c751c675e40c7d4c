package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/failover/internal/core/domain"
	"github.com/vietddude/failover/internal/infra/storage"
)

// PatternRepo implements storage.PatternStore using PostgreSQL.
type PatternRepo struct {
	db          *DB
	maxPatterns int
	log         *slog.Logger
}

// NewPatternRepo creates a new PostgreSQL pattern repository.
func NewPatternRepo(db *DB, maxPatterns int, log *slog.Logger) *PatternRepo {
	if maxPatterns <= 0 {
		maxPatterns = storage.DefaultMaxPatterns
	}
	if log == nil {
		log = slog.Default()
	}
	return &PatternRepo{db: db, maxPatterns: maxPatterns, log: log}
}

type patternRow struct {
	Name        string    `db:"name"`
	Provider    string    `db:"provider"`
	Patterns    []byte    `db:"patterns"`
	Priority    int       `db:"priority"`
	Confidence  float64   `db:"confidence"`
	LearnedAt   time.Time `db:"learned_at"`
	SampleCount int       `db:"sample_count"`
}

func (r patternRow) toDomain() (domain.LearnedPattern, error) {
	var patterns []string
	if err := json.Unmarshal(r.Patterns, &patterns); err != nil {
		return domain.LearnedPattern{}, fmt.Errorf("decode patterns for %s: %w", r.Name, err)
	}
	return domain.LearnedPattern{
		Name:        r.Name,
		Provider:    r.Provider,
		Patterns:    patterns,
		Priority:    r.Priority,
		Confidence:  r.Confidence,
		LearnedAt:   r.LearnedAt,
		SampleCount: r.SampleCount,
	}, nil
}

// SavePattern upserts a pattern by name and trims the table to capacity.
func (r *PatternRepo) SavePattern(ctx context.Context, p domain.LearnedPattern) error {
	patterns, err := json.Marshal(p.Patterns)
	if err != nil {
		return fmt.Errorf("encode patterns: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO learned_patterns
			(name, provider, patterns, priority, confidence, learned_at, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			provider     = EXCLUDED.provider,
			patterns     = EXCLUDED.patterns,
			priority     = EXCLUDED.priority,
			confidence   = EXCLUDED.confidence,
			learned_at   = EXCLUDED.learned_at,
			sample_count = EXCLUDED.sample_count`,
		p.Name, p.Provider, patterns, p.Priority, p.Confidence, p.LearnedAt, p.SampleCount)
	if err != nil {
		return fmt.Errorf("failed to save pattern: %w", err)
	}

	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM learned_patterns`); err == nil && count > r.maxPatterns {
		removed := r.CleanupOldPatterns(ctx, r.maxPatterns)
		r.log.Info("Trimmed learned patterns to capacity", "max", r.maxPatterns, "removed", removed)
	}
	return nil
}

// LoadPatterns returns all persisted patterns, empty on any failure.
func (r *PatternRepo) LoadPatterns(ctx context.Context) []domain.LearnedPattern {
	var rows []patternRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT name, provider, patterns, priority, confidence, learned_at, sample_count
		FROM learned_patterns
		ORDER BY learned_at`)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.log.Warn("Failed to load learned patterns", "error", err)
		}
		return nil
	}

	var patterns []domain.LearnedPattern
	dropped := 0
	for _, row := range rows {
		p, err := row.toDomain()
		if err != nil || !p.Valid() {
			dropped++
			continue
		}
		patterns = append(patterns, p)
	}
	if dropped > 0 {
		r.log.Warn("Dropped invalid learned patterns", "count", dropped)
	}
	return patterns
}

// DeletePattern removes the entry with the given name and reports whether
// one existed.
func (r *PatternRepo) DeletePattern(ctx context.Context, name string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM learned_patterns WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete pattern: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MergeDuplicatePatterns collapses near-identical same-provider entries.
func (r *PatternRepo) MergeDuplicatePatterns(ctx context.Context) int {
	patterns := r.LoadPatterns(ctx)
	if patterns == nil {
		return 0
	}

	merged, count := storage.MergeDuplicates(patterns, storage.MergeSimilarityThreshold)
	if count == 0 {
		return 0
	}
	if err := r.replaceAll(ctx, merged); err != nil {
		r.log.Warn("Failed to persist merged patterns", "error", err)
	}
	return count
}

// CleanupOldPatterns trims the table to maxCount entries.
func (r *PatternRepo) CleanupOldPatterns(ctx context.Context, maxCount int) int {
	patterns := r.LoadPatterns(ctx)
	kept, removed := storage.TrimToCapacity(patterns, maxCount)
	if removed == 0 {
		return 0
	}
	if err := r.replaceAll(ctx, kept); err != nil {
		r.log.Warn("Failed to persist trimmed patterns", "error", err)
		return 0
	}
	return removed
}

// replaceAll rewrites the whole table in one transaction, mirroring the
// whole-document write of the JSON backend.
func (r *PatternRepo) replaceAll(ctx context.Context, patterns []domain.LearnedPattern) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM learned_patterns`); err != nil {
		return err
	}
	for _, p := range patterns {
		encoded, err := json.Marshal(p.Patterns)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO learned_patterns
				(name, provider, patterns, priority, confidence, learned_at, sample_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.Name, p.Provider, encoded, p.Priority, p.Confidence, p.LearnedAt, p.SampleCount); err != nil {
			return err
		}
	}
	return tx.Commit()
}
