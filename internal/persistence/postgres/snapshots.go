package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/principalanalytics/internal/domain"
	platformevents "example.com/principalanalytics/platform/events"
)

const uniqueViolation = "23505"

// SnapshotRepository is the Postgres domain.SnapshotStore. Versions are appended to
// principal_snapshots and made current by updating principal_snapshot_current in the same
// transaction, so readers only ever see fully written versions.
type SnapshotRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSnapshotRepository constructs a SnapshotRepository.
func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool, now: time.Now}
}

var _ domain.SnapshotStore = (*SnapshotRepository)(nil)

type pointer struct {
	current  *int64
	previous *int64
	latest   int64
}

// Current implements domain.SnapshotReader.
func (r *SnapshotRepository) Current(ctx context.Context, principalID string) (*domain.Snapshot, error) {
	return r.loadVia(ctx, principalID, "current_version", true)
}

// Previous returns the snapshot replaced by the current one.
func (r *SnapshotRepository) Previous(ctx context.Context, principalID string) (*domain.Snapshot, error) {
	return r.loadVia(ctx, principalID, "previous_version", false)
}

// LatestVersion implements domain.SnapshotStore.
func (r *SnapshotRepository) LatestVersion(ctx context.Context, principalID string) (uint64, error) {
	ptr, err := r.pointer(ctx, r.pool, principalID, false)
	if err != nil || ptr == nil {
		return 0, err
	}
	return uint64(ptr.latest), nil
}

// Commit appends the version, swaps the current pointer, records a snapshot_committed outbox
// event and prunes versions older than the new previous one, all in one transaction.
func (r *SnapshotRepository) Commit(ctx context.Context, snapshot domain.Snapshot) (err error) {
	if strings.TrimSpace(snapshot.PrincipalID) == "" {
		return domain.ErrMissingIdentifier
	}

	summary, err := json.Marshal(snapshot.Summary)
	if err != nil {
		return err
	}
	timeline, err := json.Marshal(nonNil(snapshot.Timeline))
	if err != nil {
		return err
	}
	products, err := json.Marshal(nonNil(snapshot.Products))
	if err != nil {
		return err
	}
	distributors, err := json.Marshal(nonNil(snapshot.Distributors))
	if err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	ptr, err := r.pointer(ctx, tx, snapshot.PrincipalID, true)
	if err != nil {
		return err
	}
	var latest int64
	var previous *int64
	if ptr != nil {
		latest = ptr.latest
		previous = ptr.previous
		if ptr.current != nil {
			previous = ptr.current
		}
	}
	if int64(snapshot.Version) <= latest {
		return fmt.Errorf("%w: principal %s version %d, latest %d", domain.ErrStaleVersion, snapshot.PrincipalID, snapshot.Version, latest)
	}

	const insertSnapshot = `INSERT INTO principal_snapshots (principal_id, version, built_at, summary, timeline, products, distributors, dropped_references)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err = tx.Exec(ctx, insertSnapshot,
		snapshot.PrincipalID,
		int64(snapshot.Version),
		snapshot.BuiltAt,
		summary,
		timeline,
		products,
		distributors,
		snapshot.DroppedReferences,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: principal %s version %d already written", domain.ErrStaleVersion, snapshot.PrincipalID, snapshot.Version)
		}
		return err
	}

	const upsertPointer = `INSERT INTO principal_snapshot_current (principal_id, current_version, previous_version, latest_version, updated_at)
        VALUES ($1,$2,$3,$2,$4)
        ON CONFLICT (principal_id) DO UPDATE
        SET current_version=EXCLUDED.current_version, previous_version=EXCLUDED.previous_version,
            latest_version=EXCLUDED.latest_version, updated_at=EXCLUDED.updated_at`
	if _, err = tx.Exec(ctx, upsertPointer, snapshot.PrincipalID, int64(snapshot.Version), previous, r.now().UTC()); err != nil {
		return err
	}

	if err = insertOutbox(ctx, tx, snapshot.PrincipalID, EventSnapshotCommitted,
		fmt.Sprintf("%s:%d:%s", snapshot.PrincipalID, snapshot.Version, EventSnapshotCommitted),
		platformevents.SnapshotCommitted{
			PrincipalID:         snapshot.PrincipalID,
			Version:             snapshot.Version,
			BuiltAt:             snapshot.BuiltAt,
			EngagementScore:     snapshot.Summary.EngagementScore,
			TotalOpportunities:  snapshot.Summary.TotalOpportunities,
			ActiveOpportunities: snapshot.Summary.ActiveOpportunities,
			TotalInteractions:   snapshot.Summary.TotalInteractions,
			DroppedReferences:   snapshot.DroppedReferences,
		}); err != nil {
		return err
	}

	if err = r.prune(ctx, tx, snapshot.PrincipalID, int64(snapshot.Version), previous); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Retire clears the current pointer. The retired version becomes previous and the high-water
// mark is left in place.
func (r *SnapshotRepository) Retire(ctx context.Context, principalID string) (retired bool, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	ptr, err := r.pointer(ctx, tx, principalID, true)
	if err != nil {
		return false, err
	}
	if ptr == nil || ptr.current == nil {
		return false, tx.Commit(ctx)
	}

	const stmt = `UPDATE principal_snapshot_current
        SET previous_version=current_version, current_version=NULL, updated_at=$2
        WHERE principal_id=$1`
	retiredAt := r.now().UTC()
	if _, err = tx.Exec(ctx, stmt, principalID, retiredAt); err != nil {
		return false, err
	}

	if err = insertOutbox(ctx, tx, principalID, EventPrincipalRetired,
		fmt.Sprintf("%s:%d:%s", principalID, *ptr.current, EventPrincipalRetired),
		platformevents.PrincipalRetired{
			PrincipalID: principalID,
			LastVersion: uint64(*ptr.current),
			RetiredAt:   retiredAt,
		}); err != nil {
		return false, err
	}

	if err = r.prune(ctx, tx, principalID, *ptr.current, ptr.current); err != nil {
		return false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListSummaries implements domain.SnapshotReader.
func (r *SnapshotRepository) ListSummaries(ctx context.Context) ([]domain.SummaryRecord, error) {
	const query = `SELECT s.principal_id, s.version, s.built_at, s.summary
        FROM principal_snapshot_current c
        JOIN principal_snapshots s ON s.principal_id = c.principal_id AND s.version = c.current_version
        ORDER BY s.principal_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SummaryRecord
	for rows.Next() {
		var (
			rec     domain.SummaryRecord
			version int64
			summary []byte
		)
		if err := rows.Scan(&rec.PrincipalID, &version, &rec.BuiltAt, &summary); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(summary, &rec.Summary); err != nil {
			return nil, fmt.Errorf("%w: principal %s summary: %v", domain.ErrSnapshotStoreCorrupted, rec.PrincipalID, err)
		}
		rec.Version = uint64(version)
		rec.BuiltAt = rec.BuiltAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *SnapshotRepository) pointer(ctx context.Context, q querier, principalID string, forUpdate bool) (*pointer, error) {
	query := `SELECT current_version, previous_version, latest_version
        FROM principal_snapshot_current WHERE principal_id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var ptr pointer
	if err := q.QueryRow(ctx, query, principalID).Scan(&ptr.current, &ptr.previous, &ptr.latest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if ptr.current != nil && *ptr.current > ptr.latest {
		return nil, fmt.Errorf("%w: principal %s current %d above latest %d", domain.ErrSnapshotStoreCorrupted, principalID, *ptr.current, ptr.latest)
	}
	return &ptr, nil
}

// loadVia resolves the pointer column and reads the version it names in one statement, so a
// commit pruning that version between the two lookups cannot be observed. A pointer naming a
// missing row is corruption when strict is set and NotFound otherwise.
func (r *SnapshotRepository) loadVia(ctx context.Context, principalID, column string, strict bool) (*domain.Snapshot, error) {
	query := `SELECT c.` + column + `, c.latest_version, s.version, s.built_at, s.summary, s.timeline, s.products, s.distributors, s.dropped_references
        FROM principal_snapshot_current c
        LEFT JOIN principal_snapshots s ON s.principal_id = c.principal_id AND s.version = c.` + column + `
        WHERE c.principal_id=$1`

	var (
		pointed, storedVersion                    *int64
		latest                                    int64
		builtAt                                   *time.Time
		dropped                                   *int
		summary, timeline, products, distributors []byte
	)
	err := r.pool.QueryRow(ctx, query, principalID).Scan(
		&pointed, &latest, &storedVersion, &builtAt, &summary, &timeline, &products, &distributors, &dropped,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if pointed == nil {
		return nil, domain.ErrNotFound
	}
	if strict && *pointed > latest {
		return nil, fmt.Errorf("%w: principal %s current %d above latest %d", domain.ErrSnapshotStoreCorrupted, principalID, *pointed, latest)
	}
	if storedVersion == nil {
		if strict {
			return nil, fmt.Errorf("%w: principal %s %s %d has no row", domain.ErrSnapshotStoreCorrupted, principalID, column, *pointed)
		}
		return nil, domain.ErrNotFound
	}

	snap := domain.Snapshot{
		PrincipalID: principalID,
		Version:     uint64(*storedVersion),
		BuiltAt:     builtAt.UTC(),
	}
	if dropped != nil {
		snap.DroppedReferences = *dropped
	}
	for _, part := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"summary", summary, &snap.Summary},
		{"timeline", timeline, &snap.Timeline},
		{"products", products, &snap.Products},
		{"distributors", distributors, &snap.Distributors},
	} {
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return nil, fmt.Errorf("%w: principal %s version %d %s: %v", domain.ErrSnapshotStoreCorrupted, principalID, *storedVersion, part.name, err)
		}
	}
	return &snap, nil
}

// prune keeps the current version and the one before it.
func (r *SnapshotRepository) prune(ctx context.Context, tx pgx.Tx, principalID string, current int64, previous *int64) error {
	floor := current
	if previous != nil && *previous < floor {
		floor = *previous
	}
	_, err := tx.Exec(ctx, `DELETE FROM principal_snapshots WHERE principal_id=$1 AND version < $2`, principalID, floor)
	return err
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
