package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanschultz/tandem/internal/domain"
	"github.com/evanschultz/tandem/internal/history"
	_ "modernc.org/sqlite"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository persists entity records, action history, and sync conflicts.
type Repository struct {
	db *sql.DB
}

// Open opens or creates the database at path and migrates it.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return open(db)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Repository, error) {
	db, err := sql.Open(driverName, "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// Every connection to :memory: is its own database.
	db.SetMaxOpenConns(1)
	return open(db)
}

func open(db *sql.DB) (*Repository, error) {
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			entity_json TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			local_revision INTEGER NOT NULL DEFAULT 0,
			synced_revision INTEGER NOT NULL DEFAULT 0,
			last_synced_at TEXT,
			remote_updated_at TEXT,
			updated_at TEXT NOT NULL,
			deleted_at TEXT,
			PRIMARY KEY(collection, id)
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			previous_json TEXT,
			next_json TEXT,
			description TEXT NOT NULL DEFAULT '',
			can_undo INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			undone_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			local_json TEXT NOT NULL,
			remote_json TEXT NOT NULL,
			fields_json TEXT NOT NULL DEFAULT '[]',
			resolution TEXT NOT NULL,
			detected_at TEXT NOT NULL,
			resolved_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_collection_updated ON records(collection, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_history_entity_seq ON history(entity_id, seq DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_collection_resolution ON sync_conflicts(collection, resolution, detected_at);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// LoadRecords returns every record of collection, tombstones included.
func (r *Repository) LoadRecords(ctx context.Context, collection string) ([]domain.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_json, device_id, local_revision, synced_revision, last_synced_at, remote_updated_at
		FROM records
		WHERE collection = ?
		ORDER BY updated_at ASC, id ASC
	`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveRecord upserts one record.
func (r *Repository) SaveRecord(ctx context.Context, collection string, rec domain.Record) error {
	body, err := json.Marshal(rec.Entity)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Entity.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO records(collection, id, entity_json, device_id, local_revision, synced_revision, last_synced_at, remote_updated_at, updated_at, deleted_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			entity_json = excluded.entity_json,
			device_id = excluded.device_id,
			local_revision = excluded.local_revision,
			synced_revision = excluded.synced_revision,
			last_synced_at = excluded.last_synced_at,
			remote_updated_at = excluded.remote_updated_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`,
		collection,
		rec.Entity.ID,
		string(body),
		rec.Meta.DeviceID,
		int64(rec.Meta.LocalRevision),
		int64(rec.Meta.SyncedRevision),
		nullableTS(rec.Meta.LastSyncedAt),
		nullableTS(rec.Meta.RemoteUpdatedAt),
		ts(rec.Entity.UpdatedAt),
		nullableTS(rec.Entity.DeletedAt),
	)
	return err
}

// DeleteRecord physically removes one record.
func (r *Repository) DeleteRecord(ctx context.Context, collection, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	return err
}

// AppendHistory inserts entry and returns it with its assigned sequence number.
func (r *Repository) AppendHistory(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error) {
	prev, next, err := encodeStates(entry)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO history(id, entity_type, entity_id, action, previous_json, next_json, description, can_undo, created_at, undone_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		string(entry.EntityType),
		entry.EntityID,
		string(entry.Action),
		prev,
		next,
		entry.Description,
		boolToInt(entry.CanUndo),
		ts(entry.CreatedAt),
		nullableTS(entry.UndoneAt),
	)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	entry.Seq = seq
	return entry, nil
}

// UpdateHistory rewrites the mutable columns of an entry.
func (r *Repository) UpdateHistory(ctx context.Context, entry domain.HistoryEntry) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE history SET description = ?, can_undo = ?, undone_at = ? WHERE id = ?
	`, entry.Description, boolToInt(entry.CanUndo), nullableTS(entry.UndoneAt), entry.ID)
	if err != nil {
		return err
	}
	return translateNoRows(res)
}

// GetHistory returns one entry.
func (r *Repository) GetHistory(ctx context.Context, id string) (domain.HistoryEntry, error) {
	row := r.db.QueryRowContext(ctx, historySelect+` WHERE id = ?`, id)
	entry, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.HistoryEntry{}, fmt.Errorf("history %s: %w", id, domain.ErrNotFound)
	}
	return entry, err
}

// ListHistory returns matching entries newest first.
func (r *Repository) ListHistory(ctx context.Context, filter history.Filter) ([]domain.HistoryEntry, error) {
	query := historySelect
	args := make([]any, 0, 2)
	if id := strings.TrimSpace(filter.EntityID); id != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// PurgeHistory deletes entries created before cutoff and reports how many.
func (r *Repository) PurgeHistory(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM history WHERE created_at < ?`, ts(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// SaveConflict upserts one conflict.
func (r *Repository) SaveConflict(ctx context.Context, c domain.SyncConflict) error {
	local, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("encode conflict local: %w", err)
	}
	remote, err := json.Marshal(c.Remote)
	if err != nil {
		return fmt.Errorf("encode conflict remote: %w", err)
	}
	fields := c.Fields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode conflict fields: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts(id, collection, entity_id, local_json, remote_json, fields_json, resolution, detected_at, resolved_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			local_json = excluded.local_json,
			remote_json = excluded.remote_json,
			fields_json = excluded.fields_json,
			resolution = excluded.resolution,
			resolved_at = excluded.resolved_at
	`,
		c.ID,
		c.Collection,
		c.EntityID,
		string(local),
		string(remote),
		string(fieldsJSON),
		string(c.Resolution),
		ts(c.DetectedAt),
		nullableTS(c.ResolvedAt),
	)
	return err
}

// GetConflict returns one conflict.
func (r *Repository) GetConflict(ctx context.Context, id string) (domain.SyncConflict, error) {
	row := r.db.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncConflict{}, fmt.Errorf("conflict %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

// ListConflicts returns the conflicts of collection oldest first.
func (r *Repository) ListConflicts(ctx context.Context, collection string, pendingOnly bool) ([]domain.SyncConflict, error) {
	query := conflictSelect + ` WHERE collection = ?`
	args := []any{collection}
	if pendingOnly {
		query += ` AND resolution = ?`
		args = append(args, string(domain.ResolutionUnresolved))
	}
	query += ` ORDER BY detected_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.SyncConflict, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const historySelect = `
	SELECT seq, id, entity_type, entity_id, action, previous_json, next_json, description, can_undo, created_at, undone_at
	FROM history`

const conflictSelect = `
	SELECT id, collection, entity_id, local_json, remote_json, fields_json, resolution, detected_at, resolved_at
	FROM sync_conflicts`

// scanner is the subset of *sql.Row and *sql.Rows used by the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.Record, error) {
	var (
		body            string
		rec             domain.Record
		localRevision   int64
		syncedRevision  int64
		lastSyncedRaw   sql.NullString
		remoteUpdateRaw sql.NullString
	)
	if err := s.Scan(&body, &rec.Meta.DeviceID, &localRevision, &syncedRevision, &lastSyncedRaw, &remoteUpdateRaw); err != nil {
		return domain.Record{}, err
	}
	if err := json.Unmarshal([]byte(body), &rec.Entity); err != nil {
		return domain.Record{}, fmt.Errorf("decode record: %w", err)
	}
	rec.Meta.LocalRevision = uint64(localRevision)
	rec.Meta.SyncedRevision = uint64(syncedRevision)
	rec.Meta.LastSyncedAt = parseNullTS(lastSyncedRaw)
	rec.Meta.RemoteUpdatedAt = parseNullTS(remoteUpdateRaw)
	return rec, nil
}

func scanHistory(s scanner) (domain.HistoryEntry, error) {
	var (
		entry      domain.HistoryEntry
		entityType string
		action     string
		prevRaw    sql.NullString
		nextRaw    sql.NullString
		canUndo    int
		createdRaw string
		undoneRaw  sql.NullString
	)
	if err := s.Scan(&entry.Seq, &entry.ID, &entityType, &entry.EntityID, &action, &prevRaw, &nextRaw, &entry.Description, &canUndo, &createdRaw, &undoneRaw); err != nil {
		return domain.HistoryEntry{}, err
	}
	entry.EntityType = domain.Kind(entityType)
	entry.Action = domain.ActionKind(action)
	entry.CanUndo = canUndo != 0
	entry.CreatedAt = parseTS(createdRaw)
	entry.UndoneAt = parseNullTS(undoneRaw)
	var err error
	if entry.Previous, err = decodeState(prevRaw); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("decode history previous state: %w", err)
	}
	if entry.Next, err = decodeState(nextRaw); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("decode history new state: %w", err)
	}
	return entry, nil
}

func scanConflict(s scanner) (domain.SyncConflict, error) {
	var (
		c           domain.SyncConflict
		localRaw    string
		remoteRaw   string
		fieldsRaw   string
		resolution  string
		detectedRaw string
		resolvedRaw sql.NullString
	)
	if err := s.Scan(&c.ID, &c.Collection, &c.EntityID, &localRaw, &remoteRaw, &fieldsRaw, &resolution, &detectedRaw, &resolvedRaw); err != nil {
		return domain.SyncConflict{}, err
	}
	if err := json.Unmarshal([]byte(localRaw), &c.Local); err != nil {
		return domain.SyncConflict{}, fmt.Errorf("decode conflict local: %w", err)
	}
	if err := json.Unmarshal([]byte(remoteRaw), &c.Remote); err != nil {
		return domain.SyncConflict{}, fmt.Errorf("decode conflict remote: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsRaw), &c.Fields); err != nil {
		return domain.SyncConflict{}, fmt.Errorf("decode conflict fields: %w", err)
	}
	c.Resolution = domain.Resolution(resolution)
	c.DetectedAt = parseTS(detectedRaw)
	c.ResolvedAt = parseNullTS(resolvedRaw)
	return c, nil
}

func encodeStates(entry domain.HistoryEntry) (any, any, error) {
	prev, err := encodeState(entry.Previous)
	if err != nil {
		return nil, nil, fmt.Errorf("encode history previous state: %w", err)
	}
	next, err := encodeState(entry.Next)
	if err != nil {
		return nil, nil, fmt.Errorf("encode history new state: %w", err)
	}
	return prev, next, nil
}

func encodeState(e *domain.Entity) (any, error) {
	if e == nil {
		return nil, nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(body), nil
}

func decodeState(raw sql.NullString) (*domain.Entity, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var e domain.Entity
	if err := json.Unmarshal([]byte(raw.String), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// translateNoRows maps a zero-row write to domain.ErrNotFound.
func translateNoRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// ts formats a timestamp for storage.
func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// nullableTS handles nullable ts.
func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// parseNullTS parses input into a normalized form.
func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	ts := parseTS(v.String)
	return &ts
}
