package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/srediag/component-runtime/api"
	"github.com/srediag/component-runtime/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	component_id TEXT    NOT NULL,
	version      INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	pinned       INTEGER NOT NULL DEFAULT 0,
	payload      BLOB    NOT NULL,
	PRIMARY KEY (component_id, version)
);
CREATE INDEX IF NOT EXISTS snapshots_by_component
	ON snapshots (component_id, version DESC);
`

// SQLiteStore persists snapshots in a single SQLite table. Version
// allocation happens inside an immediate transaction, so versions
// strictly increase per component and a crash mid-write never leaves a
// partially visible record.
type SQLiteStore struct {
	pool *storage.Pool
	log  zerolog.Logger
}

var _ api.SnapshotStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the snapshot database at path. An
// unopenable path fails here, not at the first save.
func NewSQLiteStore(path string, log zerolog.Logger) (*SQLiteStore, error) {
	pool, err := storage.Open(storage.Config{
		Path:   path,
		Schema: schema,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	pool.Put(conn)
	return &SQLiteStore{
		pool: pool,
		log:  log.With().Str("subsystem", "snapshot").Logger(),
	}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id string, payload []byte) (version uint64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("snapshot: begin save for %q: %w", id, err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(version), 0) FROM snapshots WHERE component_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = uint64(stmt.ColumnInt64(0)) + 1
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("snapshot: allocate version for %q: %w", id, err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO snapshots (component_id, version, created_at, payload) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{id, int64(version), time.Now().UnixMicro(), payload},
		})
	if err != nil {
		return 0, fmt.Errorf("snapshot: save %q v%d: %w", id, version, err)
	}
	return version, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string, version uint64) (api.SnapshotRecord, error) {
	return s.loadOne(ctx,
		`SELECT version, created_at, payload FROM snapshots WHERE component_id = ? AND version = ?`,
		[]any{id, int64(version)}, id)
}

func (s *SQLiteStore) Latest(ctx context.Context, id string) (api.SnapshotRecord, error) {
	return s.loadOne(ctx,
		`SELECT version, created_at, payload FROM snapshots WHERE component_id = ? ORDER BY version DESC LIMIT 1`,
		[]any{id}, id)
}

func (s *SQLiteStore) loadOne(ctx context.Context, query string, args []any, id string) (api.SnapshotRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return api.SnapshotRecord{}, err
	}
	defer s.pool.Put(conn)

	rec := api.SnapshotRecord{ComponentID: id}
	found := false
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			rec.Version = uint64(stmt.ColumnInt64(0))
			rec.CreatedAt = time.UnixMicro(stmt.ColumnInt64(1)).UTC()
			rec.Payload = make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, rec.Payload)
			return nil
		},
	})
	if err != nil {
		return api.SnapshotRecord{}, fmt.Errorf("snapshot: load %q: %w", id, err)
	}
	if !found {
		return api.SnapshotRecord{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return rec, nil
}

func (s *SQLiteStore) Versions(ctx context.Context, id string) ([]uint64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var versions []uint64
	err = sqlitex.Execute(conn,
		`SELECT version FROM snapshots WHERE component_id = ? ORDER BY version ASC`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				versions = append(versions, uint64(stmt.ColumnInt64(0)))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("snapshot: versions of %q: %w", id, err)
	}
	return versions, nil
}

func (s *SQLiteStore) Pin(ctx context.Context, id string, version uint64) error {
	return s.exec(ctx,
		`UPDATE snapshots SET pinned = 1 WHERE component_id = ? AND version = ?`,
		[]any{id, int64(version)})
}

func (s *SQLiteStore) Unpin(ctx context.Context, id string) error {
	return s.exec(ctx,
		`UPDATE snapshots SET pinned = 0 WHERE component_id = ?`,
		[]any{id})
}

// Prune keeps the newest keep versions per component. Pinned versions
// are always retained. keep <= 0 disables pruning.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		DELETE FROM snapshots
		WHERE pinned = 0
		  AND version NOT IN (
			SELECT version FROM snapshots AS newest
			WHERE newest.component_id = snapshots.component_id
			ORDER BY version DESC LIMIT ?
		)`,
		&sqlitex.ExecOptions{Args: []any{keep}})
	if err != nil {
		return fmt.Errorf("snapshot: prune: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.pool.Close() }

func (s *SQLiteStore) exec(ctx context.Context, query string, args []any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("snapshot: exec: %w", err)
	}
	return nil
}
