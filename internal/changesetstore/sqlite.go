package changesetstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	derrors "github.com/dkod-io/dk-server/pkg/errors"
)

// SQLite is a Store backed by an embedded modernc.org/sqlite database. It
// survives process restarts but does not attempt durable replication
// across machines — that is explicitly out of scope per the design's
// Non-goals.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a changeset database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, derrors.Wrap(derrors.Internal, "opening changeset database", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS changesets (
	id TEXT PRIMARY KEY,
	repo_id TEXT NOT NULL,
	files_modified TEXT NOT NULL,
	symbols_modified TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return derrors.Wrap(derrors.Internal, "migrating changeset schema", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Create(ctx context.Context, repoID string, filesModified []string) (uuid.UUID, error) {
	id := uuid.New()
	filesJSON, err := json.Marshal(filesModified)
	if err != nil {
		return uuid.Nil, derrors.Wrap(derrors.Internal, "encoding files_modified", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO changesets (id, repo_id, files_modified, symbols_modified) VALUES (?, ?, ?, '[]')`,
		id.String(), repoID, string(filesJSON))
	if err != nil {
		return uuid.Nil, derrors.Wrap(derrors.Internal, "inserting changeset", err)
	}
	return id, nil
}

func (s *SQLite) Get(ctx context.Context, id uuid.UUID) (*Changeset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT repo_id, files_modified, symbols_modified FROM changesets WHERE id = ?`, id.String())
	var repoID, filesJSON, symbolsJSON string
	if err := row.Scan(&repoID, &filesJSON, &symbolsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, derrors.New(derrors.NotFound, "unknown changeset")
		}
		return nil, derrors.Wrap(derrors.Internal, "reading changeset", err)
	}
	cs := &Changeset{ID: id, RepoID: repoID}
	if err := json.Unmarshal([]byte(filesJSON), &cs.FilesModified); err != nil {
		return nil, derrors.Wrap(derrors.Internal, "decoding files_modified", err)
	}
	if err := json.Unmarshal([]byte(symbolsJSON), &cs.SymbolsModified); err != nil {
		return nil, derrors.Wrap(derrors.Internal, "decoding symbols_modified", err)
	}
	return cs, nil
}
