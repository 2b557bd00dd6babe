package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists projects in SQLite. Version rows are only ever inserted;
// they disappear only when their project is deleted.
type Store struct {
	db *sql.DB
}

// NewStore opens the project database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return newStore(db)
}

func newStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL UNIQUE,
		sandbox_id TEXT NOT NULL DEFAULT '',
		current_version INTEGER NOT NULL DEFAULT -1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_env (
		project_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (project_id, position),
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS project_versions (
		project_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		preview_url TEXT NOT NULL DEFAULT '',
		sandbox_id TEXT NOT NULL DEFAULT '',
		files_json TEXT NOT NULL,
		PRIMARY KEY (project_id, seq),
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new project with its env vars and any versions it
// already holds.
func (s *Store) Create(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.ConversationID == "" {
		p.ConversationID = p.ID
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, conversation_id, sandbox_id, current_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, p.ConversationID, p.SandboxID, p.CurrentVersionIndex,
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := writeEnv(ctx, tx, p.ID, p.EnvVars); err != nil {
		return err
	}
	for i := range p.Versions {
		if err := insertVersion(ctx, tx, p.ID, i, &p.Versions[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const projectColumns = `id, name, description, conversation_id, sandbox_id, current_version, created_at, updated_at`

// Get loads a project with its env vars and versions.
func (s *Store) Get(ctx context.Context, id string) (*Project, error) {
	return s.getWhere(ctx, `id = ?`, id)
}

// GetByConversation loads the project bound to a conversation.
func (s *Store) GetByConversation(ctx context.Context, conversationID string) (*Project, error) {
	return s.getWhere(ctx, `conversation_id = ?`, conversationID)
}

func (s *Store) getWhere(ctx context.Context, where string, arg string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE `+where, arg)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	if err != nil {
		return nil, err
	}
	if err := s.load(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns every project, newest first.
func (s *Store) List(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range out {
		if err := s.load(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateDetails changes a project's name and description.
func (s *Store) UpdateDetails(ctx context.Context, id, name, description string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, description = ?, updated_at = ? WHERE id = ?
	`, name, description, time.Now().Format(time.RFC3339Nano), id)
	return checkAffected(res, err, id)
}

// Delete removes a project and all of its versions.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	return checkAffected(res, err, id)
}

// SetEnvVars replaces the project's env vars, assigning IDs to entries
// that lack one.
func (s *Store) SetEnvVars(ctx context.Context, id string, vars []EnvVar) ([]EnvVar, error) {
	out := make([]EnvVar, len(vars))
	for i, v := range vars {
		if v.ID == "" {
			v.ID = newID()
		}
		out[i] = v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := touch(ctx, tx, id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_env WHERE project_id = ?`, id); err != nil {
		return nil, err
	}
	if err := writeEnv(ctx, tx, id, out); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

// AppendVersion stores v as the project's newest version and makes it
// current. A non-empty sandboxID becomes the project's sandbox.
func (s *Store) AppendVersion(ctx context.Context, id string, v *Version, sandboxID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := touch(ctx, tx, id); err != nil {
		return 0, err
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM project_versions WHERE project_id = ?`, id).Scan(&seq); err != nil {
		return 0, err
	}
	if err := insertVersion(ctx, tx, id, seq, v); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET current_version = ?,
			sandbox_id = CASE WHEN ? = '' THEN sandbox_id ELSE ? END
		WHERE id = ?
	`, seq, sandboxID, sandboxID, id); err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

// SetCurrentVersion moves the current pointer without touching versions.
func (s *Store) SetCurrentVersion(ctx context.Context, id string, index int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := touch(ctx, tx, id); err != nil {
		return err
	}
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM project_versions WHERE project_id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if index < 0 || index >= n {
		return fmt.Errorf("restore %d of %d: %w", index, n, ErrVersionOutOfRange)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET current_version = ? WHERE id = ?`, index, id); err != nil {
		return err
	}
	return tx.Commit()
}

// touch bumps updated_at and reports ErrNotFound for unknown projects.
func touch(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`,
		time.Now().Format(time.RFC3339Nano), id)
	return checkAffected(res, err, id)
}

func checkAffected(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func writeEnv(ctx context.Context, tx *sql.Tx, id string, vars []EnvVar) error {
	for i, v := range vars {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_env (project_id, position, id, name, value) VALUES (?, ?, ?, ?, ?)
		`, id, i, v.ID, v.Name, v.Value); err != nil {
			return fmt.Errorf("insert env var %s: %w", v.Name, err)
		}
	}
	return nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, id string, seq int, v *Version) error {
	files, err := json.Marshal(v.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO project_versions (project_id, seq, id, created_at, preview_url, sandbox_id, files_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, seq, v.ID, v.Timestamp.Format(time.RFC3339Nano), v.PreviewURL, v.SandboxID, string(files))
	if err != nil {
		return fmt.Errorf("insert version %s: %w", v.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*Project, error) {
	var p Project
	var created, updated string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ConversationID, &p.SandboxID,
		&p.CurrentVersionIndex, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &p, nil
}

// load fills env vars and versions.
func (s *Store) load(ctx context.Context, p *Project) error {
	p.EnvVars = []EnvVar{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, value FROM project_env WHERE project_id = ? ORDER BY position`, p.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v EnvVar
		if err := rows.Scan(&v.ID, &v.Name, &v.Value); err != nil {
			rows.Close()
			return err
		}
		p.EnvVars = append(p.EnvVars, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	p.Versions = []Version{}
	rows, err = s.db.QueryContext(ctx, `
		SELECT id, created_at, preview_url, sandbox_id, files_json
		FROM project_versions WHERE project_id = ? ORDER BY seq
	`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var v Version
		var created, files string
		if err := rows.Scan(&v.ID, &created, &v.PreviewURL, &v.SandboxID, &files); err != nil {
			return err
		}
		v.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		if err := json.Unmarshal([]byte(files), &v.Files); err != nil {
			return fmt.Errorf("decode files of version %s: %w", v.ID, err)
		}
		p.Versions = append(p.Versions, v)
	}
	return rows.Err()
}
