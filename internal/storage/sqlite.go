package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"courier/internal/model"

	_ "modernc.org/sqlite"
)

const (
	dbFile = "courier.db"

	// Secure file permissions - owner read/write only
	secureFileMode = 0600 // -rw-------
	secureDirMode  = 0700 // drwx------
)

// ChangeOp describes what happened to an entity on a persistence write.
type ChangeOp string

const (
	OpUpsert ChangeOp = "upsert"
	OpDelete ChangeOp = "delete"
)

// Change is the notification raised on every upsert/delete. Model is one of
// the entity types in internal/model.
type Change struct {
	Op    ChangeOp
	Model any
}

// Listener receives change notifications. Listeners must not block; they are
// invoked synchronously on the writing goroutine.
type Listener func(Change)

// ensureSecureFile creates a file with secure permissions if it doesn't exist,
// or verifies/fixes permissions if it does exist. This prevents a TOCTOU race
// condition where the file could be created with insecure default permissions.
func ensureSecureFile(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, secureFileMode)
		if err != nil {
			return fmt.Errorf("failed to create secure file: %w", err)
		}
		f.Close()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	if info.Mode().Perm() != secureFileMode {
		if err := os.Chmod(path, secureFileMode); err != nil {
			return fmt.Errorf("failed to set secure permissions: %w", err)
		}
	}
	return nil
}

// Store is the durable record store for responses, connections, events,
// cookie jars and environments. Every write raises a Change to subscribers.
type Store struct {
	db      *sql.DB
	dataDir string

	mu        sync.Mutex
	nextSub   int
	listeners map[int]Listener
}

// Open creates a Store rooted at dataDir, creating the directory and
// database file with secure permissions if needed.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, secureDirMode); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, dbFile)
	if err := ensureSecureFile(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, dataDir: dataDir, listeners: make(map[int]Listener)}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// OpenDefault opens the store under ~/.courier.
func OpenDefault() (*Store, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(homeDir, ".courier"))
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DataDir returns the directory the store (and its blobs) live under.
func (s *Store) DataDir() string {
	return s.dataDir
}

// Subscribe registers a change listener and returns an unsubscribe func.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify(op ChangeOp, m any) {
	s.mu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(Change{Op: op, Model: m})
	}
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS http_responses (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 0,
		status_reason TEXT NOT NULL DEFAULT '',
		headers TEXT NOT NULL DEFAULT '[]',
		elapsed INTEGER NOT NULL DEFAULT 0,
		elapsed_headers INTEGER NOT NULL DEFAULT 0,
		content_length INTEGER NOT NULL DEFAULT 0,
		body_path TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		remote_addr TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_http_responses_request ON http_responses(request_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS grpc_connections (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		service TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT -1,
		elapsed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_grpc_connections_request ON grpc_connections(request_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS grpc_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		created_at DATETIME NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		connection_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		status INTEGER NOT NULL DEFAULT -1,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_grpc_events_connection ON grpc_events(connection_id, seq);

	CREATE TABLE IF NOT EXISTS cookie_jars (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		cookies TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS environments (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		variables TEXT NOT NULL DEFAULT '[]'
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HTTP Responses
// =============================================================================

// UpsertResponse writes a response record, assigning an id if empty.
func (s *Store) UpsertResponse(r *model.HttpResponse) (*model.HttpResponse, error) {
	if r.ID == "" {
		r.ID = model.NewID("rs")
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	headersJSON, _ := json.Marshal(r.Headers)

	_, err := s.db.Exec(`
		INSERT INTO http_responses (
			id, created_at, updated_at, workspace_id, request_id, url,
			status, status_reason, headers, elapsed, elapsed_headers,
			content_length, body_path, version, remote_addr, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at=excluded.updated_at, url=excluded.url,
			status=excluded.status, status_reason=excluded.status_reason,
			headers=excluded.headers, elapsed=excluded.elapsed,
			elapsed_headers=excluded.elapsed_headers,
			content_length=excluded.content_length, body_path=excluded.body_path,
			version=excluded.version, remote_addr=excluded.remote_addr,
			error=excluded.error`,
		r.ID, r.CreatedAt, r.UpdatedAt, r.WorkspaceID, r.RequestID, r.URL,
		r.Status, r.StatusReason, string(headersJSON), r.Elapsed, r.ElapsedHeaders,
		r.ContentLength, r.BodyPath, r.Version, r.RemoteAddr, r.Error,
	)
	if err != nil {
		return nil, err
	}

	s.notify(OpUpsert, r)
	return r, nil
}

// UpsertResponseIfID persists the response only when it carries an identity.
// Ephemeral (preview) sends pass through unchanged.
func (s *Store) UpsertResponseIfID(r *model.HttpResponse) (*model.HttpResponse, error) {
	if r.ID == "" {
		return r, nil
	}
	return s.UpsertResponse(r)
}

// GetResponse reads one response by id.
func (s *Store) GetResponse(id string) (*model.HttpResponse, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, updated_at, workspace_id, request_id, url,
		       status, status_reason, headers, elapsed, elapsed_headers,
		       content_length, body_path, version, remote_addr, error
		FROM http_responses WHERE id = ?`, id)
	return scanResponse(row)
}

// ListResponses returns responses for a request, newest first.
func (s *Store) ListResponses(requestID string) ([]*model.HttpResponse, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, updated_at, workspace_id, request_id, url,
		       status, status_reason, headers, elapsed, elapsed_headers,
		       content_length, body_path, version, remote_addr, error
		FROM http_responses WHERE request_id = ?
		ORDER BY created_at DESC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.HttpResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRecentResponses returns the newest responses across all requests.
func (s *Store) ListRecentResponses(limit int) ([]*model.HttpResponse, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, updated_at, workspace_id, request_id, url,
		       status, status_reason, headers, elapsed, elapsed_headers,
		       content_length, body_path, version, remote_addr, error
		FROM http_responses
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.HttpResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResponse(row rowScanner) (*model.HttpResponse, error) {
	var r model.HttpResponse
	var headersJSON string
	err := row.Scan(
		&r.ID, &r.CreatedAt, &r.UpdatedAt, &r.WorkspaceID, &r.RequestID, &r.URL,
		&r.Status, &r.StatusReason, &headersJSON, &r.Elapsed, &r.ElapsedHeaders,
		&r.ContentLength, &r.BodyPath, &r.Version, &r.RemoteAddr, &r.Error,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(headersJSON), &r.Headers)
	return &r, nil
}

// DeleteResponse removes a response record and reports it to listeners. The
// caller is responsible for reclaiming the body blob first.
func (s *Store) DeleteResponse(id string) error {
	r, err := s.GetResponse(id)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM http_responses WHERE id = ?`, id); err != nil {
		return err
	}
	s.notify(OpDelete, r)
	return nil
}

// =============================================================================
// gRPC Connections
// =============================================================================

// UpsertConnection writes a connection record, assigning an id if empty.
func (s *Store) UpsertConnection(c *model.GrpcConnection) (*model.GrpcConnection, error) {
	if c.ID == "" {
		c.ID = model.NewID("cn")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO grpc_connections (
			id, created_at, updated_at, workspace_id, request_id,
			service, method, url, status, elapsed, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at=excluded.updated_at, service=excluded.service,
			method=excluded.method, url=excluded.url, status=excluded.status,
			elapsed=excluded.elapsed, error=excluded.error`,
		c.ID, c.CreatedAt, c.UpdatedAt, c.WorkspaceID, c.RequestID,
		c.Service, c.Method, c.URL, c.Status, c.Elapsed, c.Error,
	)
	if err != nil {
		return nil, err
	}

	s.notify(OpUpsert, c)
	return c, nil
}

// GetConnection reads one connection by id.
func (s *Store) GetConnection(id string) (*model.GrpcConnection, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, updated_at, workspace_id, request_id,
		       service, method, url, status, elapsed, error
		FROM grpc_connections WHERE id = ?`, id)
	var c model.GrpcConnection
	err := row.Scan(
		&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.WorkspaceID, &c.RequestID,
		&c.Service, &c.Method, &c.URL, &c.Status, &c.Elapsed, &c.Error,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConnections returns connections for a request, newest first.
func (s *Store) ListConnections(requestID string) ([]*model.GrpcConnection, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, updated_at, workspace_id, request_id,
		       service, method, url, status, elapsed, error
		FROM grpc_connections WHERE request_id = ?
		ORDER BY created_at DESC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.GrpcConnection
	for rows.Next() {
		var c model.GrpcConnection
		err := rows.Scan(
			&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.WorkspaceID, &c.RequestID,
			&c.Service, &c.Method, &c.URL, &c.Status, &c.Elapsed, &c.Error,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListRecentConnections returns the newest connections across all requests.
func (s *Store) ListRecentConnections(limit int) ([]*model.GrpcConnection, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, updated_at, workspace_id, request_id,
		       service, method, url, status, elapsed, error
		FROM grpc_connections
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.GrpcConnection
	for rows.Next() {
		var c model.GrpcConnection
		err := rows.Scan(
			&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.WorkspaceID, &c.RequestID,
			&c.Service, &c.Method, &c.URL, &c.Status, &c.Elapsed, &c.Error,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteConnection removes a connection and its event log.
func (s *Store) DeleteConnection(id string) error {
	c, err := s.GetConnection(id)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM grpc_events WHERE connection_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM grpc_connections WHERE id = ?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify(OpDelete, c)
	return nil
}

// =============================================================================
// gRPC Events
// =============================================================================

// InsertEvent appends one event to a connection's log. Events are append-only;
// insertion order is the replay order.
func (s *Store) InsertEvent(e *model.GrpcEvent) (*model.GrpcEvent, error) {
	if e.ID == "" {
		e.ID = model.NewID("ev")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	metadataJSON, _ := json.Marshal(e.Metadata)

	_, err := s.db.Exec(`
		INSERT INTO grpc_events (
			id, created_at, workspace_id, request_id, connection_id,
			event_type, content, metadata, status, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreatedAt, e.WorkspaceID, e.RequestID, e.ConnectionID,
		string(e.Type), e.Content, string(metadataJSON), e.Status, e.Error,
	)
	if err != nil {
		return nil, err
	}

	s.notify(OpUpsert, e)
	return e, nil
}

// ListEvents returns a connection's events in insertion order.
func (s *Store) ListEvents(connectionID string) ([]*model.GrpcEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, workspace_id, request_id, connection_id,
		       event_type, content, metadata, status, error
		FROM grpc_events WHERE connection_id = ?
		ORDER BY seq`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.GrpcEvent
	for rows.Next() {
		var e model.GrpcEvent
		var metadataJSON string
		err := rows.Scan(
			&e.ID, &e.CreatedAt, &e.WorkspaceID, &e.RequestID, &e.ConnectionID,
			&e.Type, &e.Content, &metadataJSON, &e.Status, &e.Error,
		)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metadataJSON), &e.Metadata)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// =============================================================================
// Cookie Jars
// =============================================================================

// UpsertCookieJar writes a jar, assigning an id if empty.
func (s *Store) UpsertCookieJar(j *model.CookieJar) (*model.CookieJar, error) {
	if j.ID == "" {
		j.ID = model.NewID("cj")
	}
	cookiesJSON, _ := json.Marshal(j.Cookies)

	_, err := s.db.Exec(`
		INSERT INTO cookie_jars (id, workspace_id, name, cookies)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id=excluded.workspace_id, name=excluded.name,
			cookies=excluded.cookies`,
		j.ID, j.WorkspaceID, j.Name, string(cookiesJSON),
	)
	if err != nil {
		return nil, err
	}

	s.notify(OpUpsert, j)
	return j, nil
}

// GetCookieJar reads one jar by id.
func (s *Store) GetCookieJar(id string) (*model.CookieJar, error) {
	row := s.db.QueryRow(`SELECT id, workspace_id, name, cookies FROM cookie_jars WHERE id = ?`, id)
	var j model.CookieJar
	var cookiesJSON string
	if err := row.Scan(&j.ID, &j.WorkspaceID, &j.Name, &cookiesJSON); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(cookiesJSON), &j.Cookies)
	return &j, nil
}

// ListCookieJars returns all jars in a workspace.
func (s *Store) ListCookieJars(workspaceID string) ([]*model.CookieJar, error) {
	rows, err := s.db.Query(`SELECT id, workspace_id, name, cookies FROM cookie_jars WHERE workspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.CookieJar
	for rows.Next() {
		var j model.CookieJar
		var cookiesJSON string
		if err := rows.Scan(&j.ID, &j.WorkspaceID, &j.Name, &cookiesJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(cookiesJSON), &j.Cookies)
		out = append(out, &j)
	}
	return out, rows.Err()
}

// =============================================================================
// Environments
// =============================================================================

// UpsertEnvironment writes an environment, assigning an id if empty.
func (s *Store) UpsertEnvironment(e *model.Environment) (*model.Environment, error) {
	if e.ID == "" {
		e.ID = model.NewID("en")
	}
	variablesJSON, _ := json.Marshal(e.Variables)

	_, err := s.db.Exec(`
		INSERT INTO environments (id, workspace_id, name, variables)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id=excluded.workspace_id, name=excluded.name,
			variables=excluded.variables`,
		e.ID, e.WorkspaceID, e.Name, string(variablesJSON),
	)
	if err != nil {
		return nil, err
	}

	s.notify(OpUpsert, e)
	return e, nil
}

// GetEnvironment reads one environment by id or name.
func (s *Store) GetEnvironment(idOrName string) (*model.Environment, error) {
	row := s.db.QueryRow(`SELECT id, workspace_id, name, variables FROM environments WHERE id = ? OR name = ?`, idOrName, idOrName)
	var e model.Environment
	var variablesJSON string
	if err := row.Scan(&e.ID, &e.WorkspaceID, &e.Name, &variablesJSON); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(variablesJSON), &e.Variables)
	return &e, nil
}

// ListEnvironments returns all environments in a workspace.
func (s *Store) ListEnvironments(workspaceID string) ([]*model.Environment, error) {
	rows, err := s.db.Query(`SELECT id, workspace_id, name, variables FROM environments WHERE workspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Environment
	for rows.Next() {
		var e model.Environment
		var variablesJSON string
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Name, &variablesJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(variablesJSON), &e.Variables)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteEnvironment removes an environment.
func (s *Store) DeleteEnvironment(id string) error {
	e, err := s.GetEnvironment(id)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM environments WHERE id = ?`, e.ID); err != nil {
		return err
	}
	s.notify(OpDelete, e)
	return nil
}

// =============================================================================
// Startup sweepers
// =============================================================================

// CancelPending marks records stuck in a pending state as cancelled. Run at
// startup so a crash mid-send never leaves a record that looks in-flight.
func (s *Store) CancelPending() error {
	if _, err := s.db.Exec(`
		UPDATE http_responses SET elapsed = ?, error = 'Request was cancelled'
		WHERE elapsed = ? AND status = 0 AND error = ''`,
		model.ElapsedAborted, model.ElapsedPending); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE grpc_connections SET elapsed = ?, error = 'Cancelled'
		WHERE status = ?`,
		model.ElapsedAborted, model.StatusPending)
	return err
}
