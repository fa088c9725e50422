package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errDuplicate = errors.New("duplicate key")

// DB interface for database operations. Getters return (nil, nil) when the
// row does not exist. Deleting a developer cascades to their integrations,
// and deleting an integration cascades to its credentials and calls.
type DB interface {
	Init() error
	// Developer operations
	UpsertDeveloper(ctx context.Context, d *Developer) (*Developer, error)
	GetDeveloper(ctx context.Context, id string) (*Developer, error)
	DeleteDeveloper(ctx context.Context, id string) error
	// Integration operations
	CreateIntegration(ctx context.Context, in *Integration) error
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	ListIntegrationsByOwner(ctx context.Context, ownerID string) ([]*Integration, error)
	ListVerifiedIntegrations(ctx context.Context) ([]*Integration, error)
	UpdateIntegration(ctx context.Context, in *Integration) error
	DeleteIntegration(ctx context.Context, id string) error
	// Credential operations
	CreateCredentials(ctx context.Context, c *IntegrationCredentials) error
	GetCredentials(ctx context.Context, id string) (*IntegrationCredentials, error)
	ListCredentials(ctx context.Context, integrationID string) ([]*IntegrationCredentials, error)
	IncrementCredentialUses(ctx context.Context, id string) error
	DeleteCredentials(ctx context.Context, id string) error
	// Call operations
	CreateCall(ctx context.Context, c *Call) error
	GetCall(ctx context.Context, id string) (*Call, error)
	ListCalls(ctx context.Context, integrationID string) ([]*Call, error)
	DeleteCall(ctx context.Context, id string) error
}

// Memory DB
type MemDB struct {
	mu           sync.RWMutex
	developers   map[string]*Developer
	integrations map[string]*Integration
	credentials  map[string]*IntegrationCredentials
	calls        map[string]*Call
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		developers:   map[string]*Developer{},
		integrations: map[string]*Integration{},
		credentials:  map[string]*IntegrationCredentials{},
		calls:        map[string]*Call{},
	}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) UpsertDeveloper(ctx context.Context, d *Developer) (*Developer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.developers {
		if existing.GithubID == d.GithubID {
			existing.Email, existing.Username, existing.Name, existing.AvatarURL = d.Email, d.Username, d.Name, d.AvatarURL
			out := *existing
			return &out, nil
		}
	}
	out := *d
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.CreatedAt = time.Now().UTC()
	stored := out
	m.developers[out.ID] = &stored
	return &out, nil
}

func (m *MemDB) GetDeveloper(ctx context.Context, id string) (*Developer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.developers[id]; ok {
		out := *d
		return &out, nil
	}
	return nil, nil
}

func (m *MemDB) DeleteDeveloper(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.developers, id)
	for iid, in := range m.integrations {
		if in.OwnerID == id {
			m.deleteIntegrationLocked(iid)
		}
	}
	return nil
}

func (m *MemDB) CreateIntegration(ctx context.Context, in *Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.integrations[in.ID]; ok {
		return errDuplicate
	}
	if _, ok := m.developers[in.OwnerID]; !ok {
		return fmt.Errorf("owner %s does not exist", in.OwnerID)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	stored := *in
	stored.Owner, stored.Credentials = nil, nil
	m.integrations[in.ID] = &stored
	return nil
}

func (m *MemDB) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if in, ok := m.integrations[id]; ok {
		out := *in
		return &out, nil
	}
	return nil, nil
}

func (m *MemDB) listIntegrations(match func(*Integration) bool) []*Integration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Integration
	for _, in := range m.integrations {
		if match(in) {
			c := *in
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemDB) ListIntegrationsByOwner(ctx context.Context, ownerID string) ([]*Integration, error) {
	return m.listIntegrations(func(in *Integration) bool { return in.OwnerID == ownerID }), nil
}

func (m *MemDB) ListVerifiedIntegrations(ctx context.Context) ([]*Integration, error) {
	return m.listIntegrations(func(in *Integration) bool { return in.IsVerified }), nil
}

func (m *MemDB) UpdateIntegration(ctx context.Context, in *Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.integrations[in.ID]
	if !ok {
		return sql.ErrNoRows
	}
	existing.Name, existing.BaseURL, existing.AddURL = in.Name, in.BaseURL, in.AddURL
	return nil
}

func (m *MemDB) DeleteIntegration(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteIntegrationLocked(id)
	return nil
}

func (m *MemDB) deleteIntegrationLocked(id string) {
	delete(m.integrations, id)
	for cid, c := range m.credentials {
		if c.IntegrationID == id {
			delete(m.credentials, cid)
		}
	}
	for cid, c := range m.calls {
		if c.IntegrationID == id {
			delete(m.calls, cid)
		}
	}
}

func (m *MemDB) CreateCredentials(ctx context.Context, c *IntegrationCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.integrations[c.IntegrationID]; !ok {
		return fmt.Errorf("integration %s does not exist", c.IntegrationID)
	}
	for _, existing := range m.credentials {
		if existing.ID == c.ID || existing.SecretHash == c.SecretHash {
			return errDuplicate
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	stored := *c
	m.credentials[c.ID] = &stored
	return nil
}

func (m *MemDB) GetCredentials(ctx context.Context, id string) (*IntegrationCredentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.credentials[id]; ok {
		out := *c
		return &out, nil
	}
	return nil, nil
}

func (m *MemDB) ListCredentials(ctx context.Context, integrationID string) ([]*IntegrationCredentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*IntegrationCredentials
	for _, c := range m.credentials {
		if c.IntegrationID == integrationID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemDB) IncrementCredentialUses(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credentials[id]; ok {
		c.Uses++
	}
	return nil
}

func (m *MemDB) DeleteCredentials(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, id)
	return nil
}

func (m *MemDB) CreateCall(ctx context.Context, c *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.integrations[c.IntegrationID]; !ok {
		return fmt.Errorf("integration %s does not exist", c.IntegrationID)
	}
	if _, ok := m.calls[c.ID]; ok {
		return errDuplicate
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	stored := *c
	if len(stored.IntegrationData) == 0 {
		stored.IntegrationData = json.RawMessage("{}")
	}
	m.calls[c.ID] = &stored
	return nil
}

func (m *MemDB) GetCall(ctx context.Context, id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.calls[id]; ok {
		out := *c
		return &out, nil
	}
	return nil, nil
}

func (m *MemDB) ListCalls(ctx context.Context, integrationID string) ([]*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Call
	for _, c := range m.calls {
		if c.IntegrationID == integrationID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemDB) DeleteCall(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, id)
	return nil
}

// sqlStore implements DB over database/sql. Queries are written with ?
// placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	rebind   func(string) string
	isUnique func(error) bool
}

// dbTime scans timestamps from drivers that return either time.Time or text.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Valid = false
		return nil
	case time.Time:
		t.Time, t.Valid = v, true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("unsupported time value %T", src)
}

func (t *dbTime) parse(s string) error {
	// time.Time.String() appends a monotonic clock reading
	if i := strings.Index(s, " m="); i >= 0 {
		s = s[:i]
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed, true
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil && s.isUnique(err) {
		return nil, errDuplicate
	}
	return res, err
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

const developerColumns = `id,github_id,email,username,name,avatar_url,created_at`

func scanDeveloper(row interface{ Scan(...interface{}) error }) (*Developer, error) {
	var d Developer
	var created dbTime
	if err := row.Scan(&d.ID, &d.GithubID, &d.Email, &d.Username, &d.Name, &d.AvatarURL, &created); err != nil {
		return nil, err
	}
	d.CreatedAt = created.Time.UTC()
	return &d, nil
}

func (s *sqlStore) UpsertDeveloper(ctx context.Context, d *Developer) (*Developer, error) {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.exec(ctx, `INSERT INTO developers(`+developerColumns+`) VALUES(?,?,?,?,?,?,?)
		ON CONFLICT (github_id) DO UPDATE SET email = excluded.email, username = excluded.username,
		name = excluded.name, avatar_url = excluded.avatar_url`,
		id, d.GithubID, d.Email, d.Username, d.Name, d.AvatarURL, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return scanDeveloper(s.queryRow(ctx, `SELECT `+developerColumns+` FROM developers WHERE github_id = ?`, d.GithubID))
}

func (s *sqlStore) GetDeveloper(ctx context.Context, id string) (*Developer, error) {
	d, err := scanDeveloper(s.queryRow(ctx, `SELECT `+developerColumns+` FROM developers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *sqlStore) DeleteDeveloper(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM developers WHERE id = ?`, id)
	return err
}

const integrationColumns = `id,name,base_url,add_url,integration_key,owner_id,is_verified,created_at`

func scanIntegration(row interface{ Scan(...interface{}) error }) (*Integration, error) {
	var in Integration
	var created dbTime
	if err := row.Scan(&in.ID, &in.Name, &in.BaseURL, &in.AddURL, &in.Key, &in.OwnerID, &in.IsVerified, &created); err != nil {
		return nil, err
	}
	in.CreatedAt = created.Time.UTC()
	return &in, nil
}

func (s *sqlStore) CreateIntegration(ctx context.Context, in *Integration) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO integrations(`+integrationColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		in.ID, in.Name, in.BaseURL, in.AddURL, in.Key, in.OwnerID, in.IsVerified, in.CreatedAt)
	return err
}

func (s *sqlStore) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	in, err := scanIntegration(s.queryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return in, err
}

func (s *sqlStore) listIntegrations(ctx context.Context, where string, args ...interface{}) ([]*Integration, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+integrationColumns+` FROM integrations WHERE `+where+` ORDER BY created_at`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListIntegrationsByOwner(ctx context.Context, ownerID string) ([]*Integration, error) {
	return s.listIntegrations(ctx, `owner_id = ?`, ownerID)
}

func (s *sqlStore) ListVerifiedIntegrations(ctx context.Context) ([]*Integration, error) {
	return s.listIntegrations(ctx, `is_verified = ?`, true)
}

func (s *sqlStore) UpdateIntegration(ctx context.Context, in *Integration) error {
	res, err := s.exec(ctx, `UPDATE integrations SET name = ?, base_url = ?, add_url = ? WHERE id = ?`,
		in.Name, in.BaseURL, in.AddURL, in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *sqlStore) DeleteIntegration(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM integrations WHERE id = ?`, id)
	return err
}

const credentialColumns = `id,integration_id,secret_hash,uses,created_at`

func scanCredentials(row interface{ Scan(...interface{}) error }) (*IntegrationCredentials, error) {
	var c IntegrationCredentials
	var created dbTime
	if err := row.Scan(&c.ID, &c.IntegrationID, &c.SecretHash, &c.Uses, &created); err != nil {
		return nil, err
	}
	c.CreatedAt = created.Time.UTC()
	return &c, nil
}

func (s *sqlStore) CreateCredentials(ctx context.Context, c *IntegrationCredentials) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO integration_credentials(`+credentialColumns+`) VALUES(?,?,?,?,?)`,
		c.ID, c.IntegrationID, c.SecretHash, c.Uses, c.CreatedAt)
	return err
}

func (s *sqlStore) GetCredentials(ctx context.Context, id string) (*IntegrationCredentials, error) {
	c, err := scanCredentials(s.queryRow(ctx, `SELECT `+credentialColumns+` FROM integration_credentials WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *sqlStore) ListCredentials(ctx context.Context, integrationID string) ([]*IntegrationCredentials, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+credentialColumns+` FROM integration_credentials WHERE integration_id = ? ORDER BY created_at`), integrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*IntegrationCredentials
	for rows.Next() {
		c, err := scanCredentials(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) IncrementCredentialUses(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE integration_credentials SET uses = uses + 1 WHERE id = ?`, id)
	return err
}

func (s *sqlStore) DeleteCredentials(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM integration_credentials WHERE id = ?`, id)
	return err
}

const callColumns = `id,from_id,to_id,integration_id,integration_data,room_id,expires_at,created_at`

func (s *sqlStore) CreateCall(ctx context.Context, c *Call) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	data := string(c.IntegrationData)
	if data == "" {
		data = "{}"
	}
	var expires interface{}
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO calls(`+callColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		c.ID, c.FromID, c.ToID, c.IntegrationID, data, c.RoomID, expires, c.CreatedAt)
	return err
}

func scanCall(row interface{ Scan(...interface{}) error }) (*Call, error) {
	var c Call
	var data []byte
	var expires, created dbTime
	if err := row.Scan(&c.ID, &c.FromID, &c.ToID, &c.IntegrationID, &data, &c.RoomID, &expires, &created); err != nil {
		return nil, err
	}
	c.IntegrationData = data
	c.ExpiresAt = expires.ptr()
	c.CreatedAt = created.Time.UTC()
	return &c, nil
}

func (s *sqlStore) GetCall(ctx context.Context, id string) (*Call, error) {
	c, err := scanCall(s.queryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *sqlStore) ListCalls(ctx context.Context, integrationID string) ([]*Call, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+callColumns+` FROM calls WHERE integration_id = ? ORDER BY created_at`), integrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteCall(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM calls WHERE id = ?`, id)
	return err
}

func (s *sqlStore) close() error { return s.db.Close() }
func (s *sqlStore) ping() bool   { return s.db.Ping() == nil }

// SQLite DB
type SQLiteDB struct {
	sqlStore
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases and the foreign_keys pragma shared
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{
		sqlStore: sqlStore{
			db:     d,
			rebind: func(q string) string { return q },
			isUnique: func(err error) bool {
				return strings.Contains(err.Error(), "UNIQUE constraint failed")
			},
		},
		path: path,
	}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS developers (id TEXT PRIMARY KEY, github_id TEXT NOT NULL UNIQUE, email TEXT NOT NULL, username TEXT NOT NULL, name TEXT NOT NULL, avatar_url TEXT NOT NULL, created_at DATETIME NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS integrations (id TEXT PRIMARY KEY, name TEXT NOT NULL, base_url TEXT NOT NULL, add_url TEXT NOT NULL, integration_key TEXT NOT NULL, owner_id TEXT NOT NULL REFERENCES developers(id) ON DELETE CASCADE, is_verified INTEGER NOT NULL DEFAULT 0, created_at DATETIME NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS integration_credentials (id TEXT PRIMARY KEY, integration_id TEXT NOT NULL REFERENCES integrations(id) ON DELETE CASCADE, secret_hash TEXT NOT NULL UNIQUE, uses INTEGER NOT NULL DEFAULT 0, created_at DATETIME NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS calls (id TEXT PRIMARY KEY, from_id TEXT NOT NULL, to_id TEXT NOT NULL, integration_id TEXT NOT NULL REFERENCES integrations(id) ON DELETE CASCADE, integration_data TEXT NOT NULL DEFAULT '{}', room_id TEXT NOT NULL, expires_at DATETIME, created_at DATETIME NOT NULL);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }
