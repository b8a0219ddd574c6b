package main

import (
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// DB interface for database operations. The token-list mutations
// (Append/Remove/Clear) serialize per username inside the adapter so that
// two concurrent logins cannot both read a four-entry list and push it past
// the session cap.
type DB interface {
	Init() error
	// User operations
	CreateUser(username, passwordHash, role string) (*User, error)
	GetUser(username string) (*User, error)
	// Session token-list operations
	AppendRefreshToken(username, token string, max int) error
	RemoveRefreshToken(username, token string) error
	ClearRefreshTokens(username string) error
	HasRefreshToken(username, token string) (bool, error)
	// Item operations
	ListItems() ([]*Item, error)
	CreateItem(name string, quantity int) (*Item, error)
	GetItem(id int64) (*Item, error)
	UpdateItem(id int64, name string, quantity int) (*Item, error)
	DeleteItem(id int64) error
}

// Memory DB
type MemDB struct {
	mu      sync.Mutex
	users   map[string]*User
	items   map[int64]*Item
	userSeq int64
	itemSeq int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{users: map[string]*User{}, items: map[int64]*Item{}, userSeq: 1, itemSeq: 1}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) CreateUser(username, passwordHash, role string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return nil, ErrUserExists
	}
	u := &User{ID: m.userSeq, Username: username, PasswordHash: passwordHash, Role: role, Tokens: []string{}, CreatedAt: time.Now()}
	m.userSeq++
	m.users[username] = u
	return u, nil
}

func (m *MemDB) GetUser(username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, nil
	}
	cp := *u
	cp.Tokens = append([]string(nil), u.Tokens...)
	return &cp, nil
}

func (m *MemDB) AppendRefreshToken(username, token string, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if len(u.Tokens) >= max {
		return ErrSessionLimitReached
	}
	u.Tokens = append(u.Tokens, token)
	return nil
}

func (m *MemDB) RemoveRefreshToken(username, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.Tokens = removeToken(u.Tokens, token)
	return nil
}

func (m *MemDB) ClearRefreshTokens(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.Tokens = []string{}
	return nil
}

func (m *MemDB) HasRefreshToken(username, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return false, nil
	}
	for _, t := range u.Tokens {
		if t == token {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemDB) ListItems() ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]*Item, 0, len(m.items))
	for _, it := range m.items {
		cp := *it
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *MemDB) CreateItem(name string, quantity int) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := &Item{ID: m.itemSeq, Name: name, Quantity: quantity}
	m.itemSeq++
	m.items[it.ID] = it
	return it, nil
}

func (m *MemDB) GetItem(id int64) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (m *MemDB) UpdateItem(id int64, name string, quantity int) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	it.Name = name
	it.Quantity = quantity
	cp := *it
	return &cp, nil
}

func (m *MemDB) DeleteItem(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

// removeToken drops the first occurrence of token. A missing token is not
// an error: logout stays idempotent.
func removeToken(tokens []string, token string) []string {
	for i, t := range tokens {
		if t == token {
			return append(tokens[:i], tokens[i+1:]...)
		}
	}
	return tokens
}

// SQLite DB. Token lists are stored as JSON text; mutations run inside a
// transaction so the read-modify-write is serialized per row.
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; a second connection would fail with
	// SQLITE_BUSY instead of queueing.
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY AUTOINCREMENT, username TEXT UNIQUE, password_hash TEXT, role TEXT DEFAULT 'user', tokens TEXT DEFAULT '[]', created_at TEXT);`,
		`CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT, quantity INTEGER);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDB) CreateUser(username, passwordHash, role string) (*User, error) {
	if u, err := s.GetUser(username); err != nil {
		return nil, err
	} else if u != nil {
		return nil, ErrUserExists
	}
	res, err := s.db.Exec(`INSERT INTO users(username,password_hash,role,tokens,created_at) VALUES(?,?,?,'[]',datetime('now'))`, username, passwordHash, role)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &User{ID: id, Username: username, PasswordHash: passwordHash, Role: role, Tokens: []string{}}, nil
}

func (s *SQLiteDB) GetUser(username string) (*User, error) {
	row := s.db.QueryRow(`SELECT id,username,password_hash,role,tokens,created_at FROM users WHERE username = ?`, username)
	var u User
	var tokens, created string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &tokens, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(tokens), &u.Tokens); err != nil {
		return nil, err
	}
	return &u, nil
}

// mutateTokens runs fn over the user's token list inside a transaction.
func (s *SQLiteDB) mutateTokens(username string, fn func(tokens []string) ([]string, error)) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRow(`SELECT tokens FROM users WHERE username = ?`, username).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrUserNotFound
		}
		return err
	}
	var tokens []string
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return err
	}
	tokens, err = fn(tokens)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE users SET tokens = ? WHERE username = ?`, string(buf), username); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) AppendRefreshToken(username, token string, max int) error {
	return s.mutateTokens(username, func(tokens []string) ([]string, error) {
		if len(tokens) >= max {
			return nil, ErrSessionLimitReached
		}
		return append(tokens, token), nil
	})
}

func (s *SQLiteDB) RemoveRefreshToken(username, token string) error {
	return s.mutateTokens(username, func(tokens []string) ([]string, error) {
		return removeToken(tokens, token), nil
	})
}

func (s *SQLiteDB) ClearRefreshTokens(username string) error {
	return s.mutateTokens(username, func([]string) ([]string, error) {
		return []string{}, nil
	})
}

func (s *SQLiteDB) HasRefreshToken(username, token string) (bool, error) {
	u, err := s.GetUser(username)
	if err != nil || u == nil {
		return false, err
	}
	for _, t := range u.Tokens {
		if t == token {
			return true, nil
		}
	}
	return false, nil
}

func (s *SQLiteDB) ListItems() ([]*Item, error) {
	rows, err := s.db.Query(`SELECT id,name,quantity FROM items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Name, &it.Quantity); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (s *SQLiteDB) CreateItem(name string, quantity int) (*Item, error) {
	res, err := s.db.Exec(`INSERT INTO items(name,quantity) VALUES(?,?)`, name, quantity)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &Item{ID: id, Name: name, Quantity: quantity}, nil
}

func (s *SQLiteDB) GetItem(id int64) (*Item, error) {
	row := s.db.QueryRow(`SELECT id,name,quantity FROM items WHERE id = ?`, id)
	var it Item
	if err := row.Scan(&it.ID, &it.Name, &it.Quantity); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &it, nil
}

func (s *SQLiteDB) UpdateItem(id int64, name string, quantity int) (*Item, error) {
	res, err := s.db.Exec(`UPDATE items SET name = ?, quantity = ? WHERE id = ?`, name, quantity, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return &Item{ID: id, Name: name, Quantity: quantity}, nil
}

func (s *SQLiteDB) DeleteItem(id int64) error {
	_, err := s.db.Exec(`DELETE FROM items WHERE id = ?`, id)
	return err
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
