package main

import (
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	if err := p.db.Ping(); err != nil {
		return err
	}
	return nil
}

func (p *PostgresDB) CreateUser(username, passwordHash, role string) (*User, error) {
	var id int64
	err := p.db.QueryRow(`INSERT INTO users(username,password_hash,role,tokens,created_at) VALUES($1,$2,$3,'[]'::jsonb,now()) ON CONFLICT (username) DO NOTHING RETURNING id`,
		username, passwordHash, role).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username, PasswordHash: passwordHash, Role: role, Tokens: []string{}}, nil
}

func (p *PostgresDB) GetUser(username string) (*User, error) {
	row := p.db.QueryRow(`SELECT id,username,password_hash,role,tokens,created_at FROM users WHERE username = $1`, username)
	var u User
	var tokens []byte
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &tokens, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(tokens, &u.Tokens); err != nil {
		return nil, err
	}
	return &u, nil
}

// mutateTokens locks the user row (SELECT ... FOR UPDATE) and applies fn to
// the token list, so concurrent logins/logouts for one username serialize
// and cannot lose updates. Different usernames never contend.
func (p *PostgresDB) mutateTokens(username string, fn func(tokens []string) ([]string, error)) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.QueryRow(`SELECT tokens FROM users WHERE username = $1 FOR UPDATE`, username).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrUserNotFound
		}
		return err
	}
	var tokens []string
	if err := json.Unmarshal(raw, &tokens); err != nil {
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
	if _, err := tx.Exec(`UPDATE users SET tokens = $1::jsonb WHERE username = $2`, string(buf), username); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresDB) AppendRefreshToken(username, token string, max int) error {
	return p.mutateTokens(username, func(tokens []string) ([]string, error) {
		if len(tokens) >= max {
			return nil, ErrSessionLimitReached
		}
		return append(tokens, token), nil
	})
}

func (p *PostgresDB) RemoveRefreshToken(username, token string) error {
	return p.mutateTokens(username, func(tokens []string) ([]string, error) {
		return removeToken(tokens, token), nil
	})
}

func (p *PostgresDB) ClearRefreshTokens(username string) error {
	return p.mutateTokens(username, func([]string) ([]string, error) {
		return []string{}, nil
	})
}

func (p *PostgresDB) HasRefreshToken(username, token string) (bool, error) {
	var found bool
	err := p.db.QueryRow(`SELECT jsonb_exists(tokens, $2) FROM users WHERE username = $1`, username, token).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return found, nil
}

func (p *PostgresDB) ListItems() ([]*Item, error) {
	rows, err := p.db.Query(`SELECT id,name,quantity FROM items ORDER BY id`)
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

func (p *PostgresDB) CreateItem(name string, quantity int) (*Item, error) {
	var id int64
	if err := p.db.QueryRow(`INSERT INTO items(name,quantity) VALUES($1,$2) RETURNING id`, name, quantity).Scan(&id); err != nil {
		return nil, err
	}
	return &Item{ID: id, Name: name, Quantity: quantity}, nil
}

func (p *PostgresDB) GetItem(id int64) (*Item, error) {
	row := p.db.QueryRow(`SELECT id,name,quantity FROM items WHERE id = $1`, id)
	var it Item
	if err := row.Scan(&it.ID, &it.Name, &it.Quantity); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &it, nil
}

func (p *PostgresDB) UpdateItem(id int64, name string, quantity int) (*Item, error) {
	res, err := p.db.Exec(`UPDATE items SET name = $1, quantity = $2 WHERE id = $3`, name, quantity, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return &Item{ID: id, Name: name, Quantity: quantity}, nil
}

func (p *PostgresDB) DeleteItem(id int64) error {
	_, err := p.db.Exec(`DELETE FROM items WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
