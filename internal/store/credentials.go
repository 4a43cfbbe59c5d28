package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Credential is an encrypted runtime token. Value is ciphertext
// produced by the vault, Nonce and Salt the per-entry material needed
// to open it; the store never sees plaintext.
type Credential struct {
	Name      string    `json:"name"`
	Value     []byte    `json:"-"`
	Nonce     []byte    `json:"-"`
	Salt      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SaveCredential(c *Credential) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (name, value, nonce, salt)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			nonce = excluded.nonce,
			salt = excluded.salt,
			updated_at = CURRENT_TIMESTAMP`,
		c.Name, c.Value, c.Nonce, c.Salt)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(name string) (*Credential, error) {
	c := &Credential{}
	err := s.db.QueryRow(`SELECT name, value, nonce, salt, created_at, updated_at FROM credentials WHERE name = ?`, name).
		Scan(&c.Name, &c.Value, &c.Nonce, &c.Salt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *Store) ListCredentialNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) DeleteCredential(name string) error {
	_, err := s.db.Exec(`DELETE FROM credentials WHERE name = ?`, name)
	return err
}
