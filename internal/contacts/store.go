package contacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrListNotFound is returned when the list id is unknown.
	ErrListNotFound = errors.New("contacts: list not found")
	// ErrContactNotFound is returned when no contact exists at the position.
	ErrContactNotFound = errors.New("contacts: contact not found")
)

type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists contact lists in Postgres. Ingestion happens upstream;
// this store is the read side the dial loop and campaign creation use.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

func (s *Store) CreateList(ctx context.Context, list *List) error {
	query := `
		INSERT INTO contact_lists (list_id, tenant_id, name)
		VALUES ($1, $2, $3)
	`
	if _, err := s.pool.Exec(ctx, query, list.ID, list.TenantID, list.Name); err != nil {
		return fmt.Errorf("contacts: create list: %w", err)
	}
	return nil
}

// InsertContacts appends contacts at the end of the list and bumps the
// cached count, all in one transaction so positions stay gapless.
func (s *Store) InsertContacts(ctx context.Context, listID string, batch []Contact) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contacts: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var next int
	err = tx.QueryRow(ctx, `SELECT contact_count FROM contact_lists WHERE list_id = $1 FOR UPDATE`, listID).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrListNotFound
		}
		return fmt.Errorf("contacts: lock list: %w", err)
	}

	for i, c := range batch {
		fields := c.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO contacts (list_id, position, number, first_name, email, fields)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, listID, next+i, c.Number, c.FirstName, c.Email, fields)
		if err != nil {
			return fmt.Errorf("contacts: insert contact: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `UPDATE contact_lists SET contact_count = contact_count + $2 WHERE list_id = $1`,
		listID, len(batch))
	if err != nil {
		return fmt.Errorf("contacts: bump count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contacts: commit: %w", err)
	}
	return nil
}

func (s *Store) GetList(ctx context.Context, listID string) (*List, error) {
	var list List
	query := `
		SELECT list_id, tenant_id, name, contact_count, created_at
		FROM contact_lists
		WHERE list_id = $1
	`
	err := s.pool.QueryRow(ctx, query, listID).
		Scan(&list.ID, &list.TenantID, &list.Name, &list.ContactCount, &list.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrListNotFound
		}
		return nil, fmt.Errorf("contacts: get list: %w", err)
	}
	return &list, nil
}

// Count returns the number of contacts actually stored for the list.
func (s *Store) Count(ctx context.Context, listID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM contacts WHERE list_id = $1`, listID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("contacts: count: %w", err)
	}
	return n, nil
}

// ByPosition fetches the contact at a zero-based position in the list.
func (s *Store) ByPosition(ctx context.Context, listID string, position int) (*Contact, error) {
	var c Contact
	query := `
		SELECT id, list_id, position, number, first_name, email, fields
		FROM contacts
		WHERE list_id = $1 AND position = $2
	`
	err := s.pool.QueryRow(ctx, query, listID, position).
		Scan(&c.ID, &c.ListID, &c.Position, &c.Number, &c.FirstName, &c.Email, &c.Fields)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("contacts: by position: %w", err)
	}
	return &c, nil
}
