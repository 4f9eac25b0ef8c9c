package account

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/varenq/legion/errors"
)

// Store persists accounts and groups. It implements the account directory
// the job engine consumes: ResolveGroups for creation-time targeting and
// DisplayNames for annotating per-account errors.
type Store struct {
	db *sql.DB
}

// NewStore creates an account store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const accountColumns = `id, username, display_name, enabled, credentials, created_at, updated_at`

// CreateAccount inserts a new account and fills in its assigned id. A taken
// username is reported as ErrConflict.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if a.Username == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "username is required")
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (username, display_name, enabled, credentials, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Username,
		nullableText(a.DisplayName),
		a.Enabled,
		nullableJSON(a.Credentials),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "username %q is taken", a.Username)
		}
		return errors.Wrapf(err, "create account %s", a.Username)
	}
	a.ID, err = res.LastInsertId()
	return errors.Wrap(err, "account insert id")
}

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "account %d", id)
	}
	return a, err
}

// GetAccountByUsername retrieves an account by its unique username.
func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = ?`, username)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "account %q", username)
	}
	return a, err
}

// ListAccounts returns accounts ordered by username, optionally only the
// enabled ones.
func (s *Store) ListAccounts(ctx context.Context, enabledOnly bool) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY username ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SetEnabled toggles an account in or out of group resolution.
func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, formatTime(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "set account %d enabled", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "account %d", id)
	}
	return nil
}

// UpdateCredentials replaces an account's opaque credential payload.
func (s *Store) UpdateCredentials(ctx context.Context, id int64, credentials []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET credentials = ?, updated_at = ? WHERE id = ?`,
		nullableJSON(credentials), formatTime(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "update credentials of account %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "account %d", id)
	}
	return nil
}

// DeleteAccount removes an account; group memberships cascade.
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete account %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "account %d", id)
	}
	return nil
}

// CreateGroup inserts a new group and fills in its assigned id.
func (s *Store) CreateGroup(ctx context.Context, g *Group) error {
	if g.Name == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "group name is required")
	}
	g.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO account_groups (name, description, created_at)
		VALUES (?, ?, ?)`,
		g.Name, nullableText(g.Description), formatTime(g.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "group %q exists", g.Name)
		}
		return errors.Wrapf(err, "create group %s", g.Name)
	}
	g.ID, err = res.LastInsertId()
	return errors.Wrap(err, "group insert id")
}

// GetGroup retrieves a group by id.
func (s *Store) GetGroup(ctx context.Context, id int64) (*Group, error) {
	var g Group
	var description sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM account_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "group %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get group %d", id)
	}
	g.Description = description.String
	if g.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "group %d created_at", id)
	}
	return &g, nil
}

// ListGroups returns all groups ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at FROM account_groups ORDER BY name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		var g Group
		var description sql.NullString
		var createdAt string
		if err := rows.Scan(&g.ID, &g.Name, &description, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan group")
		}
		g.Description = description.String
		if g.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, errors.Wrapf(err, "group %d created_at", g.ID)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// DeleteGroup removes a group; memberships cascade, accounts stay.
func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM account_groups WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete group %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "group %d", id)
	}
	return nil
}

// AddToGroup records a membership. Adding an existing member is a no-op.
func (s *Store) AddToGroup(ctx context.Context, groupID, accountID int64) error {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO account_group_members (group_id, account_id)
		VALUES (?, ?)`, groupID, accountID)
	return errors.Wrapf(err, "add account %d to group %d", accountID, groupID)
}

// RemoveFromGroup drops a membership.
func (s *Store) RemoveFromGroup(ctx context.Context, groupID, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM account_group_members WHERE group_id = ? AND account_id = ?`,
		groupID, accountID)
	return errors.Wrapf(err, "remove account %d from group %d", accountID, groupID)
}

// Members returns a group's accounts ordered by username.
func (s *Store) Members(ctx context.Context, groupID int64) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedAccountColumns+`
		FROM accounts a
		JOIN account_group_members m ON m.account_id = a.id
		WHERE m.group_id = ?
		ORDER BY a.username ASC`, groupID)
	if err != nil {
		return nil, errors.Wrapf(err, "members of group %d", groupID)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

const prefixedAccountColumns = `a.id, a.username, a.display_name, a.enabled, a.credentials, a.created_at, a.updated_at`

// ResolveGroups expands group ids to the ids of their enabled member
// accounts, deduplicated across groups and sorted ascending. Unknown group
// ids resolve to nothing rather than erroring, so a job can reference a
// group deleted since the request was written.
func (s *Store) ResolveGroups(ctx context.Context, groupIDs []int64) ([]int64, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT m.account_id
		FROM account_group_members m
		JOIN accounts a ON a.id = m.account_id
		WHERE a.enabled = 1 AND m.group_id IN (` + placeholders(len(groupIDs)) + `)
		ORDER BY m.account_id ASC`

	rows, err := s.db.QueryContext(ctx, query, int64Args(groupIDs)...)
	if err != nil {
		return nil, errors.Wrap(err, "resolve groups")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan member id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DisplayNames maps account ids to their display identity. Ids with no
// account row are simply absent from the result.
func (s *Store) DisplayNames(ctx context.Context, accountIDs []int64) (map[int64]string, error) {
	if len(accountIDs) == 0 {
		return map[int64]string{}, nil
	}

	query := `
		SELECT id, username, display_name FROM accounts
		WHERE id IN (` + placeholders(len(accountIDs)) + `)`

	rows, err := s.db.QueryContext(ctx, query, int64Args(accountIDs)...)
	if err != nil {
		return nil, errors.Wrap(err, "display names")
	}
	defer rows.Close()

	names := make(map[int64]string, len(accountIDs))
	for rows.Next() {
		var id int64
		var username string
		var displayName sql.NullString
		if err := rows.Scan(&id, &username, &displayName); err != nil {
			return nil, errors.Wrap(err, "scan display name")
		}
		if displayName.Valid && displayName.String != "" {
			names[id] = displayName.String
		} else {
			names[id] = username
		}
	}
	return names, rows.Err()
}

// scanAccount reads one account from a row or rows cursor.
func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var displayName, credentials sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &a.Username, &displayName, &a.Enabled, &credentials, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.DisplayName = displayName.String
	if credentials.Valid {
		a.Credentials = []byte(credentials.String)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "account %d created_at", a.ID)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "account %d updated_at", a.ID)
	}
	return &a, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

// isUniqueViolation matches the sqlite driver's constraint error text; the
// driver's typed errors are not exported in a wrappable form.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
