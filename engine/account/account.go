// Package account is the registry of identities jobs fan out over. Accounts
// carry the opaque credentials the action executor needs; groups give bulk
// targeting a name.
package account

import (
	"encoding/json"
	"time"
)

// Account is one controllable identity on the target service.
type Account struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Enabled     bool   `json:"enabled"`

	// Credentials is opaque to the engine and handed to the action
	// executor as-is (session token, API key).
	Credentials json.RawMessage `json:"credentials,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Label is the account's display identity: the display name when set,
// otherwise the username.
func (a *Account) Label() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}

// Group names a set of accounts for bulk targeting.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
