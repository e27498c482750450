package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrValidation marks malformed input: unparseable identifiers, empty
// records, bad merge preconditions. Callers check with errors.Is.
var ErrValidation = errors.New("validation failed")

// Kind classifies an identifier's contact channel.
type Kind string

const (
	KindPhone     Kind = "phone"
	KindEmail     Kind = "email"
	KindIMessage  Kind = "imessage"
	KindShortcode Kind = "shortcode"
	KindSocial    Kind = "social"
)

// ValidKind reports whether k is one of the known identifier kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindPhone, KindEmail, KindIMessage, KindShortcode, KindSocial:
		return true
	}
	return false
}

// Person is a resolved, canonical identity record.
type Person struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	GivenName    string    `json:"given_name"`
	FamilyName   string    `json:"family_name"`
	Organization string    `json:"organization"`
	Nicknames    []string  `json:"nicknames,omitempty"`
	Notes        string    `json:"notes"`
	PhotoHash    string    `json:"photo_hash"`
	Version      int64     `json:"version"`
	Deleted      bool      `json:"deleted"`
	MergedInto   *string   `json:"merged_into,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Identifier is a normalized contact point linking raw source data to a Person.
type Identifier struct {
	Kind           Kind   `json:"kind"`
	ValueRaw       string `json:"value_raw"`
	ValueCanonical string `json:"value_canonical,omitempty"`
	Label          string `json:"label,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	Verified       bool   `json:"verified,omitempty"`
}

// Address is a label-keyed postal attribute owned by one Person.
type Address struct {
	Label      string `json:"label"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Url is a label-keyed link owned by one Person.
type Url struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Record is one raw incoming person record from a source system.
type Record struct {
	ExternalID   string       `json:"external_id"`
	DisplayName  string       `json:"display_name"`
	GivenName    string       `json:"given_name,omitempty"`
	FamilyName   string       `json:"family_name,omitempty"`
	Organization string       `json:"organization,omitempty"`
	Nicknames    []string     `json:"nicknames,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	PhotoHash    string       `json:"photo_hash,omitempty"`
	Identifiers  []Identifier `json:"identifiers,omitempty"`
	Addresses    []Address    `json:"addresses,omitempty"`
	Urls         []Url        `json:"urls,omitempty"`
	Version      int64        `json:"version"`
	Deleted      bool         `json:"deleted,omitempty"`
}

// DBTX is satisfied by both *sql.DB and *sql.Tx so store operations can run
// inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
