// Package actors is a small entity wired through the mapper, used by the
// HTTP API and as an end-to-end fixture.
package actors

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/rowhook/mapper"
	"github.com/maxpert/rowhook/session"
)

// Actor is a row of the actor table.
type Actor struct {
	ID        int64  `json:"id" msgpack:"id"`
	FirstName string `json:"first_name" msgpack:"first_name"`
	LastName  string `json:"last_name" msgpack:"last_name"`
}

// Table maps Actor to the actor table.
var Table = &mapper.Table[Actor, int64]{
	Name:          "actor",
	IDColumn:      "id",
	Columns:       []string{"first_name", "last_name"},
	GeneratedKeys: true,
	Codec:         codec{},
}

type codec struct{}

func (codec) ID(a Actor) int64 { return a.ID }

func (codec) WithID(a Actor, generated int64) Actor {
	a.ID = generated
	return a
}

func (codec) Record(a Actor) goqu.Record {
	return goqu.Record{
		"first_name": a.FirstName,
		"last_name":  a.LastName,
	}
}

func (codec) Scan(row mapper.Scanner) (Actor, error) {
	var a Actor
	err := row.Scan(&a.ID, &a.FirstName, &a.LastName)
	return a, err
}

// Schema returns the actor table DDL for driver.
func Schema(driver string) (string, error) {
	switch driver {
	case "sqlite3":
		return `CREATE TABLE IF NOT EXISTS actor (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL
)`, nil
	case "mysql":
		return `CREATE TABLE IF NOT EXISTS actor (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	first_name VARCHAR(255) NOT NULL,
	last_name VARCHAR(255) NOT NULL
)`, nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", driver)
	}
}

// Migrate creates the actor table if it does not exist.
func Migrate(ctx context.Context, s *session.Session) error {
	ddl, err := Schema(s.Driver())
	if err != nil {
		return err
	}
	if _, err := s.DB().ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create actor table: %w", err)
	}
	return nil
}

// NewDao returns a Dao for the actor table
func NewDao(s *session.Session) *mapper.Dao[Actor, int64] {
	return mapper.New(s, Table)
}
