// SPDX-License-Identifier: MIT

package shades

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

// OpenDB opens the shade registry database with the standard pragmas.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		path, (5 * time.Second).Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("shades: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("shades: ping db: %w", err)
	}
	return db, nil
}

// Registry is the read-mostly shade catalogue. Shades are defined at config
// time and never created or destroyed while the daemon runs.
type Registry struct {
	byID  map[int]Shade
	order []int
}

// LoadRegistry reads all shades from the database.
func LoadRegistry(db *sql.DB) (*Registry, error) {
	rows, err := db.Query(`SELECT shade_id, name, room, type, COALESCE(group_name, '') FROM shades ORDER BY shade_id`)
	if err != nil {
		return nil, fmt.Errorf("shades: query registry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	r := &Registry{byID: map[int]Shade{}}
	for rows.Next() {
		var s Shade
		var typ string
		if err := rows.Scan(&s.ID, &s.Name, &s.Room, &typ, &s.Group); err != nil {
			return nil, fmt.Errorf("shades: scan registry row: %w", err)
		}
		s.Type = ShadeType(typ)
		r.byID[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shades: read registry: %w", err)
	}
	sort.Ints(r.order)
	return r, nil
}

// NewStaticRegistry builds a registry from in-memory definitions (tests and
// bring-up without a database).
func NewStaticRegistry(list []Shade) *Registry {
	r := &Registry{byID: map[int]Shade{}}
	for _, s := range list {
		r.byID[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	sort.Ints(r.order)
	return r
}

// Get returns the shade with the given id.
func (r *Registry) Get(id int) (Shade, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// All returns every shade in id order.
func (r *Registry) All() []Shade {
	out := make([]Shade, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of registered shades.
func (r *Registry) Len() int { return len(r.byID) }
