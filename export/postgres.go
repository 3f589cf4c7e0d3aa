//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package export

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresCursorStore is the alternate CursorStore for hosts that
// already run a control-plane database. It
// keeps the same "schema_index:tier_index:column" key shape as
// JSONCursorStore, split into three integer columns instead of a
// composite string.
type PostgresCursorStore struct {
	db                      *sql.DB
	selectStmt, upsertStmt  *sql.Stmt
}

// NewPostgresCursorStore opens connectString, creates the cursor table
// if it does not exist, and prepares its statements - the same
// connect/create/prepare sequence as tgres's serde.InitDb.
func NewPostgresCursorStore(connectString string) (*PostgresCursorStore, error) {
	db, err := sql.Open("postgres", connectString)
	if err != nil {
		return nil, fmt.Errorf("export: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("export: ping postgres: %w", err)
	}
	p := &PostgresCursorStore{db: db}
	if err := p.createTableIfNotExists(); err != nil {
		db.Close()
		return nil, err
	}
	if err := p.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresCursorStore) createTableIfNotExists() error {
	const createSQL = `
       CREATE TABLE IF NOT EXISTS rondo_export_cursors (
       dest text NOT NULL,
       schema_idx int NOT NULL,
       tier_idx int NOT NULL,
       column_idx int NOT NULL,
       ts bigint NOT NULL,
       PRIMARY KEY (dest, schema_idx, tier_idx, column_idx));
    `
	if _, err := p.db.Exec(createSQL); err != nil {
		return fmt.Errorf("export: create table: %w", err)
	}
	return nil
}

func (p *PostgresCursorStore) prepareStatements() error {
	var err error
	p.selectStmt, err = p.db.Prepare(
		`SELECT schema_idx, tier_idx, column_idx, ts FROM rondo_export_cursors WHERE dest = $1`)
	if err != nil {
		return fmt.Errorf("export: prepare select: %w", err)
	}
	p.upsertStmt, err = p.db.Prepare(
		`INSERT INTO rondo_export_cursors (dest, schema_idx, tier_idx, column_idx, ts) VALUES ($1, $2, $3, $4, $5)
                 ON CONFLICT (dest, schema_idx, tier_idx, column_idx) DO UPDATE SET ts = excluded.ts`)
	if err != nil {
		return fmt.Errorf("export: prepare upsert: %w", err)
	}
	return nil
}

func (p *PostgresCursorStore) Load(dest string) (map[string]int64, error) {
	rows, err := p.selectStmt.Query(dest)
	if err != nil {
		return nil, fmt.Errorf("export: select cursors for %q: %w", dest, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var schemaIndex, tierIndex int
		var column uint32
		var ts int64
		if err := rows.Scan(&schemaIndex, &tierIndex, &column, &ts); err != nil {
			return nil, fmt.Errorf("export: scan cursor row for %q: %w", dest, err)
		}
		out[key(schemaIndex, tierIndex, column)] = ts
	}
	return out, rows.Err()
}

func (p *PostgresCursorStore) Save(dest string, cursors map[string]int64) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("export: begin tx for %q: %w", dest, err)
	}
	stmt := tx.Stmt(p.upsertStmt)
	for k, ts := range cursors {
		schemaIndex, tierIndex, column, err := parseKey(k)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.Exec(dest, schemaIndex, tierIndex, column, ts); err != nil {
			tx.Rollback()
			return fmt.Errorf("export: upsert cursor %q for %q: %w", k, dest, err)
		}
	}
	return tx.Commit()
}

func parseKey(k string) (schemaIndex, tierIndex int, column uint32, err error) {
	var col int
	n, scanErr := fmt.Sscanf(k, "%d:%d:%d", &schemaIndex, &tierIndex, &col)
	if scanErr != nil || n != 3 {
		return 0, 0, 0, fmt.Errorf("export: malformed cursor key %q", k)
	}
	return schemaIndex, tierIndex, uint32(col), nil
}
