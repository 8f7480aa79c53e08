package devserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/keeplists/pkg/lists"
)

// persister snapshots the in-memory state into sqlite and restores it at startup. Bearer tokens are
// not kept; clients log in again after a restart.
type persister struct {
	database *sql.DB
	state    *state
	logger   *slog.Logger
	saved    uint64
}

func openPersister(path string, st *state, logger *slog.Logger) (*persister, error) {
	logger.Info("opening database", "path", path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	p := &persister{database: db, state: st, logger: logger}
	if err := p.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := p.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *persister) init() error {
	if _, err := p.database.Exec(
		`CREATE TABLE IF NOT EXISTS accounts (
		id text not null primary key,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create accounts table: %w", err)
	}
	if _, err := p.database.Exec(
		`CREATE TABLE IF NOT EXISTS lists (
		id text not null primary key,
		position integer not null,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create lists table: %w", err)
	}
	p.logger.Info("ensured tables exist")
	return nil
}

func (p *persister) load() error {
	accounts, err := p.database.Query(`SELECT content FROM accounts`)
	if err != nil {
		return fmt.Errorf("failed to query accounts: %w", err)
	}
	defer accounts.Close()

	st := p.state
	st.mu.Lock()
	defer st.mu.Unlock()
	for accounts.Next() {
		var raw string
		if err := accounts.Scan(&raw); err != nil {
			return fmt.Errorf("failed to scan account: %w", err)
		}
		var a account
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return fmt.Errorf("failed to decode account: %w", err)
		}
		st.accounts[a.ID] = a
		st.byEmail[a.Email] = a.ID
	}
	if err := accounts.Err(); err != nil {
		return fmt.Errorf("failed to read accounts: %w", err)
	}

	rows, err := p.database.Query(`SELECT content FROM lists ORDER BY position`)
	if err != nil {
		return fmt.Errorf("failed to query lists: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("failed to scan list: %w", err)
		}
		var l lists.List
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return fmt.Errorf("failed to decode list: %w", err)
		}
		st.lists[l.ID] = l
		st.order = append(st.order, l.ID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read lists: %w", err)
	}
	p.saved = st.version
	p.logger.Info("restored state", "accounts", len(st.accounts), "lists", len(st.lists))
	return nil
}

// save writes the state when it changed since the last save.
func (p *persister) save(ctx context.Context) error {
	st := p.state
	st.mu.Lock()
	version := st.version
	if version == p.saved {
		st.mu.Unlock()
		return nil
	}
	accounts := make([]account, 0, len(st.accounts))
	for _, a := range st.accounts {
		accounts = append(accounts, a)
	}
	ordered := make([]lists.List, 0, len(st.order))
	for _, id := range st.order {
		ordered = append(ordered, lists.Clone(st.lists[id]))
	}
	st.mu.Unlock()

	tx, err := p.database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range accounts {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode account: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx, `INSERT INTO accounts (id, content) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET content = excluded.content WHERE content != excluded.content`,
			a.ID, string(raw),
		); err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lists`); err != nil {
		return fmt.Errorf("failed to clear lists: %w", err)
	}
	for i, l := range ordered {
		raw, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to encode list: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx, `INSERT INTO lists (id, position, content) VALUES (?, ?, ?)`,
			l.ID, i, string(raw),
		); err != nil {
			return fmt.Errorf("failed to save list: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	p.saved = version
	p.logger.Info("backed up", "version", version, "lists", len(ordered))
	return nil
}

// backupContinuously saves on every tick until ctx is done.
func (p *persister) backupContinuously(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := p.save(ctx); err != nil {
				p.logger.Error("failed to back up state", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *persister) close() error {
	if err := p.save(context.Background()); err != nil {
		p.logger.Error("failed to save final state", "err", err)
	}
	return p.database.Close()
}
