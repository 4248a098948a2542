package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/dvik/factcards/pkg/card"
)

// SQLiteArchive persists point-in-time snapshots of the card set.
// It is a collaborator of the in-memory repository, not part of the
// write path: the repository stays authoritative and the archive is
// written and read explicitly.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens (or creates) an archive database. The dbPath
// can be a file path or ":memory:".
func NewSQLiteArchive(dbPath string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	a := &SQLiteArchive{db: db}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}
	return a, nil
}

func (a *SQLiteArchive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cards (
		card_id TEXT PRIMARY KEY,
		fact_key TEXT NOT NULL,
		value TEXT,
		content TEXT,
		backstory TEXT,
		person TEXT NOT NULL,
		relationship TEXT,
		status TEXT NOT NULL,
		confidence REAL NOT NULL,
		conversation_id TEXT,
		turn_id INTEGER,
		speaker TEXT,
		source_timestamp DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		version INTEGER NOT NULL,
		superseded_by TEXT,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_cards_person_fact ON cards(person, fact_key);
	CREATE INDEX IF NOT EXISTS idx_cards_status ON cards(status);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// Snapshot replaces the archived card set with the given cards in one
// transaction.
func (a *SQLiteArchive) Snapshot(ctx context.Context, cards []*card.Card) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cards"); err != nil {
		return fmt.Errorf("failed to clear archived cards: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cards (card_id, fact_key, value, content, backstory, person,
			relationship, status, confidence, conversation_id, turn_id, speaker,
			source_timestamp, created_at, updated_at, version, superseded_by, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare card insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cards {
		var value any
		if c.Value != nil {
			value = string(c.Value)
		}
		var supersededBy any
		if c.SupersededBy != nil {
			supersededBy = *c.SupersededBy
		}
		_, err := stmt.ExecContext(ctx,
			c.CardID,
			c.FactKey,
			value,
			c.Content,
			c.Backstory,
			c.Person,
			c.Relationship,
			string(c.Status),
			c.Confidence,
			c.SourceRef.ConversationID,
			c.SourceRef.TurnID,
			c.SourceRef.Speaker,
			c.SourceRef.Timestamp,
			c.CreatedAt,
			c.UpdatedAt,
			c.Version,
			supersededBy,
			c.Deleted,
		)
		if err != nil {
			return fmt.Errorf("failed to archive card %s: %w", c.CardID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Load reads back every archived card.
func (a *SQLiteArchive) Load(ctx context.Context) ([]*card.Card, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT card_id, fact_key, value, content, backstory, person,
			relationship, status, confidence, conversation_id, turn_id, speaker,
			source_timestamp, created_at, updated_at, version, superseded_by, deleted
		FROM cards
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived cards: %w", err)
	}
	defer rows.Close()

	var cards []*card.Card
	for rows.Next() {
		var c card.Card
		var value, supersededBy sql.NullString
		var sourceTS sql.NullTime
		var status string

		err := rows.Scan(
			&c.CardID,
			&c.FactKey,
			&value,
			&c.Content,
			&c.Backstory,
			&c.Person,
			&c.Relationship,
			&status,
			&c.Confidence,
			&c.SourceRef.ConversationID,
			&c.SourceRef.TurnID,
			&c.SourceRef.Speaker,
			&sourceTS,
			&c.CreatedAt,
			&c.UpdatedAt,
			&c.Version,
			&supersededBy,
			&c.Deleted,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived card: %w", err)
		}

		c.Status = card.Status(status)
		if value.Valid {
			c.Value = []byte(value.String)
		}
		if supersededBy.Valid {
			id := supersededBy.String
			c.SupersededBy = &id
		}
		if sourceTS.Valid {
			c.SourceRef.Timestamp = sourceTS.Time
		}
		cards = append(cards, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived cards: %w", err)
	}
	return cards, nil
}

// CountArchived returns the number of archived cards.
func (a *SQLiteArchive) CountArchived(ctx context.Context) (int64, error) {
	var count int64
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cards").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count archived cards: %w", err)
	}
	return count, nil
}

// ArchivedAt returns the most recent updated_at among archived cards,
// or the zero time when the archive is empty.
func (a *SQLiteArchive) ArchivedAt(ctx context.Context) (time.Time, error) {
	var ts sql.NullTime
	err := a.db.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM cards").Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read archive high-water mark: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}
