// Package sqlstore implements the sender, stash and challenge rule store
// on PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	postconfirm "github.com/ietf-tools/postconfirm"
)

// Store is a postconfirm.Store and postconfirm.RuleStore on a SQL
// database. Exact sender records and pattern records share the senders
// tables, told apart by the type column (E or P).
type Store struct {
	*sql.DB
	driver string

	getSenderStmt       *sql.Stmt
	getSenderStaticStmt *sql.Stmt
	upsertSenderStmt    *sql.Stmt
	stashStmt           *sql.Stmt
	nextStashStmt       *sql.Stmt
	nextStashStaticStmt *sql.Stmt
	deleteStashStmt     *sql.Stmt
	getChallengeStmt    *sql.Stmt

	patternMu      sync.Mutex
	patternCache   []postconfirm.Pattern
	challengeMu    sync.Mutex
	challengeCache []postconfirm.ChallengePattern
}

func (db *Store) MustPrepare(query string) *sql.Stmt {
	if stmt, err := db.Prepare(query); err != nil {
		panic(err)
	} else {
		return stmt
	}
}

// Open connects to the database, creates missing tables and prepares the
// statements. driver is "postgres" or "sqlite3".
func Open(driver, dsn string) (*Store, error) {

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	idColumn := "SERIAL PRIMARY KEY"
	if driver == "sqlite3" {
		idColumn = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	_, err = sqlDB.Exec(fmt.Sprintf(`

		-- Sender state. Exact records (type = 'E') key on the address,
		-- pattern records (type = 'P') key on the expression. The static
		-- tables are loaded offline and never written by the service.

		CREATE TABLE IF NOT EXISTS senders (
			sender  TEXT PRIMARY KEY,
			action  TEXT NOT NULL,
			ref     TEXT,
			type    CHAR(1) NOT NULL DEFAULT 'E',
			source  TEXT
		);

		CREATE TABLE IF NOT EXISTS senders_static (
			sender  TEXT PRIMARY KEY,
			action  TEXT NOT NULL,
			ref     TEXT,
			type    CHAR(1) NOT NULL DEFAULT 'E',
			source  TEXT
		);

		CREATE TABLE IF NOT EXISTS stash (
			id          %[1]s,
			sender      TEXT NOT NULL,
			recipients  TEXT NOT NULL,
			message     TEXT NOT NULL,
			created     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS stash_static (
			id          %[1]s,
			sender      TEXT NOT NULL,
			recipients  TEXT NOT NULL,
			message     TEXT NOT NULL,
			created     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS challenges (
			challenge       TEXT PRIMARY KEY,
			action_to_take  TEXT NOT NULL,
			challenge_type  CHAR(1) NOT NULL DEFAULT 'E'
		);
	`, idColumn))
	if err != nil {
		return nil, err
	}

	db := &Store{DB: sqlDB, driver: driver}

	db.getSenderStmt = db.MustPrepare("SELECT action, ref FROM senders WHERE sender = $1 AND type = 'E'")
	db.getSenderStaticStmt = db.MustPrepare("SELECT action, ref FROM senders_static WHERE sender = $1 AND type = 'E'")
	db.upsertSenderStmt = db.MustPrepare("INSERT INTO senders (sender, action, ref, type) VALUES ($1, $2, $3, 'E') ON CONFLICT (sender) DO UPDATE SET action = excluded.action, ref = excluded.ref")
	db.nextStashStmt = db.MustPrepare("SELECT id, recipients, message FROM stash WHERE sender = $1 ORDER BY id LIMIT 1")
	db.nextStashStaticStmt = db.MustPrepare("SELECT id, recipients, message FROM stash_static WHERE sender = $1 ORDER BY id LIMIT 1")
	db.getChallengeStmt = db.MustPrepare("SELECT action_to_take FROM challenges WHERE challenge = $1 AND challenge_type = 'E'")

	if driver == "postgres" {
		db.stashStmt = db.MustPrepare("INSERT INTO stash (sender, recipients, message) VALUES ($1, $2, $3) RETURNING id")
	} else {
		db.stashStmt = db.MustPrepare("INSERT INTO stash (sender, recipients, message) VALUES ($1, $2, $3)")
	}

	return db, nil
}

func (db *Store) GetSender(ctx context.Context, addr string) (postconfirm.SenderRecord, bool, error) {
	var rec postconfirm.SenderRecord
	var found bool

	var staticAction postconfirm.Action
	var staticRef sql.NullString
	switch err := db.getSenderStaticStmt.QueryRowContext(ctx, addr).Scan(&staticAction, &staticRef); err {
	case nil:
		rec.Action = staticAction
		rec.References = decodeRefs(staticRef)
		found = true
	case sql.ErrNoRows:
	default:
		return postconfirm.SenderRecord{}, false, err
	}

	var action postconfirm.Action
	var ref sql.NullString
	switch err := db.getSenderStmt.QueryRowContext(ctx, addr).Scan(&action, &ref); err {
	case nil:
		// the runtime action wins, references are the union
		rec.Action = action
		rec.References = unionRefs(rec.References, decodeRefs(ref))
		found = true
	case sql.ErrNoRows:
	default:
		return postconfirm.SenderRecord{}, false, err
	}

	return rec, found, nil
}

func (db *Store) Patterns(ctx context.Context) ([]postconfirm.Pattern, error) {
	db.patternMu.Lock()
	defer db.patternMu.Unlock()
	if db.patternCache != nil {
		return db.patternCache, nil
	}

	var patterns []postconfirm.Pattern
	for _, table := range []string{"senders", "senders_static"} {
		rows, err := db.QueryContext(ctx, "SELECT sender, action, ref FROM "+table+" WHERE type = 'P'")
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var expr string
			var action postconfirm.Action
			var ref sql.NullString
			if err := rows.Scan(&expr, &action, &ref); err != nil {
				rows.Close()
				return nil, err
			}
			pattern, err := postconfirm.NewPattern(expr, action, decodeRefs(ref))
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("pattern %q in %s: %w", expr, table, err)
			}
			patterns = append(patterns, pattern)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}

	db.patternCache = patterns
	return patterns, nil
}

// invalidatePatterns drops the compiled caches after a write to the
// pattern or challenge tables.
func (db *Store) invalidatePatterns() {
	db.patternMu.Lock()
	db.patternCache = nil
	db.patternMu.Unlock()
	db.challengeMu.Lock()
	db.challengeCache = nil
	db.challengeMu.Unlock()
}

func (db *Store) UpsertSender(ctx context.Context, addr string, action postconfirm.Action, references []string) error {
	_, err := db.upsertSenderStmt.ExecContext(ctx, addr, action, encodeRefs(references))
	return err
}

func (db *Store) Stash(ctx context.Context, addr string, recipients []string, message []byte) (int64, error) {
	rcpts, err := json.Marshal(recipients)
	if err != nil {
		return 0, err
	}
	if db.driver == "postgres" {
		var id int64
		err := db.stashStmt.QueryRowContext(ctx, addr, string(rcpts), string(message)).Scan(&id)
		return id, err
	}
	result, err := db.stashStmt.ExecContext(ctx, addr, string(rcpts), string(message))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// DrainStash yields the runtime stash, then the static stash. Each entry
// is deleted in its own transaction before fn runs, so an interrupted
// drain loses at most the entry in flight and never repeats one.
func (db *Store) DrainStash(ctx context.Context, addr string, fn func(recipients []string, message []byte) error) error {
	for _, table := range []string{"stash", "stash_static"} {
		next := db.nextStashStmt
		if table == "stash_static" {
			next = db.nextStashStaticStmt
		}
		for {
			var id int64
			var rcptsJSON, message string
			err := next.QueryRowContext(ctx, addr).Scan(&id, &rcptsJSON, &message)
			if err == sql.ErrNoRows {
				break
			}
			if err != nil {
				return err
			}

			if _, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = $1", id); err != nil {
				return err
			}

			var recipients []string
			if err := json.Unmarshal([]byte(rcptsJSON), &recipients); err != nil {
				return fmt.Errorf("stash entry %d: %w", id, err)
			}
			if err := fn(recipients, []byte(message)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (db *Store) GetChallengeRule(ctx context.Context, addr string) (postconfirm.ChallengeAction, bool, error) {
	var action string
	switch err := db.getChallengeStmt.QueryRowContext(ctx, addr).Scan(&action); err {
	case nil:
		return postconfirm.ChallengeAction(action), true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, err
	}
}

func (db *Store) ChallengePatterns(ctx context.Context) ([]postconfirm.ChallengePattern, error) {
	db.challengeMu.Lock()
	defer db.challengeMu.Unlock()
	if db.challengeCache != nil {
		return db.challengeCache, nil
	}

	rows, err := db.QueryContext(ctx, "SELECT challenge, action_to_take FROM challenges WHERE challenge_type = 'P'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []postconfirm.ChallengePattern
	for rows.Next() {
		var expr, action string
		if err := rows.Scan(&expr, &action); err != nil {
			return nil, err
		}
		pattern, err := postconfirm.NewChallengePattern(expr, postconfirm.ChallengeAction(action))
		if err != nil {
			return nil, fmt.Errorf("challenge pattern %q: %w", expr, err)
		}
		patterns = append(patterns, pattern)
	}

	db.challengeCache = patterns
	return patterns, rows.Err()
}

// SetChallengeRule inserts or replaces one challenge rule. challengeType
// is E for exact addresses, P for patterns.
func (db *Store) SetChallengeRule(ctx context.Context, addr string, action postconfirm.ChallengeAction, challengeType string) error {
	_, err := db.ExecContext(ctx, "INSERT INTO challenges (challenge, action_to_take, challenge_type) VALUES ($1, $2, $3) ON CONFLICT (challenge) DO UPDATE SET action_to_take = excluded.action_to_take, challenge_type = excluded.challenge_type", addr, string(action), challengeType)
	if err == nil && challengeType == "P" {
		db.invalidatePatterns()
	}
	return err
}
