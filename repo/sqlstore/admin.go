package sqlstore

import (
	"context"
	"time"

	postconfirm "github.com/ietf-tools/postconfirm"
)

// Maintenance operations used by the postconfirmctl utility. They run
// against the same database as the daemon and are safe to run while it is
// serving.

const sqlTimeLayout = "2006-01-02 15:04:05"

// PurgeStash deletes runtime stash entries older than ttl, then marks
// senders stuck in confirm with nothing left to release as expired.
// Expired senders lose their references, so the next message starts a
// fresh challenge. With dryRun the counts are reported but nothing is
// changed.
func (db *Store) PurgeStash(ctx context.Context, ttl time.Duration, dryRun bool) (purged, expired int64, err error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(sqlTimeLayout)

	if dryRun {
		err = db.QueryRowContext(ctx, "SELECT COUNT(1) FROM stash WHERE created < $1", cutoff).Scan(&purged)
		if err != nil {
			return 0, 0, err
		}
		err = db.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM senders
			WHERE action = 'confirm' AND type = 'E'
			AND sender NOT IN (SELECT sender FROM stash WHERE created >= $1)
			AND sender NOT IN (SELECT sender FROM stash_static)`, cutoff).Scan(&expired)
		return purged, expired, err
	}

	result, err := db.ExecContext(ctx, "DELETE FROM stash WHERE created < $1", cutoff)
	if err != nil {
		return 0, 0, err
	}
	purged, _ = result.RowsAffected()

	result, err = db.ExecContext(ctx, `
		UPDATE senders SET action = 'expired', ref = NULL
		WHERE action = 'confirm' AND type = 'E'
		AND sender NOT IN (SELECT sender FROM stash)
		AND sender NOT IN (SELECT sender FROM stash_static)`)
	if err != nil {
		return purged, 0, err
	}
	expired, _ = result.RowsAffected()
	return purged, expired, nil
}

// StaticRecord is one row of the offline sender list. RecordType is E for
// an exact address, P for a pattern.
type StaticRecord struct {
	Sender     string
	Action     postconfirm.Action
	References []string
	RecordType string
	Source     string
}

// LoadStatic replaces the whole static sender table in one transaction.
func (db *Store) LoadStatic(ctx context.Context, records []StaticRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM senders_static"); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO senders_static (sender, action, ref, type, source) VALUES ($1, $2, $3, $4, $5)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.Sender, rec.Action, encodeRefs(rec.References), rec.RecordType, rec.Source); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	db.invalidatePatterns()
	return nil
}

// DumpConfirmed calls fn once per accepted sender address, runtime and
// static tables combined, in address order.
func (db *Store) DumpConfirmed(ctx context.Context, fn func(sender string) error) error {
	rows, err := db.QueryContext(ctx, `
		SELECT sender FROM senders WHERE action = 'accept' AND type = 'E'
		UNION
		SELECT sender FROM senders_static WHERE action = 'accept' AND type = 'E'
		ORDER BY sender`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return err
		}
		if err := fn(sender); err != nil {
			return err
		}
	}
	return rows.Err()
}
