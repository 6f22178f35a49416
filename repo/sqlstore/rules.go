package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	postconfirm "github.com/ietf-tools/postconfirm"
)

// QueryRules serves challenge rules out of an external database, for
// example the mailing list manager's own subscriber tables. ActionQuery
// gets the recipient's local part and domain as $1 and $2 and returns at
// most one action; PatternQuery takes no arguments and returns rows of
// (pattern, action). Either query may be empty.
type QueryRules struct {
	Name string

	db           *sql.DB
	actionQuery  string
	patternQuery string
}

func OpenQueryRules(name, driver, dsn, actionQuery, patternQuery string) (*QueryRules, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("challenge source %s: %w", name, err)
	}
	return &QueryRules{
		Name:         name,
		db:           db,
		actionQuery:  actionQuery,
		patternQuery: patternQuery,
	}, nil
}

func (q *QueryRules) GetChallengeRule(ctx context.Context, addr string) (postconfirm.ChallengeAction, bool, error) {
	if q.actionQuery == "" {
		return "", false, nil
	}
	local, domain := addr, ""
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		local, domain = addr[:at], addr[at+1:]
	}
	var action string
	switch err := q.db.QueryRowContext(ctx, q.actionQuery, local, domain).Scan(&action); err {
	case nil:
		return postconfirm.ChallengeAction(action), true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("challenge source %s: %w", q.Name, err)
	}
}

func (q *QueryRules) ChallengePatterns(ctx context.Context) ([]postconfirm.ChallengePattern, error) {
	if q.patternQuery == "" {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx, q.patternQuery)
	if err != nil {
		return nil, fmt.Errorf("challenge source %s: %w", q.Name, err)
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
			return nil, fmt.Errorf("challenge source %s: pattern %q: %w", q.Name, expr, err)
		}
		patterns = append(patterns, pattern)
	}
	return patterns, rows.Err()
}

func (q *QueryRules) Close() error {
	return q.db.Close()
}
