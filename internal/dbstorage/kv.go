package dbstorage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// The metadata schema is two generic tables: namespaced hashes (one value per
// field) and namespaced sets. Every operation touches a single key.
const schema = `
	CREATE TABLE IF NOT EXISTS kv_hash (
		namespace TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (namespace, field)
	);
	CREATE TABLE IF NOT EXISTS kv_set (
		namespace TEXT NOT NULL,
		member TEXT NOT NULL,
		PRIMARY KEY (namespace, member)
	);
`

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// rebind rewrites ? placeholders into $n for postgres.
func rebind(d dialect, query string) string {
	if d != dialectPostgres {
		return query
	}
	var out strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func (s *Storage) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialise metadata schema: %w", err)
		}
	}
	return nil
}

func (s *Storage) hashSet(ctx context.Context, namespace, field, value string) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO kv_hash (namespace, field, value) VALUES (?, ?, ?)
		ON CONFLICT (namespace, field) DO UPDATE SET value = excluded.value
	`), namespace, field, value)
	if err != nil {
		return fmt.Errorf("set %s[%s]: %w", namespace, field, err)
	}
	return nil
}

// hashSetIfAbsent reports whether the value was written.
func (s *Storage) hashSetIfAbsent(ctx context.Context, namespace, field, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO kv_hash (namespace, field, value) VALUES (?, ?, ?)
		ON CONFLICT (namespace, field) DO NOTHING
	`), namespace, field, value)
	if err != nil {
		return false, fmt.Errorf("set %s[%s]: %w", namespace, field, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set %s[%s]: %w", namespace, field, err)
	}
	return n > 0, nil
}

func (s *Storage) hashGet(ctx context.Context, namespace, field string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT value FROM kv_hash WHERE namespace = ? AND field = ?
	`), namespace, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s[%s]: %w", namespace, field, err)
	}
	return value, true, nil
}

func (s *Storage) hashGetAll(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
		SELECT field, value FROM kv_hash WHERE namespace = ?
	`), namespace)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", namespace, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		out[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", namespace, err)
	}
	return out, nil
}

func (s *Storage) setAdd(ctx context.Context, namespace, member string) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO kv_set (namespace, member) VALUES (?, ?)
		ON CONFLICT (namespace, member) DO NOTHING
	`), namespace, member)
	if err != nil {
		return fmt.Errorf("add %q to %s: %w", member, namespace, err)
	}
	return nil
}

func (s *Storage) setMembers(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
		SELECT member FROM kv_set WHERE namespace = ? ORDER BY member ASC
	`), namespace)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", namespace, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		out = append(out, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", namespace, err)
	}
	return out, nil
}
