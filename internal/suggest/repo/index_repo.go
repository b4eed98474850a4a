package repo

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-adlookup/internal/suggest"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/database"
)

const table = "users"

// IndexRepo is the relational username index behind suggestions. Postgres
// and SQLite are supported; both compare usernames by byte order.
type IndexRepo struct {
	db     *sqlx.DB
	sqlite bool
	sb     sq.StatementBuilderType
}

func NewIndexRepo(db *sqlx.DB) *IndexRepo {
	sqlite := db.DriverName() == database.DriverSQLite
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	if sqlite {
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Question)
	}
	return &IndexRepo{db: db, sqlite: sqlite, sb: sb}
}

// EnsureTable creates the username table if not exists (idempotent).
// The "C" collation keeps ORDER BY and BETWEEN in byte order.
func (r *IndexRepo) EnsureTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS users (
  username TEXT COLLATE "C" PRIMARY KEY
)`
	if r.sqlite {
		ddl = `CREATE TABLE IF NOT EXISTS users (
  username TEXT PRIMARY KEY
)`
	}
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Upsert adds usernames, ignoring ones already present.
func (r *IndexRepo) Upsert(ctx context.Context, usernames ...string) error {
	if len(usernames) == 0 {
		return nil
	}
	b := r.sb.Insert(table).Columns("username")
	for _, u := range usernames {
		b = b.Values(u)
	}
	query, args, err := b.Suffix("ON CONFLICT (username) DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert usernames: %w", err)
	}
	return nil
}

// Acquire pins one pooled connection for the duration of a search.
func (r *IndexRepo) Acquire(ctx context.Context) (suggest.IndexConn, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	return &indexConn{repo: r, conn: conn}, nil
}

func (r *IndexRepo) pageQuery(q suggest.PageQuery) (string, []any, error) {
	match := "username ILIKE ? ESCAPE '\\'"
	if r.sqlite {
		// SQLite LIKE already ignores ASCII case
		match = "username LIKE ? ESCAPE '\\'"
	}
	b := r.sb.Select("username").
		From(table).
		Where(sq.Expr(match, escapeLike(q.Prefix)+"%"))
	for _, ex := range q.Exclusions {
		b = b.Where(sq.Expr("username NOT BETWEEN ? AND ?", ex.Start, ex.End))
	}
	return b.OrderBy("username").
		Limit(uint64(q.Limit)).
		Offset(uint64(q.Offset)).
		ToSql()
}

type indexConn struct {
	repo *IndexRepo
	conn *sqlx.Conn
}

func (c *indexConn) Page(ctx context.Context, q suggest.PageQuery) ([]string, error) {
	query, args, err := c.repo.pageQuery(q)
	if err != nil {
		return nil, fmt.Errorf("build page query: %w", err)
	}
	rows := []string{}
	if err := c.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select page: %w", err)
	}
	return rows, nil
}

func (c *indexConn) Close() error { return c.conn.Close() }

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes prefix match literally inside a LIKE pattern.
func escapeLike(prefix string) string {
	return likeEscaper.Replace(prefix)
}
