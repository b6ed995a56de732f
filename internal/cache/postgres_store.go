package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricescout/internal/model"
)

// PostgresOptions configure NewPostgresStore.
type PostgresOptions struct {
	DSN      string
	Schema   string
	MaxConns int
	// ViaBouncer switches to the simple protocol for transaction-mode poolers.
	ViaBouncer bool
}

// PostgresStore keeps result sets in two tables. The listing-name substring
// index is a pg_trgm GIN index; upserts lock the result_sets row FOR UPDATE so
// concurrent marketplace completions for one query are serialized.
type PostgresStore struct {
	opts  Options
	pool  *pgxpool.Pool
	sets  string
	lists string
}

func NewPostgresStore(ctx context.Context, popts PostgresOptions, opts Options) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(popts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if popts.MaxConns <= 0 {
		popts.MaxConns = 4
	}
	cfg.MaxConns = int32(popts.MaxConns)
	if popts.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	schema := strings.TrimSpace(popts.Schema)
	if schema == "" {
		schema = "public"
	}
	s := &PostgresStore{
		opts:  opts.withDefaults(),
		pool:  pool,
		sets:  pgx.Identifier{schema, "result_sets"}.Sanitize(),
		lists: pgx.Identifier{schema, "result_listings"}.Sanitize(),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`CREATE TABLE IF NOT EXISTS ` + s.sets + ` (
			query       TEXT PRIMARY KEY,
			searched_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS result_sets_searched_at_idx ON ` + s.sets + ` (searched_at DESC)`,
		`CREATE TABLE IF NOT EXISTS ` + s.lists + ` (
			query       TEXT NOT NULL REFERENCES ` + s.sets + ` (query) ON DELETE CASCADE,
			position    INT NOT NULL,
			marketplace TEXT NOT NULL,
			name        TEXT NOT NULL,
			price       DOUBLE PRECISION,
			url         TEXT NOT NULL,
			image_url   TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (query, position)
		)`,
		`CREATE INDEX IF NOT EXISTS result_listings_marketplace_idx ON ` + s.lists + ` (query, marketplace)`,
		`CREATE INDEX IF NOT EXISTS result_listings_name_trgm_idx ON ` + s.lists + ` USING gin (lower(name) gin_trgm_ops)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return unavailable("migrate", err)
		}
	}
	return nil
}

func (s *PostgresStore) cutoff() time.Time { return s.opts.Now().Add(-s.opts.Retention) }

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) listings(ctx context.Context, q querier, query string) ([]model.Listing, error) {
	rows, err := q.Query(ctx, `SELECT name, price, url, image_url, marketplace FROM `+s.lists+`
		WHERE query = $1 ORDER BY position`, query)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanListing)
}

func scanListing(row pgx.CollectableRow) (model.Listing, error) {
	var l model.Listing
	err := row.Scan(&l.Name, &l.Price, &l.URL, &l.ImageURL, &l.Marketplace)
	return l, err
}

func (s *PostgresStore) Get(ctx context.Context, query string) (model.SearchResultSet, bool, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, `SELECT searched_at FROM `+s.sets+` WHERE query = $1 AND searched_at > $2`,
		query, s.cutoff()).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SearchResultSet{}, false, nil
	}
	if err != nil {
		return model.SearchResultSet{}, false, unavailable("get", err)
	}
	ls, err := s.listings(ctx, s.pool, query)
	if err != nil {
		return model.SearchResultSet{}, false, unavailable("get listings", err)
	}
	return model.NewResultSet(query, ls, at), true, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, query, marketplace string, listings []model.Listing) (UpsertResult, error) {
	if len(listings) == 0 || marketplace == "" {
		set, _, err := s.Get(ctx, query)
		return UpsertResult{Set: set}, err
	}
	now := s.opts.Now()
	var res UpsertResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO `+s.sets+` (query, searched_at) VALUES ($1, $2)
			ON CONFLICT (query) DO NOTHING`, query, now); err != nil {
			return err
		}
		var at time.Time
		if err := tx.QueryRow(ctx, `SELECT searched_at FROM `+s.sets+` WHERE query = $1 FOR UPDATE`, query).Scan(&at); err != nil {
			return err
		}
		if !at.After(s.cutoff()) {
			if _, err := tx.Exec(ctx, `DELETE FROM `+s.lists+` WHERE query = $1`, query); err != nil {
				return err
			}
		} else {
			var present bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+s.lists+` WHERE query = $1 AND marketplace = $2)`,
				query, marketplace).Scan(&present); err != nil {
				return err
			}
			if present {
				ls, err := s.listings(ctx, tx, query)
				if err != nil {
					return err
				}
				res.Set = model.NewResultSet(query, ls, at)
				return nil
			}
		}
		var next int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(position) + 1, 0) FROM `+s.lists+` WHERE query = $1`, query).Scan(&next); err != nil {
			return err
		}
		if err := s.insertListings(ctx, tx, query, marketplace, listings, next); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE `+s.sets+` SET searched_at = $2 WHERE query = $1`, query, now); err != nil {
			return err
		}
		ls, err := s.listings(ctx, tx, query)
		if err != nil {
			return err
		}
		res = UpsertResult{Appended: true, Set: model.NewResultSet(query, ls, now)}
		return nil
	})
	if err != nil {
		return UpsertResult{}, unavailable("upsert", err)
	}
	return res, nil
}

func (s *PostgresStore) insertListings(ctx context.Context, tx pgx.Tx, query, marketplace string, listings []model.Listing, start int) error {
	b := &pgx.Batch{}
	for i, l := range listings {
		if marketplace != "" {
			l.Marketplace = marketplace
		}
		b.Queue(`INSERT INTO `+s.lists+` (query, position, marketplace, name, price, url, image_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			query, start+i, l.Marketplace, l.Name, l.Price, l.URL, l.ImageURL)
	}
	br := tx.SendBatch(ctx, b)
	for range listings {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

// escapeLike escapes LIKE metacharacters using the default backslash escape.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *PostgresStore) FindSubstring(ctx context.Context, fragment string, opts FindOptions) ([]model.Listing, error) {
	fragment = strings.ToLower(strings.TrimSpace(fragment))
	if len([]rune(fragment)) < 2 {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `SELECT l.name, l.price, l.url, l.image_url, l.marketplace
		FROM `+s.lists+` l JOIN `+s.sets+` r ON r.query = l.query
		WHERE r.searched_at > $1
		  AND lower(l.name) LIKE '%' || $2 || '%'
		  AND ($3 = '' OR l.marketplace = $3)
		  AND (NOT $5::boolean OR (l.price IS NOT NULL AND l.marketplace <> ''))
		ORDER BY r.searched_at DESC, l.query, l.position
		LIMIT $4`, s.cutoff(), escapeLike(fragment), opts.Marketplace, limit, opts.PricedOnly)
	if err != nil {
		return nil, unavailable("find", err)
	}
	out, err := pgx.CollectRows(rows, scanListing)
	if err != nil {
		return nil, unavailable("find", err)
	}
	return out, nil
}

func (s *PostgresStore) queries(ctx context.Context, limit int) ([]string, error) {
	sql := `SELECT query FROM ` + s.sets + ` WHERE searched_at > $1 ORDER BY searched_at DESC, query`
	args := []any{s.cutoff()}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]model.SearchResultSet, error) {
	qs, err := s.queries(ctx, limit)
	if err != nil {
		return nil, unavailable("recent", err)
	}
	out := make([]model.SearchResultSet, 0, len(qs))
	for _, q := range qs {
		set, ok, err := s.Get(ctx, q)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, set)
		}
	}
	return out, nil
}

func (s *PostgresStore) Purge(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.sets+` WHERE searched_at <= $1`, s.cutoff())
	if err != nil {
		return 0, unavailable("purge", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Range(ctx context.Context, fn func(set model.SearchResultSet) error) error {
	qs, err := s.queries(ctx, 0)
	if err != nil {
		return unavailable("range", err)
	}
	for _, q := range qs {
		set, ok, err := s.Get(ctx, q)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(set); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the given sets wholesale; expired sets are skipped.
func (s *PostgresStore) Load(ctx context.Context, sets []model.SearchResultSet) error {
	cutoff := s.cutoff()
	for _, set := range sets {
		if set.Query == "" || !set.SearchedAt.After(cutoff) {
			continue
		}
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `DELETE FROM `+s.sets+` WHERE query = $1`, set.Query); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO `+s.sets+` (query, searched_at) VALUES ($1, $2)`, set.Query, set.SearchedAt); err != nil {
				return err
			}
			return s.insertListings(ctx, tx, set.Query, "", set.Listings, 0)
		})
		if err != nil {
			return unavailable("load", err)
		}
	}
	return nil
}
