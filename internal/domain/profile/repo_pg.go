package profile

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const profileCols = `id, first_name, last_name, email, avatar_url, role, created_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Email, &p.AvatarURL, &p.Role, &p.CreatedAt)
	return &p, err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Profile, error) {
	p, err := scanProfile(r.conn(ctx).QueryRow(ctx, `SELECT `+profileCols+` FROM profiles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("profile %s not found", id)
	}
	if err != nil {
		return nil, apperror.Store(err, "get profile")
	}
	return p, nil
}

func (r *repoPG) ListByRoles(ctx context.Context, roles []string) ([]*Profile, error) {
	return r.list(ctx, `SELECT `+profileCols+` FROM profiles WHERE role = ANY($1) ORDER BY created_at, id`, roles)
}

func (r *repoPG) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.list(ctx, `SELECT `+profileCols+` FROM profiles WHERE id = ANY($1)`, ids)
}

func (r *repoPG) list(ctx context.Context, query string, arg interface{}) ([]*Profile, error) {
	rows, err := r.conn(ctx).Query(ctx, query, arg)
	if err != nil {
		return nil, apperror.Store(err, "list profiles")
	}
	defer rows.Close()
	var items []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, apperror.Store(err, "scan profile")
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Store(err, "list profiles")
	}
	return items, nil
}
