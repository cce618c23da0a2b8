// internal/repository/pg/audit.go
package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/r2r72/pf-agg-v1/internal/service/brokerage"
)

// AuditRepository пишет попытки входа в auth.login_attempts.
// Реализует brokerage.AuditLog.
type AuditRepository struct {
	db *pgxpool.Pool
}

func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Record(ctx context.Context, a brokerage.Attempt) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO auth.login_attempts (brokerage, username, ip_address, success, failure_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		string(a.Brokerage), a.Username, a.IP, a.Success, a.Reason,
	)
	return err
}
