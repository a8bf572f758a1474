package store

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/Popie52/batchqueue/internal/model"
)

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db: db,
	}
}

// OpenPostgres connects with the lib/pq driver and checks the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "pinging postgres")
	}
	return db, nil
}

func (s *PostgresJobStore) Save(ctx context.Context, job model.JobDetail) error {
	detail, err := json.Marshal(job)
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id,
			queue,
			status,
			created_at,
			seq,
			detail
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			detail = EXCLUDED.detail,
			updated_at = now()
	`,
		job.JobID,
		job.JobQueue,
		string(job.Status),
		job.CreatedAt,
		int64(job.Seq),
		detail,
	)

	return errors.WithStack(err)
}

func (s *PostgresJobStore) Load(ctx context.Context) ([]model.JobDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT detail
		FROM jobs
		ORDER BY seq
	`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var jobs []model.JobDetail

	for rows.Next() {
		var (
			j      model.JobDetail
			detail []byte
		)

		if err := rows.Scan(&detail); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(detail, &j); err != nil {
			return nil, errors.Wrap(err, "decoding job detail")
		}

		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	return jobs, nil
}

func (s *PostgresJobStore) Remove(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id = $1
	`, jobID)
	return errors.WithStack(err)
}
