package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"oeecast/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS machines (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	site       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS production_records (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	machine_id   TEXT NOT NULL,
	date         TEXT NOT NULL,
	output       DOUBLE PRECISION NOT NULL,
	downtime     DOUBLE PRECISION NOT NULL,
	efficiency   DOUBLE PRECISION NOT NULL,
	quality_rate DOUBLE PRECISION NOT NULL,
	oee          DOUBLE PRECISION NOT NULL,
	availability DOUBLE PRECISION NOT NULL,
	performance  DOUBLE PRECISION NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (machine_id, date)
);
CREATE TABLE IF NOT EXISTS predictions (
	seq                  BIGSERIAL PRIMARY KEY,
	id                   TEXT NOT NULL,
	machine_id           TEXT NOT NULL,
	date                 TEXT NOT NULL,
	predicted_efficiency DOUBLE PRECISION NOT NULL,
	predicted_oee        DOUBLE PRECISION NOT NULL,
	confidence           DOUBLE PRECISION NOT NULL,
	model_version        TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS predictions_machine_date ON predictions (machine_id, date);
CREATE TABLE IF NOT EXISTS maintenance_logs (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	duration   DOUBLE PRECISION NOT NULL,
	technician TEXT NOT NULL,
	notes      TEXT NOT NULL,
	date       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS maintenance_logs_date ON maintenance_logs (date);
`

const recordColumns = `id, machine_id, date, output, downtime, efficiency, quality_rate, oee, availability, performance, created_at`

// PostgresStore keeps records, machines and predictions in three tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) InsertRecord(ctx context.Context, r model.ProductionRecord) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO production_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (machine_id, date) DO NOTHING`,
		r.ID, r.MachineID, r.Date, r.Output, r.Downtime, r.Efficiency, r.QualityRate,
		r.OEE, r.Availability, r.Performance, r.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return duplicateRecord(r.MachineID, r.Date)
	}
	return nil
}

func (p *PostgresStore) HasRecord(ctx context.Context, machineID, date string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM production_records WHERE machine_id = $1 AND date = $2)`,
		machineID, date,
	).Scan(&ok)
	return ok, err
}

func scanRecords(rows pgx.Rows) ([]model.ProductionRecord, error) {
	defer rows.Close()
	out := []model.ProductionRecord{}
	for rows.Next() {
		var r model.ProductionRecord
		if err := rows.Scan(&r.ID, &r.MachineID, &r.Date, &r.Output, &r.Downtime, &r.Efficiency,
			&r.QualityRate, &r.OEE, &r.Availability, &r.Performance, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindRecords(ctx context.Context, q Query) ([]model.ProductionRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM production_records
		WHERE ($1 = '' OR machine_id = $1) AND ($2 = '' OR date >= $2)
		ORDER BY seq
		LIMIT NULLIF($3::int, 0)`,
		q.MachineID, q.Since, q.Limit,
	)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (p *PostgresStore) FindRecent(ctx context.Context, machineID string, limit int) ([]model.ProductionRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM production_records
		WHERE machine_id = $1
		ORDER BY date DESC
		LIMIT NULLIF($2::int, 0)`,
		machineID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (p *PostgresStore) InsertMachine(ctx context.Context, m model.Machine) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO machines (id, name, type, site, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Name, m.Type, m.Site, m.Status, m.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return duplicateMachine(m.ID)
	}
	return nil
}

func (p *PostgresStore) GetMachine(ctx context.Context, id string) (model.Machine, error) {
	var m model.Machine
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, type, site, status, created_at FROM machines WHERE id = $1`, id,
	).Scan(&m.ID, &m.Name, &m.Type, &m.Site, &m.Status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Machine{}, machineNotFound(id)
	}
	return m, err
}

func (p *PostgresStore) ListMachines(ctx context.Context) ([]model.Machine, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, type, site, status, created_at FROM machines ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Machine{}
	for rows.Next() {
		var m model.Machine
		if err := rows.Scan(&m.ID, &m.Name, &m.Type, &m.Site, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountMachines(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM machines`).Scan(&n)
	return n, err
}

func (p *PostgresStore) InsertPredictions(ctx context.Context, ps []model.Prediction) error {
	if len(ps) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, pr := range ps {
			batch.Queue(`
				INSERT INTO predictions (id, machine_id, date, predicted_efficiency, predicted_oee, confidence, model_version, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				pr.ID, pr.MachineID, pr.Date, pr.PredictedEfficiency, pr.PredictedOEE,
				pr.Confidence, pr.ModelVersion, pr.CreatedAt,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (p *PostgresStore) FindPredictions(ctx context.Context, machineID string, limit int) ([]model.Prediction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, machine_id, date, predicted_efficiency, predicted_oee, confidence, model_version, created_at
		FROM predictions
		WHERE machine_id = $1
		ORDER BY date, seq
		LIMIT NULLIF($2::int, 0)`,
		machineID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Prediction{}
	for rows.Next() {
		var pr model.Prediction
		if err := rows.Scan(&pr.ID, &pr.MachineID, &pr.Date, &pr.PredictedEfficiency, &pr.PredictedOEE,
			&pr.Confidence, &pr.ModelVersion, &pr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertMaintenance(ctx context.Context, l model.MaintenanceLog) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO maintenance_logs (id, machine_id, type, duration, technician, notes, date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.MachineID, l.Type, l.Duration, l.Technician, l.Notes, l.Date, l.CreatedAt,
	)
	return err
}

func (p *PostgresStore) FindMaintenance(ctx context.Context, limit int) ([]model.MaintenanceLog, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, machine_id, type, duration, technician, notes, date, created_at
		FROM maintenance_logs
		ORDER BY date DESC, seq DESC
		LIMIT NULLIF($1::int, 0)`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.MaintenanceLog{}
	for rows.Next() {
		var l model.MaintenanceLog
		if err := rows.Scan(&l.ID, &l.MachineID, &l.Type, &l.Duration, &l.Technician, &l.Notes,
			&l.Date, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
