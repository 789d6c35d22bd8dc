package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/repository"
)

// RegisterWorker creates or resumes an instance registration. Registering an
// existing name in a non-terminal state is treated as a resume.
func (r *Repository) RegisterWorker(ctx context.Context, instance *domain.WorkerInstance) error {
	const query = `INSERT INTO worker_instances (instance_name, hostname, process_id, status, max_groups, assigned_groups, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (instance_name) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			process_id = EXCLUDED.process_id,
			status = EXCLUDED.status,
			max_groups = EXCLUDED.max_groups,
			assigned_groups = EXCLUDED.assigned_groups,
			version = EXCLUDED.version,
			last_heartbeat = now(),
			started_at = now()
		RETURNING id`
	assigned := instance.AssignedGroups
	if assigned == nil {
		assigned = []string{}
	}
	row := r.pool.QueryRow(ctx, query, instance.Name, instance.Hostname, instance.PID,
		instance.Status, instance.MaxGroups, assigned, instance.Version)
	return row.Scan(&instance.ID)
}

// HeartbeatWorker refreshes the liveness row for an instance.
func (r *Repository) HeartbeatWorker(ctx context.Context, hb domain.Heartbeat) error {
	const query = `UPDATE worker_instances SET last_heartbeat = $2, status = $3, cpu_percent = $4,
			memory_mb = $5, current_groups = $6, assigned_groups = $7
		WHERE instance_name = $1`
	assigned := hb.AssignedGroups
	if assigned == nil {
		assigned = []string{}
	}
	tag, err := r.pool.Exec(ctx, query, hb.InstanceName, hb.At, hb.Status, hb.CPUPercent,
		hb.MemoryMB, hb.CurrentGroups, assigned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const workerColumns = `id, instance_name, hostname, process_id, status, max_groups, current_groups,
	cpu_percent, memory_mb, assigned_groups, last_heartbeat, started_at, version`

func scanWorker(row pgx.Row) (*domain.WorkerInstance, error) {
	var w domain.WorkerInstance
	err := row.Scan(&w.ID, &w.Name, &w.Hostname, &w.PID, &w.Status, &w.MaxGroups, &w.CurrentGroups,
		&w.CPUPercent, &w.MemoryMB, &w.AssignedGroups, &w.LastHeartbeat, &w.StartedAt, &w.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetWorkerByName fetches an instance by its unique name.
func (r *Repository) GetWorkerByName(ctx context.Context, name string) (*domain.WorkerInstance, error) {
	const query = `SELECT ` + workerColumns + ` FROM worker_instances WHERE instance_name = $1`
	return scanWorker(r.pool.QueryRow(ctx, query, name))
}

// ListWorkers returns all registered instances.
func (r *Repository) ListWorkers(ctx context.Context) ([]domain.WorkerInstance, error) {
	const query = `SELECT ` + workerColumns + ` FROM worker_instances ORDER BY started_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []domain.WorkerInstance
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// MarkWorkerStopped transitions an instance to its terminal state.
func (r *Repository) MarkWorkerStopped(ctx context.Context, name string) error {
	const query = `UPDATE worker_instances SET status = 'stopped', current_groups = 0, assigned_groups = '{}'
		WHERE instance_name = $1`
	_, err := r.pool.Exec(ctx, query, name)
	return err
}
