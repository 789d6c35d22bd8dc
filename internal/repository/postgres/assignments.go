package postgres

import (
	"context"

	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/repository"
)

// ClaimAssignment atomically claims ownership of a group. The unique
// constraint on group_id makes concurrent claims race-free: the losing
// writer observes ErrConflict and retries on its next reconcile cycle.
func (r *Repository) ClaimAssignment(ctx context.Context, groupID, instanceID string) error {
	const query = `INSERT INTO assignments (group_id, instance_id)
		VALUES ($1, $2)
		ON CONFLICT (group_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, groupID, instanceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// ReleaseAssignment removes the ownership row for a group. Releasing an
// unassigned group is a no-op.
func (r *Repository) ReleaseAssignment(ctx context.Context, groupID string) error {
	const query = `DELETE FROM assignments WHERE group_id = $1`
	_, err := r.pool.Exec(ctx, query, groupID)
	return err
}

// ListAssignmentsForInstance returns the groups owned by one instance.
func (r *Repository) ListAssignmentsForInstance(ctx context.Context, instanceID string) ([]domain.Assignment, error) {
	const query = `SELECT id, group_id, instance_id, assigned_at FROM assignments WHERE instance_id = $1`
	return r.queryAssignments(ctx, query, instanceID)
}

// ListAssignments returns every current assignment.
func (r *Repository) ListAssignments(ctx context.Context) ([]domain.Assignment, error) {
	const query = `SELECT id, group_id, instance_id, assigned_at FROM assignments`
	return r.queryAssignments(ctx, query)
}

func (r *Repository) queryAssignments(ctx context.Context, query string, args ...any) ([]domain.Assignment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		if err := rows.Scan(&a.ID, &a.GroupID, &a.InstanceID, &a.AssignedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}
