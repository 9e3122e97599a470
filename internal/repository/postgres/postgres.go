package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timomeintjes-cmd/oreus-api/internal/domain"
	"github.com/timomeintjes-cmd/oreus-api/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DevServerRepository  = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, template, description, workspace_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.Template, project.Description, project.WorkspacePath, project.CreatedAt)
	return err
}

// GetProjectByID retrieves a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, template, description, workspace_path, created_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Template, &p.Description, &p.WorkspacePath, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, template, description, workspace_path, created_at
		FROM projects ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Template, &p.Description, &p.WorkspacePath, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project row.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertDevServer writes the current dev server record for a project.
func (r *Repository) UpsertDevServer(ctx context.Context, record domain.DevServerRecord) error {
	const query = `INSERT INTO dev_servers (project_id, state, port, process_ref, started_at, last_checked_at, detail, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (project_id) DO UPDATE SET
			state = EXCLUDED.state,
			port = EXCLUDED.port,
			process_ref = EXCLUDED.process_ref,
			started_at = EXCLUDED.started_at,
			last_checked_at = EXCLUDED.last_checked_at,
			detail = EXCLUDED.detail,
			updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, record.ProjectID, record.State, record.Port, record.ProcessRef,
		record.StartedAt, record.LastCheckedAt, record.Detail, record.UpdatedAt)
	return err
}

// GetDevServer fetches the dev server record for a project.
func (r *Repository) GetDevServer(ctx context.Context, projectID string) (*domain.DevServerRecord, error) {
	const query = `SELECT project_id, state, port, process_ref, started_at, last_checked_at, detail, updated_at
		FROM dev_servers WHERE project_id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var rec domain.DevServerRecord
	if err := row.Scan(&rec.ProjectID, &rec.State, &rec.Port, &rec.ProcessRef, &rec.StartedAt, &rec.LastCheckedAt, &rec.Detail, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListActiveDevServers returns records that currently hold a port.
func (r *Repository) ListActiveDevServers(ctx context.Context) ([]domain.DevServerRecord, error) {
	const query = `SELECT project_id, state, port, process_ref, started_at, last_checked_at, detail, updated_at
		FROM dev_servers WHERE state IN ('starting', 'running', 'stopping')`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []domain.DevServerRecord
	for rows.Next() {
		var rec domain.DevServerRecord
		if err := rows.Scan(&rec.ProjectID, &rec.State, &rec.Port, &rec.ProcessRef, &rec.StartedAt, &rec.LastCheckedAt, &rec.Detail, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateDeployment inserts a deployment, assigning the next per-project number.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, number, state, image, url, detail, started_at, updated_at)
		SELECT $1, $2, COALESCE(MAX(number), 0) + 1, $3, $4, $5, $6, $7, $8
		FROM deployments WHERE project_id = $2
		RETURNING number`
	row := r.pool.QueryRow(ctx, query, deployment.ID, deployment.ProjectID, deployment.State,
		deployment.Image, deployment.URL, deployment.Detail, deployment.StartedAt, deployment.UpdatedAt)
	return row.Scan(&deployment.Number)
}

// UpdateDeployment applies a state transition to a deployment.
func (r *Repository) UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error {
	const query = `UPDATE deployments SET
			state = $2,
			image = COALESCE(NULLIF($3, ''), image),
			url = COALESCE(NULLIF($4, ''), url),
			detail = $5,
			finished_at = COALESCE($6, finished_at),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.DeploymentID, update.State, update.Image, update.URL, update.Detail, update.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const deploymentColumns = `id, project_id, number, state, image, url, detail, started_at, finished_at, updated_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Number, &d.State, &d.Image, &d.URL, &d.Detail, &d.StartedAt, &d.FinishedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetDeployment fetches one deployment attempt by project and number.
func (r *Repository) GetDeployment(ctx context.Context, projectID string, number int64) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE project_id = $1 AND number = $2`
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID, number))
}

// GetActiveDeployment returns the non-terminal deployment for a project, if any.
func (r *Repository) GetActiveDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND state NOT IN ('succeeded', 'failed', 'rolled_back')
		ORDER BY number DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID))
}

// GetLastSucceededDeployment returns the most recent succeeded deployment.
func (r *Repository) GetLastSucceededDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND state = 'succeeded'
		ORDER BY number DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID))
}

// ListDeploymentsByProject returns recent deployments, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 ORDER BY number DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Number, &d.State, &d.Image, &d.URL, &d.Detail, &d.StartedAt, &d.FinishedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}
