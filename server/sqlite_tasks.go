package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateProject inserts a project and records ownerID as its owner.
func (s *SQLiteStore) CreateProject(ctx context.Context, p Project, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, created_by, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, nullString(p.Description), p.CreatedBy, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("creating project: %w", err)
	}

	if ownerID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id, role, assigned_at) VALUES (?, ?, 'owner', ?)
			ON CONFLICT (project_id, user_id) DO NOTHING
		`, p.ID, ownerID, toMillis(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("adding project owner: %w", err)
		}
	}

	return tx.Commit()
}

const projectColumns = "p.id, p.name, p.description, p.created_by, p.created_at, p.updated_at"

func scanProject(sc interface{ Scan(...any) error }, extra ...any) (Project, error) {
	var p Project
	var desc sql.NullString
	var createdAt, updatedAt int64
	dest := append([]any{&p.ID, &p.Name, &desc, &p.CreatedBy, &createdAt, &updatedAt}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return Project{}, err
	}
	p.Description = desc.String
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

// ListProjects returns projects newest first with their member counts.
func (s *SQLiteStore) ListProjects(ctx context.Context, memberID string) ([]ProjectSummary, error) {
	query := `SELECT ` + projectColumns + `, COUNT(pm.user_id) FROM projects p
		LEFT JOIN project_members pm ON pm.project_id = p.id`
	var args []any
	if memberID != "" {
		query += ` WHERE EXISTS (SELECT 1 FROM project_members me WHERE me.project_id = p.id AND me.user_id = ?)`
		args = append(args, memberID)
	}
	query += ` GROUP BY p.id ORDER BY p.created_at DESC, p.name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	out := []ProjectSummary{}
	for rows.Next() {
		var ps ProjectSummary
		p, err := scanProject(rows, &ps.MemberCount)
		if err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		ps.Project = p
		out = append(out, ps)
	}
	return out, rows.Err()
}

// GetProject returns a project with members, tasks and task counts by status.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (ProjectDetail, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectDetail{}, ErrNotFound
	}
	if err != nil {
		return ProjectDetail{}, fmt.Errorf("loading project: %w", err)
	}
	detail := ProjectDetail{Project: p, Members: []ProjectMember{}, TaskCounts: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.username, pm.role, pm.assigned_at
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id = ?
		ORDER BY pm.assigned_at ASC
	`, id)
	if err != nil {
		return ProjectDetail{}, fmt.Errorf("listing members: %w", err)
	}
	for rows.Next() {
		var m ProjectMember
		var assigned int64
		if err := rows.Scan(&m.UserID, &m.Name, &m.Username, &m.Role, &assigned); err != nil {
			rows.Close()
			return ProjectDetail{}, fmt.Errorf("scanning member: %w", err)
		}
		m.AssignedAt = fromMillis(assigned)
		detail.Members = append(detail.Members, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ProjectDetail{}, fmt.Errorf("listing members: %w", err)
	}

	detail.Tasks, err = s.ListTasks(ctx, TaskFilter{ProjectID: id})
	if err != nil {
		return ProjectDetail{}, err
	}
	for _, t := range detail.Tasks {
		detail.TaskCounts[t.Status]++
	}
	return detail, nil
}

// DeleteProject removes a project with its memberships and tasks.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	return expectOneRow(res)
}

// ProjectRole reports the membership role of a user in a project.
func (s *SQLiteStore) ProjectRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id = ? AND user_id = ?
	`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading membership: %w", err)
	}
	return role, nil
}

// SetProjectMember adds a member or changes the role of an existing one.
func (s *SQLiteStore) SetProjectMember(ctx context.Context, projectID, userID, role string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role, assigned_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = excluded.role, assigned_at = excluded.assigned_at
	`, projectID, userID, role, toMillis(now))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("setting project member: %w", err)
	}
	return nil
}

// RemoveProjectMember deletes a membership.
func (s *SQLiteStore) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = ? AND user_id = ?`, projectID, userID)
	if err != nil {
		return fmt.Errorf("removing project member: %w", err)
	}
	return expectOneRow(res)
}

const taskColumns = "id, project_id, title, description, status, priority, assigned_to, created_by, due_date, completed_at, created_at, updated_at"

func scanTask(sc interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var desc, assigned, due sql.NullString
	var completed sql.NullInt64
	var createdAt, updatedAt int64
	err := sc.Scan(&t.ID, &t.ProjectID, &t.Title, &desc, &t.Status, &t.Priority, &assigned, &t.CreatedBy, &due,
		&completed, &createdAt, &updatedAt)
	if err != nil {
		return Task{}, err
	}
	t.Description = desc.String
	t.AssignedTo = assigned.String
	t.DueDate = due.String
	if completed.Valid {
		c := fromMillis(completed.Int64)
		t.CompletedAt = &c
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

// CreateTask inserts a task.
func (s *SQLiteStore) CreateTask(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`, t.ID, t.ProjectID, t.Title, nullString(t.Description), t.Status, t.Priority, nullString(t.AssignedTo),
		t.CreatedBy, nullString(t.DueDate), toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("project %s: %w", t.ProjectID, ErrNotFound)
		}
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// ListTasks returns tasks matching filter, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if filter.MemberID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM project_members pm WHERE pm.project_id = tasks.project_id AND pm.user_id = ?)")
		args = append(args, filter.MemberID)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.Unassigned {
		where = append(where, "assigned_to IS NULL")
	}
	if filter.Open {
		where = append(where, "status NOT IN ('completed', 'cancelled')")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTask returns a task with its comments and dependency edges.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (TaskDetail, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return TaskDetail{}, ErrNotFound
	}
	if err != nil {
		return TaskDetail{}, fmt.Errorf("loading task: %w", err)
	}
	detail := TaskDetail{Task: t, Comments: []TaskComment{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, content, created_by, created_at FROM task_comments
		WHERE task_id = ? ORDER BY created_at ASC, rowid ASC
	`, id)
	if err != nil {
		return TaskDetail{}, fmt.Errorf("listing comments: %w", err)
	}
	for rows.Next() {
		var c TaskComment
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Content, &c.CreatedBy, &createdAt); err != nil {
			rows.Close()
			return TaskDetail{}, fmt.Errorf("scanning comment: %w", err)
		}
		c.CreatedAt = fromMillis(createdAt)
		detail.Comments = append(detail.Comments, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return TaskDetail{}, fmt.Errorf("listing comments: %w", err)
	}

	if detail.Blocks, err = s.taskIDs(ctx, `SELECT blocked_task_id FROM task_dependencies WHERE task_id = ? ORDER BY blocked_task_id`, id); err != nil {
		return TaskDetail{}, err
	}
	if detail.BlockedBy, err = s.taskIDs(ctx, `SELECT task_id FROM task_dependencies WHERE blocked_task_id = ? ORDER BY task_id`, id); err != nil {
		return TaskDetail{}, err
	}
	return detail, nil
}

func (s *SQLiteStore) taskIDs(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("listing dependencies: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning dependency: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) reloadTask(ctx context.Context, res sql.Result, id string) (Task, error) {
	if err := expectOneRow(res); err != nil {
		return Task{}, err
	}
	detail, err := s.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	return detail.Task, nil
}

// UpdateTask applies the non-nil fields of upd.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, upd TaskUpdate, now time.Time) (Task, error) {
	sets := []string{"updated_at = ?"}
	args := []any{toMillis(now)}
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullString(*upd.Description))
	}
	if upd.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *upd.Priority)
	}
	if upd.DueDate != nil {
		sets = append(sets, "due_date = ?")
		args = append(args, nullString(*upd.DueDate))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return Task{}, fmt.Errorf("updating task: %w", err)
	}
	return s.reloadTask(ctx, res, id)
}

// AssignTask sets the assignee; an empty userID unassigns.
func (s *SQLiteStore) AssignTask(ctx context.Context, id, userID string, now time.Time) (Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET assigned_to = ?, updated_at = ? WHERE id = ?
	`, nullString(userID), toMillis(now), id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return Task{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return Task{}, fmt.Errorf("assigning task: %w", err)
	}
	return s.reloadTask(ctx, res, id)
}

// SetTaskStatus updates the status; completing a task stamps completed_at, any other status clears it.
func (s *SQLiteStore) SetTaskStatus(ctx context.Context, id, status string, now time.Time) (Task, error) {
	var completed sql.NullInt64
	if status == TaskCompleted {
		completed = nullMillis(now)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?
	`, status, completed, toMillis(now), id)
	if err != nil {
		return Task{}, fmt.Errorf("updating task status: %w", err)
	}
	return s.reloadTask(ctx, res, id)
}

// DeleteTask removes a task with its comments and dependency edges.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	return expectOneRow(res)
}

// AddTaskComment appends a comment to a task.
func (s *SQLiteStore) AddTaskComment(ctx context.Context, c TaskComment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_comments (id, task_id, content, created_by, created_at) VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.TaskID, c.Content, c.CreatedBy, toMillis(c.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("task %s: %w", c.TaskID, ErrNotFound)
		}
		return fmt.Errorf("adding comment: %w", err)
	}
	return nil
}

// SetTaskDependencies replaces the tasks blocked by id in one transaction.
func (s *SQLiteStore) SetTaskDependencies(ctx context.Context, id string, blocks []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set dependencies: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("loading task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("clearing dependencies: %w", err)
	}
	for _, blocked := range blocks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, blocked_task_id) VALUES (?, ?)
			ON CONFLICT (task_id, blocked_task_id) DO NOTHING
		`, id, blocked)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("task %s: %w", blocked, ErrNotFound)
			}
			return fmt.Errorf("adding dependency: %w", err)
		}
	}
	return tx.Commit()
}

// Dashboard counts tasks by status, overdue and due within a day, plus projects and
// active users. Due dates are compared as YYYY-MM-DD strings in UTC.
func (s *SQLiteStore) Dashboard(ctx context.Context, memberID string, now time.Time) (DashboardStats, error) {
	var st DashboardStats
	today := now.UTC().Format(time.DateOnly)
	tomorrow := now.UTC().Add(24 * time.Hour).Format(time.DateOnly)

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'in_progress'), 0),
			COALESCE(SUM(status = 'completed'), 0),
			COALESCE(SUM(status = 'cancelled'), 0),
			COALESCE(SUM(due_date IS NOT NULL AND due_date < ? AND status NOT IN ('completed', 'cancelled')), 0),
			COALESCE(SUM(due_date IS NOT NULL AND due_date >= ? AND due_date <= ? AND status NOT IN ('completed', 'cancelled')), 0)
		FROM tasks t
		WHERE ? = '' OR EXISTS (SELECT 1 FROM project_members pm WHERE pm.project_id = t.project_id AND pm.user_id = ?)
	`, today, today, tomorrow, memberID, memberID).Scan(
		&st.Tasks.Total, &st.Tasks.Pending, &st.Tasks.InProgress, &st.Tasks.Completed, &st.Tasks.Cancelled,
		&st.Tasks.Overdue, &st.Tasks.DueSoon,
	)
	if err != nil {
		return st, fmt.Errorf("counting tasks: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM projects p
		WHERE ? = '' OR EXISTS (SELECT 1 FROM project_members pm WHERE pm.project_id = p.id AND pm.user_id = ?)
	`, memberID, memberID).Scan(&st.Projects.Total)
	if err != nil {
		return st, fmt.Errorf("counting projects: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE confirmed = 1 AND disabled = 0`).Scan(&st.Users.Total)
	if err != nil {
		return st, fmt.Errorf("counting users: %w", err)
	}
	return st, nil
}

// LogActivity appends to the capped activity log.
func (s *SQLiteStore) LogActivity(ctx context.Context, e ActivityEntry) error {
	summary := truncateUTF8(e.InputSummary, activitySummaryLimit)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, user_id, agent_label, tool_name, input_summary, success, error_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, nullString(e.UserID), nullString(e.AgentLabel), e.ToolName, nullString(summary), boolInt(e.Success),
		nullString(e.ErrorMsg), toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}

// ListActivity returns the newest entries first.
func (s *SQLiteStore) ListActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_label, tool_name, input_summary, success, error_msg, created_at
		FROM activity_log ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var userID, label, summary, errMsg sql.NullString
		var success int
		var createdAt int64
		if err := rows.Scan(&e.ID, &userID, &label, &e.ToolName, &summary, &success, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		e.UserID = userID.String
		e.AgentLabel = label.String
		e.InputSummary = summary.String
		e.Success = success == 1
		e.ErrorMsg = errMsg.String
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
