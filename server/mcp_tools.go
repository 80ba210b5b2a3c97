package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// requireMember fails with ErrNotFound unless p belongs to the project, so projects
// outside the caller's membership are indistinguishable from missing ones.
func (m *MCPService) requireMember(ctx context.Context, p Principal, projectID string) (string, error) {
	role, err := m.store.ProjectRole(ctx, projectID, p.User.ID)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return role, err
}

// memberTask loads a task the caller can see through project membership.
func (m *MCPService) memberTask(ctx context.Context, p Principal, taskID string) (TaskDetail, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err == nil {
		_, err = m.store.ProjectRole(ctx, task.ProjectID, p.User.ID)
	}
	if errors.Is(err, ErrNotFound) {
		return TaskDetail{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return TaskDetail{}, err
	}
	return task, nil
}

// checkAssignee accepts only confirmed, enabled users who belong to the project.
func (m *MCPService) checkAssignee(ctx context.Context, projectID, userID string) error {
	u, err := m.store.GetUser(ctx, userID)
	if err == nil && u.Active() {
		_, err = m.store.ProjectRole(ctx, projectID, userID)
		if err == nil {
			return nil
		}
	} else if err == nil {
		err = ErrNotFound
	}
	if errors.Is(err, ErrNotFound) {
		return invalidInput("assignee must be a confirmed, active project member")
	}
	return err
}

func validDueDate(v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, v); err != nil {
		return invalidInput("due_date must be YYYY-MM-DD")
	}
	return nil
}

func publicUser(u User) PublicUser {
	return PublicUser{ID: u.ID, Name: u.Name, Username: u.Username, Role: u.Role}
}

func (m *MCPService) info(_ context.Context, p Principal, _ mcp.CallToolRequest) (any, error) {
	return map[string]any{
		"server": map[string]any{
			"name":        "taskmcp",
			"description": "Multi-tenant project and task manager for AI agents",
			"version":     Version,
		},
		"caller": map[string]any{
			"user_id":     p.User.ID,
			"username":    p.User.Username,
			"name":        p.User.Name,
			"role":        p.User.Role,
			"agent_label": p.AgentLabel,
		},
		"workflow": []string{
			"users_list to find who can be assigned work",
			"projects_list or projects_create, then projects_assign_member",
			"tasks_create, then tasks_assign and tasks_set_status",
			"tasks_add_comment for notes, tasks_set_dependencies for blockers",
			"dashboard_get for a health check",
		},
	}, nil
}

func (m *MCPService) whoami(_ context.Context, p Principal, _ mcp.CallToolRequest) (any, error) {
	return map[string]any{
		"user":          publicUser(p.User),
		"agent_label":   p.AgentLabel,
		"is_superadmin": p.IsSuperadmin,
	}, nil
}

func (m *MCPService) dashboardGet(ctx context.Context, p Principal, _ mcp.CallToolRequest) (any, error) {
	return m.store.Dashboard(ctx, p.User.ID, m.now())
}

func (m *MCPService) usersList(ctx context.Context, _ Principal, _ mcp.CallToolRequest) (any, error) {
	users, err := m.store.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"users": users}, nil
}

func (m *MCPService) usersGet(ctx context.Context, _ Principal, req mcp.CallToolRequest) (any, error) {
	id, err := requireArg(req, "user_id", 0)
	if err != nil {
		return nil, err
	}
	u, err := m.store.GetUser(ctx, id)
	if errors.Is(err, ErrNotFound) || (err == nil && !u.Active()) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": publicUser(u)}, nil
}

func (m *MCPService) projectsCreate(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	name, err := requireArg(req, "name", 200)
	if err != nil {
		return nil, err
	}
	desc, err := optionalArg(req, "description", 2000)
	if err != nil {
		return nil, err
	}

	now := m.now()
	project := Project{
		ID:          NewID(),
		Name:        name,
		Description: desc,
		CreatedBy:   p.AgentLabel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateProject(ctx, project, p.User.ID); err != nil {
		return nil, err
	}
	return map[string]any{"project": project}, nil
}

func (m *MCPService) projectsList(ctx context.Context, p Principal, _ mcp.CallToolRequest) (any, error) {
	projects, err := m.store.ListProjects(ctx, p.User.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"projects": projects}, nil
}

func (m *MCPService) projectsGet(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	id, err := requireArg(req, "project_id", 0)
	if err != nil {
		return nil, err
	}
	if _, err := m.requireMember(ctx, p, id); err != nil {
		return nil, err
	}
	project, err := m.store.GetProject(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": project}, nil
}

func (m *MCPService) projectsAssignMember(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	projectID, err := requireArg(req, "project_id", 0)
	if err != nil {
		return nil, err
	}
	userID, err := requireArg(req, "user_id", 0)
	if err != nil {
		return nil, err
	}
	role := req.GetString("role", ProjectRoleMember)
	if role != ProjectOwner && role != ProjectRoleMember {
		return nil, invalidInput("invalid role %q", role)
	}
	if _, err := m.requireMember(ctx, p, projectID); err != nil {
		return nil, err
	}

	u, err := m.store.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) || (err == nil && !u.Active()) {
		return nil, invalidInput("user %s is not available", userID)
	}
	if err != nil {
		return nil, err
	}
	if err := m.store.SetProjectMember(ctx, projectID, userID, role, m.now()); err != nil {
		return nil, err
	}
	return map[string]any{"project_id": projectID, "user": publicUser(u), "role": role}, nil
}

func (m *MCPService) projectsRemoveMember(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	projectID, err := requireArg(req, "project_id", 0)
	if err != nil {
		return nil, err
	}
	userID, err := requireArg(req, "user_id", 0)
	if err != nil {
		return nil, err
	}
	if _, err := m.requireMember(ctx, p, projectID); err != nil {
		return nil, err
	}
	err = m.store.RemoveProjectMember(ctx, projectID, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"project_id": projectID, "removed": userID}, nil
}

func (m *MCPService) projectsDelete(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	id, err := requireArg(req, "project_id", 0)
	if err != nil {
		return nil, err
	}
	if _, err := m.requireMember(ctx, p, id); err != nil {
		return nil, err
	}
	if err := m.store.DeleteProject(ctx, id); err != nil {
		return nil, err
	}
	m.logger.Info("project deleted", "project", id, "user", p.User.Username, "agent", p.AgentLabel)
	return map[string]any{"deleted": id}, nil
}

func (m *MCPService) tasksCreate(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	projectID, err := requireArg(req, "project_id", 0)
	if err != nil {
		return nil, err
	}
	title, err := requireArg(req, "title", 500)
	if err != nil {
		return nil, err
	}
	desc, err := optionalArg(req, "description", 5000)
	if err != nil {
		return nil, err
	}
	priority := req.GetString("priority", PriorityMedium)
	if !validPriority(priority) {
		return nil, invalidInput("invalid priority %q", priority)
	}
	dueDate, err := optionalArg(req, "due_date", 0)
	if err != nil {
		return nil, err
	}
	if err := validDueDate(dueDate); err != nil {
		return nil, err
	}
	assignee, err := optionalArg(req, "assigned_to", 0)
	if err != nil {
		return nil, err
	}

	if _, err := m.requireMember(ctx, p, projectID); err != nil {
		return nil, err
	}
	if assignee != "" {
		if err := m.checkAssignee(ctx, projectID, assignee); err != nil {
			return nil, err
		}
	}

	now := m.now()
	task := Task{
		ID:          NewID(),
		ProjectID:   projectID,
		Title:       title,
		Description: desc,
		Status:      TaskPending,
		Priority:    priority,
		AssignedTo:  assignee,
		CreatedBy:   p.AgentLabel,
		DueDate:     dueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (m *MCPService) tasksList(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	filter := TaskFilter{
		MemberID:   p.User.ID,
		ProjectID:  req.GetString("project_id", ""),
		Status:     req.GetString("status", ""),
		AssignedTo: req.GetString("assigned_to", ""),
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, invalidInput("invalid status %q", filter.Status)
	}
	if filter.ProjectID != "" {
		if _, err := m.requireMember(ctx, p, filter.ProjectID); err != nil {
			return nil, err
		}
	}
	tasks, err := m.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks}, nil
}

func (m *MCPService) tasksGet(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	id, err := requireArg(req, "task_id", 0)
	if err != nil {
		return nil, err
	}
	task, err := m.memberTask(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (m *MCPService) tasksUpdate(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	id, err := requireArg(req, "task_id", 0)
	if err != nil {
		return nil, err
	}
	var upd TaskUpdate
	if upd.Title, err = presentArg(req, "title", 500); err != nil {
		return nil, err
	}
	if upd.Title != nil && *upd.Title == "" {
		return nil, invalidInput("title must not be empty")
	}
	if upd.Description, err = presentArg(req, "description", 5000); err != nil {
		return nil, err
	}
	if upd.Priority, err = presentArg(req, "priority", 0); err != nil {
		return nil, err
	}
	if upd.Priority != nil && !validPriority(*upd.Priority) {
		return nil, invalidInput("invalid priority %q", *upd.Priority)
	}
	if upd.DueDate, err = presentArg(req, "due_date", 0); err != nil {
		return nil, err
	}
	if upd.DueDate != nil {
		if err := validDueDate(*upd.DueDate); err != nil {
			return nil, err
		}
	}
	if upd.Title == nil && upd.Description == nil && upd.Priority == nil && upd.DueDate == nil {
		return nil, invalidInput("nothing to update")
	}

	if _, err := m.memberTask(ctx, p, id); err != nil {
		return nil, err
	}
	task, err := m.store.UpdateTask(ctx, id, upd, m.now())
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (m *MCPService) tasksSetStatus(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	id, err := requireArg(req, "task_id", 0)
	if err != nil {
		return nil, err
	}
	status, err := requireArg(req, "status", 0)
	if err != nil {
		return nil, err
	}
	if !validStatus(status) {
		return nil, invalidInput("invalid status %q", status)
	}
	if _, err := m.memberTask(ctx, p, id); err != nil {
		return nil, err
	}
	task, err := m.store.SetTaskStatus(ctx, id, status, m.now())
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (m *MCPService) tasksAssign(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	id, err := requireArg(req, "task_id", 0)
	if err != nil {
		return nil, err
	}
	userID, err := optionalArg(req, "user_id", 0)
	if err != nil {
		return nil, err
	}
	current, err := m.memberTask(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if userID != "" {
		if err := m.checkAssignee(ctx, current.ProjectID, userID); err != nil {
			return nil, err
		}
	}
	task, err := m.store.AssignTask(ctx, id, userID, m.now())
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (m *MCPService) tasksDelete(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	id, err := requireArg(req, "task_id", 0)
	if err != nil {
		return nil, err
	}
	if _, err := m.memberTask(ctx, p, id); err != nil {
		return nil, err
	}
	if err := m.store.DeleteTask(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": id}, nil
}

func (m *MCPService) tasksAddComment(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	id, err := requireArg(req, "task_id", 0)
	if err != nil {
		return nil, err
	}
	content, err := requireArg(req, "content", 10000)
	if err != nil {
		return nil, err
	}
	if _, err := m.memberTask(ctx, p, id); err != nil {
		return nil, err
	}
	comment := TaskComment{
		ID:        NewID(),
		TaskID:    id,
		Content:   content,
		CreatedBy: p.AgentLabel,
		CreatedAt: m.now(),
	}
	if err := m.store.AddTaskComment(ctx, comment); err != nil {
		return nil, err
	}
	return map[string]any{"comment": comment}, nil
}

func (m *MCPService) tasksSetDependencies(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error) {
	id, err := requireArg(req, "task_id", 0)
	if err != nil {
		return nil, err
	}
	blocks, err := req.RequireStringSlice("blocks_task_ids")
	if err != nil {
		return nil, invalidInput("blocks_task_ids must be a list of task IDs")
	}
	task, err := m.memberTask(ctx, p, id)
	if err != nil {
		return nil, err
	}
	for _, blocked := range blocks {
		if blocked == id {
			return nil, invalidInput("a task cannot block itself")
		}
		other, err := m.store.GetTask(ctx, blocked)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", blocked, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		if other.ProjectID != task.ProjectID {
			return nil, invalidInput("task %s is not in project %s", blocked, task.ProjectID)
		}
	}
	if err := m.store.SetTaskDependencies(ctx, id, blocks); err != nil {
		return nil, err
	}
	detail, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": id, "blocks": detail.Blocks, "blocked_by": detail.BlockedBy}, nil
}

func validStatus(s string) bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

func validPriority(s string) bool {
	switch s {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}
