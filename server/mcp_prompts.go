package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Resource URIs served to MCP clients.
const (
	ResourceProjects  = "taskmanager://projects"
	ResourceTasks     = "taskmanager://tasks"
	ResourceUsers     = "taskmanager://users"
	ResourceDashboard = "taskmanager://dashboard"
)

var resourceURIs = []string{ResourceProjects, ResourceTasks, ResourceUsers, ResourceDashboard}

var errUnauthorized = errors.New("unauthorized")

func (m *MCPService) registerPrompts() {
	m.server.AddPrompt(mcp.NewPrompt("daily_standup",
		mcp.WithPromptDescription("Standup summary of in-progress, overdue and due-soon tasks in your projects"),
		mcp.WithArgument("user_id", mcp.ArgumentDescription("Only tasks assigned to this user")),
	), m.dailyStandup)

	m.server.AddPrompt(mcp.NewPrompt("project_brief",
		mcp.WithPromptDescription("Structured brief for a project: team, status breakdown, blockers and next actions"),
		mcp.WithArgument("project_id", mcp.ArgumentDescription("Project ID"), mcp.RequiredArgument()),
	), m.projectBrief)

	m.server.AddPrompt(mcp.NewPrompt("assign_unassigned_tasks",
		mcp.WithPromptDescription("Suggest assignees for the open unassigned tasks of a project"),
		mcp.WithArgument("project_id", mcp.ArgumentDescription("Project ID"), mcp.RequiredArgument()),
	), m.assignUnassigned)
}

func (m *MCPService) registerResources() {
	m.server.AddResource(mcp.NewResource(ResourceProjects, "projects",
		mcp.WithResourceDescription("Projects you are a member of"),
		mcp.WithMIMEType("application/json"),
	), m.resource(func(ctx context.Context, p Principal) (any, error) {
		return m.store.ListProjects(ctx, p.User.ID)
	}))

	m.server.AddResource(mcp.NewResource(ResourceTasks, "tasks",
		mcp.WithResourceDescription("Tasks in your projects"),
		mcp.WithMIMEType("application/json"),
	), m.resource(func(ctx context.Context, p Principal) (any, error) {
		return m.store.ListTasks(ctx, TaskFilter{MemberID: p.User.ID})
	}))

	m.server.AddResource(mcp.NewResource(ResourceUsers, "users",
		mcp.WithResourceDescription("Available (confirmed, active) users"),
		mcp.WithMIMEType("application/json"),
	), m.resource(func(ctx context.Context, _ Principal) (any, error) {
		return m.store.ListActiveUsers(ctx)
	}))

	m.server.AddResource(mcp.NewResource(ResourceDashboard, "dashboard",
		mcp.WithResourceDescription("Dashboard counts for your projects"),
		mcp.WithMIMEType("application/json"),
	), m.resource(func(ctx context.Context, p Principal) (any, error) {
		return m.store.Dashboard(ctx, p.User.ID, m.now())
	}))
}

// resource renders load as a JSON document for the requested URI.
func (m *MCPService) resource(load func(context.Context, Principal) (any, error)) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, ok := PrincipalFromContext(ctx)
		if !ok {
			return nil, errUnauthorized
		}
		v, err := load(ctx, p)
		if err != nil {
			m.logger.Error("resource read failed", "uri", req.Params.URI, "error", err)
			return nil, fmt.Errorf("reading %s failed", req.Params.URI)
		}
		body, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(body),
		}}, nil
	}
}

// notifyResourcesChanged tells connected clients to re-read every resource.
func (m *MCPService) notifyResourcesChanged() {
	for _, uri := range resourceURIs {
		m.server.SendNotificationToAllClients(mcp.MethodNotificationResourceUpdated, map[string]any{"uri": uri})
	}
}

func (m *MCPService) dailyStandup(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, errUnauthorized
	}
	filter := TaskFilter{MemberID: p.User.ID, AssignedTo: strings.TrimSpace(req.Params.Arguments["user_id"]), Open: true}
	open, err := m.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	var inProgress []Task
	for _, t := range open {
		if t.Status == TaskInProgress {
			inProgress = append(inProgress, t)
		}
	}
	overdue, dueSoon := dueBuckets(open, m.now())

	var b strings.Builder
	b.WriteString("Generate a concise daily standup summary based on this task data:\n\n")
	writeSection(&b, "IN PROGRESS", len(inProgress), inProgress)
	writeSection(&b, "OVERDUE", len(overdue), overdue)
	writeSection(&b, "DUE IN NEXT 24H", len(dueSoon), dueSoon)
	b.WriteString("Please produce a standup in the format: what's in progress, what's blocked or overdue, what's coming up today.")
	return promptResult("Daily standup", b.String()), nil
}

func (m *MCPService) projectBrief(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, errUnauthorized
	}
	detail, err := m.promptProject(ctx, p, req)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("Generate a concise project brief for:\n\n")
	writeSection(&b, "PROJECT", -1, detail.Project)
	writeSection(&b, "MEMBERS", len(detail.Members), detail.Members)
	writeSection(&b, "TASKS", len(detail.Tasks), detail.Tasks)
	b.WriteString("Include: project goal, team, task status breakdown, key blockers, and next recommended actions.")
	return promptResult("Project brief for "+detail.Name, b.String()), nil
}

func (m *MCPService) assignUnassigned(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, errUnauthorized
	}
	detail, err := m.promptProject(ctx, p, req)
	if err != nil {
		return nil, err
	}
	unassigned, err := m.store.ListTasks(ctx, TaskFilter{ProjectID: detail.ID, Unassigned: true, Open: true})
	if err != nil {
		return nil, err
	}
	active, err := m.store.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	available := make(map[string]bool, len(active))
	for _, u := range active {
		available[u.ID] = true
	}
	var members []ProjectMember
	for _, pm := range detail.Members {
		if available[pm.UserID] {
			members = append(members, pm)
		}
	}

	var b strings.Builder
	b.WriteString("Suggest task assignments for these unassigned tasks based on available team members.\n\n")
	writeSection(&b, "UNASSIGNED TASKS", len(unassigned), unassigned)
	writeSection(&b, "AVAILABLE MEMBERS", len(members), members)
	b.WriteString("For each task, suggest the most suitable assignee (by user_id) with brief reasoning. Then offer to call tasks_assign for each suggestion.")
	return promptResult("Assignment suggestions for "+detail.Name, b.String()), nil
}

func (m *MCPService) promptProject(ctx context.Context, p Principal, req mcp.GetPromptRequest) (ProjectDetail, error) {
	id := strings.TrimSpace(req.Params.Arguments["project_id"])
	if id == "" {
		return ProjectDetail{}, errors.New("project_id is required")
	}
	if _, err := m.requireMember(ctx, p, id); err != nil {
		return ProjectDetail{}, err
	}
	return m.store.GetProject(ctx, id)
}

// dueBuckets splits open tasks into overdue and due within a day, using the same
// UTC calendar dates as the dashboard counts.
func dueBuckets(tasks []Task, now time.Time) (overdue, dueSoon []Task) {
	today := now.UTC().Format(time.DateOnly)
	tomorrow := now.UTC().Add(24 * time.Hour).Format(time.DateOnly)
	for _, t := range tasks {
		if t.DueDate == "" || t.Status == TaskCompleted || t.Status == TaskCancelled {
			continue
		}
		switch {
		case t.DueDate < today:
			overdue = append(overdue, t)
		case t.DueDate <= tomorrow:
			dueSoon = append(dueSoon, t)
		}
	}
	return overdue, dueSoon
}

// writeSection appends a titled JSON block; a negative count omits the count.
func writeSection(b *strings.Builder, title string, count int, v any) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil || string(body) == "null" {
		body = []byte("[]")
	}
	if count >= 0 {
		fmt.Fprintf(b, "%s (%d):\n%s\n\n", title, count, body)
		return
	}
	fmt.Fprintf(b, "%s:\n%s\n\n", title, body)
}

func promptResult(description, text string) *mcp.GetPromptResult {
	return mcp.NewGetPromptResult(description, []mcp.PromptMessage{
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
	})
}
