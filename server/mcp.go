package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

const activitySummaryLimit = 500

// toolFunc is the body of a tool once the caller is known. The returned value is
// rendered as indented JSON text.
type toolFunc func(ctx context.Context, p Principal, req mcp.CallToolRequest) (any, error)

// toolInputError marks a failure caused by the caller's arguments.
type toolInputError struct{ msg string }

func (e toolInputError) Error() string { return e.msg }

func invalidInput(format string, args ...any) error {
	return toolInputError{msg: fmt.Sprintf(format, args...)}
}

// MCPService exposes the task tools over MCP.
type MCPService struct {
	server *mcpserver.MCPServer
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewMCPService builds the MCP server and registers every tool, prompt and resource.
func NewMCPService(store Store, logger *slog.Logger) *MCPService {
	svc := &MCPService{
		server: mcpserver.NewMCPServer("taskmcp", Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(true, false),
			mcpserver.WithPromptCapabilities(false),
			mcpserver.WithRecovery(),
		),
		store:  store,
		logger: logger.With("component", "mcp"),
		now:    time.Now,
	}
	svc.registerTools()
	svc.registerPrompts()
	svc.registerResources()
	return svc
}

// Server returns the underlying MCP server.
func (m *MCPService) Server() *mcpserver.MCPServer {
	return m.server
}

// StreamableHandler serves the streamable HTTP transport at path.
func (m *MCPService) StreamableHandler(path string) http.Handler {
	return mcpserver.NewStreamableHTTPServer(m.server,
		mcpserver.WithEndpointPath(path),
		mcpserver.WithHTTPContextFunc(principalContext),
	)
}

// SSEHandlers returns the SSE stream and message handlers mounted under basePath.
func (m *MCPService) SSEHandlers(baseURL, basePath string) (sse, message http.Handler) {
	s := mcpserver.NewSSEServer(m.server,
		mcpserver.WithBaseURL(baseURL),
		mcpserver.WithStaticBasePath(basePath),
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/message"),
		mcpserver.WithSSEContextFunc(principalContext),
	)
	return s.SSEHandler(), s.MessageHandler()
}

// principalContext carries the bearer principal from the HTTP request into tool calls.
func principalContext(ctx context.Context, r *http.Request) context.Context {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return WithPrincipal(ctx, p)
	}
	return ctx
}

func (m *MCPService) registerTools() {
	m.add(mcp.NewTool("info",
		mcp.WithDescription("Describe this server and the caller. Call it first: agents manage projects and tasks, humans manage users through the admin UI"),
		mcp.WithReadOnlyHintAnnotation(true),
	), m.info)

	m.add(mcp.NewTool("whoami",
		mcp.WithDescription("Describe the authenticated user and agent"),
		mcp.WithReadOnlyHintAnnotation(true),
	), m.whoami)

	m.add(mcp.NewTool("dashboard_get",
		mcp.WithDescription("Summary counts of tasks by status, overdue and due-soon tasks, projects and users"),
		mcp.WithReadOnlyHintAnnotation(true),
	), m.dashboardGet)

	m.add(mcp.NewTool("users_list",
		mcp.WithDescription("List available (confirmed, active) users. Call this before assigning work"),
		mcp.WithReadOnlyHintAnnotation(true),
	), m.usersList)

	m.add(mcp.NewTool("users_get",
		mcp.WithDescription("Get one available user by ID"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User ID")),
		mcp.WithReadOnlyHintAnnotation(true),
	), m.usersGet)

	m.mutation(mcp.NewTool("projects_create",
		mcp.WithDescription("Create a new project; the caller becomes its owner"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name (max 200 characters)")),
		mcp.WithString("description", mcp.Description("Optional description (max 2000 characters)")),
	), m.projectsCreate)

	m.add(mcp.NewTool("projects_list",
		mcp.WithDescription("List the projects you are a member of, with member counts"),
		mcp.WithReadOnlyHintAnnotation(true),
	), m.projectsList)

	m.add(mcp.NewTool("projects_get",
		mcp.WithDescription("Get a project with its members, tasks and task counts"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithReadOnlyHintAnnotation(true),
	), m.projectsGet)

	m.mutation(mcp.NewTool("projects_assign_member",
		mcp.WithDescription("Add an available user to a project or change their role"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User ID")),
		mcp.WithString("role", mcp.Description("Project role, default member"), mcp.Enum(ProjectOwner, ProjectRoleMember)),
	), m.projectsAssignMember)

	m.mutation(mcp.NewTool("projects_remove_member",
		mcp.WithDescription("Remove a user from a project"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User ID")),
	), m.projectsRemoveMember)

	m.mutation(mcp.NewTool("projects_delete",
		mcp.WithDescription("Permanently delete a project and all of its tasks"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithDestructiveHintAnnotation(true),
	), m.projectsDelete)

	m.mutation(mcp.NewTool("tasks_create",
		mcp.WithDescription("Create a task in a project"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title (max 500 characters)")),
		mcp.WithString("description", mcp.Description("Optional description")),
		mcp.WithString("priority", mcp.Description("Task priority"),
			mcp.Enum(PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent)),
		mcp.WithString("assigned_to", mcp.Description("User ID of the assignee; must be a project member")),
		mcp.WithString("due_date", mcp.Description("Due date (YYYY-MM-DD)")),
	), m.tasksCreate)

	m.add(mcp.NewTool("tasks_list",
		mcp.WithDescription("List tasks in your projects, newest first"),
		mcp.WithString("project_id", mcp.Description("Only tasks in this project")),
		mcp.WithString("status", mcp.Description("Only tasks with this status"),
			mcp.Enum(TaskPending, TaskInProgress, TaskCompleted, TaskCancelled)),
		mcp.WithString("assigned_to", mcp.Description("Only tasks assigned to this user ID")),
		mcp.WithReadOnlyHintAnnotation(true),
	), m.tasksList)

	m.add(mcp.NewTool("tasks_get",
		mcp.WithDescription("Get a task with its comments and the tasks it blocks or is blocked by"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithReadOnlyHintAnnotation(true),
	), m.tasksGet)

	m.mutation(mcp.NewTool("tasks_update",
		mcp.WithDescription("Update the title, description, priority or due date of a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("title", mcp.Description("New title (max 500 characters)")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("priority", mcp.Description("New priority"),
			mcp.Enum(PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent)),
		mcp.WithString("due_date", mcp.Description("New due date (YYYY-MM-DD); empty clears it")),
	), m.tasksUpdate)

	m.mutation(mcp.NewTool("tasks_set_status",
		mcp.WithDescription("Change the status of a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("status", mcp.Required(), mcp.Description("New status"),
			mcp.Enum(TaskPending, TaskInProgress, TaskCompleted, TaskCancelled)),
	), m.tasksSetStatus)

	m.mutation(mcp.NewTool("tasks_assign",
		mcp.WithDescription("Assign a task to a project member, or omit user_id to unassign"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("user_id", mcp.Description("User ID of the new assignee")),
	), m.tasksAssign)

	m.mutation(mcp.NewTool("tasks_delete",
		mcp.WithDescription("Permanently delete a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithDestructiveHintAnnotation(true),
	), m.tasksDelete)

	m.mutation(mcp.NewTool("tasks_add_comment",
		mcp.WithDescription("Add a comment to a task without changing its status"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Comment text")),
	), m.tasksAddComment)

	m.mutation(mcp.NewTool("tasks_set_dependencies",
		mcp.WithDescription("Replace the list of tasks blocked by a task; pass an empty list to clear"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithArray("blocks_task_ids", mcp.Required(), mcp.Description("IDs of tasks in the same project that this task blocks"),
			mcp.WithStringItems()),
	), m.tasksSetDependencies)
}

// add registers fn under tool, resolving the caller and recording every call in the
// activity log.
func (m *MCPService) add(tool mcp.Tool, fn toolFunc) {
	m.server.AddTool(tool, m.handler(tool.Name, fn, false))
}

// mutation is add for tools that change state; a successful call tells subscribed
// clients that the resources changed.
func (m *MCPService) mutation(tool mcp.Tool, fn toolFunc) {
	m.server.AddTool(tool, m.handler(tool.Name, fn, true))
}

func (m *MCPService) handler(name string, fn toolFunc, notify bool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, ok := PrincipalFromContext(ctx)
		if !ok {
			return mcp.NewToolResultError("unauthorized"), nil
		}

		result, err := fn(ctx, p, request)
		m.record(ctx, p, name, request, err)
		if err != nil {
			var inputErr toolInputError
			switch {
			case errors.As(err, &inputErr):
				return mcp.NewToolResultError(inputErr.msg), nil
			case errors.Is(err, ErrNotFound):
				return mcp.NewToolResultError(err.Error()), nil
			default:
				m.logger.Error("tool failed", "tool", name, "user", p.User.Username, "error", err)
				return mcp.NewToolResultError("internal error"), nil
			}
		}

		if notify {
			m.notifyResourcesChanged()
		}

		body, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError("encoding result failed"), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func (m *MCPService) record(ctx context.Context, p Principal, name string, request mcp.CallToolRequest, callErr error) {
	entry := ActivityEntry{
		ID:           NewID(),
		UserID:       p.User.ID,
		AgentLabel:   p.AgentLabel,
		ToolName:     name,
		InputSummary: summarizeArguments(request.GetArguments()),
		Success:      callErr == nil,
		CreatedAt:    m.now(),
	}
	if callErr != nil {
		entry.ErrorMsg = callErr.Error()
	}
	if err := m.store.LogActivity(context.WithoutCancel(ctx), entry); err != nil {
		m.logger.Warn("activity log write failed", "tool", name, "error", err)
	}
}

func summarizeArguments(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return truncateUTF8(string(raw), activitySummaryLimit)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func requireArg(req mcp.CallToolRequest, key string, max int) (string, error) {
	v, err := req.RequireString(key)
	if err != nil {
		return "", invalidInput("%s is required", key)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", invalidInput("%s is required", key)
	}
	if max > 0 && len(v) > max {
		return "", invalidInput("%s must be at most %d characters", key, max)
	}
	return v, nil
}

func optionalArg(req mcp.CallToolRequest, key string, max int) (string, error) {
	v := strings.TrimSpace(req.GetString(key, ""))
	if max > 0 && len(v) > max {
		return "", invalidInput("%s must be at most %d characters", key, max)
	}
	return v, nil
}

// presentArg reports a string argument only when the caller supplied it.
func presentArg(req mcp.CallToolRequest, key string, max int) (*string, error) {
	if _, ok := req.GetArguments()[key]; !ok {
		return nil, nil
	}
	v, err := optionalArg(req, key, max)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
