package server

import "time"

// User roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

// Project member roles.
const (
	ProjectOwner      = "owner"
	ProjectRoleMember = "member"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// User is a resource owner that can authorize agents and, with the admin role, manage other users.
type User struct {
	ID                          string
	Name                        string
	Email                       string
	Username                    string
	PasswordHash                string
	Role                        string
	Confirmed                   bool
	Disabled                    bool
	CreatedBy                   string
	CredentialViewToken         string
	CredentialViewTokenExpireAt time.Time
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

// Active reports whether the account may authenticate.
func (u User) Active() bool {
	return u.Confirmed && !u.Disabled
}

// UserSummary is a user row joined with its live agent connection, if any.
type UserSummary struct {
	User
	AgentLabel     string
	TokenExpiresAt time.Time
	TokenLastUsed  time.Time
	HasToken       bool
}

// Client records dynamically registered public client metadata.
type Client struct {
	ClientID     string
	ClientName   string
	RedirectURIs []string
	CreatedAt    time.Time
}

// AllowsRedirect reports whether uri was registered by the client. A client registered
// without redirect URIs defers to the redirect policy alone.
func (c Client) AllowsRedirect(uri string) bool {
	if len(c.RedirectURIs) == 0 {
		return true
	}
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode represents a short-lived single-use code issued after login.
type AuthorizationCode struct {
	Code          string
	UserID        string
	ClientID      string
	CodeChallenge string
	RedirectURI   string
	AgentLabel    string
	ExpiresAt     time.Time
	Used          bool
	CreatedAt     time.Time
}

// TokenPair is the single live access/refresh pair of a user.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	AgentLabel   string
	Scope        string
	LastUsedAt   time.Time
	ExpiresAt    time.Time
}

// Principal is the authenticated caller of a protected route.
type Principal struct {
	User         User
	AgentLabel   string
	IsSuperadmin bool
}

// AdminSession captures a logged-in admin console session bound to a cookie.
type AdminSession struct {
	ID        string
	UserID    string
	CSRFToken string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Project groups tasks.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProjectSummary is a project row with its member count.
type ProjectSummary struct {
	Project
	MemberCount int `json:"member_count"`
}

// ProjectMember links a user to a project.
type ProjectMember struct {
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	AssignedAt time.Time `json:"assigned_at"`
}

// ProjectDetail is a project with members, tasks and per-status task counts.
type ProjectDetail struct {
	Project
	Members    []ProjectMember `json:"members"`
	Tasks      []Task          `json:"tasks"`
	TaskCounts map[string]int  `json:"task_counts"`
}

// Task is a unit of work inside a project.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	CreatedBy   string     `json:"created_by"`
	DueDate     string     `json:"due_date,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskComment is a note attached to a task.
type TaskComment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Content   string    `json:"content"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskDetail is a task with its comments and dependency edges.
type TaskDetail struct {
	Task
	Comments  []TaskComment `json:"comments"`
	Blocks    []string      `json:"blocks"`
	BlockedBy []string      `json:"blocked_by"`
}

// TaskFilter narrows ListTasks. MemberID limits results to projects the user belongs to.
type TaskFilter struct {
	MemberID   string
	ProjectID  string
	Status     string
	AssignedTo string
	Unassigned bool
	Open       bool
}

// TaskUpdate carries the optional fields of a task edit. A nil field is left alone; an
// empty DueDate clears it.
type TaskUpdate struct {
	Title       *string
	Description *string
	Priority    *string
	DueDate     *string
}

// DashboardStats summarizes work visible to one user, or to everyone when computed
// without a member.
type DashboardStats struct {
	Tasks struct {
		Total      int `json:"total"`
		Pending    int `json:"pending"`
		InProgress int `json:"in_progress"`
		Completed  int `json:"completed"`
		Cancelled  int `json:"cancelled"`
		Overdue    int `json:"overdue"`
		DueSoon    int `json:"due_soon"`
	} `json:"tasks"`
	Projects struct {
		Total int `json:"total"`
	} `json:"projects"`
	Users struct {
		Total int `json:"total"`
	} `json:"users"`
}

// PublicUser is the safe subset of a user exposed to agents.
type PublicUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// ActivityEntry records one MCP tool invocation.
type ActivityEntry struct {
	ID           string
	UserID       string
	AgentLabel   string
	ToolName     string
	InputSummary string
	Success      bool
	ErrorMsg     string
	CreatedAt    time.Time
}

// PurgeResult counts rows removed by a sweep.
type PurgeResult struct {
	AuthCodes     int64
	Tokens        int64
	AdminSessions int64
	RateLimits    int64
}
