package server

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrCodeUnavailable is returned when an authorization code is unknown, expired or already redeemed.
	ErrCodeUnavailable = errors.New("authorization code unavailable")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("conflict")
)

// OAuthStore persists authorization codes, token pairs and registered clients.
type OAuthStore interface {
	SaveAuthCode(ctx context.Context, code AuthorizationCode) error
	GetAuthCode(ctx context.Context, code string) (AuthorizationCode, error)
	// RedeemAuthCode marks the code used and replaces the user's token pair in one transaction.
	RedeemAuthCode(ctx context.Context, code string, now time.Time, pair TokenPair) error
	// RotateRefreshToken deletes the pair holding refresh and inserts next for the same user,
	// copying user and agent label. It returns the stored pair.
	RotateRefreshToken(ctx context.Context, refresh string, next TokenPair) (TokenPair, error)
	// LookupAccessToken returns the pair and its owner for a non-expired access token.
	LookupAccessToken(ctx context.Context, token string, now time.Time) (TokenPair, User, error)
	TouchAccessToken(ctx context.Context, token string, now time.Time) error
	DeleteTokensForUser(ctx context.Context, userID string) (int64, error)
	CountTokens(ctx context.Context) (int, error)
	DeleteAllTokens(ctx context.Context) (int64, error)
	SaveClient(ctx context.Context, client Client) error
	GetClient(ctx context.Context, clientID string) (Client, error)
}

// UserStore manages resource owner accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	// FindActiveUser returns a confirmed, enabled user by username.
	FindActiveUser(ctx context.Context, username string) (User, error)
	ListUsers(ctx context.Context) ([]UserSummary, error)
	ListActiveUsers(ctx context.Context) ([]PublicUser, error)
	SetUserDisabled(ctx context.Context, id string, disabled bool) error
	SetUserConfirmed(ctx context.Context, id string, confirmed bool) error
	SetUserRole(ctx context.Context, id, role string) error
	SetUserPassword(ctx context.Context, id, hash string) error
	RenameUser(ctx context.Context, id, name string) error
	DeleteUser(ctx context.Context, id string) error
	SetCredentialViewToken(ctx context.Context, id, token string, expiresAt time.Time) error
	// ConsumeCredentialViewToken clears a non-expired view token and returns its user.
	ConsumeCredentialViewToken(ctx context.Context, token string, now time.Time) (User, error)
}

// SessionStore persists admin console sessions.
type SessionStore interface {
	CreateAdminSession(ctx context.Context, sess AdminSession) error
	GetAdminSession(ctx context.Context, id string, now time.Time) (AdminSession, User, error)
	DeleteAdminSession(ctx context.Context, id string) error
}

// TaskStore manages projects, memberships and tasks.
type TaskStore interface {
	CreateProject(ctx context.Context, p Project, ownerID string) error
	// ListProjects returns the projects memberID belongs to, or every project when
	// memberID is empty.
	ListProjects(ctx context.Context, memberID string) ([]ProjectSummary, error)
	GetProject(ctx context.Context, id string) (ProjectDetail, error)
	DeleteProject(ctx context.Context, id string) error
	// ProjectRole returns the member role of userID, or ErrNotFound.
	ProjectRole(ctx context.Context, projectID, userID string) (string, error)
	SetProjectMember(ctx context.Context, projectID, userID, role string, now time.Time) error
	RemoveProjectMember(ctx context.Context, projectID, userID string) error

	CreateTask(ctx context.Context, t Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	GetTask(ctx context.Context, id string) (TaskDetail, error)
	UpdateTask(ctx context.Context, id string, upd TaskUpdate, now time.Time) (Task, error)
	AssignTask(ctx context.Context, id, userID string, now time.Time) (Task, error)
	SetTaskStatus(ctx context.Context, id, status string, now time.Time) (Task, error)
	DeleteTask(ctx context.Context, id string) error
	AddTaskComment(ctx context.Context, c TaskComment) error
	// SetTaskDependencies replaces the set of tasks that id blocks.
	SetTaskDependencies(ctx context.Context, id string, blocks []string) error

	// Dashboard counts work in memberID's projects, or everywhere when memberID is empty.
	Dashboard(ctx context.Context, memberID string, now time.Time) (DashboardStats, error)
}

// ActivityStore records tool activity.
type ActivityStore interface {
	LogActivity(ctx context.Context, entry ActivityEntry) error
	ListActivity(ctx context.Context, limit int) ([]ActivityEntry, error)
}

// CounterStore backs the shared rate limiter.
type CounterStore interface {
	// IncrementCounter bumps key inside a fixed window and returns the new count and window end.
	IncrementCounter(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error)
}

// Store is the full persistence surface of the service.
type Store interface {
	OAuthStore
	UserStore
	SessionStore
	TaskStore
	ActivityStore
	CounterStore
	PurgeExpired(ctx context.Context, now time.Time, tokenRetention time.Duration) (PurgeResult, error)
	// Backup writes a consistent copy of the database to path.
	Backup(ctx context.Context, path string) error
	Close() error
}
