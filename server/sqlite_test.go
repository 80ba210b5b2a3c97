package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveCode(t *testing.T, store *SQLiteStore, userID, code string, expires time.Time) {
	t.Helper()
	require.NoError(t, store.SaveAuthCode(context.Background(), AuthorizationCode{
		Code:          code,
		UserID:        userID,
		CodeChallenge: "challenge",
		RedirectURI:   testRedirectURI,
		AgentLabel:    "laptop",
		ExpiresAt:     expires,
		CreatedAt:     time.Now(),
	}))
}

func pair(access, refresh string) TokenPair {
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		Scope:        DefaultScope,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func TestRedeemAuthCodeInstallsSinglePair(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "alice", "pw", RoleMember)

	saveCode(t, store, u.ID, "code-1", time.Now().Add(time.Minute))
	saveCode(t, store, u.ID, "code-2", time.Now().Add(time.Minute))

	require.NoError(t, store.RedeemAuthCode(ctx, "code-1", time.Now(), pair("a1", "r1")))
	require.NoError(t, store.RedeemAuthCode(ctx, "code-2", time.Now(), pair("a2", "r2")))

	_, _, err := store.LookupAccessToken(ctx, "a1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound, "first pair must be replaced")

	p, owner, err := store.LookupAccessToken(ctx, "a2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, u.ID, owner.ID)
	assert.Equal(t, "laptop", p.AgentLabel)

	ac, err := store.GetAuthCode(ctx, "code-1")
	require.NoError(t, err)
	assert.True(t, ac.Used)
}

func TestRedeemAuthCodeRejectsReuseAndExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "bob", "pw", RoleMember)

	saveCode(t, store, u.ID, "fresh", time.Now().Add(time.Minute))
	saveCode(t, store, u.ID, "stale", time.Now().Add(-time.Second))

	require.NoError(t, store.RedeemAuthCode(ctx, "fresh", time.Now(), pair("a1", "r1")))
	assert.ErrorIs(t, store.RedeemAuthCode(ctx, "fresh", time.Now(), pair("a2", "r2")), ErrCodeUnavailable)
	assert.ErrorIs(t, store.RedeemAuthCode(ctx, "stale", time.Now(), pair("a3", "r3")), ErrCodeUnavailable)
	assert.ErrorIs(t, store.RedeemAuthCode(ctx, "missing", time.Now(), pair("a4", "r4")), ErrCodeUnavailable)

	_, _, err := store.LookupAccessToken(ctx, "a1", time.Now())
	assert.NoError(t, err, "failed redemptions must not disturb the live pair")
}

func TestRedeemAuthCodeConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "carol", "pw", RoleMember)
	saveCode(t, store, u.ID, "race", time.Now().Add(time.Minute))

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.RedeemAuthCode(ctx, "race", time.Now(), pair(NewID(), NewID()))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrCodeUnavailable) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRotateRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "dave", "pw", RoleMember)
	saveCode(t, store, u.ID, "c", time.Now().Add(time.Minute))
	require.NoError(t, store.RedeemAuthCode(ctx, "c", time.Now(), pair("a1", "r1")))

	next, err := store.RotateRefreshToken(ctx, "r1", pair("a2", "r2"))
	require.NoError(t, err)
	assert.Equal(t, u.ID, next.UserID)
	assert.Equal(t, "laptop", next.AgentLabel)

	_, err = store.RotateRefreshToken(ctx, "r1", pair("a3", "r3"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = store.LookupAccessToken(ctx, "a1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = store.LookupAccessToken(ctx, "a2", time.Now())
	assert.NoError(t, err)
}

func TestLookupAccessTokenExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "erin", "pw", RoleMember)
	saveCode(t, store, u.ID, "c", time.Now().Add(time.Minute))
	require.NoError(t, store.RedeemAuthCode(ctx, "c", time.Now(), pair("a1", "r1")))

	_, _, err := store.LookupAccessToken(ctx, "a1", time.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.TouchAccessToken(ctx, "a1", time.Now()))
	p, _, err := store.LookupAccessToken(ctx, "a1", time.Now())
	require.NoError(t, err)
	assert.False(t, p.LastUsedAt.IsZero())
}

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "frank", "pw", RoleMember)

	dup := u
	dup.ID = NewID()
	assert.ErrorIs(t, store.CreateUser(ctx, dup), ErrConflict)

	_, err := store.FindActiveUser(ctx, "frank")
	require.NoError(t, err)

	require.NoError(t, store.SetUserDisabled(ctx, u.ID, true))
	_, err = store.FindActiveUser(ctx, "frank")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetUserDisabled(ctx, u.ID, false))
	require.NoError(t, store.SetUserRole(ctx, u.ID, RoleAdmin))
	assert.Error(t, store.SetUserRole(ctx, u.ID, "owner"))
	require.NoError(t, store.RenameUser(ctx, u.ID, "Franklin"))

	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, got.Role)
	assert.Equal(t, "Franklin", got.Name)

	active, err := store.ListActiveUsers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "frank", active[0].Username)

	require.NoError(t, store.DeleteUser(ctx, u.ID))
	assert.ErrorIs(t, store.DeleteUser(ctx, u.ID), ErrNotFound)
}

func TestCredentialViewTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "gina", "pw", RoleMember)

	require.NoError(t, store.SetCredentialViewToken(ctx, u.ID, "view", time.Now().Add(time.Minute)))
	got, err := store.ConsumeCredentialViewToken(ctx, "view", time.Now())
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = store.ConsumeCredentialViewToken(ctx, "view", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetCredentialViewToken(ctx, u.ID, "late", time.Now().Add(-time.Second)))
	_, err = store.ConsumeCredentialViewToken(ctx, "late", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdminSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "hank", "pw", RoleAdmin)

	sess := AdminSession{ID: "s1", UserID: u.ID, CSRFToken: "csrf", ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}
	require.NoError(t, store.CreateAdminSession(ctx, sess))

	got, owner, err := store.GetAdminSession(ctx, "s1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "csrf", got.CSRFToken)
	assert.Equal(t, "hank", owner.Username)

	_, _, err = store.GetAdminSession(ctx, "s1", time.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteAdminSession(ctx, "s1"))
	_, _, err = store.GetAdminSession(ctx, "s1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c := Client{ClientID: "claude-1", ClientName: "Claude", RedirectURIs: []string{testRedirectURI}, CreatedAt: time.Now()}
	require.NoError(t, store.SaveClient(ctx, c))

	got, err := store.GetClient(ctx, "claude-1")
	require.NoError(t, err)
	assert.Equal(t, c.RedirectURIs, got.RedirectURIs)
	assert.True(t, got.AllowsRedirect(testRedirectURI))

	_, err = store.GetClient(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectsAndTasks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "ivy", "pw", RoleMember)
	now := time.Now()

	p := Project{ID: NewID(), Name: "Launch", CreatedBy: "laptop", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateProject(ctx, p, u.ID))

	task := Task{ID: NewID(), ProjectID: p.ID, Title: "Write docs", Status: TaskPending, Priority: PriorityHigh,
		AssignedTo: u.ID, CreatedBy: "laptop", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateTask(ctx, task))

	orphan := task
	orphan.ID = NewID()
	orphan.ProjectID = "missing"
	assert.ErrorIs(t, store.CreateTask(ctx, orphan), ErrNotFound)

	detail, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, detail.Members, 1)
	assert.Equal(t, "owner", detail.Members[0].Role)
	assert.Equal(t, 1, detail.TaskCounts[TaskPending])

	done, err := store.SetTaskStatus(ctx, task.ID, TaskCompleted, now)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	reopened, err := store.SetTaskStatus(ctx, task.ID, TaskInProgress, now)
	require.NoError(t, err)
	assert.Nil(t, reopened.CompletedAt)

	_, err = store.SetTaskStatus(ctx, "missing", TaskCompleted, now)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.AddTaskComment(ctx, TaskComment{ID: NewID(), TaskID: task.ID, Content: "halfway", CreatedBy: "laptop", CreatedAt: now}))
	assert.ErrorIs(t, store.AddTaskComment(ctx, TaskComment{ID: NewID(), TaskID: "missing", Content: "x", CreatedBy: "laptop", CreatedAt: now}), ErrNotFound)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Comments, 1)
	assert.Equal(t, "halfway", got.Comments[0].Content)

	list, err := store.ListTasks(ctx, TaskFilter{ProjectID: p.ID, Status: TaskInProgress})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = store.ListTasks(ctx, TaskFilter{Status: TaskCancelled})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestProjectMembershipScoping(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	alice := seedUser(t, store, "alice", "pw", RoleMember)
	bob := seedUser(t, store, "bob", "pw", RoleMember)
	now := time.Now()

	mine := Project{ID: NewID(), Name: "alice-secret", CreatedBy: "a", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateProject(ctx, mine, alice.ID))
	shared := Project{ID: NewID(), Name: "shared", CreatedBy: "a", CreatedAt: now.Add(time.Second), UpdatedAt: now}
	require.NoError(t, store.CreateProject(ctx, shared, alice.ID))
	require.NoError(t, store.SetProjectMember(ctx, shared.ID, bob.ID, ProjectRoleMember, now))

	list, err := store.ListProjects(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "shared", list[0].Name)
	assert.Equal(t, 2, list[0].MemberCount)

	list, err = store.ListProjects(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "shared", list[0].Name, "newest first")

	list, err = store.ListProjects(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = store.ProjectRole(ctx, mine.ID, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetProjectMember(ctx, shared.ID, bob.ID, ProjectOwner, now))
	role, err := store.ProjectRole(ctx, shared.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, ProjectOwner, role)
	assert.ErrorIs(t, store.SetProjectMember(ctx, "missing", bob.ID, ProjectRoleMember, now), ErrNotFound)

	task := Task{ID: NewID(), ProjectID: mine.ID, Title: "t", Status: TaskPending, Priority: PriorityLow, CreatedBy: "a", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateTask(ctx, task))
	tasks, err := store.ListTasks(ctx, TaskFilter{MemberID: bob.ID})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	tasks, err = store.ListTasks(ctx, TaskFilter{MemberID: alice.ID, Unassigned: true, Open: true})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	require.NoError(t, store.RemoveProjectMember(ctx, shared.ID, bob.ID))
	assert.ErrorIs(t, store.RemoveProjectMember(ctx, shared.ID, bob.ID), ErrNotFound)

	require.NoError(t, store.DeleteProject(ctx, mine.ID))
	_, err = store.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteProject(ctx, mine.ID), ErrNotFound)
}

func TestTaskEditsAndDependencies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "ivy", "pw", RoleMember)
	now := time.Now()
	p := Project{ID: NewID(), Name: "P", CreatedBy: "a", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateProject(ctx, p, u.ID))

	newTask := func(title string) Task {
		task := Task{ID: NewID(), ProjectID: p.ID, Title: title, Status: TaskPending, Priority: PriorityMedium,
			DueDate: "2026-11-01", CreatedBy: "a", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, store.CreateTask(ctx, task))
		return task
	}
	a, b := newTask("a"), newTask("b")

	title, empty := "renamed", ""
	got, err := store.UpdateTask(ctx, a.ID, TaskUpdate{Title: &title, DueDate: &empty}, now)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Empty(t, got.DueDate)
	assert.Equal(t, PriorityMedium, got.Priority)
	_, err = store.UpdateTask(ctx, "missing", TaskUpdate{Title: &title}, now)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = store.AssignTask(ctx, a.ID, u.ID, now)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.AssignedTo)
	got, err = store.AssignTask(ctx, a.ID, "", now)
	require.NoError(t, err)
	assert.Empty(t, got.AssignedTo)
	_, err = store.AssignTask(ctx, a.ID, "ghost", now)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetTaskDependencies(ctx, a.ID, []string{b.ID}))
	detail, err := store.GetTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, detail.BlockedBy)
	assert.Empty(t, detail.Blocks)
	assert.ErrorIs(t, store.SetTaskDependencies(ctx, a.ID, []string{"missing"}), ErrNotFound)
	assert.ErrorIs(t, store.SetTaskDependencies(ctx, "missing", nil), ErrNotFound)

	// The failed replace rolled back, so the edge survives.
	detail, err = store.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, detail.Blocks)

	require.NoError(t, store.DeleteTask(ctx, b.ID))
	detail, err = store.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Blocks)
	assert.ErrorIs(t, store.DeleteTask(ctx, b.ID), ErrNotFound)
}

func TestBackupWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedUser(t, store, "ivy", "pw", RoleMember)

	path := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, store.Backup(ctx, path))

	copied, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	defer copied.Close()
	_, err = copied.FindActiveUser(ctx, "ivy")
	assert.NoError(t, err)
}

func TestActivityLogCap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now()

	for i := 0; i < 505; i++ {
		require.NoError(t, store.LogActivity(ctx, ActivityEntry{
			ID:        NewID(),
			ToolName:  "whoami",
			Success:   true,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	entries, err := store.ListActivity(ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, entries, 500)
	assert.True(t, entries[0].CreatedAt.After(entries[len(entries)-1].CreatedAt))
}

func TestIncrementCounterWindows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		n, _, err := store.IncrementCounter(ctx, "k", now, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, _, err := store.IncrementCounter(ctx, "k", now.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a new window resets the count")
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u := seedUser(t, store, "jack", "pw", RoleMember)

	saveCode(t, store, u.ID, "old", time.Now().Add(-time.Minute))
	saveCode(t, store, u.ID, "live", time.Now().Add(time.Minute))
	require.NoError(t, store.CreateAdminSession(ctx, AdminSession{ID: "gone", UserID: u.ID, CSRFToken: "x",
		ExpiresAt: time.Now().Add(-time.Minute), CreatedAt: time.Now()}))
	_, _, err := store.IncrementCounter(ctx, "k", time.Now().Add(-2*time.Minute), time.Minute)
	require.NoError(t, err)

	res, err := store.PurgeExpired(ctx, time.Now(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AuthCodes)
	assert.Equal(t, int64(1), res.AdminSessions)
	assert.Equal(t, int64(1), res.RateLimits)

	_, err = store.GetAuthCode(ctx, "live")
	assert.NoError(t, err)
}
