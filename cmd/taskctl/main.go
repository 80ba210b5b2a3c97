// Command taskctl performs operator tasks directly against the taskmcp database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"taskmcp/server"
)

const usage = `usage: taskctl [-db path] <command> [args]

commands:
  create-user -name NAME [-username NAME] [-email EMAIL] [-role member|admin]
  disable <username>
  enable <username>
  reset-password <username>
  revoke <username>
  purge [-token-retention 720h]
  backup <path>
  users
`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if err := run(context.Background(), os.Args[1:], os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, "taskctl:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

func run(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("taskctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbPath := fs.String("db", envOr("TASKMCP_DB", server.DefaultConfig().Database.Path), "Path to the SQLite database")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(out, usage)
		return errUsage
	}
	if fs.NArg() == 0 {
		fmt.Fprint(out, usage)
		return errUsage
	}

	store, err := server.NewSQLiteStore(*dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "create-user":
		return createUser(ctx, store, rest, out)
	case "disable":
		return withUser(ctx, store, rest, func(u server.User) error {
			if err := store.SetUserDisabled(ctx, u.ID, true); err != nil {
				return err
			}
			n, err := store.DeleteTokensForUser(ctx, u.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "disabled %s (%d token pairs revoked)\n", u.Username, n)
			return nil
		})
	case "enable":
		return withUser(ctx, store, rest, func(u server.User) error {
			if err := store.SetUserDisabled(ctx, u.ID, false); err != nil {
				return err
			}
			fmt.Fprintf(out, "enabled %s\n", u.Username)
			return nil
		})
	case "reset-password":
		return withUser(ctx, store, rest, func(u server.User) error {
			password, err := server.GeneratePassword()
			if err != nil {
				return err
			}
			hash, err := server.HashPassword(password)
			if err != nil {
				return err
			}
			if err := store.SetUserPassword(ctx, u.ID, hash); err != nil {
				return err
			}
			if _, err := store.DeleteTokensForUser(ctx, u.ID); err != nil {
				return err
			}
			fmt.Fprintf(out, "username: %s\npassword: %s\n", u.Username, password)
			return nil
		})
	case "revoke":
		return withUser(ctx, store, rest, func(u server.User) error {
			n, err := store.DeleteTokensForUser(ctx, u.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "revoked %d token pairs for %s\n", n, u.Username)
			return nil
		})
	case "purge":
		return purge(ctx, store, rest, out)
	case "backup":
		if len(rest) != 1 {
			return fmt.Errorf("%w: backup needs a destination path", errUsage)
		}
		if err := store.Backup(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", rest[0])
		return nil
	case "users":
		return listUsers(ctx, store, out)
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func createUser(ctx context.Context, store server.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "Display name")
	username := fs.String("username", "", "Username (generated when empty)")
	email := fs.String("email", "", "Email")
	role := fs.String("role", server.RoleMember, "Role: member or admin")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if strings.TrimSpace(*name) == "" {
		return fmt.Errorf("%w: -name is required", errUsage)
	}
	if *role != server.RoleMember && *role != server.RoleAdmin {
		return fmt.Errorf("%w: unknown role %q", errUsage, *role)
	}

	if *username == "" {
		generated, err := server.UniqueUsername(ctx, store)
		if err != nil {
			return err
		}
		*username = generated
	}
	password, err := server.GeneratePassword()
	if err != nil {
		return err
	}
	hash, err := server.HashPassword(password)
	if err != nil {
		return err
	}

	now := time.Now()
	user := server.User{
		ID:           server.NewID(),
		Name:         strings.TrimSpace(*name),
		Email:        strings.TrimSpace(*email),
		Username:     *username,
		PasswordHash: hash,
		Role:         *role,
		Confirmed:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, server.ErrConflict) {
			return fmt.Errorf("username or email already taken")
		}
		return err
	}
	fmt.Fprintf(out, "id: %s\nusername: %s\npassword: %s\n", user.ID, user.Username, password)
	return nil
}

func withUser(ctx context.Context, store server.Store, args []string, fn func(server.User) error) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected exactly one username", errUsage)
	}
	u, err := store.GetUserByUsername(ctx, args[0])
	if errors.Is(err, server.ErrNotFound) {
		return fmt.Errorf("no user named %q", args[0])
	}
	if err != nil {
		return err
	}
	return fn(u)
}

func purge(ctx context.Context, store server.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	retention := fs.Duration("token-retention", server.DefaultTokenRetention, "Keep expired token pairs this long")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	res, err := store.PurgeExpired(ctx, time.Now(), *retention)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "auth_codes=%d tokens=%d admin_sessions=%d rate_limits=%d\n",
		res.AuthCodes, res.Tokens, res.AdminSessions, res.RateLimits)
	return nil
}

func listUsers(ctx context.Context, store server.Store, out io.Writer) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tNAME\tROLE\tSTATUS\tAGENT")
	for _, u := range users {
		status := "active"
		switch {
		case u.Disabled:
			status = "disabled"
		case !u.Confirmed:
			status = "unconfirmed"
		}
		agent := "-"
		if u.HasToken {
			agent = u.AgentLabel
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.Username, u.Name, u.Role, status, agent)
	}
	return tw.Flush()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
