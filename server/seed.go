package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// EnsureSuperadmin creates the superadmin account on first start. It is a no-op when
// no superadmin email is configured or a user with that email already exists.
func EnsureSuperadmin(ctx context.Context, cfg AdminConfig, store UserStore, logger *slog.Logger) error {
	email := strings.TrimSpace(cfg.SuperadminEmail)
	if email == "" {
		return nil
	}
	if _, err := store.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	password := cfg.SuperadminInitialPassword
	generated := false
	if password == "" {
		var err error
		if password, err = GeneratePassword(); err != nil {
			return err
		}
		generated = true
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	username, err := UniqueUsername(ctx, store)
	if err != nil {
		return err
	}

	now := time.Now()
	user := User{
		ID:           NewID(),
		Name:         "Superadmin",
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Role:         RoleAdmin,
		Confirmed:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("create superadmin: %w", err)
	}

	attrs := []any{"username", username, "email", email}
	if generated {
		attrs = append(attrs, "password", password)
	}
	logger.Warn("superadmin created; change the password after first login", attrs...)
	return nil
}

// UniqueUsername generates usernames until one is free.
func UniqueUsername(ctx context.Context, store UserStore) (string, error) {
	for i := 0; i < 50; i++ {
		username, err := GenerateUsername()
		if err != nil {
			return "", err
		}
		_, err = store.GetUserByUsername(ctx, username)
		if errors.Is(err, ErrNotFound) {
			return username, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("could not find a free username")
}
