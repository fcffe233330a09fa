package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"chat_gateway/internal/auth"
	"chat_gateway/internal/config"
	"chat_gateway/internal/models"
	"chat_gateway/internal/storage"
)

func main() {
	fmt.Println("Chat Gateway - Bootstrap Admin Initialization")

	// Load configuration (primarily for database connection)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Get bootstrap credentials from environment
	email := strings.TrimSpace(strings.ToLower(os.Getenv("ADMIN_BOOTSTRAP_EMAIL")))
	password := os.Getenv("ADMIN_BOOTSTRAP_PASSWORD")

	if email == "" || password == "" {
		fmt.Fprintf(os.Stderr, "ERROR: ADMIN_BOOTSTRAP_EMAIL and ADMIN_BOOTSTRAP_PASSWORD must be set\n")
		os.Exit(1)
	}
	if !strings.Contains(email, "@") {
		fmt.Fprintf(os.Stderr, "ERROR: Invalid email format: %s\n", email)
		os.Exit(1)
	}
	if len(password) < 8 {
		fmt.Fprintf(os.Stderr, "ERROR: Password must be at least 8 characters long\n")
		os.Exit(1)
	}

	// Connect to database
	fmt.Println("Connecting to database...")
	db, err := storage.NewDB(storage.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		UserCacheSize:   10, // Minimal cache for init tool
		UserCacheTTL:    5 * time.Minute,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("Database connection established")

	repo := storage.NewUserRepository(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Check if a user with this email already exists
	existing, err := repo.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to check for existing user: %v\n", err)
		os.Exit(1)
	}
	if existing != nil {
		if existing.IsAdmin() {
			fmt.Printf("INFO: Admin user %s already exists\n", email)
			fmt.Println("Exiting successfully (no action taken)")
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "ERROR: User %s exists but is not an admin\n", email)
		os.Exit(1)
	}

	fmt.Println("Hashing password...")
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to hash password: %v\n", err)
		os.Exit(1)
	}

	user := &models.User{
		Email:        email,
		Name:         "Administrator",
		PasswordHash: passwordHash,
		Role:         auth.RoleAdmin.String(),
		Enabled:      true,
	}

	if err := repo.Create(ctx, user); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to create admin user: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Bootstrap admin user created: %s (%s)\n", user.Email, user.ID)
}
