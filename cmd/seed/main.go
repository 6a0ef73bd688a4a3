package main

import (
	"context"
	"flag"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"schoolerp/backend/internal/config"
	"schoolerp/backend/internal/logging"
	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/services"
	"schoolerp/backend/pkg/models"
)

// reviewers holds one account per stage role of the built-in workflows.
var reviewers = []models.User{
	{Username: "head.science", Email: "head.science@school.test", Role: "department_head"},
	{Username: "finance", Email: "finance@school.test", Role: "finance_officer"},
	{Username: "director", Email: "director@school.test", Role: "director"},
	{Username: "accountant", Email: "accountant@school.test", Role: "accountant"},
	{Username: "bursar", Email: "bursar@school.test", Role: "bursar"},
	{Username: "hr", Email: "hr@school.test", Role: "hr_officer"},
}

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	configPath := flag.String("config", "", "Path to config file")
	withUsers := flag.Bool("users", true, "Seed one reviewer account per stage role")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to DB
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	store := repository.NewPostgresWorkflowStore(pool)

	// 1. Workflow definitions and stages
	if err := services.SeedDefinitions(ctx, store); err != nil {
		log.Fatalf("Failed to seed workflow definitions: %v", err)
	}
	for _, bp := range services.Blueprints() {
		logger.Info("Seeded workflow", "code", bp.Definition.Code, "stages", len(bp.Stages))
	}

	// 2. Reviewer accounts
	if *withUsers {
		for _, u := range reviewers {
			if existing, err := store.GetUserByEmail(ctx, u.Email); err == nil {
				logger.Info("Skipping existing user", "email", u.Email, "id", existing.ID)
				continue
			}
			u.Status = "active"
			if err := store.UpsertUser(ctx, &u); err != nil {
				log.Printf("Failed to create user %s: %v", u.Email, err)
				continue
			}
			logger.Info("Seeded user", "email", u.Email, "role", u.Role, "id", u.ID)
		}
	}

	logger.Info("Seeding complete! Send SIGHUP to a running server to reload definitions.")
}
