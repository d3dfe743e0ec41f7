package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"yahtzee/internal/config"
	"yahtzee/internal/database"
	"yahtzee/internal/logging"
	"yahtzee/internal/repository"
	"yahtzee/internal/security"
	"yahtzee/internal/service"
)

type sampleUser struct {
	username, email, first, last string
}

var sampleUsers = []sampleUser{
	{"pmacking", "test@test.com", "Paul", "Maclachlan"},
	{"tayadawne", "test@test.ca", "Taya", "Maclachlan"},
}

func main() {
	// Define subcommands
	seedCmd := flag.NewFlagSet("seed", flag.ExitOnError)
	seedPassword := seedCmd.String("password", "yahtzee123", "Password for the sample users")

	clearCmd := flag.NewFlagSet("clear", flag.ExitOnError)
	clearYes := clearCmd.Bool("yes", false, "Skip the confirmation prompt")

	deleteCmd := flag.NewFlagSet("delete-user", flag.ExitOnError)
	deleteUsername := deleteCmd.String("username", "", "Username of the account to delete (required)")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	ctx := context.Background()

	db, err := database.InitializeWithConfig(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	// Every subcommand needs the current schema.
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	switch os.Args[1] {
	case "migrate":
		version, err := db.SchemaVersion(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read schema version")
		}
		log.Info().Int64("version", version).Msg("database is up to date")

	case "seed":
		seedCmd.Parse(os.Args[2:])
		users := service.NewUserService(db, security.NewPasswordHasher(cfg.BcryptCost), nil, nil, cfg.UploadMaxSize)
		if err := seed(ctx, users, *seedPassword); err != nil {
			log.Fatal().Err(err).Msg("seed failed")
		}

	case "clear":
		clearCmd.Parse(os.Args[2:])
		if !*clearYes && !confirm("WARNING: This will delete all users, sessions and scores. Type 'yes' to confirm: ") {
			log.Info().Msg("clear cancelled")
			return
		}
		if err := database.WithTx(ctx, db, func(ctx context.Context, tx database.DBTX) error {
			return repository.ClearAll(ctx, tx)
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to clear database")
		}
		log.Info().Msg("all tables cleared")

	case "delete-user":
		deleteCmd.Parse(os.Args[2:])
		if *deleteUsername == "" {
			fmt.Println("Error: -username flag is required")
			deleteCmd.PrintDefaults()
			os.Exit(1)
		}
		if err := deleteUser(ctx, repository.NewUserRepository(db), *deleteUsername); err != nil {
			log.Fatal().Err(err).Str("username", *deleteUsername).Msg("failed to delete user")
		}

	default:
		printUsage()
		os.Exit(1)
	}
}

// deleteUser removes one account; its sessions and scoresheets go with it.
func deleteUser(ctx context.Context, users *repository.UserRepository, username string) error {
	user, err := users.GetByUsername(ctx, username)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("no user named %q", username)
	}
	if err := users.Delete(ctx, user.ID); err != nil {
		return err
	}
	log.Info().Int64("user_id", user.ID).Str("username", username).Msg("user deleted")
	return nil
}

func seed(ctx context.Context, users *service.UserService, password string) error {
	for _, u := range sampleUsers {
		created, err := users.Register(ctx, service.RegisterInput{
			Username:        u.username,
			Email:           u.email,
			FirstName:       u.first,
			LastName:        u.last,
			Password:        password,
			ConfirmPassword: password,
		})
		var conflict *service.ConflictError
		switch {
		case errors.As(err, &conflict):
			log.Info().Str("username", u.username).Msg("sample user already exists, skipping")
		case err != nil:
			return fmt.Errorf("create %s: %w", u.username, err)
		default:
			log.Info().Int64("user_id", created.ID).Str("username", created.Username).Msg("sample user created")
		}
	}
	return nil
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(line) == "yes"
}

func printUsage() {
	fmt.Println("Yahtzee Database Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  builddb migrate             Apply pending migrations")
	fmt.Println("  builddb seed [options]      Create the sample users")
	fmt.Println("  builddb clear [options]     Delete every row (WARNING: destructive)")
	fmt.Println("  builddb delete-user -username <name>  Delete one account and its scores")
	fmt.Println()
	fmt.Println("Seed Options:")
	fmt.Println("  -password <pw>    Password for the sample users (default: yahtzee123)")
	fmt.Println()
	fmt.Println("Clear Options:")
	fmt.Println("  -yes              Skip the confirmation prompt")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DATABASE_TYPE    Database type: sqlite, postgres, or mysql (default: sqlite)")
	fmt.Println("  DB_PATH          SQLite database path (default: ./yahtzee.db)")
	fmt.Println("  DATABASE_URL     PostgreSQL or MySQL connection URL")
}
