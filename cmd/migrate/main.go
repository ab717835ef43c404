package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/games-vector/vector-games-v2-sub001/internal/config"
	"github.com/games-vector/vector-games-v2-sub001/internal/database"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()

	db, err := sql.Open("pgx", cfg.PostgresDSN())
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	path := migrationsPath()

	switch os.Args[1] {
	case "up":
		if err := database.RunMigrations(db, path); err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		log.Println("migrations applied")

	case "down":
		if err := database.RollbackMigration(db, path); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Println("last migration rolled back")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db, path)
		if err != nil {
			log.Fatalf("migrate version: %v", err)
		}
		if dirty {
			log.Printf("version %d (dirty, fix manually before migrating again)", version)
		} else {
			log.Printf("version %d", version)
		}

	case "create":
		if len(os.Args) < 3 {
			log.Fatal("usage: migrate create <name>")
		}
		if err := createMigration(path, os.Args[2]); err != nil {
			log.Fatalf("migrate create: %v", err)
		}

	default:
		log.Printf("unknown command %q", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func migrationsPath() string {
	if p := os.Getenv("MIGRATIONS_PATH"); p != "" {
		return p
	}
	return "./migrations"
}

// createMigration writes an empty up/down pair numbered after the highest
// version already on disk.
func createMigration(dir, name string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	next := 1
	for _, e := range entries {
		parts := strings.SplitN(e.Name(), "_", 2)
		if v, err := strconv.Atoi(parts[0]); err == nil && v >= next {
			next = v + 1
		}
	}

	for _, suffix := range []string{"up", "down"} {
		file := filepath.Join(dir, fmt.Sprintf("%06d_%s.%s.sql", next, name, suffix))
		if err := os.WriteFile(file, []byte("-- "+name+" ("+suffix+")\n"), 0644); err != nil {
			return err
		}
		log.Printf("created %s", file)
	}
	return nil
}

func printUsage() {
	fmt.Println("usage: migrate <up|down|version|create <name>>")
	fmt.Println()
	fmt.Println("Connection settings come from the BLUEPRINT_DB_* environment")
	fmt.Println("variables, migrations are read from MIGRATIONS_PATH (default")
	fmt.Println("./migrations).")
}
