// migrate runs schema migrations as a standalone job so API instances can
// start with SKIP_MIGRATIONS=true and never block on DDL.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/migrate
package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/models"
	"github.com/go-sql-driver/mysql"
)

func main() {
	// Ping the server directly first so a missing/unreachable database fails
	// fast with a readable error instead of gorm retry noise.
	cfg := mysql.Config{
		User:                 os.Getenv("DB_USER"),
		Passwd:               os.Getenv("DB_PASSWORD"),
		Net:                  "tcp",
		Addr:                 os.Getenv("DB_HOST") + ":" + os.Getenv("DB_PORT"),
		DBName:               os.Getenv("DB_NAME"),
		AllowNativePasswords: true,
	}
	probe, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid database config: %v\n", err)
		os.Exit(1)
	}
	deadline := time.Now().Add(2 * time.Minute)
	for {
		if err = probe.Ping(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "database unreachable: %v\n", err)
			os.Exit(1)
		}
		time.Sleep(2 * time.Second)
	}
	_ = probe.Close()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	models.MigrateTable()
	fmt.Println("migrations complete")
}
