// Command admin reads and writes settlement settings directly in the
// database, for operational interventions like clearing maintenance
// mode or tuning the deposit minimum without a deploy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opencustody/settler/internal/infra/storage/postgres"
)

func main() {
	dbURL := flag.String("db-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	get := flag.String("get", "", "Read one setting key")
	set := flag.String("set", "", "Write one setting as key=value")
	clearMaintenance := flag.Bool("clear-maintenance", false, "Reset the maintenance_mode flag")
	flag.Parse()

	_ = godotenv.Load()
	if *dbURL == "" {
		*dbURL = os.Getenv("DATABASE_URL")
	}
	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "no database URL: pass -db-url or set DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.NewDB(ctx, postgres.Config{URL: *dbURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := postgres.NewSettingsRepo(db)

	switch {
	case *get != "":
		value, found, err := repo.Get(ctx, *get)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", *get, err)
			os.Exit(1)
		}
		if !found {
			fmt.Printf("%s is not set\n", *get)
			return
		}
		fmt.Printf("%s = %s\n", *get, value)

	case *set != "":
		key, value, ok := strings.Cut(*set, "=")
		if !ok || key == "" {
			fmt.Fprintln(os.Stderr, "-set expects key=value")
			os.Exit(1)
		}
		if err := repo.Set(ctx, key, value); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", key, err)
			os.Exit(1)
		}
		fmt.Printf("%s = %s\n", key, value)

	case *clearMaintenance:
		if err := repo.Set(ctx, "maintenance_mode", "false"); err != nil {
			fmt.Fprintf(os.Stderr, "clear maintenance: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("maintenance_mode = false")

	default:
		flag.Usage()
		os.Exit(2)
	}
}
