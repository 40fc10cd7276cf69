package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"settld-gateway/pkg/store"
)

func main() {
	var direction string
	flag.StringVar(&direction, "direction", "up", "Migration direction: up or down")
	flag.Parse()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN environment variable is required")
	}

	switch direction {
	case "up":
		if err := store.Migrate(dsn); err != nil {
			log.Fatalf("migration up failed: %v", err)
		}
		fmt.Println("migrations applied")
	case "down":
		if err := store.MigrateDown(dsn); err != nil {
			log.Fatalf("migration down failed: %v", err)
		}
		fmt.Println("migrations rolled back")
	default:
		log.Fatalf("unknown migration direction: %s", direction)
	}
}
