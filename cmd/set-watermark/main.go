package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"bridge-backend/internal/config"
	"bridge-backend/internal/db"
	"bridge-backend/internal/models"
	"bridge-backend/internal/repository"
)

// Overrides an observer watermark directly in the database, for use
// while the operator is stopped. Rewinding makes the observer rescan
// the range on next start; the processed ledger keeps replays from
// double-paying.
func main() {
	configPath := flag.String("config", "", "path to config file")
	chain := flag.String("chain", "", "which watermark to set: monero or evm")
	height := flag.Uint64("height", 0, "watermark height")
	flag.Parse()

	var key string
	switch *chain {
	case "monero":
		key = models.StateKeyDepositHeight
	case "evm":
		key = models.StateKeyWithdrawalHeight
	default:
		log.Fatal("-chain must be monero or evm")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}

	state := repository.NewStateRepository(database)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	previous, err := state.GetHeight(ctx, key)
	if err != nil {
		log.Fatalf("Failed to read current watermark: %v", err)
	}

	if err := state.SetHeight(ctx, key, *height); err != nil {
		log.Fatalf("Failed to set watermark: %v", err)
	}

	fmt.Printf("✅ %s watermark: %d -> %d\n", *chain, previous, *height)
	if *height < previous {
		fmt.Println("   Observer will rescan the rewound range on next start.")
	}
}
