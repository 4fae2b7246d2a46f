package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Wikid82/shadowguard/internal/config"
	"github.com/Wikid82/shadowguard/internal/database"
	"github.com/Wikid82/shadowguard/internal/models"
	"github.com/Wikid82/shadowguard/internal/services"
)

type seedRule struct {
	Domain    string   `json:"domain"`
	Methods   []string `json:"methods,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Message   string   `json:"message,omitempty"`
	RiskScore *int     `json:"risk_score,omitempty"`
	Category  string   `json:"category,omitempty"`
	AddedAt   string   `json:"added_at"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	fmt.Println("✓ Database migrated successfully")

	now := time.Now()
	added := now.Format(time.RFC3339)

	// Seed rule documents, never overwriting an operator's lists
	blocklist := []seedRule{
		{Domain: "twitter.com", Reason: "Social media is not allowed during work hours", AddedAt: added},
		{Domain: "reddit.com", Methods: []string{"POST"}, Reason: "Read-only access", AddedAt: added},
		{Domain: "youtube.com", AddedAt: added},
	}
	score := 9
	highRisk := []seedRule{
		{Domain: "casino-royale.example", Message: "Gambling sites are flagged as high risk", RiskScore: &score, Category: "gambling", AddedAt: added},
		{Domain: "free-crypto.example", Message: "Known phishing campaign", Category: "phishing", AddedAt: added},
	}
	writeRules(cfg.Rules.BlocklistPath, blocklist)
	writeRules(cfg.Rules.HighRiskPath, highRisk)

	// Seed synthetic traffic for the last two hours
	stats := services.NewStatsService(db, cfg.StoreTimeout)
	domains := []string{"github.com", "docs.google.com", "twitter.com", "reddit.com", "casino-royale.example", "stackoverflow.com"}
	rng := rand.New(rand.NewSource(now.UnixNano()))

	created := 0
	for i := 0; i < 200; i++ {
		domain := domains[rng.Intn(len(domains))]
		entry := models.ActivityEntry{
			ID:           uuid.NewString(),
			Timestamp:    now.Add(-time.Duration(rng.Intn(120)) * time.Minute).UTC(),
			Domain:       domain,
			Path:         "/",
			Method:       "GET",
			Status:       models.StatusAllowed,
			ResponseTime: float64(rng.Intn(500)) / 100,
		}
		switch domain {
		case "twitter.com":
			entry.Blocked, entry.Status, entry.Tier = true, models.StatusBlocked, models.TierStandard
		case "casino-royale.example":
			entry.Blocked, entry.Status, entry.Tier = true, models.StatusHighRiskBlocked, models.TierHighRisk
		}

		inserted, err := stats.Record(context.Background(), entry)
		if err != nil {
			log.Printf("Failed to seed request for %s: %v", domain, err)
			continue
		}
		if inserted {
			created++
		}
	}
	fmt.Printf("✓ Seeded %d requests\n", created)

	fmt.Println("\n✓ Database seeding completed successfully!")
	fmt.Println("  You can now start the application and see sample data.")
}

func writeRules(path string, rules []seedRule) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("  %s already exists, skipping\n", path)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("Failed to create %s: %v", filepath.Dir(path), err)
		return
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		log.Printf("Failed to encode rules for %s: %v", path, err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("Failed to write %s: %v", path, err)
		return
	}
	fmt.Printf("✓ Wrote %d rules to %s\n", len(rules), path)
}
