package config

import (
	"encoding/json"
	"os"

	"qms/queue-engine/internal/models"
)

// Seed holds the services and counters loaded at startup. Seeding is an
// upsert: rerunning with the same file is safe.
type Seed struct {
	Services []models.Service `json:"services"`
	Counters []models.Counter `json:"counters"`
}

func LoadSeed(path string) (Seed, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	var seed Seed
	if err := json.Unmarshal(content, &seed); err != nil {
		return Seed{}, err
	}
	return seed, nil
}
