package config

import (
	"time"
)

type Config struct {
	// Node configuration
	NodeID   string `json:"node_id"`
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`

	// Guardian configuration
	Guardian GuardianConfig `json:"guardian"`

	// Recovery configuration
	Recovery RecoveryConfig `json:"recovery"`

	// Incentive configuration
	Incentive IncentiveConfig `json:"incentive"`
}

type GuardianConfig struct {
	MinStake    int64 `json:"min_stake"`
	SlashAmount int64 `json:"slash_amount"`
}

type RecoveryConfig struct {
	SweepInterval    time.Duration `json:"sweep_interval"`
	MaxCommitRetries int           `json:"max_commit_retries"`
	ConfirmReward    int64         `json:"confirm_reward"`
	DisputePenalty   int64         `json:"dispute_penalty"`
	InitiateRate     float64       `json:"initiate_rate"`
	InitiateBurst    int           `json:"initiate_burst"`
	MinTrustLevel    int           `json:"min_trust_level"`
}

type IncentiveConfig struct {
	RecoveryFee int64 `json:"recovery_fee"`
}

// Load returns a default configuration
// TODO: Add file-based configuration loading
func Load() (*Config, error) {
	return &Config{
		NodeID:   "aegis-node",
		DataDir:  "./data",
		LogLevel: "info",
		Guardian: GuardianConfig{
			MinStake:    100, // 100 stake-units
			SlashAmount: 50,  // stake removed per disputed recovery
		},
		Recovery: RecoveryConfig{
			SweepInterval:    30 * time.Second,
			MaxCommitRetries: 5,
			ConfirmReward:    50,  // reputation gained per successful recovery
			DisputePenalty:   100, // reputation lost on a disputed recovery
			InitiateRate:     1.0, // initiations per second
			InitiateBurst:    5,
			MinTrustLevel:    50, // owner-to-guardian trust admitting a guardian to a restricted recovery
		},
		Incentive: IncentiveConfig{
			RecoveryFee: 1000, // fee split among confirming guardians
		},
	}, nil
}
