package main

import (
	"fmt"
	"os"
	"time"

	"github.com/bdobrica/Aramaki/common/crypto"
	"github.com/bdobrica/Aramaki/common/environment"
	"github.com/bdobrica/Aramaki/common/version"
	"github.com/bdobrica/Aramaki/internal/aramaki/app"
	"github.com/bdobrica/Aramaki/internal/aramaki/llm"
	"github.com/bdobrica/Aramaki/internal/aramaki/moderation"
	"github.com/bdobrica/Aramaki/internal/aramaki/observability"
)

func main() {
	fmt.Printf("Aramaki Conversational Gateway\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	observability.Setup(
		environment.StringOr("ARAMAKI_LOG_LEVEL", "info"),
		environment.StringOr("ARAMAKI_LOG_FORMAT", "text"),
	)

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	gateway, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Aramaki: %v\n", err)
		os.Exit(1)
	}
	defer gateway.Stop()

	if err := gateway.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Aramaki: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig builds the application configuration from the environment.
func loadConfig() (*app.Config, error) {
	personasDir, err := environment.RequiredString("ARAMAKI_PERSONAS_DIR")
	if err != nil {
		return nil, err
	}

	apiKey, err := environment.RequiredString("ARAMAKI_LLM_API_KEY")
	if err != nil {
		return nil, err
	}

	// The master key is optional; without it conversation payloads are
	// stored in plaintext (fine for development, not for production).
	var masterKey []byte
	if raw := os.Getenv("ARAMAKI_MASTER_KEY"); raw != "" {
		masterKey, err = crypto.ParseMasterKey(raw)
		if err != nil {
			return nil, fmt.Errorf("ARAMAKI_MASTER_KEY: %w (generate one with: openssl rand -hex 32)", err)
		}
	}

	return &app.Config{
		DatabasePath: environment.StringOr("ARAMAKI_DB_PATH", "./aramaki.db"),
		MasterKey:    masterKey,
		PersonasFS:   os.DirFS(personasDir),

		LLM: llm.OpenAIConfig{
			APIKey:  apiKey,
			BaseURL: environment.StringOr("ARAMAKI_LLM_ENDPOINT", ""),
			Model:   environment.StringOr("ARAMAKI_LLM_MODEL", ""),
		},

		HTTPAddr:            environment.StringOr("ARAMAKI_HTTP_ADDR", ""),
		AuditRoomID:         environment.StringOr("ARAMAKI_AUDIT_ROOM", ""),
		ModerationLogRoomID: environment.StringOr("ARAMAKI_MODERATION_LOG_ROOM", ""),

		DedupTTL:        environment.DurationOr("ARAMAKI_DEDUP_TTL", 0),
		DedupTextWindow: environment.DurationOr("ARAMAKI_DEDUP_TEXT_WINDOW", 0),

		SummarizeTrigger: environment.IntOr("ARAMAKI_SUMMARIZE_TRIGGER", 0),
		SummarizeKeep:    environment.IntOr("ARAMAKI_SUMMARIZE_KEEP", 0),

		GenerationTimeout:  environment.DurationOr("ARAMAKI_GENERATION_TIMEOUT", 0),
		ContextTokenBudget: environment.IntOr("ARAMAKI_CONTEXT_TOKEN_BUDGET", 0),

		RateLimitPerMinute: environment.IntOr("ARAMAKI_RATE_LIMIT", 0),
		DailyTokenBudget:   environment.IntOr("ARAMAKI_DAILY_TOKEN_BUDGET", 0),

		Ledger: moderation.Config{
			TempMuteThreshold: environment.IntOr("ARAMAKI_TEMP_MUTE_THRESHOLD", 0),
			KickThreshold:     environment.IntOr("ARAMAKI_KICK_THRESHOLD", 0),
			BanThreshold:      environment.IntOr("ARAMAKI_BAN_THRESHOLD", 0),
			WarningExpiry:     time.Duration(environment.IntOr("ARAMAKI_WARNING_EXPIRY_DAYS", 0)) * 24 * time.Hour,
			MuteDuration:      environment.DurationOr("ARAMAKI_MUTE_DURATION", 0),
		},
	}, nil
}
