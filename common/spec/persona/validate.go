package persona

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a persona YAML document into a Profile and validates it.
// It is the canonical entry point for loading persona profiles.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks a Profile for structural correctness. It returns the
// first validation error encountered, or nil if the profile is valid.
func Validate(p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile must not be nil")
	}

	// ── API version ──────────────────────────────────────────────────────────
	if p.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, p.APIVersion)
	}

	// ── Metadata ─────────────────────────────────────────────────────────────
	if strings.TrimSpace(p.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name must not be empty")
	}

	// ── Matrix ───────────────────────────────────────────────────────────────
	if err := validateMatrix(p.Matrix); err != nil {
		return fmt.Errorf("matrix: %w", err)
	}

	// ── Model ────────────────────────────────────────────────────────────────
	if err := validateModel(p.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	// ── Moderation ───────────────────────────────────────────────────────────
	if err := validateModeration(p.Moderation); err != nil {
		return fmt.Errorf("moderation: %w", err)
	}

	// ── Limits ───────────────────────────────────────────────────────────────
	if err := validateLimits(p.Limits); err != nil {
		return fmt.Errorf("limits: %w", err)
	}

	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func validateMatrix(m Matrix) error {
	if strings.TrimSpace(m.Homeserver) == "" {
		return fmt.Errorf("homeserver must not be empty")
	}
	if !strings.HasPrefix(m.UserID, "@") {
		return fmt.Errorf("userID %q must start with '@'", m.UserID)
	}
	if strings.TrimSpace(m.AccessTokenEnv) == "" {
		return fmt.Errorf("accessTokenEnv must not be empty")
	}
	if len(m.Rooms) == 0 {
		return fmt.Errorf("rooms must not be empty")
	}
	for _, room := range m.Rooms {
		if !strings.HasPrefix(room, "!") {
			return fmt.Errorf("rooms entry %q must start with '!'", room)
		}
	}
	return nil
}

func validateModel(m Model) error {
	if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2.0) {
		return fmt.Errorf("temperature %.2f is outside valid range [0.0, 2.0]", *m.Temperature)
	}
	return nil
}

func validateModeration(m Moderation) error {
	for _, room := range m.Rooms {
		if !strings.HasPrefix(room, "!") {
			return fmt.Errorf("rooms entry %q must start with '!'", room)
		}
	}
	if m.TempMuteThreshold < 0 || m.KickThreshold < 0 || m.BanThreshold < 0 {
		return fmt.Errorf("thresholds must be >= 0")
	}
	// When all three are overridden they must keep the escalation order.
	if m.TempMuteThreshold > 0 && m.KickThreshold > 0 && m.BanThreshold > 0 {
		if !(m.TempMuteThreshold < m.KickThreshold && m.KickThreshold < m.BanThreshold) {
			return fmt.Errorf("thresholds must be strictly increasing: mute %d < kick %d < ban %d",
				m.TempMuteThreshold, m.KickThreshold, m.BanThreshold)
		}
	}
	if m.WarningExpiryDays < 0 {
		return fmt.Errorf("warningExpiryDays must be >= 0")
	}
	if m.MuteMinutes < 0 {
		return fmt.Errorf("muteMinutes must be >= 0")
	}
	return nil
}

func validateLimits(l Limits) error {
	if l.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("maxRequestsPerMinute must be >= 0")
	}
	if l.DailyTokenBudget < 0 {
		return fmt.Errorf("dailyTokenBudget must be >= 0")
	}
	if l.ContextTokenBudget < 0 {
		return fmt.Errorf("contextTokenBudget must be >= 0")
	}
	return nil
}
