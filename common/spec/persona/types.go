// Package persona defines types for the persona profile schema (v1).
//
// A persona profile is the versioned YAML file that configures one agent
// hosted by the gateway: its Matrix account, its model settings, which
// rooms it moderates, and per-agent overrides of the global thresholds
// and budgets.
package persona

// SpecVersion is the API version string required in every persona profile.
const SpecVersion = "persona/v1"

// Profile is the root type for a persona configuration.
type Profile struct {
	// APIVersion must be "persona/v1".
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`

	// Metadata holds descriptive metadata.
	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Matrix defines the Matrix account the persona runs as.
	Matrix Matrix `yaml:"matrix" json:"matrix"`

	// Model defines the LLM settings for this persona.
	Model Model `yaml:"model,omitempty" json:"model,omitempty"`

	// Moderation configures group-room moderation for this persona.
	Moderation Moderation `yaml:"moderation,omitempty" json:"moderation,omitempty"`

	// Limits defines per-sender rate and budget constraints.
	Limits Limits `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// Metadata holds descriptive information about a persona.
type Metadata struct {
	// Name is the persona ID (used as the agent component of the
	// conversation key).
	Name string `yaml:"name" json:"name"`

	// DisplayName is the human-readable persona name.
	DisplayName string `yaml:"displayName,omitempty" json:"displayName,omitempty"`

	// Description is a human-readable description of the persona's purpose.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Matrix defines the persona's Matrix session.
type Matrix struct {
	// Homeserver is the base URL of the Matrix homeserver.
	Homeserver string `yaml:"homeserver" json:"homeserver"`

	// UserID is the full Matrix user ID the persona runs as.
	UserID string `yaml:"userID" json:"userID"`

	// AccessTokenEnv names the environment variable holding the account's
	// access token. Tokens never appear in profile files.
	AccessTokenEnv string `yaml:"accessTokenEnv" json:"accessTokenEnv"`

	// Rooms is the list of Matrix room IDs the persona joins on startup.
	Rooms []string `yaml:"rooms" json:"rooms"`
}

// Model defines the persona's LLM settings. The system prompt shapes the
// persona's voice; access control never depends on it.
type Model struct {
	// Name is the specific model name (e.g. "gpt-4o"). Empty uses the
	// gateway default.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// SystemPrompt is injected at the start of every conversation context.
	SystemPrompt string `yaml:"systemPrompt,omitempty" json:"systemPrompt,omitempty"`

	// Temperature controls LLM output randomness. Valid range: 0.0–2.0.
	// A nil pointer means "not specified" (provider default); a non-nil
	// pointer to 0.0 means "explicitly deterministic".
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// Moderation configures which rooms the persona moderates and overrides
// the global escalation thresholds. Zero values defer to the gateway
// defaults.
type Moderation struct {
	// Rooms lists the group-room IDs where incoming messages are
	// classified before being answered. A room not listed here is treated
	// as a companion (one-on-one) room.
	Rooms []string `yaml:"rooms,omitempty" json:"rooms,omitempty"`

	// TempMuteThreshold is the warning count triggering a temporary mute.
	TempMuteThreshold int `yaml:"tempMuteThreshold,omitempty" json:"tempMuteThreshold,omitempty"`

	// KickThreshold is the warning count triggering removal from the room.
	KickThreshold int `yaml:"kickThreshold,omitempty" json:"kickThreshold,omitempty"`

	// BanThreshold is the warning count triggering a ban.
	BanThreshold int `yaml:"banThreshold,omitempty" json:"banThreshold,omitempty"`

	// WarningExpiryDays is how many days a warning counts before aging out.
	WarningExpiryDays int `yaml:"warningExpiryDays,omitempty" json:"warningExpiryDays,omitempty"`

	// MuteMinutes is the duration of a threshold mute in minutes.
	MuteMinutes int `yaml:"muteMinutes,omitempty" json:"muteMinutes,omitempty"`
}

// Limits defines per-sender resource constraints. 0 means "use the
// gateway default".
type Limits struct {
	// MaxRequestsPerMinute is the per-sender generation rate limit.
	MaxRequestsPerMinute int `yaml:"maxRequestsPerMinute,omitempty" json:"maxRequestsPerMinute,omitempty"`

	// DailyTokenBudget caps per-sender token consumption per UTC day.
	DailyTokenBudget int `yaml:"dailyTokenBudget,omitempty" json:"dailyTokenBudget,omitempty"`

	// ContextTokenBudget caps the prompt context assembled from memory.
	ContextTokenBudget int `yaml:"contextTokenBudget,omitempty" json:"contextTokenBudget,omitempty"`
}
