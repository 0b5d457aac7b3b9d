// Package app wires the gateway together: the SQLite store, one Matrix
// session per persona, the shared generation and memory layers, and the
// message pipeline that connects them.
package app

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	personaspec "github.com/bdobrica/Aramaki/common/spec/persona"
	"github.com/bdobrica/Aramaki/internal/aramaki/audit"
	"github.com/bdobrica/Aramaki/internal/aramaki/dedup"
	"github.com/bdobrica/Aramaki/internal/aramaki/llm"
	"github.com/bdobrica/Aramaki/internal/aramaki/matrix"
	"github.com/bdobrica/Aramaki/internal/aramaki/memory"
	"github.com/bdobrica/Aramaki/internal/aramaki/moderation"
	"github.com/bdobrica/Aramaki/internal/aramaki/personas"
	"github.com/bdobrica/Aramaki/internal/aramaki/store"
	"github.com/bdobrica/Aramaki/internal/aramaki/stream"
)

// muteSweepInterval is how often expired mutes are checked and lifted.
const muteSweepInterval = time.Minute

// Config holds application configuration.
type Config struct {
	DatabasePath string
	// MasterKey encrypts conversation payloads at rest. When nil,
	// conversations are stored in plaintext.
	MasterKey []byte
	// PersonasFS is a filesystem rooted at the personas directory. Pass
	// os.DirFS(path) or an embed.FS sub-tree.
	PersonasFS fs.FS
	// AccessTokens maps persona name → Matrix access token. Personas not
	// present in the map fall back to the environment variable named by
	// their profile's accessTokenEnv.
	AccessTokens map[string]string

	// LLM configures the shared OpenAI-compatible provider used for
	// generation, summarization, and moderation classification.
	LLM llm.OpenAIConfig

	// HTTPAddr is the TCP address for the optional health/status HTTP
	// server (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string
	// AuditRoomID is an optional Matrix room where the gateway posts
	// human-friendly summaries of major events. Empty disables it.
	AuditRoomID string
	// ModerationLogRoomID is an optional Matrix room that receives a
	// notice for every moderation action, in addition to the durable
	// moderation log in the store. Empty disables it.
	ModerationLogRoomID string

	// DedupTTL and DedupTextWindow tune the duplicate suppressor; zero
	// values use the dedup package defaults.
	DedupTTL        time.Duration
	DedupTextWindow time.Duration

	// SummarizeTrigger and SummarizeKeep tune conversation condensation;
	// zero values use the memory package defaults.
	SummarizeTrigger int
	SummarizeKeep    int

	// GenerationTimeout bounds one streamed generation end to end.
	GenerationTimeout time.Duration
	// ContextTokenBudget bounds the conversation context injected into
	// each generation request.
	ContextTokenBudget int

	// RateLimitPerMinute is the per-sender message rate cap. Zero uses
	// the llm package default.
	RateLimitPerMinute int
	// DailyTokenBudget is the per-sender daily token cap. Zero uses the
	// llm package default.
	DailyTokenBudget int

	// Ledger sets gateway-wide escalation defaults; individual persona
	// profiles can override the thresholds for their rooms.
	Ledger moderation.Config
}

// session is one persona's live Matrix presence plus its moderation state.
type session struct {
	profile *personaspec.Profile
	client  *matrix.Client
	agent   *Agent
	ledger  *moderation.Ledger
}

// App is the gateway application.
type App struct {
	config       *Config
	store        *store.Store
	registry     *personas.Registry
	sessions     map[string]*session
	deduper      *dedup.Cache
	pipeline     *Pipeline
	notifier     audit.Notifier
	healthServer *HealthServer
}

// New creates the gateway from config. Every persona profile must have an
// access token; a missing token fails the whole boot rather than running a
// partial fleet.
func New(config *Config) (*App, error) {
	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(config.DatabasePath, config.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	registry, err := personas.Load(config.PersonasFS)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load personas: %w", err)
	}
	slog.Info("personas loaded", "count", registry.Count(), "names", registry.Names())

	// Shared generation stack: one provider serves answer generation,
	// summarization, and moderation classification.
	provider := llm.NewOpenAI(config.LLM)
	generator := llm.NewGenerator(provider, &stream.Aggregator{}, config.GenerationTimeout)

	summarizer := memory.NewLLMSummarizer(provider, config.LLM.Model)
	manager := memory.NewManager(st, summarizer, memory.Config{
		SummarizeTrigger: config.SummarizeTrigger,
		SummarizeKeep:    config.SummarizeKeep,
	})

	deduper := dedup.New(config.DedupTTL, config.DedupTextWindow)
	rateLimiter := llm.NewRateLimiter(config.RateLimitPerMinute, time.Minute)
	tokenBudget := llm.NewTokenBudget(config.DailyTokenBudget)
	slog.Info("per-sender limits ready",
		"rate_per_minute", config.RateLimitPerMinute, "daily_tokens", tokenBudget.Budget())

	// One Matrix session per persona. Each session carries its own ledger
	// so sanctions are issued by the persona that moderates the room.
	sessions := make(map[string]*session, registry.Count())
	for _, profile := range registry.All() {
		name := profile.Metadata.Name

		token := config.AccessTokens[name]
		if token == "" {
			token = os.Getenv(profile.Matrix.AccessTokenEnv)
		}
		if token == "" {
			closeSessions(sessions)
			st.Close()
			return nil, fmt.Errorf("no access token for persona %q (set %s)",
				name, profile.Matrix.AccessTokenEnv)
		}

		client, err := matrix.New(&matrix.Config{
			Homeserver:  profile.Matrix.Homeserver,
			UserID:      profile.Matrix.UserID,
			AccessToken: token,
			Rooms:       unionRooms(profile.Matrix.Rooms, profile.Moderation.Rooms),
			DB:          st.DB(),
		})
		if err != nil {
			closeSessions(sessions)
			st.Close()
			return nil, fmt.Errorf("failed to initialize Matrix client for %q: %w", name, err)
		}

		sink := &modLogSink{store: st, sender: client, roomID: config.ModerationLogRoomID}
		ledger := moderation.NewLedger(st, client, client, sink, ledgerConfigFor(profile, config.Ledger))
		engine := moderation.NewEngine(generator, client)

		model := profile.Model.Name
		if model == "" {
			model = config.LLM.Model
		}

		agent := &Agent{
			Name:         name,
			UserID:       profile.Matrix.UserID,
			Model:        model,
			SystemPrompt: profile.Model.SystemPrompt,
			Temperature:  profile.Model.Temperature,
			Moderated:    roomSet(profile.Moderation.Rooms),
			Messenger:    client,
			Classifier:   engine,
			Ledger:       ledger,
		}
		// Profile limits override the shared per-sender gates.
		if n := profile.Limits.MaxRequestsPerMinute; n > 0 {
			agent.Rate = llm.NewRateLimiter(n, time.Minute)
		}
		if n := profile.Limits.DailyTokenBudget; n > 0 {
			agent.Budget = llm.NewTokenBudget(n)
		}
		agent.ContextTokens = profile.Limits.ContextTokenBudget

		sessions[name] = &session{
			profile: profile,
			client:  client,
			ledger:  ledger,
			agent:   agent,
		}
		slog.Info("persona session ready", "persona", name,
			"user_id", profile.Matrix.UserID,
			"rooms", len(profile.Matrix.Rooms),
			"moderated_rooms", len(profile.Moderation.Rooms))
	}

	// Audit notices go out through the first persona's session.
	var notifier audit.Notifier = audit.Noop{}
	if config.AuditRoomID != "" {
		first := sessions[registry.Names()[0]]
		notifier = audit.NewMatrixNotifier(first.client, config.AuditRoomID)
		slog.Info("audit room notifier ready", "room", config.AuditRoomID)
	}

	pipeline := NewPipeline(PipelineConfig{
		Deduper:       deduper,
		Memory:        manager,
		Generator:     generator,
		RateLimiter:   rateLimiter,
		TokenBudget:   tokenBudget,
		Notifier:      notifier,
		ContextTokens: config.ContextTokenBudget,
	})

	var healthServer *HealthServer
	if config.HTTPAddr != "" {
		healthServer = NewHealthServer(config.HTTPAddr, st, registry.Names())
		slog.Info("health server configured", "addr", config.HTTPAddr)
	}

	return &App{
		config:       config,
		store:        st,
		registry:     registry,
		sessions:     sessions,
		deduper:      deduper,
		pipeline:     pipeline,
		notifier:     notifier,
		healthServer: healthServer,
	}, nil
}

// Run starts every persona session and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	go a.deduper.Run(ctx)

	for name, sess := range a.sessions {
		sess := sess
		slog.Info("starting Matrix sync", "persona", name)
		err := sess.client.Start(ctx,
			func(ctx context.Context, evt *event.Event) { a.handleMessage(sess, evt) },
			func(ctx context.Context, roomID, userID string) { a.handleJoin(ctx, sess, roomID, userID) },
		)
		if err != nil {
			return fmt.Errorf("failed to start Matrix client for %q: %w", name, err)
		}
	}

	go a.runMuteSweep(ctx)

	slog.Info("gateway is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop stops all persona sessions and closes the store.
func (a *App) Stop() {
	for name, sess := range a.sessions {
		slog.Info("stopping Matrix client", "persona", name)
		sess.client.Stop()
	}

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing database")
	a.store.Close()
}

// handleMessage converts a Matrix event into a pipeline Inbound.
func (a *App) handleMessage(sess *session, evt *event.Event) {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return
	}

	a.pipeline.HandleMessage(sess.agent, Inbound{
		EventID:    evt.ID.String(),
		RoomID:     evt.RoomID.String(),
		SenderID:   evt.Sender.String(),
		SenderName: evt.Sender.Localpart(),
		Body:       msg.Body,
	})
}

// handleJoin resets the warning record of a banned participant who made it
// back into a moderated room — whoever let them back in outranks the
// ledger's history.
func (a *App) handleJoin(ctx context.Context, sess *session, roomID, userID string) {
	if !sess.agent.Moderated[roomID] {
		return
	}

	state, _, err := sess.ledger.Status(ctx, roomID, userID)
	if err != nil {
		slog.Warn("join: warning status lookup failed", "room_id", roomID, "user_id", userID, "err", err)
		return
	}
	if state != moderation.StateBanned {
		return
	}

	if err := sess.ledger.Reinstate(ctx, roomID, userID); err != nil {
		slog.Error("join: reinstate failed", "room_id", roomID, "user_id", userID, "err", err)
		return
	}
	slog.Info("banned participant rejoined, record reset", "room_id", roomID, "user_id", userID)
	a.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindReinstated,
		Actor:   sess.agent.UserID,
		Target:  userID,
		Message: fmt.Sprintf("rejoined %s after a ban, warning record reset", roomID),
	})
}

// runMuteSweep periodically lifts mutes whose duration has passed. Matrix
// has no native timed mute, so the restriction stays until this sweep
// restores the participant's power level.
func (a *App) runMuteSweep(ctx context.Context) {
	ticker := time.NewTicker(muteSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.sweepExpiredMutes(ctx, now)
		}
	}
}

func (a *App) sweepExpiredMutes(ctx context.Context, now time.Time) {
	entries, err := a.store.ListExpiredMutes(ctx, now)
	if err != nil {
		slog.Warn("mute sweep: list expired mutes", "err", err)
		return
	}

	for _, entry := range entries {
		sess := a.sessionForRoom(entry.RoomID)
		if sess == nil {
			slog.Warn("mute sweep: no persona moderates room, skipping",
				"room_id", entry.RoomID, "user_id", entry.UserID)
			continue
		}

		if err := sess.client.Unrestrict(ctx, entry.UserID, entry.RoomID); err != nil {
			// Leave muted_until in place; the next sweep retries.
			slog.Warn("mute sweep: unrestrict failed",
				"room_id", entry.RoomID, "user_id", entry.UserID, "err", err)
			continue
		}
		if err := a.store.ClearMute(ctx, entry.UserID, entry.RoomID); err != nil {
			slog.Warn("mute sweep: clear mute record",
				"room_id", entry.RoomID, "user_id", entry.UserID, "err", err)
			continue
		}

		slog.Info("mute expired, participant unrestricted",
			"room_id", entry.RoomID, "user_id", entry.UserID)
		a.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindUnmuted,
			Actor:   sess.agent.UserID,
			Target:  entry.UserID,
			Message: fmt.Sprintf("mute expired in %s", entry.RoomID),
		})
	}
}

// sessionForRoom returns the session whose persona moderates roomID, or
// any session present in the room as a fallback.
func (a *App) sessionForRoom(roomID string) *session {
	var fallback *session
	for _, name := range a.registry.Names() {
		sess := a.sessions[name]
		if sess.agent.Moderated[roomID] {
			return sess
		}
		if fallback == nil {
			for _, room := range sess.profile.Matrix.Rooms {
				if room == roomID {
					fallback = sess
					break
				}
			}
		}
	}
	return fallback
}

// modLogSink records moderation actions durably and, when configured,
// mirrors them to a Matrix log room.
type modLogSink struct {
	store  *store.Store
	sender audit.Sender
	roomID string
}

func (s *modLogSink) RecordModeration(ctx context.Context, roomID, userID, action, reason, issuer string) {
	err := s.store.AppendModerationLog(ctx, store.ModerationEntry{
		RoomID: roomID,
		UserID: userID,
		Action: action,
		Reason: reason,
		Issuer: issuer,
	})
	if err != nil {
		slog.Warn("moderation log append failed", "room_id", roomID, "user_id", userID, "err", err)
	}

	if s.roomID == "" {
		return
	}
	msg := fmt.Sprintf("[moderation] %s %s in %s: %s", action, userID, roomID, reason)
	if err := s.sender.SendNotice(ctx, s.roomID, msg); err != nil {
		slog.Warn("moderation log notice failed", "room_id", s.roomID, "err", err)
	}
}

// ledgerConfigFor merges a persona profile's moderation overrides over the
// gateway-wide defaults.
func ledgerConfigFor(profile *personaspec.Profile, base moderation.Config) moderation.Config {
	cfg := base
	if profile.Moderation.TempMuteThreshold > 0 {
		cfg.TempMuteThreshold = profile.Moderation.TempMuteThreshold
	}
	if profile.Moderation.KickThreshold > 0 {
		cfg.KickThreshold = profile.Moderation.KickThreshold
	}
	if profile.Moderation.BanThreshold > 0 {
		cfg.BanThreshold = profile.Moderation.BanThreshold
	}
	if profile.Moderation.WarningExpiryDays > 0 {
		cfg.WarningExpiry = time.Duration(profile.Moderation.WarningExpiryDays) * 24 * time.Hour
	}
	if profile.Moderation.MuteMinutes > 0 {
		cfg.MuteDuration = time.Duration(profile.Moderation.MuteMinutes) * time.Minute
	}
	return cfg
}

// unionRooms merges the chat and moderation room lists without duplicates.
func unionRooms(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, room := range list {
			if !seen[room] {
				seen[room] = true
				out = append(out, room)
			}
		}
	}
	return out
}

// roomSet converts a room list into a membership set.
func roomSet(rooms []string) map[string]bool {
	set := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		set[room] = true
	}
	return set
}

// closeSessions stops any sessions created before a boot failure.
func closeSessions(sessions map[string]*session) {
	for _, sess := range sessions {
		sess.client.Stop()
	}
}
