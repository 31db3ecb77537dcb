// Package daemon composes a butler process: configuration, telemetry,
// credentials, database, MCP surface, modules, scheduler, HTTP edge, and on
// the switchboard the full ingress and routing machinery.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tzeusy/butlers/pkg/api"
	"github.com/Tzeusy/butlers/pkg/approvals"
	"github.com/Tzeusy/butlers/pkg/audit"
	"github.com/Tzeusy/butlers/pkg/buffer"
	"github.com/Tzeusy/butlers/pkg/config"
	"github.com/Tzeusy/butlers/pkg/credstore"
	"github.com/Tzeusy/butlers/pkg/database"
	"github.com/Tzeusy/butlers/pkg/delivery"
	"github.com/Tzeusy/butlers/pkg/heartbeat"
	"github.com/Tzeusy/butlers/pkg/ingest"
	"github.com/Tzeusy/butlers/pkg/mcpserver"
	"github.com/Tzeusy/butlers/pkg/memory"
	"github.com/Tzeusy/butlers/pkg/module"
	"github.com/Tzeusy/butlers/pkg/routing"
	"github.com/Tzeusy/butlers/pkg/runtime"
	"github.com/Tzeusy/butlers/pkg/scheduler"
	"github.com/Tzeusy/butlers/pkg/spawner"
	"github.com/Tzeusy/butlers/pkg/telemetry"
	"github.com/Tzeusy/butlers/pkg/triage"
)

// Environment variables the daemon reads beyond the database settings.
const (
	EnvSwitchboardURL    = "BUTLERS_SWITCHBOARD_URL"
	EnvOAuthClientID     = "GOOGLE_OAUTH_CLIENT_ID"
	EnvOAuthClientSecret = "GOOGLE_OAUTH_CLIENT_SECRET"
	EnvOAuthRedirectURL  = "GOOGLE_OAUTH_REDIRECT_URL"
	EnvOAuthDashboardURL = "OAUTH_DASHBOARD_URL"
)

const defaultSwitchboardURL = "http://localhost:8200"

// Options configures a daemon beyond butler.toml.
type Options struct {
	// ConfigDir holds butler.toml.
	ConfigDir string

	// Modules is the butler's module registry. An empty registry is valid.
	Modules *module.Registry

	// SwitchboardURL overrides BUTLERS_SWITCHBOARD_URL for non-switchboard
	// butlers.
	SwitchboardURL string

	// Transports maps channel name to its outbound send function. Only the
	// switchboard uses them; channels without a transport cannot be sent to.
	Transports map[string]delivery.TransportFunc
}

// Daemon is one running butler process.
type Daemon struct {
	cfg  *config.ButlerConfig
	opts Options

	pools     *database.PoolManager
	pool      *pgxpool.Pool
	creds     *credstore.Store
	states    *module.StateController
	runner    *module.Runner
	mcp       *mcpserver.Server
	peers     *mcpserver.PeerClient
	spawner   *spawner.Spawner
	scheduler *scheduler.Scheduler
	inbox     *buffer.PGInboxStore
	buffer    *buffer.Buffer
	liveness  *heartbeat.Liveness
	httpSrv   *http.Server

	stopExpiry context.CancelFunc
}

// New creates an unstarted daemon.
func New(opts Options) *Daemon {
	if opts.Modules == nil {
		opts.Modules = module.NewRegistry()
	}
	return &Daemon{opts: opts}
}

// Config returns the loaded configuration; nil before Start.
func (d *Daemon) Config() *config.ButlerConfig { return d.cfg }

// Start brings the butler up. On any failure everything already started is
// torn down before the error returns.
func (d *Daemon) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			d.teardown(context.Background())
		}
	}()

	cfg, err := config.Load(d.opts.ConfigDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	d.cfg = cfg

	if err := telemetry.Init(ctx, "butler-"+cfg.Name); err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	if err := d.connectDatabases(ctx); err != nil {
		return err
	}
	if err := d.validateCredentials(ctx); err != nil {
		return err
	}
	if err := d.runMigrations(); err != nil {
		return err
	}
	if err := d.buildCore(ctx); err != nil {
		return err
	}

	gated := module.NewGatedRegistrar(d.mcp, d.states)

	if cfg.IsSwitchboard() {
		if err := d.setupSwitchboard(ctx, gated); err != nil {
			return err
		}
	} else {
		mcpserver.RegisterCoreTools(gated, mcpserver.CoreDeps{
			Trigger: d.spawner,
			States:  d.states,
		})
	}

	d.runner = module.NewRunner(d.opts.Modules, d.states, cfg, d.pool, d.creds)
	if err := d.runner.StartAll(ctx, gated); err != nil {
		return err
	}

	if err := d.startScheduler(ctx); err != nil {
		return err
	}
	d.startHTTP()

	if !cfg.IsSwitchboard() {
		d.connectSwitchboard(ctx)
	}

	slog.Info("Butler started", "butler", cfg.Name, "port", cfg.Port)
	return nil
}

// Shutdown drains sessions within the configured budget and tears the
// process down in reverse start order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.cfg == nil {
		return nil
	}
	slog.Info("Butler shutting down", "butler", d.cfg.Name)

	var drainErr error
	if d.spawner != nil {
		d.spawner.StopAccepting()
		if err := d.spawner.Drain(d.cfg.Shutdown.Timeout()); err != nil {
			slog.Warn("Session drain incomplete", "error", err)
			drainErr = err
		}
	}

	if d.runner != nil {
		d.runner.ShutdownAll(ctx)
		d.runner = nil
	}
	d.teardown(ctx)
	return drainErr
}

func (d *Daemon) connectDatabases(ctx context.Context) error {
	d.pools = database.NewPoolManager(database.LoadSettingsFromEnv())

	pool, err := d.pools.Connect(ctx, d.cfg.DB.Name)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", d.cfg.DB.Name, err)
	}
	d.pool = pool

	if err := d.pools.ConnectFallbacks(ctx); err != nil {
		slog.Warn("Credential fallback databases unavailable", "error", err)
	}

	fallbacks := make([]credstore.DB, 0, 2)
	for _, p := range d.pools.FallbackPools() {
		fallbacks = append(fallbacks, p)
	}
	d.creds = credstore.New(pool, fallbacks...)
	return nil
}

func (d *Daemon) validateCredentials(ctx context.Context) error {
	moduleCreds := make(map[string][]string)
	for _, name := range d.opts.Modules.Names() {
		m, _ := d.opts.Modules.Get(name)
		moduleCreds[name] = m.CredentialsEnv()
	}
	return credstore.ValidateCredentials(ctx, d.creds, credstore.Requirements{
		Required: d.cfg.Env.Required,
		Optional: d.cfg.Env.Optional,
		Modules:  moduleCreds,
	})
}

// runMigrations applies the core chain, the switchboard chain on the
// switchboard, and every chain a registered module declares.
func (d *Daemon) runMigrations() error {
	chains := []string{"core"}
	seen := map[string]bool{"core": true}
	if d.cfg.IsSwitchboard() {
		chains = append(chains, "switchboard")
		seen["switchboard"] = true
	}
	for _, name := range d.opts.Modules.Names() {
		m, _ := d.opts.Modules.Get(name)
		if chain := m.MigrationChain(); chain != "" && !seen[chain] {
			chains = append(chains, chain)
			seen[chain] = true
		}
	}

	dsn := d.pools.DSN(d.cfg.DB.Name)
	for _, chain := range chains {
		if err := database.RunMigrations(dsn, chain); err != nil {
			return fmt.Errorf("migrating chain %s: %w", chain, err)
		}
	}
	return nil
}

// buildCore assembles the MCP server, peer client, state controller, and
// spawner.
func (d *Daemon) buildCore(ctx context.Context) error {
	d.mcp = mcpserver.New(d.cfg.Name)
	d.peers = mcpserver.NewPeerClient()
	d.states = module.NewStateController(d.pool)

	adapter, err := runtime.NewAdapter(d.cfg.Runtime.Adapter)
	if err != nil {
		return fmt.Errorf("creating runtime adapter: %w", err)
	}

	opts := spawner.Options{
		Sessions:  spawner.NewPGSessionStore(d.pool),
		BuildEnv:  d.sessionEnv,
		LocalURL:  d.localMCPURL(),
		ConfigDir: d.opts.ConfigDir,
	}
	if d.hasMigrationChain("memory") {
		opts.Memory = memory.NewStore(d.pool, d.cfg.Name)
	}
	// The audit table is central, owned by the switchboard database; every
	// other butler connects to it for session audit writes.
	if d.cfg.IsSwitchboard() {
		opts.Audit = audit.NewWriter(d.pool)
	} else if auditPool, err := d.pools.Connect(ctx, d.pools.SwitchboardDBName()); err == nil {
		opts.Audit = audit.NewWriter(auditPool)
	} else {
		slog.Warn("Central audit database unavailable, session audit disabled", "error", err)
	}
	d.spawner = spawner.New(d.cfg, adapter, opts)
	return nil
}

// sessionEnv resolves the butler's declared env keys and every module's
// credential keys through the credential store. The runtime adapter merges
// the result over the parent environment when it spawns the CLI.
func (d *Daemon) sessionEnv(ctx context.Context) map[string]string {
	keys := append([]string{}, d.cfg.Env.Required...)
	keys = append(keys, d.cfg.Env.Optional...)
	for _, name := range d.opts.Modules.Names() {
		m, _ := d.opts.Modules.Get(name)
		keys = append(keys, m.CredentialsEnv()...)
	}

	env := make(map[string]string, len(keys))
	for _, key := range keys {
		if _, done := env[key]; done {
			continue
		}
		value, found, err := d.creds.Resolve(ctx, key, true)
		if err != nil {
			slog.Warn("Credential resolution failed", "key", key, "error", err)
			continue
		}
		if found {
			env[key] = value
		}
	}
	return env
}

func (d *Daemon) localMCPURL() string {
	return fmt.Sprintf("http://localhost:%d/mcp", d.cfg.Port)
}

func (d *Daemon) hasMigrationChain(chain string) bool {
	for _, name := range d.opts.Modules.Names() {
		m, _ := d.opts.Modules.Get(name)
		if m.MigrationChain() == chain {
			return true
		}
	}
	return false
}

func (d *Daemon) startScheduler(ctx context.Context) error {
	if !d.cfg.Scheduler.Enabled {
		return nil
	}
	d.scheduler = scheduler.New(d.cfg.Name, d.spawner, d.pool)
	if err := d.scheduler.SyncSchedules(ctx, d.cfg.Schedules); err != nil {
		return fmt.Errorf("syncing schedules: %w", err)
	}
	d.scheduler.Start()
	return nil
}

// startHTTP mounts the gin edge and the MCP streamable handler on one port.
func (d *Daemon) startHTTP() {
	router := d.buildAPIServer().Router()
	router.Any("/mcp", gin.WrapH(d.mcp.Handler()))

	d.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", d.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server terminated", "error", err)
		}
	}()
}

func (d *Daemon) buildAPIServer() *api.Server {
	opts := api.Options{
		HealthChecks: []func(context.Context) error{
			func(ctx context.Context) error {
				_, err := database.Health(ctx, d.pool)
				return err
			},
		},
	}

	if d.cfg.IsSwitchboard() {
		opts.DB = d.pool
		opts.Registry = api.NewPGRegistry(d.pool)
		opts.Peers = d.peers
		opts.Enqueue = d.enqueueRoute
		opts.TriageCache = true
		if rules, err := triage.LoadRules(context.Background(), d.pool); err != nil {
			slog.Warn("Triage rules unavailable, ingest passes through", "error", err)
		} else {
			opts.TriageRules = rules
		}
		opts.OAuth = d.buildOAuthFlow()
	}
	return api.NewServer(opts)
}

func (d *Daemon) buildOAuthFlow() *api.OAuthFlow {
	clientID := os.Getenv(EnvOAuthClientID)
	clientSecret := os.Getenv(EnvOAuthClientSecret)
	if clientID == "" || clientSecret == "" {
		return nil
	}
	return api.NewOAuthFlow(
		clientID,
		clientSecret,
		os.Getenv(EnvOAuthRedirectURL),
		[]string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/calendar",
		},
		credentialSink{store: d.creds},
		os.Getenv(EnvOAuthDashboardURL),
	)
}

// setupSwitchboard wires the durable buffer, the routing pipeline, and the
// peer ingress tools, then registers the switchboard in its own registry.
func (d *Daemon) setupSwitchboard(ctx context.Context, gated module.ToolRegistrar) error {
	d.inbox = buffer.NewPGInboxStore(d.pool, d.cfg.Name)
	pipeline := routing.NewPipeline(d.pool, d.dispatchClassifier, d.deliverToButler, "", routing.HistoryLimits{})
	d.buffer = buffer.New(d.cfg.Name, d.cfg.Buffer, d.inbox, pipeline.ProcessMessage)

	registry := api.NewPGRegistry(d.pool)
	if err := registry.Register(ctx, d.cfg.Name, d.cfg.Description, d.localMCPURL()); err != nil {
		return err
	}

	auditor := audit.NewWriter(d.pool)
	mcpserver.RegisterCoreTools(gated, mcpserver.CoreDeps{
		Trigger: d.spawner,
		States:  d.states,
		Route:   d.routeSink,
		Heartbeat: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			auditor.WriteAuditEntry(ctx, d.cfg.Name, "connector_heartbeat", payload, "ok", "")
			return map[string]any{"status": "ok"}, nil
		},
	})

	approvalStore := approvals.NewStore(d.pool)
	registerApprovalTools(gated, approvalStore)
	expiryCtx, cancel := context.WithCancel(context.Background())
	d.stopExpiry = cancel
	go runApprovalExpiry(expiryCtx, approvalStore)

	if len(d.opts.Transports) > 0 {
		senders := make(map[string]*delivery.Sender, len(d.opts.Transports))
		for channel, transport := range d.opts.Transports {
			senders[channel] = delivery.NewSender(d.pool, channel, transport, delivery.Options{})
		}
		registerDeliveryTool(gated, senders)
	}

	// The startup scan recovers rows whose lease died with a previous
	// process, so crashed deliveries resume without operator action.
	d.buffer.Start(ctx)
	return nil
}

// enqueueRoute persists the routing row and offers it to the in-memory
// ring. A full ring is fine; the scanner picks the row up.
func (d *Daemon) enqueueRoute(ctx context.Context, env *ingest.Envelope, resp *ingest.Response) error {
	item := itemFromEnvelope(env, resp.RequestID)
	if err := d.inbox.Insert(ctx, item); err != nil {
		return err
	}
	d.buffer.Enqueue(item)
	return nil
}

// routeSink backs the route tool: the peer-facing twin of POST /api/ingest.
func (d *Daemon) routeSink(ctx context.Context, payload map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding route payload: %w", err)
	}
	var env ingest.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding route payload: %w", err)
	}

	resp, err := ingest.IngestV1(ctx, d.pool, &env, ingest.Options{
		TriageCacheAvailable: true,
		EnableThreadAffinity: true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Duplicate {
		if err := d.enqueueRoute(ctx, &env, resp); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"request_id": resp.RequestID,
		"status":     resp.Status,
		"duplicate":  resp.Duplicate,
	}, nil
}

// dispatchClassifier runs the routing prompt through this butler's spawner.
func (d *Daemon) dispatchClassifier(ctx context.Context, prompt string) ([]runtime.ToolCall, error) {
	result := d.spawner.Trigger(ctx, spawner.Request{
		Prompt:        prompt,
		TriggerSource: "route",
	})
	if !result.Success {
		return nil, fmt.Errorf("classifier session failed: %s", result.Error)
	}
	return result.ToolCalls, nil
}

// deliverToButler hands a routed message to the target via its trigger tool.
func (d *Daemon) deliverToButler(ctx context.Context, targetButler string, item buffer.Item) error {
	reg, found, err := api.NewPGRegistry(d.pool).Lookup(ctx, targetButler)
	if err != nil {
		return err
	}
	if !found || reg.EndpointURL == "" {
		return fmt.Errorf("butler %q has no registered endpoint", targetButler)
	}
	d.peers.Register(targetButler, reg.EndpointURL)

	sender, _ := item.Sender["identity"].(string)
	_, err = d.peers.CallTool(ctx, targetButler, mcpserver.ToolTrigger, map[string]any{
		"prompt": item.MessageText,
		"source": "route",
		"context": fmt.Sprintf("Inbound message from %s via %s (request %s).",
			sender, channelOf(item), item.RequestID),
	})
	return err
}

// switchboardURL resolves where the switchboard lives: explicit option,
// then BUTLERS_SWITCHBOARD_URL, then the default port.
func (d *Daemon) switchboardURL() string {
	if d.opts.SwitchboardURL != "" {
		return d.opts.SwitchboardURL
	}
	if url := os.Getenv(EnvSwitchboardURL); url != "" {
		return url
	}
	return defaultSwitchboardURL
}

// connectSwitchboard registers the switchboard peer and starts liveness.
func (d *Daemon) connectSwitchboard(ctx context.Context) {
	url := d.switchboardURL()

	d.peers.Register("switchboard", url+"/mcp")
	if err := d.peers.Connect(ctx, "switchboard"); err != nil {
		slog.Warn("Switchboard not reachable at startup", "error", err)
	}

	d.liveness = heartbeat.NewLiveness(d.cfg.Name, url, d.cfg.Heartbeat.Interval())
	d.liveness.Start(ctx)
}

// teardown releases everything in reverse start order. Safe on a partially
// started daemon.
func (d *Daemon) teardown(ctx context.Context) {
	if d.stopExpiry != nil {
		d.stopExpiry()
		d.stopExpiry = nil
	}
	if d.liveness != nil {
		d.liveness.Stop()
		d.liveness = nil
	}
	if d.buffer != nil {
		d.buffer.Stop()
		d.buffer = nil
	}
	if d.scheduler != nil {
		<-d.scheduler.Stop().Done()
		d.scheduler = nil
	}
	if d.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", "error", err)
		}
		cancel()
		d.httpSrv = nil
	}
	if d.peers != nil {
		if err := d.peers.Close(); err != nil {
			slog.Warn("Peer sessions closed with error", "error", err)
		}
		d.peers = nil
	}
	if d.pools != nil {
		d.pools.Close()
		d.pools = nil
		d.pool = nil
	}
}

// credentialSink adapts the credential store to the OAuth flow.
type credentialSink struct {
	store *credstore.Store
}

func (s credentialSink) StoreCredential(ctx context.Context, key, value string) error {
	opts := credstore.DefaultStoreOptions()
	opts.Category = "oauth"
	return s.store.Store(ctx, key, value, opts)
}

func itemFromEnvelope(env *ingest.Envelope, requestID string) buffer.Item {
	return buffer.Item{
		RequestID:      requestID,
		MessageInboxID: requestID,
		MessageText:    env.Payload.NormalizedText,
		Source: map[string]any{
			"channel":           env.Source.Channel,
			"provider":          env.Source.Provider,
			"endpoint_identity": env.Source.EndpointIdentity,
		},
		Event: map[string]any{
			"external_event_id":  env.Event.ExternalEventID,
			"external_thread_id": env.Event.ExternalThreadID,
			"observed_at":        env.Event.ObservedAt.Format(time.RFC3339),
		},
		Sender: map[string]any{
			"identity": env.Sender.Identity,
		},
	}
}

func channelOf(item buffer.Item) string {
	if channel, ok := item.Source["channel"].(string); ok {
		return channel
	}
	return "unknown"
}
