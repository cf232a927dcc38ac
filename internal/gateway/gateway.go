// Package gateway supervises the configured WeCom and Tencent IM accounts: it
// registers them on the webhook registries, applies config reloads and serves
// the HTTP surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"wecombot/internal/bus"
	"wecombot/internal/channel"
	"wecombot/internal/config"
	"wecombot/internal/domain"
	"wecombot/internal/memory"
	"wecombot/internal/metrics"
	"wecombot/internal/provider"
	"wecombot/internal/security"
	"wecombot/internal/stream"
	"wecombot/internal/wecomcrypto"
)

const (
	shutdownTimeout = 10 * time.Second
	janitorInterval = time.Minute
)

// Config wires a Gateway.
type Config struct {
	Config  *config.Config
	Replier domain.Replier
	Logger  *slog.Logger

	// Metrics may be nil; a private registry is created when metrics are
	// enabled in the config.
	Metrics *metrics.Metrics
	// Transcripts, when set, receives every exchange through a Recorder.
	Transcripts *memory.SQLiteStore
	// Pairing backs accounts whose dm policy is "pairing".
	Pairing *security.PairingService
	// TIMSender delivers Tencent IM replies. Defaults to the REST client.
	TIMSender channel.TIMSender
	// Now overrides the clock of the stream store and handler.
	Now func() time.Time
}

type runningAccount struct {
	account config.Account
	stop    func()
}

type runningTIMAccount struct {
	account config.TIMAccount
	stop    func()
}

// timAccountID keeps Tencent IM accounts apart from WeCom accounts of the same
// id in status, transcripts and pairing.
func timAccountID(id string) string { return string(channel.ProtocolTIM) + ":" + id }

// Gateway owns the webhook handler and every account registered on it.
type Gateway struct {
	logger   *slog.Logger
	replier  domain.Replier
	registry *channel.Registry
	streams  *stream.Store
	events   *bus.EventBus
	metrics  *metrics.Metrics
	handler  *channel.WeCom
	timReg   *channel.Registry
	tim      *channel.TIM
	status   *StatusTracker
	recorder *memory.Recorder
	pairing  *security.PairingService

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cfg     *config.Config
	running map[string]*runningAccount
	timRun  map[string]*runningTIMAccount

	closeOnce sync.Once
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Config == nil {
		return nil, errors.New("gateway: config is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := cfg.Config
	if cfg.Metrics == nil && c.Metrics.Enabled {
		cfg.Metrics = metrics.New(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := bus.NewEventBus(cfg.Logger)
	registry := channel.NewRegistry()
	streams := stream.NewStore(stream.Options{
		TTL:      time.Duration(c.Stream.TTLSeconds) * time.Second,
		MaxBytes: c.Stream.MaxBytes,
		Now:      cfg.Now,
	})

	g := &Gateway{
		logger:   cfg.Logger,
		replier:  cfg.Replier,
		registry: registry,
		streams:  streams,
		events:   events,
		metrics:  cfg.Metrics,
		status:   NewStatusTracker(events),
		pairing:  cfg.Pairing,
		ctx:      ctx,
		cancel:   cancel,
		cfg:      c,
		running:  make(map[string]*runningAccount),
		timRun:   make(map[string]*runningTIMAccount),
		timReg:   channel.NewRegistry(),
	}
	g.handler = channel.NewWeCom(channel.WeComConfig{
		Registry:       registry,
		Streams:        streams,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
		Events:         events,
		FirstChunkWait: time.Duration(c.Stream.FirstChunkWaitMs) * time.Millisecond,
		ReplyTimeout:   time.Duration(c.Stream.ReplyTimeoutSeconds) * time.Second,
		MaxBodyBytes:   c.Server.MaxBodyBytes,
		Placeholder:    c.Stream.Placeholder,
		Context:        ctx,
		Now:            cfg.Now,
	})
	if cfg.TIMSender == nil {
		cfg.TIMSender = channel.NewTIMClient(provider.SharedHTTPClient(30*time.Second), cfg.Logger)
	}
	g.tim = channel.NewTIM(channel.TIMConfig{
		Registry:     g.timReg,
		Streams:      streams,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
		Events:       events,
		Sender:       cfg.TIMSender,
		ReplyTimeout: time.Duration(c.Stream.ReplyTimeoutSeconds) * time.Second,
		MaxBodyBytes: c.Server.MaxBodyBytes,
		Context:      ctx,
		Now:          cfg.Now,
	})
	if cfg.Transcripts != nil {
		g.recorder = memory.NewRecorder(memory.RecorderConfig{
			Store:  cfg.Transcripts,
			Events: events,
			Logger: cfg.Logger,
			Content: func(id string) (string, bool) {
				st, ok := streams.Get(id)
				return st.Content, ok
			},
		})
	}
	return g, nil
}

// Events returns the gateway's event bus.
func (g *Gateway) Events() *bus.EventBus { return g.events }

// Streams returns the gateway's stream store.
func (g *Gateway) Streams() *stream.Store { return g.streams }

// Registry returns the WeCom webhook registry.
func (g *Gateway) Registry() *channel.Registry { return g.registry }

// TIMRegistry returns the Tencent IM webhook registry.
func (g *Gateway) TIMRegistry() *channel.Registry { return g.timReg }

// Status returns the state of every account seen since start.
func (g *Gateway) Status() []AccountStatus { return g.status.Snapshot() }

// StartAccount registers acct on its webhook path and returns the function
// that unregisters it. Accounts without token and key are skipped with a
// warning; the returned stop is then a no-op.
func (g *Gateway) StartAccount(acct config.Account) (stop func()) {
	if !acct.Configured {
		g.logger.Warn("wecom account not configured, skipping", "account", acct.ID)
		g.status.skipped(acct.ID, channel.NormalizePath(acct.WebhookPath), false, "token and encodingAESKey are required")
		return func() {}
	}
	replier, err := security.NewGuard(security.GuardConfig{
		Next:      g.replier,
		Policy:    acct.DMPolicy,
		AllowFrom: acct.AllowFrom,
		Pairing:   g.pairing,
		Logger:    g.logger.With("account", acct.ID),
	})
	if err != nil {
		g.logger.Warn("wecom account has an unusable dm policy, skipping", "account", acct.ID, "err", err)
		g.status.skipped(acct.ID, channel.NormalizePath(acct.WebhookPath), true, err.Error())
		return func() {}
	}
	target, err := channel.NewTarget(channel.TargetConfig{
		AccountID: acct.ID,
		Path:      acct.WebhookPath,
		Keys: wecomcrypto.KeyMaterial{
			Token:          acct.Token,
			EncodingAESKey: acct.EncodingAESKey,
			ReceiveID:      acct.ReceiveID,
		},
		WelcomeText: acct.WelcomeText,
		Replier:     replier,
	})
	if err != nil {
		g.logger.Warn("wecom account has invalid key material, skipping", "account", acct.ID, "err", err)
		g.status.skipped(acct.ID, channel.NormalizePath(acct.WebhookPath), true, err.Error())
		return func() {}
	}

	unregister := g.registry.Register(target)
	g.logger.Info("wecom account started", "account", acct.ID, "path", target.Path)
	g.events.Emit(bus.Event{Type: bus.EventAccountStarted, AccountID: acct.ID,
		Payload: map[string]any{"path": target.Path}})

	var once sync.Once
	return func() {
		once.Do(func() {
			unregister()
			g.logger.Info("wecom account stopped", "account", acct.ID, "path", target.Path)
			g.events.Emit(bus.Event{Type: bus.EventAccountStopped, AccountID: acct.ID,
				Payload: map[string]any{"path": target.Path}})
		})
	}
}

// StartTIMAccount registers a Tencent IM account. Unconfigured accounts are
// registered too so their callbacks are acknowledged instead of retried.
func (g *Gateway) StartTIMAccount(acct config.TIMAccount) (stop func()) {
	id := timAccountID(acct.ID)
	path := channel.NormalizePath(acct.WebhookPath)
	replier, err := security.NewGuard(security.GuardConfig{
		Next:      g.replier,
		Policy:    acct.DMPolicy,
		AllowFrom: acct.AllowFrom,
		Pairing:   g.pairing,
		Logger:    g.logger.With("account", id),
	})
	if err != nil {
		g.logger.Warn("tim account has an unusable dm policy, skipping", "account", id, "err", err)
		g.status.skipped(id, path, acct.Configured, err.Error())
		return func() {}
	}
	if !acct.Configured {
		g.logger.Warn("tim account not configured, callbacks will only be acknowledged", "account", id)
	}
	target := channel.NewTIMTarget(channel.TIMTargetConfig{
		AccountID: id,
		Path:      path,
		Identity: channel.TIMIdentity{
			SdkAppID:   acct.SdkAppID,
			Identifier: acct.Identifier,
			UserSig:    acct.UserSig,
			BotAccount: acct.BotAccount,
			APIDomain:  acct.APIDomain,
		},
		Replier: replier,
	})

	unregister := g.timReg.Register(target)
	g.logger.Info("tim account started", "account", id, "path", target.Path)
	g.events.Emit(bus.Event{Type: bus.EventAccountStarted, AccountID: id,
		Payload: map[string]any{"path": target.Path, "configured": target.Configured}})

	var once sync.Once
	return func() {
		once.Do(func() {
			unregister()
			g.logger.Info("tim account stopped", "account", id, "path", target.Path)
			g.events.Emit(bus.Event{Type: bus.EventAccountStopped, AccountID: id,
				Payload: map[string]any{"path": target.Path}})
		})
	}
}

// Reconcile makes the running accounts match cfg: removed or disabled
// accounts are stopped, changed ones restarted and new ones started. Stream
// and server settings only take effect on restart.
func (g *Gateway) Reconcile(cfg *config.Config) {
	desired := make(map[string]config.Account)
	for _, acct := range config.EnabledAccounts(cfg) {
		desired[acct.ID] = acct
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg != nil && (g.cfg.Server != cfg.Server || g.cfg.Stream != cfg.Stream) {
		g.logger.Warn("server and stream settings changed; restart to apply them")
	}
	g.cfg = cfg

	for id, ra := range g.running {
		if acct, ok := desired[id]; ok && acct.Equal(ra.account) {
			continue
		}
		ra.stop()
		delete(g.running, id)
	}
	for id, acct := range desired {
		if _, ok := g.running[id]; ok {
			continue
		}
		g.running[id] = &runningAccount{account: acct, stop: g.StartAccount(acct)}
	}
	g.reconcileTIM(cfg)
	g.publishRunning()
}

// reconcileTIM is Reconcile for Tencent IM accounts. Caller holds mu.
func (g *Gateway) reconcileTIM(cfg *config.Config) {
	desired := make(map[string]config.TIMAccount)
	for _, acct := range config.EnabledTIMAccounts(cfg) {
		desired[acct.ID] = acct
	}
	for id, ra := range g.timRun {
		if acct, ok := desired[id]; ok && acct.Equal(ra.account) {
			continue
		}
		ra.stop()
		delete(g.timRun, id)
	}
	for id, acct := range desired {
		if _, ok := g.timRun[id]; ok {
			continue
		}
		g.timRun[id] = &runningTIMAccount{account: acct, stop: g.StartTIMAccount(acct)}
	}
}

func (g *Gateway) publishRunning() {
	n := 0
	for _, st := range g.status.Snapshot() {
		if st.Running {
			n++
		}
	}
	g.metrics.SetRunningAccounts(n)
}

// Handler returns the full HTTP surface: health, status, metrics and every
// registered webhook path.
func (g *Gateway) Handler() http.Handler {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /status", g.handleStatus)
	if cfg.Metrics.Enabled && g.metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, g.metrics.Handler())
	}
	mux.HandleFunc("/", g.serveWebhook)
	return mux
}

// serveWebhook routes a request to whichever protocol registered its path.
func (g *Gateway) serveWebhook(w http.ResponseWriter, r *http.Request) {
	if g.tim.Handle(w, r) {
		return
	}
	if g.handler.Handle(w, r) {
		return
	}
	http.NotFound(w, r)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, st := range g.status.Snapshot() {
		if st.Running {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"accounts": running,
		"streams":  g.streams.Len(),
	})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": g.Status()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Run starts every enabled account and serves HTTP on addr until ctx is
// done, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()
	g.Reconcile(cfg)

	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go g.janitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		g.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	g.logger.Info("shutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	g.Close()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	g.logger.Info("shutdown complete")
	return nil
}

// janitor prunes expired streams and pairing codes between requests.
func (g *Gateway) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.ctx.Done():
			return
		case now := <-ticker.C:
			if n := g.streams.Prune(now); n > 0 {
				g.metrics.StreamsPruned(n)
				g.logger.Debug("pruned expired streams", "count", n)
			}
			g.metrics.SetActiveStreams(g.streams.Len())
			if g.pairing != nil {
				if _, err := g.pairing.CleanExpiredCodes(ctx); err != nil {
					g.logger.Warn("pairing cleanup failed", "err", err)
				}
			}
		}
	}
}

// Close stops every account, cancels in-flight replies and flushes the
// transcript recorder. It does not close the transcript store.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		for id, ra := range g.running {
			ra.stop()
			delete(g.running, id)
		}
		for id, ra := range g.timRun {
			ra.stop()
			delete(g.timRun, id)
		}
		g.mu.Unlock()
		g.publishRunning()

		g.cancel()
		if g.recorder != nil {
			g.recorder.Close()
		}
		g.status.Close()
	})
}
