// Package core wires the coordination plane's components into a single
// Services container, in dependency order, and tears them down in reverse.
// Structural idiom (Config-driven New, explicit construction order,
// goroutine-per-background-activity) follows reference-runtime-v1/cmd/
// runtime/main.go, generalized from that file's inline main()-body wiring
// into a reusable container cmd/coreserver can start and stop.
package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/capability"
	"github.com/aidenlippert/zerostate/internal/chain"
	"github.com/aidenlippert/zerostate/internal/config"
	"github.com/aidenlippert/zerostate/internal/escrow"
	"github.com/aidenlippert/zerostate/internal/presence"
	"github.com/aidenlippert/zerostate/internal/queue"
	"github.com/aidenlippert/zerostate/internal/registry"
	"github.com/aidenlippert/zerostate/internal/reputation"
	"github.com/aidenlippert/zerostate/internal/sandbox"
	"github.com/aidenlippert/zerostate/internal/scheduler"
	"github.com/aidenlippert/zerostate/internal/store"
)

// Services holds every constructed component. Exported fields are shared,
// already-wired instances; cmd/coreserver reads them directly rather than
// going through an indirection layer the teacher's own main() doesn't use.
type Services struct {
	Config     *config.Config
	Logger     *zap.Logger
	Store      *store.Store
	Reputation *reputation.Engine
	Capability *capability.Index
	Registry   *registry.Registry
	Presence   *presence.Service
	Sandbox    *sandbox.Adapter
	Escrow     *escrow.Machine
	Chain      *chain.Registry
	Scheduler  *scheduler.Scheduler
	Queue      *queue.Notifier

	nodeID   string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs every component in dependency order: Durable Store first
// (everything else either persists through it or is rebuilt from it),
// then the leaf services (Reputation, Capability), then the Registry that
// composes them, then Presence/Sandbox/Escrow/Chain/Scheduler, which each
// depend on something already built. Queue is optional; a Redis connect
// failure is logged and the container proceeds without it, since the
// workers' own one-second poll of the Scheduler is a correct (if slower)
// substitute.
func New(ctx context.Context, cfg *config.Config, nodeID, selfAddress string, logger *zap.Logger) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	repEngine := reputation.New(logger)
	capIndex := capability.New()

	reg := registry.New(registry.Config{
		OfflineThreshold: time.Duration(cfg.Registry.OfflineThresholdS) * time.Second,
		RequireAuth:      cfg.Registry.RequireAuth,
	}, st, capIndex, repEngine, nil, logger)

	if err := reg.Rehydrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	if selfAddress != "" {
		hw := store.HardwareInfo{
			CPUCores:  cfg.Node.Hardware.CPUCores,
			MemoryGB:  cfg.Node.Hardware.MemoryGB,
			StorageGB: cfg.Node.Hardware.StorageGB,
			GPU:       cfg.Node.Hardware.GPU,
		}
		if _, err := reg.Register(ctx, nodeID, selfAddress, nil, nil, hw); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	presenceCfg := presence.DefaultConfig(nodeID)
	presenceCfg.ListenPort = cfg.P2P.ListenPort
	presenceCfg.BroadcastPort = cfg.P2P.BroadcastPort
	presenceCfg.PresenceInterval = time.Duration(cfg.P2P.PresenceIntervalS) * time.Second
	presenceCfg.PeerExpiry = time.Duration(cfg.P2P.PeerExpiryS) * time.Second
	presenceCfg.AutoRegisterP2P = cfg.Registry.AutoRegisterP2P
	presenceSvc := presence.New(presenceCfg, newRegistryAdapter(reg), logger)

	sandboxAdapter, err := sandbox.New(ctx, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	supportedCurrencies := make(map[string]bool, len(cfg.SupportedCurrencies))
	for _, c := range cfg.SupportedCurrencies {
		supportedCurrencies[c] = true
	}

	escrowMachine := escrow.New(escrow.Config{
		CommunityShare:           cfg.Escrow.CommunityShare,
		CommunityFundDestination: cfg.Escrow.CommunityFundDestination,
		SupportedCurrencies:      supportedCurrencies,
	}, st, logger)

	chainRegistry, err := chain.New(chain.Config{
		ProductionMode: !cfg.Chain.AllowStubAdapters,
	}, supportedCurrencies, logger)
	if err != nil {
		_ = sandboxAdapter.Close(ctx)
		_ = st.Close()
		return nil, err
	}

	var notifier *queue.Notifier
	if cfg.Queue.RedisAddr != "" {
		notifier, err = queue.New(ctx, queue.Config{Addr: cfg.Queue.RedisAddr}, logger)
		if err != nil {
			logger.Warn("redis task-ready queue unavailable, falling back to worker polling", zap.Error(err))
			notifier = nil
		}
	}

	sched := scheduler.New(scheduler.Config{
		WatchdogInterval: time.Duration(cfg.Scheduler.WatchdogPeriodS) * time.Second,
		WatchdogGrace:    time.Duration(cfg.Scheduler.WatchdogGraceS) * time.Second,
	}, st, escrowMachine, reg, repEngine, chainRegistry, notifier, logger)

	return &Services{
		Config:     cfg,
		Logger:     logger,
		Store:      st,
		Reputation: repEngine,
		Capability: capIndex,
		Registry:   reg,
		Presence:   presenceSvc,
		Sandbox:    sandboxAdapter,
		Escrow:     escrowMachine,
		Chain:      chainRegistry,
		Scheduler:  sched,
		Queue:      notifier,
		nodeID:     nodeID,
	}, nil
}

// Run starts every background activity (P2P broadcaster/listener/cleanup,
// Registry liveness reconciler, Scheduler watchdog) and blocks until ctx is
// cancelled.
func (s *Services) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.Presence.Start(runCtx); err != nil {
		cancel()
		return err
	}

	workers := s.Config.Scheduler.Workers
	if workers <= 0 {
		workers = 1
	}

	s.wg.Add(2 + workers)
	go func() {
		defer s.wg.Done()
		s.runLivenessReconciler(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.Scheduler.RunWatchdog(runCtx)
	}()
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer s.wg.Done()
			s.runWorker(runCtx, id)
		}(i)
	}

	<-runCtx.Done()
	return nil
}

func (s *Services) runLivenessReconciler(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Registry.ReconcileLiveness(ctx); err != nil {
				s.Logger.Warn("liveness reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Shutdown stops background activities and releases resources in reverse
// construction order, aggregating every error encountered.
func (s *Services) Shutdown(ctx context.Context) error {
	var err error

	if s.cancel != nil {
		s.cancel()
	}
	s.Presence.Stop()
	s.Scheduler.Stop()
	s.wg.Wait()

	if s.Queue != nil {
		err = multierr.Append(err, s.Queue.Close())
	}
	err = multierr.Append(err, s.Sandbox.Close(ctx))
	err = multierr.Append(err, s.Store.Close())
	return err
}
