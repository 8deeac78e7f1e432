package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netreef/replica/internal/config"
	"github.com/netreef/replica/internal/demo"
	"github.com/netreef/replica/internal/persist"
	"github.com/netreef/replica/internal/protocol"
	"github.com/netreef/replica/internal/replica"
	"github.com/netreef/replica/internal/scene"
	"github.com/netreef/replica/internal/scripting"
	"github.com/netreef/replica/internal/settings"
	"github.com/netreef/replica/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("NETREEF_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOrDefaults(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	fmt.Printf("\n  netreef replication server · %s\n\n", cfg.Server.Name)

	// 3. Optional trace journal (PostgreSQL)
	var traceRepo *persist.TraceRepo
	if cfg.Database.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		db, err := persist.NewDB(ctx, cfg.Database, log)
		if err != nil {
			cancel()
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		if err := persist.RunMigrations(ctx, db.Pool); err != nil {
			cancel()
			return fmt.Errorf("migrations: %w", err)
		}
		cancel()
		traceRepo = persist.NewTraceRepo(db)
		printOK("trace journal connected")
	}

	// 4. Replication settings (defaults + optional YAML profile)
	set := settings.Defaults()
	if cfg.Replication.SettingsFile != "" {
		set, err = settings.LoadProfile(cfg.Replication.SettingsFile)
		if err != nil {
			return fmt.Errorf("settings profile: %w", err)
		}
		printOK("settings profile loaded")
	}

	// 5. Scene, registry, behaviors, replication manager
	sc := scene.New(log)
	reg := replica.NewRegistry(sc, log)
	factory := replica.NewBehaviorFactory(log)
	demo.RegisterBehaviors(factory)
	mgr := replica.NewManager(reg, factory, log)
	mgr.SetServerSettings(set)

	// 6. Lua movement scripts
	luaEngine, err := scripting.NewEngine(cfg.Replication.ScriptsDir, log)
	if err != nil {
		return fmt.Errorf("lua engine: %w", err)
	}
	defer luaEngine.Close()

	// 7. Demo scene
	var movers []demo.Spawned
	if cfg.Replication.SceneFile != "" {
		def, err := demo.LoadSceneDef(cfg.Replication.SceneFile)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("scene: %w", err)
			}
			log.Warn("scene file missing, starting with empty scene",
				zap.String("file", cfg.Replication.SceneFile))
		} else {
			spawned, err := def.Spawn(sc, factory)
			if err != nil {
				return fmt.Errorf("scene: %w", err)
			}
			for _, s := range spawned {
				if s.Def.Script != "" {
					movers = append(movers, s)
				}
			}
			printOK(fmt.Sprintf("scene loaded (%d objects, %d scripted)", len(spawned), len(movers)))
		}
	}

	mgr.StartServer()

	// 8. Network server
	netServer, err := transport.NewServer(
		cfg.Network.BindAddress,
		cfg.Network.InQueueSize,
		cfg.Network.OutQueueSize,
		cfg.Network.FramesPerSecond,
		log,
	)
	if err != nil {
		return fmt.Errorf("net server: %w", err)
	}
	go netServer.AcceptLoop()

	// 9. Tick loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Network.TickRate)
	defer ticker.Stop()

	printReady(fmt.Sprintf("listening on %s", netServer.Addr().String()))
	printReady(fmt.Sprintf("tick loop started (tick: %s)", cfg.Network.TickRate))
	fmt.Println()

	sessions := make(map[*transport.Session]struct{})
	sceneTime := 0.0
	lastFlush := time.Now()

	for {
		select {
		case <-ticker.C:
			dt := cfg.Network.TickRate

			acceptNewSessions(netServer, sessions, mgr)
			pumpInbound(sessions, mgr, cfg.Network.MaxFramesPerTick, log)

			sceneTime += dt.Seconds()
			tickMovers(movers, luaEngine, sceneTime, dt.Seconds(), log)

			sc.Update(dt)
			sc.PostUpdate(dt)

			for sess := range sessions {
				sess.FlushOutput()
			}
			reapDeadSessions(sessions, mgr, log)

			if traceRepo != nil && time.Since(lastFlush) >= cfg.Replication.TraceFlushInterval {
				lastFlush = time.Now()
				flushTrace(mgr, traceRepo, cfg.Database.TraceRetention, log)
			}

		case sig := <-shutdownCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			if traceRepo != nil {
				flushTrace(mgr, traceRepo, cfg.Database.TraceRetention, log)
			}
			mgr.Stop()
			netServer.Shutdown()
			for sess := range sessions {
				sess.Close()
			}
			log.Info("server stopped")
			return nil
		}
	}
}

// acceptNewSessions drains the accept channel and hands each new session to
// the replicator.
func acceptNewSessions(netServer *transport.Server, sessions map[*transport.Session]struct{}, mgr *replica.Manager) {
	for {
		select {
		case sess := <-netServer.NewSessions():
			sessions[sess] = struct{}{}
			mgr.Server().AddConnection(sess)
		default:
			return
		}
	}
}

// pumpInbound drains each session's inbound queue into the replication
// manager, bounded per tick so one peer cannot starve the loop.
func pumpInbound(sessions map[*transport.Session]struct{}, mgr *replica.Manager, maxPerTick int, log *zap.Logger) {
	for sess := range sessions {
	drain:
		for n := 0; n < maxPerTick; n++ {
			select {
			case frame := <-sess.InQueue:
				if len(frame) == 0 {
					continue
				}
				msgID := protocol.MessageID(frame[0])
				if !mgr.ProcessMessage(sess, msgID, frame[1:]) {
					log.Debug("unhandled message", zap.Stringer("msg", msgID), zap.String("conn", sess.String()))
				}
			default:
				break drain
			}
		}
	}
}

// reapDeadSessions forgets sessions whose I/O goroutines have exited.
func reapDeadSessions(sessions map[*transport.Session]struct{}, mgr *replica.Manager, log *zap.Logger) {
	for sess := range sessions {
		if sess.IsClosed() {
			mgr.DropConnection(sess)
			delete(sessions, sess)
			log.Info("peer disconnected", zap.String("conn", sess.String()))
		}
	}
}

// tickMovers advances script-driven objects before the scene update, so the
// replicator sees the moved positions this frame.
func tickMovers(movers []demo.Spawned, eng *scripting.Engine, t, dt float64, log *zap.Logger) {
	for _, m := range movers {
		node := m.Obj.Node()
		if node == nil {
			continue
		}
		pos := node.Position()
		nx, ny, err := eng.CallMove(m.Def.Script, pos.X, pos.Y, t, dt)
		if err != nil {
			log.Warn("movement script failed", zap.String("script", m.Def.Script), zap.Error(err))
			continue
		}
		node.SetPosition(scene.Vec3{X: nx, Y: ny})
	}
}

// flushTrace journals pending trace frames and prunes old rows. Failures are
// logged, not fatal; the in-memory window is unaffected.
func flushTrace(mgr *replica.Manager, repo *persist.TraceRepo, retention time.Duration, log *zap.Logger) {
	srv := mgr.Server()
	if srv == nil {
		return
	}
	frames := srv.Trace().TakePending()
	if len(frames) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repo.WriteFrames(ctx, frames); err != nil {
		log.Warn("trace flush failed", zap.Int("frames", len(frames)), zap.Error(err))
		return
	}
	if err := repo.Prune(ctx, retention); err != nil {
		log.Warn("trace prune failed", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
