// reefcli connects to a reefd server, mirrors its replicated scene and
// prints a status line once per second. Useful for eyeballing replication
// and for load testing with several instances.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netreef/replica/internal/demo"
	"github.com/netreef/replica/internal/protocol"
	"github.com/netreef/replica/internal/replica"
	"github.com/netreef/replica/internal/scene"
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

func run() error {
	addr := flag.String("addr", "127.0.0.1:7450", "server address")
	tick := flag.Duration("tick", 33*time.Millisecond, "client tick interval")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log, err := newLogger(*verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	sess, err := transport.Dial(*addr, 128, 256, log)
	if err != nil {
		return err
	}
	defer sess.Close()

	sc := scene.New(log)
	reg := replica.NewRegistry(sc, log)
	factory := replica.NewBehaviorFactory(log)
	demo.RegisterBehaviors(factory)
	mgr := replica.NewManager(reg, factory, log)

	mgr.StartClient(sess)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()

	lastStatus := time.Now()

	for {
		select {
		case <-ticker.C:
			if sess.IsClosed() {
				log.Info("server connection lost")
				mgr.DropConnection(sess)
				return nil
			}

		drain:
			for {
				select {
				case frame := <-sess.InQueue:
					if len(frame) == 0 {
						continue
					}
					msgID := protocol.MessageID(frame[0])
					if !mgr.ProcessMessage(sess, msgID, frame[1:]) {
						log.Debug("unhandled message", zap.Stringer("msg", msgID))
					}
				default:
					break drain
				}
			}

			sc.Update(*tick)
			sc.PostUpdate(*tick)
			sess.FlushOutput()

			if time.Since(lastStatus) >= time.Second {
				lastStatus = time.Now()
				fmt.Println(mgr.DebugInfo())
			}

		case sig := <-shutdownCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			mgr.Stop()
			return nil
		}
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	zapCfg.EncoderConfig.ConsoleSeparator = "  "
	zapCfg.DisableCaller = true
	zapCfg.DisableStacktrace = true
	if verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return zapCfg.Build()
}
