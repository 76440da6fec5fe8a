package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stridenav/internal/config"
	"stridenav/internal/ingest"
	"stridenav/internal/replay"
	"stridenav/internal/udp"
	"stridenav/internal/web"
)

func main() {
	var configPath string
	var summarize string
	flag.StringVar(&configPath, "config", "./stridenav.yaml", "Path to YAML config (empty runs the built-in defaults)")
	flag.StringVar(&summarize, "summarize", "", "Print a summary of a recording and exit")
	flag.Parse()

	if summarize != "" {
		if err := printLogSummary(os.Stdout, summarize); err != nil {
			log.Fatalf("summarize failed: %v", err)
		}
		return
	}

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, configPath, logs); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("stridenav: %v", err)
	}
	log.Printf("stridenav stopped")
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg config.Config, configPath string, logs *web.LogBuffer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, err := ingest.Open(cfg.Source)
	if err != nil {
		return err
	}

	var outputs []string
	var sender eventSender
	if cfg.Output.UDP.Enable {
		b, err := udp.NewBroadcaster(cfg.Output.UDP.Dest)
		if err != nil {
			_ = src.Close()
			return fmt.Errorf("udp broadcaster init failed: %w", err)
		}
		sender = b
		outputs = append(outputs, "udp "+b.Dest())
	}

	var rec *replay.Writer
	if cfg.Output.Record.Enable {
		rec, err = replay.CreateWriter(cfg.Output.Record.Path)
		if err != nil {
			if sender != nil {
				_ = sender.Close()
			}
			_ = src.Close()
			return fmt.Errorf("record init failed: %w", err)
		}
		outputs = append(outputs, "record "+cfg.Output.Record.Path)
	}
	if cfg.Output.Web.Enable {
		outputs = append(outputs, "web "+cfg.Output.Web.Listen)
	}

	status := web.NewStatus()
	status.SetStatic(cfg.Source.Kind, outputs)

	rt, err := newRuntime(cfg.PipelineConfig(), src, sender, rec, status)
	if err != nil {
		if rec != nil {
			_ = rec.Close()
		}
		if sender != nil {
			_ = sender.Close()
		}
		_ = src.Close()
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	log.Printf("stridenav starting session=%s source=%s", rt.Session(), cfg.Source.Kind)
	for _, o := range outputs {
		log.Printf("output: %s", o)
	}

	webDone := make(chan error, 1)
	if cfg.Output.Web.Enable {
		opts := web.Options{
			Session: rt.Session(),
			Status:  status,
			Logs:    logs,
			Poses:   rt.poses,
			Control: rt,
			Settings: web.SettingsStore{
				ConfigPath: configPath,
				Apply: func(next config.Config) error {
					actx, acancel := context.WithTimeout(ctx, 5*time.Second)
					defer acancel()
					return rt.ApplyConfig(actx, next.PipelineConfig())
				},
			},
		}
		go func() {
			err := web.Serve(ctx, cfg.Output.Web.Listen, opts)
			if err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
				cancel()
			}
			webDone <- err
		}()
	}

	err = rt.Run(ctx)
	if err != nil {
		return err
	}
	log.Printf("source finished")
	if !cfg.Output.Web.Enable {
		return nil
	}
	// Keep serving the final state until asked to stop.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-webDone:
		return err
	}
}
