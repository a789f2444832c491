package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rish2jain/youcom-sub007/config"
	"github.com/rish2jain/youcom-sub007/internal/engine"
	"github.com/rish2jain/youcom-sub007/internal/events"
	srv "github.com/rish2jain/youcom-sub007/internal/server"
	"github.com/rish2jain/youcom-sub007/internal/telemetry"
)

func main() {
	var root = &cobra.Command{Use: "impactd", SilenceUsage: true}

	var serveCfg string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the impact card HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return srv.Run(config.LoadConfig(serveCfg))
		},
	}
	serve.Flags().StringVar(&serveCfg, "config", "", "path to config file")

	var (
		cardCfg      string
		entity       string
		keywords     []string
		urgency      string
		timeout      time.Duration
		showProgress bool
	)
	var card = &cobra.Command{
		Use:   "card",
		Short: "Build one impact card and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cardCfg)
			return runCard(cfg, entity, keywords, urgency, timeout, showProgress)
		},
	}
	card.Flags().StringVar(&cardCfg, "config", "", "path to config file")
	card.Flags().StringVar(&entity, "entity", "", "company entity to assess")
	card.Flags().StringSliceVar(&keywords, "keywords", nil, "focus keywords")
	card.Flags().StringVar(&urgency, "urgency", "", "realtime, normal or thorough")
	card.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall run timeout")
	card.Flags().BoolVar(&showProgress, "progress", false, "print progress events to stderr")
	_ = card.MarkFlagRequired("entity")

	root.AddCommand(serve, card)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCard(cfg *config.Config, entity string, keywords []string, urgency string, timeout time.Duration, showProgress bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var rdb *redis.Client
	if cfg.Cache.Backend == "redis" || cfg.Events.RedisEnabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		defer func() { _ = rdb.Close() }()
	}

	tele := telemetry.New(cfg.Telemetry)
	defer tele.Shutdown()

	broker := events.NewBroker(cfg.Events.SubscriberBuffer)
	defer broker.Close()
	var sinks []events.Sink
	if showProgress {
		sinks = append(sinks, broker)
	}
	if cfg.Events.RedisEnabled {
		streamSink := events.NewStreamSink(rdb, cfg.Events.Stream, 0, nil,
			events.WithMaxLenApprox(cfg.Events.MaxLen))
		defer streamSink.Close()
		sinks = append(sinks, streamSink)
	}
	emitter := events.NewEmitter(sinks...)

	logger := log.New(os.Stderr, "[ENGINE] ", log.LstdFlags)
	eng, err := engine.New(cfg, logger, tele, emitter, rdb)
	if err != nil {
		return err
	}

	if showProgress {
		sub := broker.Subscribe("")
		defer sub.Close()
		go func() {
			for ev := range sub.C {
				line := fmt.Sprintf("%-8s %s", ev.Stage, ev.Status)
				if ev.Summary != "" {
					line += " " + ev.Summary
				}
				if ev.Reason != "" {
					line += " reason=" + ev.Reason
				}
				fmt.Fprintln(os.Stderr, line)
			}
		}()
	}

	impact, err := eng.Run(ctx, engine.Request{
		Entity:   entity,
		Keywords: keywords,
		Urgency:  engine.Urgency(urgency),
	})
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(impact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	os.Stdout.Write(data)
	os.Stdout.Write([]byte("\n"))
	return nil
}
