package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"media-intelligence/pkg/queue"
)

func newWorkerCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume processing commands from RabbitMQ",
		Long: `Consume ProcessRequest messages from queue.command_queue and publish each
response to queue.result_queue.

Commands are acknowledged once their response is published. A command that
is redelivered after a crash reuses the stored result of a completed run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.cfg
			cfg.ConfineRoots()
			a, err := buildApp(cmd.Context(), cfg, g.log)
			if err != nil {
				return err
			}
			defer a.Close()

			qlog := g.log.WithField("component", "rabbitmq")
			qlog.Info("connecting to rabbitmq")
			producer, err := queue.NewRabbitMQProducer(cfg.Queue.URL, qlog)
			if err != nil {
				return err
			}
			defer producer.Close()

			prefetch := cfg.Queue.Prefetch
			if prefetch < cfg.Pipeline.Workers {
				prefetch = cfg.Pipeline.Workers
			}
			consumer, err := queue.NewRabbitMQConsumer(cfg.Queue.URL, cfg.Queue.CommandQueue, prefetch, qlog)
			if err != nil {
				return err
			}
			defer consumer.Close()

			deliveries, err := consumer.StartConsuming()
			if err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w := queue.NewWorker(a.manager, producer, cfg.Queue.ResultQueue, cfg.Pipeline.Workers, g.log)
			w.Run(ctx, deliveries)
			return nil
		},
	}
}
