// Command sensorpulse runs the measurement API, the evaluation worker and the
// maintenance tasks around them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"sensorpulse/internal/config"
	"sensorpulse/internal/logger"
	"sensorpulse/internal/processor"
	"sensorpulse/internal/seed"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("sensorpulse exited")
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		cfg        *config.Config
	)

	root := &cobra.Command{
		Use:          "sensorpulse",
		Short:        "Sensor measurement ingestion and alert evaluation",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(c.Log.Level, c.Log.Format)
			cfg = c
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SENSORPULSE_CONFIG"), "path to a YAML config file")

	loaded := func() *config.Config { return cfg }
	root.AddCommand(
		newServeCmd(loaded),
		newWorkerCmd(loaded),
		newMigrateCmd(loaded),
		newSeedCmd(loaded),
	)
	return root
}

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	var noDispatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the measurement API and deliver alert notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return processor.New(cfg(), processor.Options{
				HTTP:       true,
				Dispatcher: !noDispatch,
			}).Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "do not run the notification dispatcher in this process")
	return cmd
}

func newWorkerCmd(cfg func() *config.Config) *cobra.Command {
	var noDispatch bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Evaluate measurements published to Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			return processor.New(cfg(), processor.Options{
				Consumer:   true,
				Dispatcher: !noDispatch,
			}).Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "do not run the notification dispatcher in this process")
	return cmd
}

func newMigrateCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *cfg()
			if c.Database.Driver == "memory" {
				return errors.New("migrate needs the postgres driver")
			}
			c.Database.AutoMigrate = true
			store, err := processor.OpenStore(cmd.Context(), &c)
			if err != nil {
				return err
			}
			log := logger.WithComponent("migrate")
			log.Info().Msg("schema up to date")
			return store.Close()
		},
	}
}

func newSeedCmd(cfg func() *config.Config) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load sectors, equipment, sensors, links and rules from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := seed.Load(file)
			if err != nil {
				return err
			}
			store, err := processor.OpenStore(cmd.Context(), cfg())
			if err != nil {
				return err
			}
			_, err = f.Apply(cmd.Context(), store.Seeder)
			return errors.CombineErrors(err, store.Close())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "configs/seed.yaml", "seed file")
	return cmd
}
