package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reelsmith/reelsmith/internal/profile"
	"github.com/reelsmith/reelsmith/server"
	"github.com/reelsmith/reelsmith/store"
	"github.com/reelsmith/reelsmith/store/db"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "reelsmith",
	Short: "Turns a product photo into a short promo video",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		instanceProfile, err := loadProfile()
		if err != nil {
			return err
		}

		if instanceProfile.IsDev() {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}

		driver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			return fmt.Errorf("create db driver: %w", err)
		}
		dbStore := store.New(driver, instanceProfile)

		s, err := server.NewServer(ctx, instanceProfile, dbStore)
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Start(ctx)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig.String())
		case err := <-errCh:
			if err != nil {
				slog.Error("server stopped", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		s.Shutdown(shutdownCtx)
		return nil
	},
}

// loadProfile builds the instance profile: environment variables first, then
// command-line flags on top.
func loadProfile() (*profile.Profile, error) {
	instanceProfile, err := profile.GetProfile(version)
	if err != nil {
		return nil, err
	}

	instanceProfile.Mode = viper.GetString("mode")
	instanceProfile.Addr = viper.GetString("addr")
	instanceProfile.Port = viper.GetInt("port")
	instanceProfile.Driver = viper.GetString("driver")
	if dsn := viper.GetString("dsn"); dsn != "" {
		instanceProfile.DSN = dsn
	}
	if instanceProfile.DSN == "" && instanceProfile.Driver == "sqlite" {
		instanceProfile.DSN = fmt.Sprintf("reelsmith_%s.db", instanceProfile.Mode)
	}
	if err := instanceProfile.Validate(); err != nil {
		return nil, err
	}
	return instanceProfile, nil
}

func init() {
	rootCmd.PersistentFlags().String("mode", "dev", `mode of the server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "binding address of the server")
	rootCmd.PersistentFlags().Int("port", 8230, "binding port of the server")
	rootCmd.PersistentFlags().String("driver", "sqlite", `database driver, can be "sqlite" or "postgres"`)
	rootCmd.PersistentFlags().String("dsn", "", "database connection string")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("reelsmith")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
