package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/pkg/agent/pool"
)

var swarmTarget string

// swarmCmd runs the worker-pool mode.
var swarmCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Run a multi-agent worker pool against a target",
	Long: `Runs role-specialized agents concurrently: crawlers discover surface,
scanners test endpoints, fuzzers attack inputs and analyzers review
responses. Suspected vulnerabilities are re-tested by the verification
pipeline before anything is reported. Worker counts come from the
swarm.workers.* settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		if swarmTarget == "" {
			log.Error().Msg("A target URL is required")
			os.Exit(1)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		deps, err := newEngineDeps(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize engine")
			os.Exit(1)
		}
		defer deps.Close()

		conn := db.Connection()
		scan := &db.Scan{
			Target: swarmTarget,
			Mode:   db.ScanModeSwarm,
			Status: db.ScanStatusPending,
		}
		if err := conn.CreateScan(scan); err != nil {
			log.Error().Err(err).Msg("Failed to create scan record")
			os.Exit(1)
		}

		p := pool.New(pool.ConfigFromViper(swarmTarget, scan.ID), deps.backend, deps.throttle, conn)

		interrupts := make(chan os.Signal, 2)
		signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupts)
		go func() {
			<-interrupts
			log.Warn().Msg("Interrupt received, stopping workers at their next check")
			p.Stop()
			<-interrupts
			os.Exit(1)
		}()

		conn.UpdateScanStatus(scan.ID, db.ScanStatusRunning, "")
		if err := p.Run(ctx); err != nil {
			conn.UpdateScanStatus(scan.ID, db.ScanStatusFailed, err.Error())
			log.Error().Err(err).Uint("scan_id", scan.ID).Msg("Swarm scan failed")
			os.Exit(1)
		}

		if p.Control().IsStopped() {
			conn.UpdateScanStatus(scan.ID, db.ScanStatusStopped, "")
		} else {
			conn.UpdateScanStatus(scan.ID, db.ScanStatusCompleted, "")
		}
	},
}

func init() {
	rootCmd.AddCommand(swarmCmd)
	swarmCmd.Flags().StringVarP(&swarmTarget, "url", "u", "", "Target URL to scan")
}
