package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/pkg/agent/orchestrator"
)

var scanTarget string
var scanInstructions string
var scanRounds int
var continueRounds int

// scanCmd runs the single-orchestrator mode: plan, execute, replan.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run an orchestrated scan against a target",
	Long: `Runs the Plan -> Execute -> Replan loop against the target. The model
plans up to five attack steps per round, executes them through the tool
server, and decides after each round whether testing is sufficiently
thorough. Operator instructions can restrict the scan to named endpoints or
vulnerability classes.`,
	Run: func(cmd *cobra.Command, args []string) {
		if scanTarget == "" {
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
			Target:       scanTarget,
			Mode:         db.ScanModeOrchestrator,
			Status:       db.ScanStatusPending,
			Instructions: scanInstructions,
		}
		if err := conn.CreateScan(scan); err != nil {
			log.Error().Err(err).Msg("Failed to create scan record")
			os.Exit(1)
		}

		cfg := orchestrator.ConfigFromViper(scanTarget, scanInstructions, scan.ID)
		if scanRounds > 0 {
			cfg.MaxRounds = scanRounds
		}
		o := orchestrator.New(cfg, deps.backend, deps.throttle, conn)

		// Ctrl-C requests a cooperative stop; a second one kills the process.
		interrupts := make(chan os.Signal, 2)
		signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupts)
		go func() {
			<-interrupts
			log.Warn().Msg("Interrupt received, stopping at the next step boundary")
			o.Stop()
			<-interrupts
			os.Exit(1)
		}()

		if err := o.Start(ctx); err != nil {
			log.Error().Err(err).Uint("scan_id", scan.ID).Msg("Scan failed")
			os.Exit(1)
		}

		if continueRounds > 0 {
			if err := o.ContinueScan(ctx, orchestrator.ContinueOptions{Rounds: continueRounds}); err != nil {
				log.Error().Err(err).Msg("Scan continuation failed")
			}
		}

		status := o.GetState()
		log.Info().
			Uint("scan_id", scan.ID).
			Str("phase", string(status.Phase)).
			Int("rounds", status.Round).
			Int("findings", status.Stats.VulnsFound).
			Int64("tokens_in", status.TokensIn).
			Int64("tokens_out", status.TokensOut).
			Msg("Scan finished")
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVarP(&scanTarget, "url", "u", "", "Target URL to scan")
	scanCmd.Flags().StringVarP(&scanInstructions, "instructions", "i", "", "Operator instructions (may restrict scope)")
	scanCmd.Flags().IntVar(&scanRounds, "rounds", 0, "Override the maximum number of plan rounds")
	scanCmd.Flags().IntVar(&continueRounds, "continue", 0, "Extra direct-execution rounds after the plan loop")
}
