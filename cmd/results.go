package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/periscan/periscan/db"
)

var resultsScanID uint

// resultsCmd lists scans and their stored findings.
var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List scans and their findings",
	Run: func(cmd *cobra.Command, args []string) {
		conn := db.Connection()

		if resultsScanID == 0 {
			scans, err := conn.ListScans()
			if err != nil {
				log.Error().Err(err).Msg("Failed to list scans")
				os.Exit(1)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTARGET\tMODE\tSTATUS\tROUNDS\tFINDINGS")
			for _, scan := range scans {
				count, _ := conn.CountVulnerabilitiesByScan(scan.ID)
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\n",
					scan.ID, scan.Target, scan.Mode, scan.Status, scan.Rounds, count)
			}
			w.Flush()
			return
		}

		vulns, err := conn.GetVulnerabilitiesByScan(resultsScanID)
		if err != nil {
			log.Error().Err(err).Uint("scan_id", resultsScanID).Msg("Failed to load findings")
			os.Exit(1)
		}
		if len(vulns) == 0 {
			fmt.Println("No findings stored for this scan.")
			return
		}
		for _, v := range vulns {
			fmt.Printf("[%s] %s\n", v.Severity, v.Name)
			fmt.Printf("    %s %s\n", v.HTTPMethod, v.URL)
			if v.Parameter != "" {
				fmt.Printf("    parameter: %s\n", v.Parameter)
			}
			fmt.Printf("    CWE-%d  CVSS %.1f  verified=%t confidence=%d\n", v.Cwe, v.CVSSScore, v.Verified, v.Confidence)
			for i, step := range v.ProofOfConcept {
				fmt.Printf("    %d. %s\n", i+1, step)
			}
			fmt.Println()
		}
	},
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.Flags().UintVar(&resultsScanID, "scan", 0, "Show findings for one scan ID")
}
