package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/originscore/originscore/internal/probe"
	"github.com/originscore/originscore/internal/scan"
)

var (
	emailMode    string
	dkimSelector string
	jsonOutput   bool
	scanTimeout  time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan <https-url>",
	Short: "Run the transport, headers, and auth probes against one origin",
	Long: `Probe a single HTTPS origin and print its weighted security score.

The three probes run concurrently:
- transport: TLS protocol, cipher, and certificate chain analysis
- headers:   HTTP security response headers
- auth:      DNS resolution, SPF/DKIM/DMARC, DNSSEC, and CAA

Probes that time out or fail are excluded from scoring and the remaining
module weights are renormalized, so a partial scan still grades.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if emailMode != probe.EmailExpected && emailMode != probe.EmailNone {
			return fmt.Errorf("--email-mode must be %q or %q", probe.EmailExpected, probe.EmailNone)
		}

		coordinator := scan.NewCoordinator(scan.Config{
			Logger:      logger,
			Attempts:    viper.GetInt("scan.attempts"),
			BackoffBase: viper.GetDuration("scan.backoff_base"),
			Weights:     weightsFromConfig(),
			Timeouts:    timeoutsFromConfig(),
			RateLimits:  rateLimitsFromConfig(),
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
		defer cancel()

		summary := coordinator.RunScan(ctx, probe.Target{
			URL:          args[0],
			EmailMode:    emailMode,
			DKIMSelector: dkimSelector,
		})

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		printSummary(summary)
		if summary.Failed {
			return fmt.Errorf("scan failed: no module produced a usable score")
		}
		return nil
	},
}

var moduleNames = []string{probe.NameTransport, probe.NameHeaders, probe.NameAuth}

func weightsFromConfig() map[string]float64 {
	weights := scan.DefaultWeights()
	for name := range weights {
		key := "scan.weights." + name
		if viper.IsSet(key) {
			weights[name] = viper.GetFloat64(key)
		}
	}
	return weights
}

func timeoutsFromConfig() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, name := range moduleNames {
		if key := "scan.timeouts." + name; viper.IsSet(key) {
			out[name] = viper.GetDuration(key)
		}
	}
	return out
}

func rateLimitsFromConfig() map[string]int {
	out := make(map[string]int)
	for _, name := range moduleNames {
		if key := "scan.rate_limits." + name; viper.IsSet(key) {
			out[name] = viper.GetInt(key)
		}
	}
	return out
}

func printSummary(summary *scan.Summary) {
	fmt.Printf("%s %s\n", colorInfo("Target:"), summary.Target)
	if summary.TotalScore != nil {
		fmt.Printf("%s %d/100  %s %s\n",
			colorInfo("Score:"), *summary.TotalScore,
			colorInfo("Grade:"), formatGrade(summary.Grade))
	} else {
		fmt.Println(colorError("Scan failed: every module errored out"))
	}

	names := make([]string, 0, len(summary.Modules))
	for name := range summary.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := summary.Modules[name]
		fmt.Printf("\n[%s] %s  score=%d  retries=%d  %.0fms\n",
			name, formatStatus(string(m.Status)), m.Score, m.RetryCount, m.ExecutionTime)
		for _, issue := range m.Details.Issues {
			fmt.Printf("  %s %s\n", colorError("-"), issue)
		}
		for _, strength := range m.Details.Strengths {
			fmt.Printf("  %s %s\n", colorSuccess("+"), strength)
		}
		for _, skipped := range m.Details.Skipped {
			fmt.Printf("  %s %s\n", colorInfo("~"), skipped)
		}
		for _, rec := range m.Details.Recommendations {
			fmt.Printf("  %s %s\n", colorWarn("!"), rec)
		}
	}
}

func init() {
	scanCmd.Flags().StringVar(&emailMode, "email-mode", probe.EmailExpected,
		`whether the origin is expected to handle email ("expected" or "none")`)
	scanCmd.Flags().StringVar(&dkimSelector, "dkim-selector", "",
		"DKIM selector to try before the common fallbacks")
	scanCmd.Flags().BoolVar(&jsonOutput, "json", false, "emit the scan summary as JSON")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 2*time.Minute,
		"overall deadline for the whole scan")
}
