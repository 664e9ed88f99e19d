package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/imran-siddique/agentos/internal/adapter/outbound/recorder"
	"github.com/imran-siddique/agentos/internal/config"
)

// recorderConfig maps the loaded configuration onto the flight
// recorder's settings.
func recorderConfig(cfg *config.Config) recorder.Config {
	return recorder.Config{
		Dir:             cfg.RecorderDir(),
		SegmentMaxBytes: cfg.Recorder.SegmentMaxBytes,
	}
}

var (
	auditFormat string
	auditLimit  int
	auditAgent  string
	auditVerify bool
)

var auditCmd = &cobra.Command{
	Use:   "audit [--format text|json] [--limit n] [--agent id] [--verify]",
	Short: "Dump recent flight recorder entries",
	Long: `Read the chained audit segments from the recorder directory and print
the most recent entries. --verify walks the whole chain first and fails
with exit code 1 if any entry hash does not link.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if auditFormat != "text" && auditFormat != "json" {
			return configErr("unknown format %q", auditFormat)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		rec, err := recorder.New(recorderConfig(cfg), logger)
		if err != nil {
			return runtimeErr("open recorder: %v", err)
		}
		defer rec.Close()

		out := cmd.OutOrStdout()
		if auditVerify {
			report, err := rec.VerifyIntegrity(context.Background())
			if err != nil {
				return runtimeErr("verify: %v", err)
			}
			if !report.OK {
				return violationErr("chain broken at seq %d (%d entries verified)",
					report.FirstBreak, report.Entries)
			}
			fmt.Fprintf(out, "chain ok: %d entries\n", report.Entries)
		}

		entries := rec.Recent(auditLimit)
		if auditAgent != "" {
			entries = rec.RecentByAgent(auditAgent, auditLimit)
		}

		if auditFormat == "json" {
			enc := json.NewEncoder(out)
			for _, e := range entries {
				if err := enc.Encode(&e); err != nil {
					return runtimeErr("%v", err)
				}
			}
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s seq=%d agent=%s %s decision=%s %s\n",
				e.Time().Format(time.RFC3339), e.Seq, e.AgentID, e.EventType, e.Decision, e.Reason)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditFormat, "format", "text", "output format: text or json")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries to print")
	auditCmd.Flags().StringVar(&auditAgent, "agent", "", "filter by agent id")
	auditCmd.Flags().BoolVar(&auditVerify, "verify", false, "verify the hash chain before printing")
	rootCmd.AddCommand(auditCmd)
}
