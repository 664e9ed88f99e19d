package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imran-siddique/agentos/internal/adapter/outbound/policyfile"
	"github.com/imran-siddique/agentos/internal/domain/policy"
)

var (
	checkStaged bool
	checkCI     bool
	checkFormat string
)

// scanned source extensions; everything else is skipped silently.
var checkExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true,
	".sh": true, ".sql": true, ".yaml": true, ".yml": true,
}

type checkReport struct {
	File     string                 `json:"file"`
	Findings []policy.SourceFinding `json:"findings"`
}

var checkCmd = &cobra.Command{
	Use:   "check [files...] [--staged] [--ci] [--format text|json]",
	Short: "Static policy scan over policy files and source trees",
	Long: `Scan the given files (or directories, recursively) for destructive
patterns: rm -rf, DROP/TRUNCATE, unscoped DELETE, filesystem formatting.
Policy YAML files are additionally validated. --staged scans only
git-staged files. Exits 1 when any violation is found.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkFormat != "text" && checkFormat != "json" {
			return configErr("unknown format %q", checkFormat)
		}

		files, err := collectFiles(args)
		if err != nil {
			return err
		}

		var reports []checkReport
		for _, path := range files {
			findings, err := checkFile(path)
			if err != nil {
				return err
			}
			if len(findings) > 0 {
				reports = append(reports, checkReport{File: path, Findings: findings})
			}
		}

		out := cmd.OutOrStdout()
		if checkFormat == "json" {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(reports); err != nil {
				return runtimeErr("%v", err)
			}
		} else {
			for _, r := range reports {
				for _, f := range r.Findings {
					fmt.Fprintf(out, "%s:%d: %s: %s\n", r.File, f.Line, f.Pattern, f.Text)
				}
			}
			if len(reports) == 0 && !checkCI {
				fmt.Fprintf(out, "checked %d files, no violations\n", len(files))
			}
		}

		if len(reports) > 0 {
			total := 0
			for _, r := range reports {
				total += len(r.Findings)
			}
			return violationErr("%d violation(s) in %d file(s)", total, len(reports))
		}
		return nil
	},
}

func collectFiles(args []string) ([]string, error) {
	if checkStaged {
		return stagedFiles()
	}
	if len(args) == 0 {
		args = []string{"."}
	}

	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, configErr("%v", err)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if name := d.Name(); name == ".git" || name == "node_modules" || name == "vendor" {
					return filepath.SkipDir
				}
				return nil
			}
			if checkExtensions[filepath.Ext(path)] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, runtimeErr("%v", err)
		}
	}
	return files, nil
}

func stagedFiles() ([]string, error) {
	out, err := exec.Command("git", "diff", "--cached", "--name-only", "--diff-filter=ACM").Output()
	if err != nil {
		return nil, runtimeErr("git diff --cached: %v", err)
	}
	var files []string
	for _, line := range strings.Split(string(bytes.TrimSpace(out)), "\n") {
		if line == "" || !checkExtensions[filepath.Ext(line)] {
			continue
		}
		if _, err := os.Stat(line); err == nil {
			files = append(files, line)
		}
	}
	return files, nil
}

func checkFile(path string) ([]policy.SourceFinding, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, runtimeErr("%v", err)
	}

	// Policy documents get the full structural validation on top of the
	// pattern scan.
	ext := filepath.Ext(path)
	if ext == ".yaml" || ext == ".yml" {
		if tables, err := policyfile.Decode(bytes.NewReader(raw), path); err == nil {
			if verr := policyfile.Validate(tables); verr != nil {
				return []policy.SourceFinding{{Line: 1, Pattern: "invalid_policy", Text: verr.Error()}}, nil
			}
			return nil, nil
		}
		// Not a policy document: fall through to the pattern scan.
	}

	return policy.ScanSource(string(raw)), nil
}

func init() {
	checkCmd.Flags().BoolVar(&checkStaged, "staged", false, "scan only git-staged files")
	checkCmd.Flags().BoolVar(&checkCI, "ci", false, "machine-friendly output for CI pipelines")
	checkCmd.Flags().StringVar(&checkFormat, "format", "text", "output format: text or json")
	rootCmd.AddCommand(checkCmd)
}
