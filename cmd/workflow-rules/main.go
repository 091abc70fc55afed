// Command workflow-rules validates and lists YAML workflow rule files.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"automation-engine/internal/workflow"
)

var version = "dev"

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "workflow-rules",
		Short:         "Validate and inspect workflow rule files",
		Version:       version,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.AddCommand(newValidateCommand(), newListCommand())
	return root
}

func newValidateCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "validate <path> [<path>...]",
		Short: "Validate YAML rule files or directories",
		Example: `  workflow-rules validate configs/rules
  workflow-rules validate --verbose nightly.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), args, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show each rule's trigger and actions")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [<path>...]",
		Short: "List rules found in files or directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"configs/rules"}
			}
			return runList(cmd.OutOrStdout(), args)
		},
	}
}

func runValidate(out io.Writer, paths []string, verbose bool) error {
	var total, valid, invalid int

	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
			invalid++
			continue
		}
		for _, f := range files {
			total++
			rules, err := parseFile(f)
			if err != nil {
				fmt.Fprintf(out, "  FAIL  %s: %v\n", f, err)
				invalid++
				continue
			}
			valid++
			fmt.Fprintf(out, "  OK    %s (%d rule(s))\n", f, len(rules))
			if verbose {
				for _, r := range rules {
					fmt.Fprintf(out, "        - %s (trigger=%s, actions=%d, priority=%d, enabled=%t)\n",
						r.Name, describeTrigger(r), len(r.Actions), r.Priority, r.Enabled)
					if len(r.Tags) > 0 {
						fmt.Fprintf(out, "          tags: %s\n", strings.Join(r.Tags, ", "))
					}
				}
			}
		}
	}

	fmt.Fprintf(out, "\nResults: %d files checked, %d valid, %d invalid\n", total, valid, invalid)
	if invalid > 0 {
		return fmt.Errorf("%d invalid rule file(s)", invalid)
	}
	return nil
}

func runList(out io.Writer, paths []string) error {
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		for _, f := range files {
			rules, err := parseFile(f)
			if err != nil {
				fmt.Fprintf(out, "# skipped %s: %v\n", f, err)
				continue
			}
			for _, r := range rules {
				state := "enabled"
				if !r.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "%-40s  %-10s  %-8s  pri=%-3d  %s\n",
					r.Name, r.Trigger.Type, state, r.Priority, describeTrigger(r))
			}
		}
	}
	return nil
}

func parseFile(path string) ([]workflow.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return workflow.ParseRules(data)
}

func describeTrigger(r workflow.Rule) string {
	t := r.Trigger
	switch {
	case t.Event != nil:
		return "event:" + t.Event.EventType
	case t.Schedule != nil:
		return "schedule:" + t.ScheduleSpec()
	case t.Detection != nil:
		return "detection"
	}
	return string(t.Type)
}

func collectYAMLFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml":
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
