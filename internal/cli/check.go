package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hiberproxy/hiberproxy/internal/check"
	"github.com/hiberproxy/hiberproxy/internal/config"
)

var checkApps string

var checkCmd = &cobra.Command{
	Use:   "check <config>",
	Short: "Exercise each configured host's start/stop cycle once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		var filter []string
		if checkApps != "" {
			filter = strings.Split(checkApps, ",")
		}

		results, err := check.Run(cmd.Context(), cfg, filter, os.Stdout)
		if err != nil {
			return err
		}
		if !check.Summarize(results, os.Stdout) {
			return fmt.Errorf("one or more hosts failed the start/stop cycle")
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkApps, "apps", "", "comma-separated list of hosts to check (default: all configured hosts)")
}
