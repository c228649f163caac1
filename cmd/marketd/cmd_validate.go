package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sawpanic/marketfeed/internal/config"
	"github.com/sawpanic/marketfeed/internal/feed"
	"github.com/sawpanic/marketfeed/internal/providers"
	"github.com/sawpanic/marketfeed/internal/secrets"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file without connecting",
	Long: `Load and validate the configuration, build every adapter and list the
subscriptions each platform would make. Skipped entries are reported.

Examples:
  marketd validate -c marketd.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	settings, problems := cfg.PlatformSettings()
	reg := feed.DefaultRegistry()
	usable := 0
	for _, ps := range settings {
		a, err := reg.New(ps.Platform, ps.Settings, providers.PublisherFunc(nil), nil)
		if err != nil {
			fmt.Fprintf(out, "SKIP %-8s %v\n", ps.Platform, err)
			continue
		}
		usable++
		var channels []string
		for _, c := range ps.Settings.Channels {
			channels = append(channels, string(c))
		}
		line := fmt.Sprintf("OK   %-8s %s symbols=%d channels=%s",
			ps.Platform, a.Endpoint(), len(ps.Settings.Symbols), strings.Join(channels, ","))
		if ps.Settings.AccessKey != "" {
			line += " access_key=" + secrets.Mask(ps.Settings.AccessKey)
		}
		fmt.Fprintln(out, line)
	}
	for _, p := range problems {
		fmt.Fprintf(out, "SKIP %-8s %v\n", p.Platform, p.Err)
	}

	if usable == 0 {
		return fmt.Errorf("%s: %w", configPath, feed.ErrNoFeeds)
	}
	return nil
}
