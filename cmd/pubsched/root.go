package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pubsched/internal/api"
	"pubsched/internal/config"
)

var (
	cfgFile    string
	apiAddr    string
	apiToken   string
	outputJSON bool
	reqTimeout time.Duration

	rootCmd = &cobra.Command{
		Use:   "pubsched",
		Short: "Schedule and publish media to remote accounts",
		Long: `pubsched runs a scheduling daemon that uploads videos, stories and reels
at planned times, and a client to manage its jobs and slot templates.`,
		SilenceUsage: true,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "./config.json", "Path to the config file (JSON or YAML)")
	pf.StringVar(&apiAddr, "addr", "", "Control API address (default: api.addr from the config)")
	pf.StringVar(&apiToken, "token", "", "Control API token (default: api.token from the config, or $PUBSCHED_TOKEN)")
	pf.BoolVar(&outputJSON, "json", false, "Print results as JSON")
	pf.DurationVar(&reqTimeout, "timeout", 10*time.Second, "Control API request timeout")
}

// newClient resolves the daemon address from flags, environment and the config file, in that order.
func newClient() (*api.Client, error) {
	addr, token := strings.TrimSpace(apiAddr), strings.TrimSpace(apiToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("PUBSCHED_TOKEN"))
	}
	if addr == "" || token == "" {
		cfg, err := config.NewConfigManager(cfgFile).Parse()
		switch {
		case err == nil:
			if addr == "" {
				addr = cfg.API.Addr
			}
			if token == "" {
				token = cfg.API.Token
			}
		case errors.Is(err, fs.ErrNotExist):
			// Flags and defaults only.
		default:
			return nil, fmt.Errorf("read %s: %w", cfgFile, err)
		}
	}
	if addr == "" {
		addr = api.DefaultAddr
	}
	return api.NewClient(addr, token, reqTimeout), nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Println(string(b))
	return nil
}
