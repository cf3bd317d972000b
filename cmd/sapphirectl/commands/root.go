// Package commands implements the sapphirectl CLI commands.
package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient talks to a running sapphired node's internal/diag
	// server: no protoc-generated service here, just JSON over HTTP.
	httpClient = &http.Client{Timeout: 5 * time.Second}

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the sapphired diagnostics server address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for sapphirectl.
var rootCmd = &cobra.Command{
	Use:   "sapphirectl",
	Short: "CLI client for a sapphired mesh node",
	Long:  "sapphirectl talks to a running sapphired node's diagnostics server to inspect its neighbor table, routes, and time-sync status.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080", "sapphired diagnostics address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(neighborsCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// getState fetches the diagnostics endpoint at path and decodes it into out.
func getState(path string, out any) error {
	resp, err := httpClient.Get("http://" + serverAddr + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: status %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	return nil
}
