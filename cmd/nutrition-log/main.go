// cmd/nutrition-log/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mcp-nutrition-log/internal/config"
)

const version = "1.0.0"

var (
	configPath string
	host       string
	port       int

	rootCmd = &cobra.Command{
		Use:   "nutrition-log",
		Short: "Calorie tracking MCP server with anonymous-to-account sync",
		Long: `nutrition-log serves meal logging tools over HTTP. Meals logged while
anonymous are cached on this device and merged into the account's remote
log on sign-in.`,
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP tool server",
		RunE:  runServe,
	}
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a user id",
		RunE:  runToken,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nutrition-log version %s\n", version)
		},
	}
	tokenUser string
	tokenTTL  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("NUTRITION_CONFIG"), "Path to the YAML config file")

	serveCmd.Flags().StringVar(&host, "host", "", "Host address (overrides config)")
	serveCmd.Flags().IntVar(&port, "port", 0, "Port for HTTP transport (overrides config)")
	rootCmd.AddCommand(serveCmd)

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id to put in the subject claim")
	tokenCmd.Flags().StringVar(&tokenTTL, "ttl", "24h", "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
