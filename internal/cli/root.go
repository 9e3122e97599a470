package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgPath  string
	apiBase  string
	verbose  bool
	log      *zap.SugaredLogger
	cliCfg   Config
	buildVer = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "oreusctl",
	Short: "Control the oreus dev server orchestrator",
	Long: `oreusctl talks to a running oreus API server.

It creates projects from templates, starts and stops their preview dev
servers, triggers deployments, and follows dev server logs.`,
	Version:       buildVer,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg = zap.NewDevelopmentConfig()
		}
		zlog, err := zcfg.Build()
		if err != nil {
			return err
		}
		log = zlog.Sugar()

		cliCfg = LoadConfig(cfgPath)
		if apiBase != "" {
			cliCfg.APIBaseURL = apiBase
		}
		log.Debugw("configuration resolved", "api", cliCfg.APIBaseURL)
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	defer func() {
		if log != nil {
			_ = log.Sync()
		}
	}()
	return rootCmd.Execute()
}

func init() {
	defaultCfg := ""
	if home, err := os.UserHomeDir(); err == nil {
		defaultCfg = filepath.Join(home, ".config", "oreusctl", "config.toml")
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultCfg, "Path to config file")
	rootCmd.PersistentFlags().StringVar(&apiBase, "api", "", "API base URL (overrides config file)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
