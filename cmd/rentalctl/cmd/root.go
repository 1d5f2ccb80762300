package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/config"
	"github.com/gpu-rental/rentalctl/internal/i18n"
	"github.com/gpu-rental/rentalctl/internal/logging"
	"github.com/gpu-rental/rentalctl/internal/service/rental"
)

var (
	configFile   string
	serverURL    string
	outputFormat string
	language     string

	// loaded by the root pre-run
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rentalctl",
	Short: "Rent GPU nodes paid from an on-chain escrow",
	Long: `rentalctl starts, extends and stops GPU rentals.

A rental is started on-chain first and then confirmed with the Hub, which
issues SSH access once it has indexed the transaction. This CLI lets you:
- Browse available GPU nodes and their hourly prices
- Start, extend and stop rentals
- Watch pending and running sessions count down
- Deposit and withdraw escrow funds
- Check SSH access and copy files to a running session`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command and reports errors in the configured language
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		reportError(rootCmd.ErrOrStderr(), err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: environment and .env)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Hub URL (overrides HUB_URL)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&language, "lang", "", "Message language (ko, en)")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return err
	}

	if serverURL != "" {
		cfg.Hub.URL = serverURL
	}
	if language != "" {
		cfg.Hub.Language = language
	}

	logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

// translator returns the translator for the active language
func translator() *i18n.Translator {
	lang := language
	if lang == "" && cfg != nil {
		lang = cfg.Hub.Language
	}
	return i18n.MustNew(lang)
}

// reportError prints the localized message; the raw error goes to the log
func reportError(w io.Writer, err error) {
	slog.Debug("command failed", slog.String("error", err.Error()))

	tr := translator()
	msg := rental.Message(tr, err)
	if msg == tr.T(i18n.MsgUnknown) {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	fmt.Fprintln(w, msg)
}
