package mssql

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/katasec/mssql-changestream/internal/config"
)

// NewRootCommand builds the mssql-changestream command line.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mssql-changestream",
		Short:         "Stream SQL Server change data capture tables to a queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newSchemaCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stream the configured tables until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "(Required) Config file (json, yaml or toml); - reads JSON from stdin")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "(Optional) Override the configured log level")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the config schema as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := (&Plugin{}).GetSchema(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(schema, "", "  ")
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(out, '\n'))
			return err
		},
	}
}
