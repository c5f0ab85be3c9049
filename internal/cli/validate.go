package cli

import (
	"fmt"

	"github.com/schoolconsole/notify-engine/config"
	"github.com/schoolconsole/notify-engine/internal/auth"
	"github.com/spf13/cobra"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	if loadConfig == nil {
		panic("NewValidateCmd: config loader cannot be nil")
	}

	var simulator bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the console configuration",
		Long: `Check the push endpoint, API base URL and token before starting a session.

With --simulator the push simulator settings are checked instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("validate: %w", err)
			}
			out := cmd.OutOrStdout()
			validator := auth.NewConfigValidator(cfg)

			var errs []error
			if simulator {
				if err := cfg.ValidateSimulator(); err != nil {
					errs = append(errs, err)
				} else if err := validator.TestTokenCreation(); err != nil {
					errs = append(errs, fmt.Errorf("token round trip failed: %w", err))
				}
			} else {
				if err := cfg.ValidateClient(); err != nil {
					errs = append(errs, err)
				}
				if cfg.Auth.Token != "" {
					errs = append(errs, validator.ValidateClientAuth()...)
				}
			}
			validator.PrintValidationResults(errs)

			if len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintf(out, "  - %v\n", e)
				}
				return fmt.Errorf("validate: %d problem(s) found", len(errs))
			}
			fmt.Fprintln(out, "Configuration OK")
			return nil
		},
	}
	cmd.Flags().BoolVar(&simulator, "simulator", false, "Validate the push simulator settings")
	return cmd
}
