package login

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kylemclaren/clawrelay/cmd/clawrelay/internal"
	"github.com/kylemclaren/clawrelay/pkg/auth"
	"github.com/kylemclaren/clawrelay/pkg/config"
)

// NewLoginCommand stores the sandbox gateway token in the config file.
func NewLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the sandbox gateway token",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			token, err := auth.PasteToken(os.Stdin)
			if err != nil {
				return err
			}

			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			cfg.Gateway.Token = token

			path := internal.GetConfigPath()
			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("error saving config: %w", err)
			}

			fmt.Printf("✓ Gateway token saved to %s\n", path)
			return nil
		},
	}
}
