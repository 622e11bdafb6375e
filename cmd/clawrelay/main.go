// ClawRelay - always-on chat relay for a suspendable agent sandbox.
// The relay stays online while the sandbox suspends to save cost, waking
// it on demand when messages arrive.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kylemclaren/clawrelay/cmd/clawrelay/internal"
	"github.com/kylemclaren/clawrelay/cmd/clawrelay/internal/login"
	"github.com/kylemclaren/clawrelay/cmd/clawrelay/internal/relay"
	"github.com/kylemclaren/clawrelay/cmd/clawrelay/internal/version"
)

func NewClawrelayCommand() *cobra.Command {
	short := fmt.Sprintf("%s clawrelay - Sandbox chat relay v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "clawrelay",
		Short:   short,
		Example: "clawrelay relay",
	}

	cmd.AddCommand(
		relay.NewRelayCommand(),
		login.NewLoginCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewClawrelayCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
