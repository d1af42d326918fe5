package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// NewRootCommand builds the marketchat command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "marketchat",
		Short: "Marketplace chat client",
		Long: `marketchat talks to the marketplace chat backend: it lists your conversations,
follows them live and sends messages to other users.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringP("config", "c", "", "config file path (yaml)")
	root.PersistentFlags().String("token-file", "", "credential file (default is <user config dir>/marketchat/token)")

	root.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newWhoamiCommand(),
		newConversationsCommand(),
		newWatchCommand(),
		newSendCommand(),
		newStartCommand(),
	)
	return root
}
