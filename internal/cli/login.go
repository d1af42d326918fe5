package cli

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbeoliero/marketchat/internal/identity"
)

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login [token]",
		Short: "Store the credential issued by the marketplace",
		Long:  `login stores a credential for later commands. Pass "-" or nothing to read it from stdin.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			var token string
			if len(args) == 1 && args[0] != "-" {
				token = args[0]
			} else {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if scanner.Scan() {
					token = scanner.Text()
				}
			}
			token = strings.TrimSpace(token)

			id, err := identity.Decode(token, time.Now())
			if err != nil {
				return err
			}
			if err := a.tokens.Save(token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", displayName(id.Name, id.UserId), id.UserId)
			return nil
		},
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.tokens.Remove(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			id, err := a.signIn()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", displayName(id.Name, id.UserId), id.UserId)
			if !id.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "credential expires %s\n", id.ExpiresAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func displayName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
