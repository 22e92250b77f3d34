package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dispatchbot/dispatch/internal/dispatch/store"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage per-user agent API keys",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set <user-email> <api-key>",
	Short: "Store or replace a user's agent API key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.UpsertCredential(args[0], args[1]); err != nil {
			return fmt.Errorf("storing credential: %w", err)
		}
		fmt.Printf("credential stored for %s\n", args[0])
		return nil
	},
}

var credentialsRmCmd = &cobra.Command{
	Use:   "rm <user-email>",
	Short: "Remove a user's agent API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DeleteCredential(args[0]); err != nil {
			return fmt.Errorf("removing credential: %w", err)
		}
		fmt.Printf("credential removed for %s\n", args[0])
		return nil
	},
}

// openStore opens the job run database without requiring a full config: the
// credentials commands only need the DB path.
func openStore() (*store.Store, error) {
	path := os.Getenv("DISPATCH_DB_PATH")
	if path == "" && cfgPath != "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.DBPath
	}
	if path == "" {
		var err error
		path, err = store.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}

func init() {
	credentialsCmd.AddCommand(credentialsSetCmd, credentialsRmCmd)
	rootCmd.AddCommand(credentialsCmd)
}
