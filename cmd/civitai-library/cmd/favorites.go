package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var favoritesCmd = &cobra.Command{
	Use:   "favorites",
	Short: "List or toggle favorited models",
}

var favoritesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List favorited model keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStateDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fav := startFavorites(db)
		fav.WaitReady(cmd.Context())
		for _, key := range fav.List() {
			fmt.Println(key)
		}
		return nil
	},
}

var favoritesToggleCmd = &cobra.Command{
	Use:   "toggle <model-key>...",
	Short: "Toggle favorites by model key",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStateDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fav := startFavorites(db)
		if !fav.WaitReady(cmd.Context()) {
			return fmt.Errorf("favorites could not be loaded, not toggling")
		}
		for _, key := range args {
			if fav.Toggle(key) {
				fmt.Printf("%s: favorited\n", key)
			} else {
				fmt.Printf("%s: removed from favorites\n", key)
			}
		}
		return fav.Flush()
	},
}

func init() {
	rootCmd.AddCommand(favoritesCmd)
	favoritesCmd.AddCommand(favoritesListCmd, favoritesToggleCmd)
}
