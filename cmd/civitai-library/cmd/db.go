package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// dbCmd groups commands that inspect the client state database
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the client state database",
}

var dbViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View favorites and saved gallery view states",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStateDB()
		if err != nil {
			return err
		}
		defer db.Close()

		favorites, err := db.Favorites()
		if err != nil {
			return err
		}
		sort.Strings(favorites)
		fmt.Printf("Favorites (%d):\n", len(favorites))
		for _, key := range favorites {
			fmt.Printf("  %s\n", key)
		}

		states, err := db.ViewStates()
		if err != nil {
			return err
		}
		sessions := make([]string, 0, len(states))
		for s := range states {
			sessions = append(sessions, s)
		}
		sort.Strings(sessions)

		fmt.Printf("\nSaved views (%d):\n", len(sessions))
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "Session\tSearch\tSort\tPage\tCreator\tBase Model\tType\tFavorites Only")
		fmt.Fprintln(tw, "-------\t------\t----\t----\t-------\t----------\t----\t--------------")
		for _, s := range sessions {
			st := states[s]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%t\n",
				s, orDash(st.SearchTerm), orDash(st.SortKey), st.CurrentPage,
				orDash(st.Filters.Creator), orDash(st.Filters.BaseModel), orDash(st.Filters.ModelType), st.Filters.FavoritesOnly)
		}
		return tw.Flush()
	},
}

var dbForgetCmd = &cobra.Command{
	Use:   "forget <session>...",
	Short: "Delete saved view states",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStateDB()
		if err != nil {
			return err
		}
		defer db.Close()

		for _, session := range args {
			if err := db.DeleteViewState(session); err != nil {
				return err
			}
			log.WithField("session", session).Info("Forgot saved view")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbViewCmd, dbForgetCmd)
}
