package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [hash...]",
	Short: "Resolve resource hashes to catalog models",
	Long: `Looks resource hashes (as found in image generation metadata) up in the hash
cache, asking the catalog for misses. Hashes the catalog cannot resolve are cached
as "Unknown Model" and not retried; use --clear to forget them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		clearFirst, _ := cmd.Flags().GetBool("clear")
		svc := newService()
		if clearFirst {
			if err := svc.ClearCaches(); err != nil {
				return err
			}
			log.Info("Hash cache cleared")
		}
		if len(args) == 0 {
			if !clearFirst {
				return fmt.Errorf("no hashes given")
			}
			return nil
		}

		resolved := svc.ResolveResources(cmd.Context(), args)
		hashes := make([]string, 0, len(resolved))
		for h := range resolved {
			hashes = append(hashes, h)
		}
		sort.Strings(hashes)

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "HASH\tNAME\tTYPE\tVERSION\tMODEL ID")
		for _, h := range hashes {
			info := resolved[h]
			id := "-"
			if info.ModelID != nil {
				id = fmt.Sprint(*info.ModelID)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h, info.Name, info.Type, orDash(info.VersionName), id)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().Bool("clear", false, "Clear the hash cache (including unknown entries) first")
}
