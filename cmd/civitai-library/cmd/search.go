package cmd

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-library/index"
	"go-civitai-library/internal/pipeline"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over the library index",
	Long: `Searches the Bleve index maintained by 'scan' and 'serve'. The query uses the
Bleve query string syntax, e.g. '+creatorName:lykon +baseModel:sdxl' or 'tags:anime'.
When nothing matches, similar model names are suggested.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		idx, err := index.OpenOrCreateIndex(dataPath(indexDir))
		if err != nil {
			return fmt.Errorf("opening search index: %w", err)
		}
		defer idx.Close()

		results, err := index.SearchIndex(idx, query, searchLimit)
		if err != nil {
			return fmt.Errorf("searching index: %w", err)
		}
		log.Debugf("Search took %s", results.Took)

		if len(results.Hits) > 0 {
			fmt.Printf("Found %d matching models (showing %d):\n", results.Total, len(results.Hits))
			for _, hit := range results.Hits {
				item := index.HitItem(hit.ID, hit.Fields)
				fmt.Printf("  %-40s %s\n", item.Summary(), item.FilePath)
				if item.MagnetLink != "" {
					fmt.Printf("  %-40s %s\n", "", item.MagnetLink)
				}
			}
			return nil
		}

		fmt.Println("No matches found.")
		svc := newService()
		resp, err := svc.ModelList(cmd.Context())
		if err != nil {
			log.WithError(err).Debug("No library to suggest from")
			return nil
		}
		if hints := pipeline.Suggest(resp.Records, query, 3); len(hints) > 0 {
			fmt.Printf("Did you mean: %s?\n", strings.Join(hints, ", "))
		}
		return svc.Scanner().Wait(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of results")
}
