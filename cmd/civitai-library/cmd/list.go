package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"go-civitai-library/internal/models"
	"go-civitai-library/internal/pipeline"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List library models with search, filters, sorting and paging",
	Long: `Lists the model library through the same filter, sort and paging pipeline the
gallery uses. Served from the model cache; a scan runs first only when no cache exists.`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringP("output", "o", "table", "Output format: table, json or yaml")
	listCmd.Flags().StringP("search", "s", "", "Search term (name, creator or path)")
	listCmd.Flags().String("creator", "", "Only models by this creator")
	listCmd.Flags().String("base-model", "", "Only models for this base model")
	listCmd.Flags().String("type", "", "Only models of this type (Checkpoint, LORA, ...)")
	listCmd.Flags().Bool("favorites", false, "Only favorited models")
	listCmd.Flags().String("sort", pipeline.SortName, "Sort key: name, name-desc, type, base-model, size, downloads")
	listCmd.Flags().IntP("page", "p", 1, "Page number")
	listCmd.Flags().Int("page-size", 0, "Page size (0 uses the configured page size)")

	viper.BindPFlag("list.output", listCmd.Flags().Lookup("output"))
	viper.BindPFlag("list.search", listCmd.Flags().Lookup("search"))
	viper.BindPFlag("list.creator", listCmd.Flags().Lookup("creator"))
	viper.BindPFlag("list.base_model", listCmd.Flags().Lookup("base-model"))
	viper.BindPFlag("list.type", listCmd.Flags().Lookup("type"))
	viper.BindPFlag("list.favorites", listCmd.Flags().Lookup("favorites"))
	viper.BindPFlag("list.sort", listCmd.Flags().Lookup("sort"))
	viper.BindPFlag("list.page", listCmd.Flags().Lookup("page"))
	viper.BindPFlag("list.page_size", listCmd.Flags().Lookup("page-size"))
}

func runList(cmd *cobra.Command, args []string) error {
	pageSize := viper.GetInt("list.page_size")
	if pageSize <= 0 {
		pageSize = globalStore.Get().PageSize
	}
	q := pipeline.Query{
		SearchTerm: viper.GetString("list.search"),
		Filters: models.Filters{
			Creator:       viper.GetString("list.creator"),
			BaseModel:     viper.GetString("list.base_model"),
			ModelType:     viper.GetString("list.type"),
			FavoritesOnly: viper.GetBool("list.favorites"),
		},
		SortKey:  viper.GetString("list.sort"),
		Page:     viper.GetInt("list.page"),
		PageSize: pageSize,
	}

	svc := newService()
	resp, err := svc.ModelList(cmd.Context())
	if err != nil {
		return err
	}

	var favorites map[string]bool
	if q.Filters.FavoritesOnly {
		db, err := openStateDB()
		if err != nil {
			return err
		}
		fav := startFavorites(db)
		fav.WaitReady(cmd.Context())
		favorites = fav.Set()
		db.Close()
	}

	pipe := pipeline.New()
	pipe.Reinitialize(resp.Records)
	page := pipeline.Paginate(pipe.Apply(resp.Records, q, favorites), q.Page, q.PageSize)

	// Let a stale-cache rescan finish before exiting so its results are kept.
	svc.Scanner().Wait(cmd.Context())

	return writePage(os.Stdout, viper.GetString("list.output"), page, q.SearchTerm, resp.Records)
}

func writePage(w io.Writer, format string, page pipeline.Page, term string, all []models.ModelRecord) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(page)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tBASE MODEL\tCREATOR\tSIZE\tDOWNLOADS\tKEY")
	for _, r := range page.Records {
		typ, base, downloads := "-", "-", "-"
		if m := r.Metadata; m != nil {
			typ, base = orDash(m.Type), orDash(m.BaseModel)
			downloads = humanize.Comma(int64(m.Stats.DownloadCount))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.DisplayName(), typ, base, orDash(r.Creator()), humanize.Bytes(uint64(max(r.FileSizeBytes, 0))), downloads, r.ModelKey)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nPage %d/%d, %d models\n", page.Page, page.TotalPages, page.Total)
	if page.Total == 0 && term != "" {
		if hints := pipeline.Suggest(all, term, 3); len(hints) > 0 {
			fmt.Fprintf(w, "Did you mean: %s?\n", strings.Join(hints, ", "))
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
