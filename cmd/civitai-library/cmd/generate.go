package cmd

import (
	"github.com/spf13/cobra"

	"go-civitai-library/internal/generator"
)

var generateCmd = &cobra.Command{
	Use:   "generate <model-file> [output-dir]",
	Short: "Fetch the catalog metadata document for one model file",
	Long: `Hashes a model weight file, looks it up on Civitai by hash and writes
{modelVersion, model} as <output-dir>/<file stem>.json. Exits non-zero when the
file is unknown to the catalog or cannot be read.

This is the default metadata generator the library invokes for new files.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outputDir := globalStore.Get().MetadataOutputDir
		if len(args) == 2 {
			outputDir = args[1]
		}
		gen := &generator.CatalogGenerator{Client: newAPIClient()}
		return gen.Generate(cmd.Context(), args[0], outputDir)
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)
}
