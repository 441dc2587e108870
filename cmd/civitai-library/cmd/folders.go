package cmd

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-library/internal/config"
)

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Manage watched folders and standalone files",
}

var foldersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched folders and standalone files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := globalStore.Get()
		fmt.Println("Watched folders:")
		for _, f := range cfg.WatchedFolders {
			fmt.Printf("  %s\n", f)
		}
		if len(cfg.StandaloneFiles) > 0 {
			fmt.Println("Standalone files:")
			for _, f := range cfg.StandaloneFiles {
				fmt.Printf("  %s\n", f)
			}
		}
		return nil
	},
}

var foldersAddCmd = &cobra.Command{
	Use:   "add <folder>",
	Short: "Watch a folder for model files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		err := svc.AddWatchedFolder(args[0])
		if errors.Is(err, config.ErrAlreadyPresent) {
			log.Infof("%s is already watched", args[0])
			return nil
		}
		if err != nil {
			return err
		}
		log.Infof("Watching %s; run 'scan' or 'serve' to pick up its models", args[0])
		return svc.Scanner().Wait(cmd.Context())
	},
}

var foldersRemoveCmd = &cobra.Command{
	Use:   "remove <folder>",
	Short: "Stop watching a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		removed, err := svc.RemoveWatchedFolder(args[0])
		if err != nil {
			return err
		}
		if !removed {
			log.Warnf("%s was not a watched folder", args[0])
			return nil
		}
		log.Infof("No longer watching %s", args[0])
		return svc.Scanner().Wait(cmd.Context())
	},
}

var filesAddCmd = &cobra.Command{
	Use:   "add-file <model-file>...",
	Short: "Add individual model files outside the watched folders",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		failed := 0
		for _, res := range svc.AddStandaloneFiles(args) {
			if res.OK {
				log.Infof("Added %s", res.Path)
				continue
			}
			failed++
			log.Errorf("Could not add %s: %s", res.Path, res.Reason)
		}
		if err := svc.Scanner().Wait(cmd.Context()); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d file(s) could not be added", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(foldersCmd)
	foldersCmd.AddCommand(foldersListCmd, foldersAddCmd, foldersRemoveCmd, filesAddCmd)
}
