package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var deletedCmd = &cobra.Command{
	Use:   "deleted",
	Short: "Manage the list of files hidden from the library",
}

var deletedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hidden files",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range globalStore.Get().PreviouslyDeleted {
			fmt.Println(p)
		}
		return nil
	},
}

var deletedAddCmd = &cobra.Command{
	Use:   "add <model-file>...",
	Short: "Hide files from the library",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newService().AddToDeleted(args); err != nil {
			return err
		}
		log.Infof("Hid %d file(s) from the library", len(args))
		return nil
	},
}

var deletedRemoveCmd = &cobra.Command{
	Use:   "remove <model-file>...",
	Short: "Show previously hidden files again",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		if err := svc.RemoveFromDeleted(args); err != nil {
			return err
		}
		log.Infof("Restored %d file(s); rescanning", len(args))
		return svc.Scanner().Wait(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(deletedCmd)
	deletedCmd.AddCommand(deletedListCmd, deletedAddCmd, deletedRemoveCmd)
}
