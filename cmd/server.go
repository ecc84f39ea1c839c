package cmd

import (
	"github.com/pyneda/minion/api"

	"github.com/spf13/cobra"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the API server",
	Run: func(cmd *cobra.Command, args []string) {
		api.StartAPI()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
