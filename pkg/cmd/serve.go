package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the attestation service",
	Long: `Starts the attestation service and runs until interrupted.
State is loaded from the platform directory and persisted there as
enrollments and certified keys are created.`,
	Run: func(cmd *cobra.Command, args []string) {

		err := withService(func(svc *attestation.Service) error {
			App.Logger.Infof("attestation service running")

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigs

			App.Logger.Infof("received %s, shutting down", sig)
			return nil
		})
		if err != nil {
			App.Logger.FatalError(err)
		}
	},
}
