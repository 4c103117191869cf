package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation"
)

var enrollmentIDIgnoreCache bool

func init() {
	enrollmentIDCmd.PersistentFlags().BoolVar(&enrollmentIDIgnoreCache,
		"ignore-cache", false, "Recompute instead of using cached state")
	rootCmd.AddCommand(enrollmentIDCmd)
}

var enrollmentIDCmd = &cobra.Command{
	Use:   "enrollment-id",
	Short: "Print the enterprise enrollment ID",
	Long: `Derives the enterprise enrollment ID from the attestation-based
enrollment data and the endorsement public key. Prints nothing when
no enrollment data is provisioned.`,
	Run: func(cmd *cobra.Command, args []string) {

		err := withService(func(svc *attestation.Service) error {

			done := make(chan attestation.GetEnrollmentIDReply, 1)
			svc.GetEnrollmentID(attestation.GetEnrollmentIDRequest{
				IgnoreCache: enrollmentIDIgnoreCache,
			}, func(reply attestation.GetEnrollmentIDReply) {
				done <- reply
			})
			reply := <-done

			if reply.Status != attestation.StatusSuccess {
				return fmt.Errorf("enrollment id unavailable: %s", reply.Status)
			}
			fmt.Println(reply.EnrollmentID)
			return nil
		})
		if err != nil {
			App.Logger.FatalError(err)
		}
	},
}
