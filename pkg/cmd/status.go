package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation"
)

var statusExtended bool

func init() {
	statusCmd.PersistentFlags().BoolVar(&statusExtended,
		"extended", false, "Include per-identity certificate details")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display enrollment status",
	Long: `Displays the enrollment preparations and the enrollment state
for each configured Attestation CA.`,
	Run: func(cmd *cobra.Command, args []string) {

		err := withService(func(svc *attestation.Service) error {

			done := make(chan attestation.GetStatusReply, 1)
			svc.GetStatus(attestation.GetStatusRequest{
				ExtendedStatus: statusExtended,
			}, func(reply attestation.GetStatusReply) {
				done <- reply
			})
			reply := <-done

			fmt.Printf("Status:                  %s\n", reply.Status)
			fmt.Printf("Prepared for enrollment: %t\n", reply.PreparedForEnrollment)
			fmt.Printf("Enrolled:                %t\n", reply.Enrolled)
			if statusExtended {
				fmt.Printf("Identities:              %d\n", reply.Identities)
				for key, aca := range reply.IdentityCertificates {
					fmt.Printf("  certificate %s (%s CA)\n", key, aca)
				}
			}
			return nil
		})
		if err != nil {
			App.Logger.FatalError(err)
		}
	},
}
