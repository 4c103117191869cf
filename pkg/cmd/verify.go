package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation"
)

var verifyEKOnly bool

func init() {
	verifyCmd.PersistentFlags().BoolVar(&verifyEKOnly,
		"ek-only", false, "Check only the endorsement certificate issuer")
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Cross-check the attestation material on this device",
	Long: `Checks the endorsement certificate against the known CA issuers
and, unless --ek-only is given, verifies the identity binding and a
local credential activation round trip.`,
	Run: func(cmd *cobra.Command, args []string) {

		err := withService(func(svc *attestation.Service) error {

			done := make(chan attestation.VerifyReply, 1)
			svc.Verify(attestation.VerifyRequest{
				EKOnly: verifyEKOnly,
			}, func(reply attestation.VerifyReply) {
				done <- reply
			})
			reply := <-done

			if reply.Status != attestation.StatusSuccess {
				return fmt.Errorf("verification unavailable: %s", reply.Status)
			}
			fmt.Printf("Verified: %t\n", reply.Verified)
			return nil
		})
		if err != nil {
			App.Logger.FatalError(err)
		}
	},
}
