package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

var (
	enrollACA    string
	enrollForced bool
)

func init() {
	enrollCmd.PersistentFlags().StringVar(&enrollACA,
		"aca", "default", "Attestation CA to enroll with (default|test)")
	enrollCmd.PersistentFlags().BoolVar(&enrollForced,
		"forced", false, "Re-enroll even when already enrolled")
	rootCmd.AddCommand(enrollCmd)
}

func parseACA(name string) (pca.ACAType, error) {
	switch name {
	case "default":
		return pca.DefaultACA, nil
	case "test":
		return pca.TestACA, nil
	}
	return 0, fmt.Errorf("unknown attestation CA %q", name)
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll an attestation identity",
	Long: `Creates an attestation identity if none exists and enrolls it
with the selected Attestation CA.`,
	Run: func(cmd *cobra.Command, args []string) {

		aca, err := parseACA(enrollACA)
		if err != nil {
			App.Logger.FatalError(err)
		}

		err = withService(func(svc *attestation.Service) error {

			done := make(chan attestation.EnrollReply, 1)
			svc.Enroll(attestation.EnrollRequest{
				ACAType: aca,
				Forced:  enrollForced,
			}, func(reply attestation.EnrollReply) {
				done <- reply
			})
			reply := <-done

			fmt.Printf("Enrollment with %s CA: %s\n", aca, reply.Status)
			if reply.Status != attestation.StatusSuccess {
				return fmt.Errorf("enrollment failed: %s", reply.Status)
			}
			return nil
		})
		if err != nil {
			App.Logger.FatalError(err)
		}
	},
}
