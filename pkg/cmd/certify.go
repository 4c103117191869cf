package cmd

import (
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

var (
	certifyACA      string
	certifyProfile  string
	certifyLabel    string
	certifyUsername string
	certifyOrigin   string
	certifyForced   bool
)

func init() {
	certifyCmd.PersistentFlags().StringVar(&certifyACA,
		"aca", "default", "Attestation CA to request the certificate from (default|test)")
	certifyCmd.PersistentFlags().StringVar(&certifyProfile,
		"profile", "enterprise-machine", "Certificate profile")
	certifyCmd.PersistentFlags().StringVar(&certifyLabel,
		"label", "", "Key label (required)")
	certifyCmd.PersistentFlags().StringVar(&certifyUsername,
		"username", "", "Key owner. Empty requests a device-wide key")
	certifyCmd.PersistentFlags().StringVar(&certifyOrigin,
		"origin", "", "Requesting origin, for profiles that demand one")
	certifyCmd.PersistentFlags().BoolVar(&certifyForced,
		"forced", false, "Request a fresh certificate even when one exists")
	rootCmd.AddCommand(certifyCmd)
}

func parseProfile(name string) (pca.CertificateProfile, error) {
	switch name {
	case "enterprise-machine":
		return pca.EnterpriseMachineCertificate, nil
	case "enterprise-user":
		return pca.EnterpriseUserCertificate, nil
	case "content-protection":
		return pca.ContentProtectionCertificate, nil
	case "content-protection-stable-id":
		return pca.ContentProtectionCertificateWithStableID, nil
	case "cast":
		return pca.CastCertificate, nil
	case "enterprise-enrollment":
		return pca.EnterpriseEnrollmentCertificate, nil
	case "device-setup":
		return pca.DeviceSetupCertificate, nil
	}
	return 0, fmt.Errorf("unknown certificate profile %q", name)
}

var certifyCmd = &cobra.Command{
	Use:   "certify",
	Short: "Obtain a CA-certified key",
	Long: `Creates a TPM-backed key, has the Attestation CA certify it under
the requested profile and prints the issued certificate. Enrolls
first when no identity certificate exists yet.`,
	Run: func(cmd *cobra.Command, args []string) {

		aca, err := parseACA(certifyACA)
		if err != nil {
			App.Logger.FatalError(err)
		}
		profile, err := parseProfile(certifyProfile)
		if err != nil {
			App.Logger.FatalError(err)
		}
		if certifyLabel == "" {
			App.Logger.Fatal("--label is required")
		}

		err = withService(func(svc *attestation.Service) error {

			done := make(chan attestation.GetCertificateReply, 1)
			svc.GetCertificate(attestation.GetCertificateRequest{
				ACAType:  aca,
				Profile:  profile,
				Username: certifyUsername,
				KeyLabel: certifyLabel,
				Origin:   certifyOrigin,
				Forced:   certifyForced,
			}, func(reply attestation.GetCertificateReply) {
				done <- reply
			})
			reply := <-done

			if reply.Status != attestation.StatusSuccess {
				if reply.ServerError != "" {
					return fmt.Errorf("certificate request failed: %s (%s)",
						reply.Status, reply.ServerError)
				}
				return fmt.Errorf("certificate request failed: %s", reply.Status)
			}

			return pem.Encode(os.Stdout, &pem.Block{
				Type:  "CERTIFICATE",
				Bytes: reply.Certificate,
			})
		})
		if err != nil {
			App.Logger.FatalError(err)
		}
	},
}
