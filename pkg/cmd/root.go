package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/app"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation"
)

var (
	App        *app.App
	InitParams *app.AppInitParams
)

var rootCmd = &cobra.Command{
	Use:   app.Name,
	Short: "Device identity attestation service",
	Long: `attestationd proves to a remote Attestation CA that this device
holds a genuine TPM-backed endorsement key, enrolls attestation
identities, obtains CA-certified keys and answers Verified Access
enterprise challenges.`,
	Run: func(cmd *cobra.Command, args []string) {
	},
	TraverseChildren: true,
}

func init() {

	cobra.OnInitialize(func() {
		App = app.NewApp().Init(InitParams)
	})

	InitParams = &app.AppInitParams{}

	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}

	rootCmd.PersistentFlags().BoolVarP(&InitParams.Debug,
		"debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&InitParams.ConfigDir,
		"config-dir", fmt.Sprintf("/etc/%s", app.Name), "Configuration file directory")
	rootCmd.PersistentFlags().StringVar(&InitParams.PlatformDir,
		"platform-dir", wd, "Directory where attestation state is stored")
	rootCmd.PersistentFlags().StringVar(&InitParams.LogDir,
		"log-dir", "", "Log file directory. Empty logs to stdout only")
	rootCmd.PersistentFlags().BoolVar(&InitParams.Simulator,
		"simulator", false, "Use a software TPM simulator instead of a hardware device")

	viper.BindPFlags(rootCmd.PersistentFlags())
}

// withService starts the attestation service, runs fn against it and
// tears everything down again. Subcommands that speak to the engine
// all go through here.
func withService(fn func(svc *attestation.Service) error) error {
	if err := App.Service.Start(); err != nil {
		return err
	}
	defer App.Shutdown()
	return fn(App.Service)
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
	return nil
}
