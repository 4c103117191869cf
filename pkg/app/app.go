package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/config"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/cryptoutil"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/serializer"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/store/keystore"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/tpm2"
)

const (
	Name    = "attestationd"
	Version = "0.1.0"

	databaseFile = "attestation.db"
	logFile      = "attestationd.log"
)

// App is the composition root: configuration plus every collaborator
// the attestation service needs, wired in dependency order by Init.
type App struct {
	AttestationConfig config.Attestation `yaml:"attestation" json:"attestation" mapstructure:"attestation"`
	StoreConfig       config.Store       `yaml:"store" json:"store" mapstructure:"store"`
	TPMConfig         config.TPM         `yaml:"tpm" json:"tpm" mapstructure:"tpm"`
	ConfigDir         string             `yaml:"config-dir" json:"config_dir" mapstructure:"config-dir"`
	DebugFlag         bool               `yaml:"debug" json:"debug" mapstructure:"debug"`
	LogDir            string             `yaml:"log-dir" json:"log_dir" mapstructure:"log-dir"`
	PlatformDir       string             `yaml:"platform-dir" json:"platform_dir" mapstructure:"platform-dir"`

	Logger   *logging.Logger          `yaml:"-" json:"-" mapstructure:"-"`
	FS       afero.Fs                 `yaml:"-" json:"-" mapstructure:"-"`
	TPM      *tpm2.Device             `yaml:"-" json:"-" mapstructure:"-"`
	Crypto   cryptoutil.CryptoUtility `yaml:"-" json:"-" mapstructure:"-"`
	Database *attestdb.Database       `yaml:"-" json:"-" mapstructure:"-"`
	KeyStore keystore.KeyStorer       `yaml:"-" json:"-" mapstructure:"-"`
	Service  *attestation.Service     `yaml:"-" json:"-" mapstructure:"-"`
}

type AppInitParams struct {
	ConfigDir   string
	Debug       bool
	LogDir      string
	PlatformDir string
	Simulator   bool
}

func NewApp() *App {
	return new(App)
}

// Init loads the configuration file, brings up the logger and wires
// the stores, the TPM and the attestation service. Failures here are
// fatal: the daemon has nothing to fall back on.
func (app *App) Init(params *AppInitParams) *App {

	if params != nil {
		app.DebugFlag = params.Debug
		app.ConfigDir = params.ConfigDir
		app.PlatformDir = params.PlatformDir
		app.LogDir = params.LogDir
	}
	app.FS = afero.NewOsFs()

	app.initConfig()
	if params != nil && params.Simulator {
		app.TPMConfig.UseSimulator = true
	}
	app.initLogger()

	if err := app.OpenTPM(); err != nil {
		app.Logger.FatalError(err)
	}
	if err := app.initStores(); err != nil {
		app.Logger.FatalError(err)
	}
	if err := app.initService(); err != nil {
		app.Logger.FatalError(err)
	}
	return app
}

func (app *App) initConfig() {

	// Config file entries override these; CLI flags override both
	// through viper's flag binding.
	app.AttestationConfig = config.DefaultAttestation()
	app.StoreConfig = config.DefaultStore()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if app.ConfigDir != "" {
		viper.AddConfigPath(app.ConfigDir)
	}
	viper.AddConfigPath(fmt.Sprintf("%s/etc", app.PlatformDir))
	viper.AddConfigPath(fmt.Sprintf("/etc/%s", Name))
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatal(err)
		}
	}
	if err := viper.Unmarshal(app); err != nil {
		log.Fatal(err)
	}
}

func (app *App) initLogger() {

	level := slog.LevelInfo
	if app.DebugFlag {
		level = slog.LevelDebug
	}

	var f afero.File
	if app.LogDir != "" {
		if err := app.FS.MkdirAll(app.LogDir, 0755); err != nil {
			log.Fatal(err)
		}
		var err error
		f, err = app.FS.OpenFile(
			filepath.Join(app.LogDir, logFile),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			log.Fatal(err)
		}
	}

	app.Logger = logging.NewLogger(level, f)
	app.Logger.Debugf("%s %s", Name, Version)
	if used := viper.ConfigFileUsed(); used != "" {
		app.Logger.Infof("using configuration file %s", used)
	}
}

// OpenTPM opens the configured TPM device, or the software simulator
// when one is requested.
func (app *App) OpenTPM() error {

	if app.TPMConfig.Device == "" {
		app.TPMConfig.Device = "/dev/tpmrm0"
	}
	device, err := tpm2.NewDevice(app.Logger, app.TPMConfig)
	if err != nil {
		return err
	}
	app.TPM = device
	return nil
}

func (app *App) initStores() error {

	base := filepath.Join(app.PlatformDir, app.StoreConfig.RootDir)

	// The database key is sealed to the TPM's storage hierarchy.
	app.Crypto = cryptoutil.New(app.Logger, rand.Reader, app.TPM)

	serializerType, err := serializer.ParseSerializer(app.AttestationConfig.Serializer)
	if err != nil {
		return err
	}

	app.Database, err = attestdb.NewDatabase(
		app.Logger,
		app.FS,
		app.Crypto,
		serializerType,
		filepath.Join(base, app.StoreConfig.DatabaseDir, databaseFile))
	if err != nil {
		return err
	}

	app.KeyStore = keystore.NewFileBackend(
		app.Logger,
		app.FS,
		filepath.Join(base, app.StoreConfig.KeyStoreDir))
	return nil
}

func (app *App) initService() error {

	defaultClient, err := pca.NewHTTPClient(
		app.Logger, app.FS, app.AttestationConfig.DefaultACA)
	if err != nil {
		return err
	}
	testClient, err := pca.NewHTTPClient(
		app.Logger, app.FS, app.AttestationConfig.TestACA)
	if err != nil {
		return err
	}

	serializerType, err := serializer.ParseSerializer(app.AttestationConfig.Serializer)
	if err != nil {
		return err
	}

	abeData, err := app.readABEData()
	if err != nil {
		return err
	}

	app.Service, err = attestation.NewService(attestation.ServiceConfig{
		Logger:         app.Logger,
		Database:       app.Database,
		Crypto:         app.Crypto,
		TPM:            app.TPM,
		KeyStore:       app.KeyStore,
		Clients:        [pca.NumACATypes]pca.CAClient{defaultClient, testClient},
		GoogleKeys:     attestation.DefaultGoogleKeys(),
		ABEData:        abeData,
		SerializerType: serializerType,
		CustomerID:     app.AttestationConfig.CustomerID,
	})
	return err
}

// readABEData loads the attestation-based enrollment secret. The
// provisioning tools write it hex encoded; raw bytes are accepted
// too.
func (app *App) readABEData() ([]byte, error) {

	file := app.AttestationConfig.AbeDataFile
	if file == "" {
		return nil, nil
	}
	data, err := afero.ReadFile(app.FS, file)
	if err != nil {
		if os.IsNotExist(err) {
			app.Logger.Warnf("abe data file %s not found, enrollment id disabled", file)
			return nil, nil
		}
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if decoded, err := hex.DecodeString(trimmed); err == nil {
		return decoded, nil
	}
	return data, nil
}

// Shutdown stops the service and releases the TPM.
func (app *App) Shutdown() {
	if app.Service != nil {
		app.Service.Stop()
	}
	if app.TPM != nil {
		app.Logger.MaybeError(app.TPM.Close())
	}
}
