package config

// ACA describes a remote Attestation CA endpoint. The enrollment and
// certificate signing requests are posted to EnrollPath and SignPath
// beneath the base URL.
type ACA struct {
	URL                string `yaml:"url" json:"url" mapstructure:"url"`
	EnrollPath         string `yaml:"enroll-path" json:"enroll_path" mapstructure:"enroll-path"`
	SignPath           string `yaml:"sign-path" json:"sign_path" mapstructure:"sign-path"`
	CACert             string `yaml:"ca-cert" json:"ca_cert" mapstructure:"ca-cert"`
	InsecureSkipVerify bool   `yaml:"insecure-skip-verify" json:"insecure_skip_verify" mapstructure:"insecure-skip-verify"`
	TimeoutSeconds     int    `yaml:"timeout-seconds" json:"timeout_seconds" mapstructure:"timeout-seconds"`
}

type Attestation struct {
	DefaultACA  ACA    `yaml:"default-aca" json:"default_aca" mapstructure:"default-aca"`
	TestACA     ACA    `yaml:"test-aca" json:"test_aca" mapstructure:"test-aca"`
	AbeDataFile string `yaml:"abe-data-file" json:"abe_data_file" mapstructure:"abe-data-file"`
	Serializer  string `yaml:"serializer" json:"serializer" mapstructure:"serializer"`
	CustomerID  string `yaml:"customer-id" json:"customer_id" mapstructure:"customer-id"`
}

type Store struct {
	Backend     string `yaml:"backend" json:"backend" mapstructure:"backend"`
	RootDir     string `yaml:"home" json:"home" mapstructure:"home"`
	DatabaseDir string `yaml:"database-dir" json:"database_dir" mapstructure:"database-dir"`
	KeyStoreDir string `yaml:"keystore-dir" json:"keystore_dir" mapstructure:"keystore-dir"`
}

type TPM struct {
	Device       string `yaml:"device" json:"device" mapstructure:"device"`
	UseSimulator bool   `yaml:"simulator" json:"simulator" mapstructure:"simulator"`
	EKHandle     uint32 `yaml:"ek-handle" json:"ek_handle" mapstructure:"ek-handle"`
	EKCertIndex  uint32 `yaml:"ek-cert-index" json:"ek_cert_index" mapstructure:"ek-cert-index"`
}

func DefaultAttestation() Attestation {
	return Attestation{
		DefaultACA: ACA{
			URL:            "https://chromeos-ca.gstatic.com",
			EnrollPath:     "/enroll",
			SignPath:       "/sign",
			TimeoutSeconds: 80,
		},
		TestACA: ACA{
			URL:            "https://asbestos-qa.corp.google.com",
			EnrollPath:     "/enroll",
			SignPath:       "/sign",
			TimeoutSeconds: 80,
		},
		Serializer: "cbor",
	}
}

func DefaultStore() Store {
	return Store{
		Backend:     "AFERO_FS",
		RootDir:     "attestation-data",
		DatabaseDir: "database",
		KeyStoreDir: "keystore",
	}
}
