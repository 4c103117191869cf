package tpm2

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"os"
	"sync"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/config"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/serializer"
)

var (
	ErrNotInitialized     = errors.New("tpm: not initialized")
	ErrOpeningDevice      = errors.New("tpm: error opening device")
	ErrInvalidKeyBlob     = errors.New("tpm: invalid key blob")
	ErrUnsupportedKeyType = errors.New("tpm: unsupported key type")
	ErrActivationFailed   = errors.New("tpm: credential activation failed")

	// TPM_RC_HANDLE and TPM_RC_VALUE from a ReadPublic probe mean the
	// persistent handle has not been provisioned yet.
	tpmRcHandle = tpm2.TPMRC(0x18b)
	tpmRcValue  = tpm2.TPMRC(0x184)
)

const (
	defaultEKHandle    = 0x81010001
	defaultEKCertIndex = 0x01c00002

	fixedSimulatorSeed = 1234567890
)

// keyBlob is the serialized form handed back to callers for every key
// created by the device. Keys are transient: each operation reloads
// the blob under a freshly derived storage primary.
type keyBlob struct {
	Private []byte `cbor:"1,keyasint"`
	Public  []byte `cbor:"2,keyasint"`
}

var blobSerializer = serializer.NewCBORSerializer[keyBlob]()

// Device drives a TPM 2.0 through the go-tpm command interface. All
// methods are safe for use from a single goroutine; the attestation
// worker provides that serialization.
type Device struct {
	logger    *logging.Logger
	cfg       config.TPM
	simulator *simulator.Simulator
	device    *os.File
	transport transport.TPM

	mu sync.Mutex
}

func NewDevice(logger *logging.Logger, cfg config.TPM) (*Device, error) {

	d := &Device{
		logger: logger,
		cfg:    cfg,
	}

	if cfg.UseSimulator {
		sim, err := simulator.GetWithFixedSeedInsecure(fixedSimulatorSeed)
		if err != nil {
			logger.Error(err)
			return nil, err
		}
		d.simulator = sim
		d.transport = transport.FromReadWriter(sim)
		logger.Warn("tpm: using insecure simulated device")
	} else {
		device, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
		if err != nil {
			logger.Error(err)
			return nil, ErrOpeningDevice
		}
		d.device = device
		d.transport = transport.FromReadWriter(device)
		logger.Debugf("tpm: opened %s", cfg.Device)
	}

	return d, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.transport = nil
	if d.simulator != nil {
		sim := d.simulator
		d.simulator = nil
		return sim.Close()
	}
	if d.device != nil {
		device := d.device
		d.device = nil
		return device.Close()
	}
	return nil
}

// IsReady reports whether the device is open and answering commands.
func (d *Device) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.transport == nil {
		return false
	}
	_, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}.Execute(d.transport)
	return err == nil
}

func (d *Device) ekHandle() tpm2.TPMHandle {
	if d.cfg.EKHandle != 0 {
		return tpm2.TPMHandle(d.cfg.EKHandle)
	}
	return tpm2.TPMHandle(defaultEKHandle)
}

func (d *Device) ekCertIndex() tpm2.TPMHandle {
	if d.cfg.EKCertIndex != 0 {
		return tpm2.TPMHandle(d.cfg.EKCertIndex)
	}
	return tpm2.TPMHandle(defaultEKCertIndex)
}

// loadedKey is a transient object together with the cleanup that
// flushes it and its parent.
type loadedKey struct {
	handle tpm2.TPMHandle
	name   tpm2.TPM2BName
	public tpm2.TPM2BPublic
	closer func()
}

func (d *Device) flush(handle tpm2.TPMHandle) {
	_, err := tpm2.FlushContext{FlushHandle: handle}.Execute(d.transport)
	d.logger.MaybeError(err)
}

// createPrimary derives a primary under the given hierarchy. Primary
// derivation is deterministic for a fixed seed and template, so the
// same EK and SRK come back on every boot.
func (d *Device) createPrimary(
	hierarchy tpm2.TPMHandle,
	template tpm2.TPMTPublic) (*loadedKey, error) {

	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: hierarchy,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(template),
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return nil, err
	}
	return &loadedKey{
		handle: rsp.ObjectHandle,
		name:   rsp.Name,
		public: rsp.OutPublic,
		closer: func() { d.flush(rsp.ObjectHandle) },
	}, nil
}

func (d *Device) createSRK() (*loadedKey, error) {
	return d.createPrimary(tpm2.TPMRHOwner, tpm2.RSASRKTemplate)
}

func (d *Device) createEK() (*loadedKey, error) {
	// Prefer the persisted EK when the platform provisioned one.
	readRsp, err := tpm2.ReadPublic{
		ObjectHandle: d.ekHandle(),
	}.Execute(d.transport)
	if err == nil {
		return &loadedKey{
			handle: d.ekHandle(),
			name:   readRsp.Name,
			public: readRsp.OutPublic,
			closer: func() {},
		}, nil
	}
	if err != tpmRcHandle && err != tpmRcValue {
		d.logger.Error(err)
		return nil, err
	}
	return d.createPrimary(tpm2.TPMRHEndorsement, tpm2.RSAEKTemplate)
}

// loadBlob loads a key blob created by this device under a fresh SRK.
func (d *Device) loadBlob(blob []byte) (*loadedKey, error) {

	var kb keyBlob
	if err := blobSerializer.Deserialize(blob, &kb); err != nil {
		d.logger.Error(err)
		return nil, ErrInvalidKeyBlob
	}

	srk, err := d.createSRK()
	if err != nil {
		return nil, err
	}

	loadRsp, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk.handle,
			Name:   srk.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPrivate: tpm2.TPM2BPrivate{Buffer: kb.Private},
		InPublic:  tpm2.BytesAs2B[tpm2.TPMTPublic](kb.Public),
	}.Execute(d.transport)
	if err != nil {
		srk.closer()
		d.logger.Error(err)
		return nil, err
	}

	return &loadedKey{
		handle: loadRsp.ObjectHandle,
		name:   loadRsp.Name,
		public: tpm2.BytesAs2B[tpm2.TPMTPublic](kb.Public),
		closer: func() {
			d.flush(loadRsp.ObjectHandle)
			srk.closer()
		},
	}, nil
}

// create makes a transient key under a fresh SRK and returns it
// loaded together with its serialized blob.
func (d *Device) create(template tpm2.TPMTPublic) (*loadedKey, []byte, error) {

	srk, err := d.createSRK()
	if err != nil {
		return nil, nil, err
	}

	createRsp, err := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk.handle,
			Name:   srk.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(template),
	}.Execute(d.transport)
	if err != nil {
		srk.closer()
		d.logger.Error(err)
		return nil, nil, err
	}

	loadRsp, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk.handle,
			Name:   srk.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPrivate: createRsp.OutPrivate,
		InPublic:  createRsp.OutPublic,
	}.Execute(d.transport)
	if err != nil {
		srk.closer()
		d.logger.Error(err)
		return nil, nil, err
	}

	blob, err := blobSerializer.Serialize(keyBlob{
		Private: createRsp.OutPrivate.Buffer,
		Public:  createRsp.OutPublic.Bytes(),
	})
	if err != nil {
		d.flush(loadRsp.ObjectHandle)
		srk.closer()
		return nil, nil, err
	}

	return &loadedKey{
		handle: loadRsp.ObjectHandle,
		name:   loadRsp.Name,
		public: createRsp.OutPublic,
		closer: func() {
			d.flush(loadRsp.ObjectHandle)
			srk.closer()
		},
	}, blob, nil
}

// rsaPublicKey recovers the crypto/rsa public key from a TPM public
// area.
func rsaPublicKey(public tpm2.TPM2BPublic) (*rsa.PublicKey, error) {
	pub, err := public.Contents()
	if err != nil {
		return nil, err
	}
	rsaDetail, err := pub.Parameters.RSADetail()
	if err != nil {
		return nil, err
	}
	rsaUnique, err := pub.Unique.RSA()
	if err != nil {
		return nil, err
	}
	return tpm2.RSAPub(rsaDetail, rsaUnique)
}

// spkiFromPublic converts a TPM public area to SubjectPublicKeyInfo
// DER, the form the CA and the key store traffic in.
func spkiFromPublic(public tpm2.TPM2BPublic) ([]byte, error) {
	pub, err := rsaPublicKey(public)
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKIXPublicKey(pub)
}

func checkKeyType(keyType attestdb.KeyType) error {
	// ECC endorsement hierarchies exist on newer firmware but the CA
	// protocol here only certifies RSA keys.
	if keyType != attestdb.KeyTypeRSA {
		return ErrUnsupportedKeyType
	}
	return nil
}
