package tpm2

import (
	"github.com/google/go-tpm/tpm2"
)

var sealedDataTemplate = tpm2.TPMTPublic{
	Type:    tpm2.TPMAlgKeyedHash,
	NameAlg: tpm2.TPMAlgSHA256,
	ObjectAttributes: tpm2.TPMAObject{
		FixedTPM:     true,
		FixedParent:  true,
		UserWithAuth: true,
		NoDA:         true,
	},
}

// Seal wraps data into a keyedhash object under the storage
// hierarchy. The returned blob only unseals on this TPM.
func (d *Device) Seal(data []byte) ([]byte, error) {

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil, ErrNotInitialized
	}

	srk, err := d.createSRK()
	if err != nil {
		return nil, err
	}
	defer srk.closer()

	createRsp, err := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk.handle,
			Name:   srk.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(sealedDataTemplate),
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(
					&tpm2.TPM2BSensitiveData{
						Buffer: data,
					},
				),
			},
		},
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return nil, err
	}

	return blobSerializer.Serialize(keyBlob{
		Private: createRsp.OutPrivate.Buffer,
		Public:  createRsp.OutPublic.Bytes(),
	})
}

// Unseal recovers data sealed by Seal.
func (d *Device) Unseal(blob []byte) ([]byte, error) {

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil, ErrNotInitialized
	}

	sealed, err := d.loadBlob(blob)
	if err != nil {
		return nil, err
	}
	defer sealed.closer()

	unsealRsp, err := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: sealed.handle,
			Name:   sealed.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return nil, err
	}

	return unsealRsp.OutData.Buffer, nil
}
