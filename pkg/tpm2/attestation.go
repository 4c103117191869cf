package tpm2

import (
	"github.com/google/go-tpm/tpm2"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

// Templates for the keys the attestation flow creates. The identity
// key is restricted so its signatures only cover TPM-generated
// structures; certified keys are ordinary signing or decryption keys
// parented to the storage hierarchy.
var (
	identityKeyTemplate = tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			SignEncrypt:         true,
			Restricted:          true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgRSASSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgRSASSA,
						&tpm2.TPMSSigSchemeRSASSA{
							HashAlg: tpm2.TPMAlgSHA256,
						},
					),
				},
				KeyBits: 2048,
			},
		),
	}

	signingKeyTemplate = tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgRSASSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgRSASSA,
						&tpm2.TPMSSigSchemeRSASSA{
							HashAlg: tpm2.TPMAlgSHA256,
						},
					),
				},
				KeyBits: 2048,
			},
		),
	}

	decryptKeyTemplate = tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			Decrypt:             true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgNull,
				},
				KeyBits: 2048,
			},
		),
	}
)

// GetEndorsementPublicKey returns the endorsement public key as
// SubjectPublicKeyInfo DER.
func (d *Device) GetEndorsementPublicKey(keyType attestdb.KeyType) ([]byte, error) {
	if err := checkKeyType(keyType); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil, ErrNotInitialized
	}

	ek, err := d.createEK()
	if err != nil {
		return nil, err
	}
	defer ek.closer()

	return spkiFromPublic(ek.public)
}

// GetEndorsementCredential reads the endorsement certificate from the
// well known NVRAM index.
func (d *Device) GetEndorsementCredential(keyType attestdb.KeyType) ([]byte, error) {
	if err := checkKeyType(keyType); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil, ErrNotInitialized
	}

	return d.nvRead(d.ekCertIndex())
}

// nvRead reads the full contents of an NV index, chunked to stay
// under the transport's NV read buffer.
func (d *Device) nvRead(index tpm2.TPMHandle) ([]byte, error) {

	readPubRsp, err := tpm2.NVReadPublic{
		NVIndex: index,
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return nil, err
	}
	nvPublic, err := readPubRsp.NVPublic.Contents()
	if err != nil {
		return nil, err
	}
	size := int(nvPublic.DataSize)

	const chunk = 512
	data := make([]byte, 0, size)
	for offset := 0; offset < size; offset += chunk {
		n := size - offset
		if n > chunk {
			n = chunk
		}
		readRsp, err := tpm2.NVRead{
			AuthHandle: tpm2.AuthHandle{
				Handle: index,
				Name:   readPubRsp.NVName,
				Auth:   tpm2.PasswordAuth(nil),
			},
			NVIndex: tpm2.NamedHandle{
				Handle: index,
				Name:   readPubRsp.NVName,
			},
			Size:   uint16(n),
			Offset: uint16(offset),
		}.Execute(d.transport)
		if err != nil {
			d.logger.Error(err)
			return nil, err
		}
		data = append(data, readRsp.Data.Buffer...)
	}
	return data, nil
}

// CreateIdentity makes a fresh restricted signing key and binds its
// public part to itself, the TPM 2.0 analogue of the identity binding
// the CA verifies at enrollment.
func (d *Device) CreateIdentity(keyType attestdb.KeyType) (attestdb.Identity, error) {
	if err := checkKeyType(keyType); err != nil {
		return attestdb.Identity{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return attestdb.Identity{}, ErrNotInitialized
	}

	aik, blob, err := d.create(identityKeyTemplate)
	if err != nil {
		return attestdb.Identity{}, err
	}
	defer aik.closer()

	publicTPM := aik.public.Bytes()
	publicDER, err := spkiFromPublic(aik.public)
	if err != nil {
		return attestdb.Identity{}, err
	}

	binding, err := d.signWithLoaded(aik, publicTPM)
	if err != nil {
		return attestdb.Identity{}, err
	}

	return attestdb.Identity{
		IdentityKey: attestdb.IdentityKey{
			KeyType:            keyType,
			PublicKey:          publicDER,
			PublicKeyTPMFormat: publicTPM,
			KeyBlob:            blob,
		},
		IdentityBinding: attestdb.IdentityBinding{
			IdentityPublicKeyDER:       publicDER,
			IdentityPublicKeyTPMFormat: publicTPM,
			IdentityBindingBlob:        binding,
		},
	}, nil
}

// ActivateIdentity releases the credential key for a CA activation
// challenge. The challenge's credential MAC field carries the
// TPM2B_ID_OBJECT and its seed field the TPM2B_ENCRYPTED_SECRET
// produced by the CA's TPM2_MakeCredential.
func (d *Device) ActivateIdentity(
	identityKeyBlob, encryptedSeed, credentialMAC []byte) ([]byte, error) {

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil, ErrNotInitialized
	}

	aik, err := d.loadBlob(identityKeyBlob)
	if err != nil {
		return nil, err
	}
	defer aik.closer()

	ek, err := d.createEK()
	if err != nil {
		return nil, err
	}
	defer ek.closer()

	// The EK's policy only admits commands authorized against the
	// endorsement hierarchy.
	session, closer, err := tpm2.PolicySession(d.transport, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		d.logger.Error(err)
		return nil, err
	}
	defer closer()

	_, err = tpm2.PolicySecret{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHEndorsement,
			Auth:   tpm2.PasswordAuth(nil),
		},
		NonceTPM:      session.NonceTPM(),
		PolicySession: session.Handle(),
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return nil, err
	}

	activateRsp, err := tpm2.ActivateCredential{
		ActivateHandle: tpm2.NamedHandle{
			Handle: aik.handle,
			Name:   aik.name,
		},
		KeyHandle: tpm2.AuthHandle{
			Handle: ek.handle,
			Name:   ek.name,
			Auth:   session,
		},
		CredentialBlob: tpm2.TPM2BIDObject{
			Buffer: credentialMAC,
		},
		Secret: tpm2.TPM2BEncryptedSecret{
			Buffer: encryptedSeed,
		},
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return nil, ErrActivationFailed
	}

	return activateRsp.CertInfo.Buffer, nil
}

// CreateCertifiedKey makes a new key and certifies it with the
// identity key, folding the caller's external data into the
// certification so the CA can match the reply to its request.
func (d *Device) CreateCertifiedKey(
	keyType attestdb.KeyType,
	keyUsage attestdb.KeyUsage,
	identityKeyBlob []byte,
	externalData []byte) (attestdb.CertifiedKey, error) {

	if err := checkKeyType(keyType); err != nil {
		return attestdb.CertifiedKey{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return attestdb.CertifiedKey{}, ErrNotInitialized
	}

	template := signingKeyTemplate
	if keyUsage == attestdb.KeyUsageDecrypt {
		template = decryptKeyTemplate
	}

	key, blob, err := d.create(template)
	if err != nil {
		return attestdb.CertifiedKey{}, err
	}
	defer key.closer()

	aik, err := d.loadBlob(identityKeyBlob)
	if err != nil {
		return attestdb.CertifiedKey{}, err
	}
	defer aik.closer()

	certifyRsp, err := tpm2.Certify{
		ObjectHandle: tpm2.AuthHandle{
			Handle: key.handle,
			Name:   key.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		SignHandle: tpm2.AuthHandle{
			Handle: aik.handle,
			Name:   aik.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		QualifyingData: tpm2.TPM2BData{
			Buffer: externalData,
		},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgNull,
		},
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return attestdb.CertifiedKey{}, err
	}

	proof, err := rsassaSignature(certifyRsp.Signature)
	if err != nil {
		return attestdb.CertifiedKey{}, err
	}

	publicDER, err := spkiFromPublic(key.public)
	if err != nil {
		return attestdb.CertifiedKey{}, err
	}

	return attestdb.CertifiedKey{
		KeyType:            keyType,
		KeyUsage:           keyUsage,
		KeyBlob:            blob,
		PublicKey:          publicDER,
		PublicKeyTPMFormat: key.public.Bytes(),
		CertifiedKeyInfo:   certifyRsp.CertifyInfo.Bytes(),
		CertifiedKeyProof:  proof,
	}, nil
}

// QuotePCR quotes a single PCR with the identity key.
func (d *Device) QuotePCR(pcr int, identityKeyBlob []byte) (pca.Quote, error) {

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return pca.Quote{}, ErrNotInitialized
	}

	aik, err := d.loadBlob(identityKeyBlob)
	if err != nil {
		return pca.Quote{}, err
	}
	defer aik.closer()

	pcrSelect := tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      tpm2.TPMAlgSHA256,
				PCRSelect: tpm2.PCClientCompatible.PCRs(uint(pcr)),
			},
		},
	}

	quoteRsp, err := tpm2.Quote{
		SignHandle: tpm2.AuthHandle{
			Handle: aik.handle,
			Name:   aik.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgNull,
		},
		QualifyingData: tpm2.TPM2BData{},
		PCRSelect:      pcrSelect,
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return pca.Quote{}, err
	}

	signature, err := rsassaSignature(quoteRsp.Signature)
	if err != nil {
		return pca.Quote{}, err
	}

	pcrReadRsp, err := tpm2.PCRRead{
		PCRSelectionIn: pcrSelect,
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return pca.Quote{}, err
	}
	var pcrValue []byte
	if len(pcrReadRsp.PCRValues.Digests) > 0 {
		pcrValue = pcrReadRsp.PCRValues.Digests[0].Buffer
	}

	return pca.Quote{
		Quote:          signature,
		QuotedData:     quoteRsp.Quoted.Bytes(),
		QuotedPCRValue: pcrValue,
	}, nil
}

// CertifyNV certifies the contents of an NV index with the identity
// key.
func (d *Device) CertifyNV(index uint32, size int, identityKeyBlob []byte) (pca.Quote, error) {

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return pca.Quote{}, ErrNotInitialized
	}

	aik, err := d.loadBlob(identityKeyBlob)
	if err != nil {
		return pca.Quote{}, err
	}
	defer aik.closer()

	nvIndex := tpm2.TPMHandle(index)
	readPubRsp, err := tpm2.NVReadPublic{
		NVIndex: nvIndex,
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return pca.Quote{}, err
	}

	certifyRsp, err := tpm2.NVCertify{
		SignHandle: tpm2.AuthHandle{
			Handle: aik.handle,
			Name:   aik.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		AuthHandle: tpm2.AuthHandle{
			Handle: nvIndex,
			Name:   readPubRsp.NVName,
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.NamedHandle{
			Handle: nvIndex,
			Name:   readPubRsp.NVName,
		},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgNull,
		},
		Size: uint16(size),
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return pca.Quote{}, err
	}

	signature, err := rsassaSignature(certifyRsp.Signature)
	if err != nil {
		return pca.Quote{}, err
	}

	return pca.Quote{
		Quote:      signature,
		QuotedData: certifyRsp.CertifyInfo.Bytes(),
	}, nil
}

// Sign hashes data through the TPM and signs the digest with the
// given key. Hashing on the TPM yields the validation ticket a
// restricted key would demand, so the same path serves both key
// classes.
func (d *Device) Sign(keyBlob, data []byte) ([]byte, error) {

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil, ErrNotInitialized
	}

	key, err := d.loadBlob(keyBlob)
	if err != nil {
		return nil, err
	}
	defer key.closer()

	return d.signWithLoaded(key, data)
}

// Unbind decrypts data bound to a decrypt key with RSAES-OAEP over
// SHA-256 and an empty label.
func (d *Device) Unbind(keyBlob, ciphertext []byte) ([]byte, error) {

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil, ErrNotInitialized
	}

	key, err := d.loadBlob(keyBlob)
	if err != nil {
		return nil, err
	}
	defer key.closer()

	response, err := tpm2.RSADecrypt{
		KeyHandle: tpm2.AuthHandle{
			Handle: key.handle,
			Name:   key.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		CipherText: tpm2.TPM2BPublicKeyRSA{Buffer: ciphertext},
		InScheme: tpm2.TPMTRSADecrypt{
			Scheme: tpm2.TPMAlgOAEP,
			Details: tpm2.NewTPMUAsymScheme(
				tpm2.TPMAlgOAEP,
				&tpm2.TPMSEncSchemeOAEP{
					HashAlg: tpm2.TPMAlgSHA256,
				},
			),
		},
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return nil, err
	}
	return response.Message.Buffer, nil
}

func (d *Device) signWithLoaded(key *loadedKey, data []byte) ([]byte, error) {

	hashRsp, err := tpm2.Hash{
		Hierarchy: tpm2.TPMRHEndorsement,
		HashAlg:   tpm2.TPMAlgSHA256,
		Data: tpm2.TPM2BMaxBuffer{
			Buffer: data,
		},
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return nil, err
	}

	signRsp, err := tpm2.Sign{
		KeyHandle: tpm2.AuthHandle{
			Handle: key.handle,
			Name:   key.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digest: tpm2.TPM2BDigest{
			Buffer: hashRsp.OutHash.Buffer,
		},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgRSASSA,
			Details: tpm2.NewTPMUSigScheme(
				tpm2.TPMAlgRSASSA, &tpm2.TPMSSchemeHash{
					HashAlg: tpm2.TPMAlgSHA256,
				}),
		},
		Validation: tpm2.TPMTTKHashCheck{
			Tag:       tpm2.TPMSTHashCheck,
			Hierarchy: tpm2.TPMRHEndorsement,
			Digest:    hashRsp.Validation.Digest,
		},
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error(err)
		return nil, err
	}

	return rsassaSignature(signRsp.Signature)
}

func rsassaSignature(sig tpm2.TPMTSignature) ([]byte, error) {
	rsaSig, err := sig.Signature.RSASSA()
	if err != nil {
		return nil, err
	}
	return rsaSig.Sig.Buffer, nil
}

// RemoveOwnerDependency exists for parity with TPM 1.2 installs where
// enrollment had to drop the owner delegation. TPM 2.0 keys here are
// parented to deterministic primaries, so there is nothing to remove.
func (d *Device) RemoveOwnerDependency() error {
	return nil
}
