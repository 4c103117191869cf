package attestation

import (
	"encoding/pem"
	"errors"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/store/keystore"
)

// findKey looks up a certified key. Device-wide keys (empty
// username) live in the attestation database; user keys live in the
// per-user key store.
func (s *Service) findKey(username, label string) (attestdb.CertifiedKey, bool) {
	if username == "" {
		root, err := s.db.Get()
		if err != nil {
			return attestdb.CertifiedKey{}, false
		}
		if key := root.FindDeviceKey(label); key != nil {
			return *key, true
		}
		return attestdb.CertifiedKey{}, false
	}

	blob, err := s.keyStore.Read(username, label)
	if err != nil {
		if !errors.Is(err, keystore.ErrKeyNotFound) {
			s.logger.Error(err)
		}
		return attestdb.CertifiedKey{}, false
	}
	var key attestdb.CertifiedKey
	if err := s.keySer.Deserialize(blob, &key); err != nil {
		s.logger.Error(err)
		return attestdb.CertifiedKey{}, false
	}
	return key, true
}

func (s *Service) saveKey(username string, key attestdb.CertifiedKey) AttestationStatus {
	if username == "" {
		root, err := s.db.Get()
		if err != nil {
			return StatusUnexpectedDeviceError
		}
		root.PutDeviceKey(key)
		if err := s.db.SaveChanges(); err != nil {
			return StatusUnexpectedDeviceError
		}
		return StatusSuccess
	}

	blob, err := s.keySer.Serialize(key)
	if err != nil {
		s.logger.Error(err)
		return StatusUnexpectedDeviceError
	}
	if err := s.keyStore.Write(username, key.KeyName, blob); err != nil {
		s.logger.Error(err)
		return StatusUnexpectedDeviceError
	}
	return StatusSuccess
}

func (s *Service) handleGetKeyInfo(req GetKeyInfoRequest, callback func(GetKeyInfoReply)) {
	key, ok := s.findKey(req.Username, req.KeyLabel)
	if !ok {
		callback(GetKeyInfoReply{Status: StatusInvalidParameter})
		return
	}
	callback(GetKeyInfoReply{
		Status:            StatusSuccess,
		KeyType:           key.KeyType,
		KeyUsage:          key.KeyUsage,
		PublicKey:         key.PublicKey,
		CertifiedKeyInfo:  key.CertifiedKeyInfo,
		CertifiedKeyProof: key.CertifiedKeyProof,
		Certificate:       s.certificateChain(key),
		Payload:           key.Payload,
	})
}

// certificateChain renders the key credential and the issuing
// intermediates as concatenated PEM blocks, leaf first.
func (s *Service) certificateChain(key attestdb.CertifiedKey) []byte {
	var chain []byte
	for _, der := range [][]byte{
		key.CertifiedKeyCredential,
		key.IntermediateCACert,
		key.AdditionalIntermediateCACert,
	} {
		if len(der) == 0 {
			continue
		}
		chain = append(chain, pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: der,
		})...)
	}
	return chain
}

func (s *Service) handleSetKeyPayload(req SetKeyPayloadRequest, callback func(SetKeyPayloadReply)) {
	key, ok := s.findKey(req.Username, req.KeyLabel)
	if !ok {
		callback(SetKeyPayloadReply{Status: StatusInvalidParameter})
		return
	}
	key.Payload = req.Payload
	callback(SetKeyPayloadReply{Status: s.saveKey(req.Username, key)})
}

func (s *Service) handleDeleteKeys(req DeleteKeysRequest, callback func(DeleteKeysReply)) {
	if req.KeyLabel == "" && req.KeyPrefix == "" {
		callback(DeleteKeysReply{Status: StatusInvalidParameter})
		return
	}

	if req.Username == "" {
		root, err := s.db.Get()
		if err != nil {
			callback(DeleteKeysReply{Status: StatusUnexpectedDeviceError})
			return
		}
		if req.KeyLabel != "" {
			root.RemoveDeviceKey(req.KeyLabel)
		} else {
			root.RemoveDeviceKeysByPrefix(req.KeyPrefix)
		}
		if err := s.db.SaveChanges(); err != nil {
			callback(DeleteKeysReply{Status: StatusUnexpectedDeviceError})
			return
		}
		callback(DeleteKeysReply{Status: StatusSuccess})
		return
	}

	var err error
	if req.KeyLabel != "" {
		err = s.keyStore.Delete(req.Username, req.KeyLabel)
		if errors.Is(err, keystore.ErrKeyNotFound) {
			// Deleting an absent key is not an error for callers.
			err = nil
		}
	} else {
		err = s.keyStore.DeleteByPrefix(req.Username, req.KeyPrefix)
	}
	if err != nil {
		s.logger.Error(err)
		callback(DeleteKeysReply{Status: StatusUnexpectedDeviceError})
		return
	}
	callback(DeleteKeysReply{Status: StatusSuccess})
}

// handleRegisterKey moves a certified key out of the attestation
// store and into the user's token. The key stops being visible to
// attestation operations afterwards.
func (s *Service) handleRegisterKey(req RegisterKeyRequest, callback func(RegisterKeyReply)) {
	key, ok := s.findKey(req.Username, req.KeyLabel)
	if !ok {
		callback(RegisterKeyReply{Status: StatusInvalidParameter})
		return
	}

	registered := keystore.RegisteredKey{
		Label:     req.KeyLabel,
		KeyBlob:   key.KeyBlob,
		PublicKey: key.PublicKey,
	}
	if req.IncludeCertificates {
		registered.Certificate = key.CertifiedKeyCredential
		if len(key.IntermediateCACert) > 0 {
			registered.IntermediateCAs = append(
				registered.IntermediateCAs, key.IntermediateCACert)
		}
		if len(key.AdditionalIntermediateCACert) > 0 {
			registered.IntermediateCAs = append(
				registered.IntermediateCAs, key.AdditionalIntermediateCACert)
		}
	}
	if err := s.keyStore.Register(req.Username, registered); err != nil {
		s.logger.Error(err)
		callback(RegisterKeyReply{Status: StatusUnexpectedDeviceError})
		return
	}

	// Best effort removal from the attestation store.
	if req.Username == "" {
		if root, err := s.db.Get(); err == nil {
			root.RemoveDeviceKey(req.KeyLabel)
			if err := s.db.SaveChanges(); err != nil {
				s.logger.MaybeError(err)
			}
		}
	} else {
		if err := s.keyStore.Delete(req.Username, req.KeyLabel); err != nil &&
			!errors.Is(err, keystore.ErrKeyNotFound) {
			s.logger.MaybeError(err)
		}
	}
	callback(RegisterKeyReply{Status: StatusSuccess})
}
