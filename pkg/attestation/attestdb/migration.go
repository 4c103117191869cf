package attestdb

import "github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"

// Migrate folds pre-multi-identity database layouts into the current
// one. It is idempotent: a second run over migrated data changes
// nothing. Returns true when the database was modified.
func Migrate(root *Root) bool {
	changed := migrateIdentityData(root)
	if migrateEndorsementCredential(root) {
		changed = true
	}
	return changed
}

// migrateIdentityData moves the legacy root-level identity key,
// binding and PCR quotes into Identities[0] and registers the legacy
// identity credential for the default CA.
func migrateIdentityData(root *Root) bool {
	if root.IdentityKey == nil && root.IdentityBinding == nil &&
		root.PCR0Quote == nil && root.PCR1Quote == nil {
		return false
	}

	if len(root.Identities) == 0 {
		identity := Identity{}
		if root.IdentityKey != nil {
			identity.IdentityKey = *root.IdentityKey
			identity.IdentityKey.IdentityCredential = nil
		}
		if root.IdentityBinding != nil {
			identity.IdentityBinding = *root.IdentityBinding
		}
		if root.PCR0Quote != nil || root.PCR1Quote != nil {
			identity.PCRQuotes = make(map[int]pca.Quote)
			if root.PCR0Quote != nil {
				identity.PCRQuotes[0] = *root.PCR0Quote
			}
			if root.PCR1Quote != nil {
				identity.PCRQuotes[1] = *root.PCR1Quote
			}
		}
		root.Identities = append(root.Identities, identity)

		if root.IdentityKey != nil && len(root.IdentityKey.IdentityCredential) > 0 {
			root.PutIdentityCertificate(IdentityCertificate{
				Identity:           0,
				ACA:                pca.DefaultACA,
				IdentityCredential: root.IdentityKey.IdentityCredential,
			})
		}
	}

	root.IdentityKey = nil
	root.IdentityBinding = nil
	root.PCR0Quote = nil
	root.PCR1Quote = nil
	return true
}

// migrateEndorsementCredential moves the legacy single-CA encrypted
// endorsement credential into the per-CA map.
func migrateEndorsementCredential(root *Root) bool {
	legacy := root.Credentials.DefaultEncryptedEndorsementCredential
	if legacy == nil {
		return false
	}
	if root.Credentials.EncryptedEndorsementCredentials == nil {
		root.Credentials.EncryptedEndorsementCredentials =
			make(map[pca.ACAType]pca.EncryptedData)
	}
	if _, ok := root.Credentials.EncryptedEndorsementCredentials[pca.DefaultACA]; !ok {
		root.Credentials.EncryptedEndorsementCredentials[pca.DefaultACA] = *legacy
	}
	root.Credentials.DefaultEncryptedEndorsementCredential = nil
	return true
}
