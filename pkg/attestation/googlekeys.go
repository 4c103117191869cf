package attestation

import (
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

var ErrNoGoogleKey = errors.New("attestation: no key configured for server")

// EncryptionKey is an RSA-2048 public key payloads get wrapped to,
// identified on the wire by KeyID.
type EncryptionKey struct {
	KeyID      string
	ModulusHex string
}

// SigningKey is the RSA-2048 public key a server signs challenges
// with.
type SigningKey struct {
	ModulusHex string
}

// GoogleKeys holds the well known public keys of the Attestation CA
// and Verified Access frontends. The defaults are baked in; tests
// substitute their own.
type GoogleKeys struct {
	ACAEncryptionKeys [pca.NumACATypes]EncryptionKey
	VASigningKeys     [pca.NumVATypes]SigningKey
	VAEncryptionKeys  [pca.NumVATypes]EncryptionKey
}

const rsaPublicExponent = 65537

func DefaultGoogleKeys() GoogleKeys {
	return GoogleKeys{
		ACAEncryptionKeys: [pca.NumACATypes]EncryptionKey{
			pca.DefaultACA: {
				KeyID:      "00c70e50b1",
				ModulusHex: "872b79eb4b3a272ee725e06d262380ca90a21e6e76ea18118f76138a52e5e6418147e2d95a2ec938f0bc960935b7fa0135a7c080739b1cacf7cdb48a63a0c56e4879a37cbe7a33c8df7db84f4b5a1a1c9d4c4d902daeddfbfa794626666b3eb9888a8b41cb88eed5794d022f8faa48bbd14b1ca85489db8d8a1acbd53f518b1f966646aba47b8358ca648927cfb19468091c96354a28a264dda11d74261476afd600d97e36d7b0dcdbeb836b30c2dd63a0c5aaef4f787c7b94a92870c1df1692fa69a04c1161640722b4a91d18ed3fb8b1d58e19b03354f6a6733690a1d15a2f90cfcf1529b323576d99640409d324dd4252124f2d3ce08f0b330b72b7b96393",
			},
			pca.TestACA: {
				KeyID:      "00b93d46a1",
				ModulusHex: "97a2a9b726db12f47761dbc67445a3317a6d3d87a0cc0dffca428807c280b2eed8b82c2911b3dd90db1af1dedafbfc00a3025020f756e6b8801656649ad352ff205b6bcb91422da334355ea7a43889c802afde815b93e09121f5fae9d3b9d671e82a0c80be83cdd78d0c342f2f891e55c4217230b9ca4b47a6bfa2191a8c48e69f031c60b493ddce88573a28197d8a1923a893169456981690888388804c1939f5a57d441f0b8cfddcfa6833ef7c84ed1a7bcb1a6ac6ffec4c34b02b980f44c846265ac9d210381677552f977fe390173b65acfef48aeb444ed2056d17fb9015d7eb90f28740a2e8c70a055b970a5adc000f9e6ae8593dace43d62aac509a85d",
			},
		},
		VASigningKeys: [pca.NumVATypes]SigningKey{
			pca.DefaultVA: {
				ModulusHex: "9c6e7bac5c2a513fde3153e4cb58cf8ab53ed7fcb88ad9c2665fc8d94d5b4f5b503e92ec2cb07f253f86f206bf6a4f65c8dffb172bd8baabc0fe2e657ea45216e53d70af4c178f9b386c1997ca262fbeddc48856332dcc73c825b7814087c433bac8b50705e006b1fa34c7700450558676639db42de25dda0f4b68a755254470ed30f0d1ba1695aed30447eac6ce84471e3085abd67cd742232439392b83c4b3893c97f73d97983b765e5baf796d54741d13c0981fd478cdc84c6a11ac1c29a8ebe521ea143e96d8552069f6ab2bc184825c2e565e02d99cfe4199c192434cb4d116b2bf8e7b2e44805acd5ce0635cbb63dc669c610a770890263fbc88d1d227",
			},
			pca.TestVA: {
				ModulusHex: "e231934713eb1abe360e3cc94d995c8de75e5c26a294b6537ae0a33488e0b2276abf2bdad6996b74f6ddff4efc3bd054aab1187529721ea0763fd5468256f6da36fb974f6cf1ea4c9e59da3253cba57cf561786ec58a073890528d2e4fda7ec33821e871e488fe67312fd6462b67cbd8fb7f4c30f426bd87f2de6c16ae72bacbc96dfd98bcffd36172b9c20f3543a62747431eee9feabbc3c7e2f88e115adae28fc82f5e75a0a5a46225d17f17bdc2cb98ae5b08aa3096f3ed4524bea3eeeb39ab85188faaebf1208115c30a9b9aafec21e5425b7007383f6694ec4859067df8eddce4ca29b2341b84a06cefcd96ed70fe599c77cabd8e8321219576cbce82c3",
			},
		},
		VAEncryptionKeys: [pca.NumVATypes]EncryptionKey{
			pca.DefaultVA: {
				KeyID:      "00e2a79b17",
				ModulusHex: "a7c83e6237075839317afaea77397d6bc10c0f3c81ab2f95eb27baa832b575ed22966b1a66db352ad8dd8e75589db89e30ef532fa49b4e4717f79cf7a29447f6054ef6cd2c1dbc24ad73041f1f14a21797f1b65d3768458f4cd84c27ecb46b00a8ac47fcf5982566193ae542fa12c875b788d55f5b4223717c6e372fdd0d665bffc82802e19056a4aa469a0f3144184e5c94647ec91e57651b49213a34c9a016728b5d0a8ccc5bdf128411d8bbc11e2628eeba37d9b0c9694f3afb72fd6b81968a87404207d146b36e56c1beeff275a873215e2c5f44aaee92b683d4d2ee1737771f0680a7ed115f78e78a4033a48f551aaad53def9f4c5a505794724ea54287",
			},
			pca.TestVA: {
				KeyID:      "00d8f21a42",
				ModulusHex: "a0988c9acdca8bdf5d2f84dbbce4a83f99206dca50beb97352c49e2272008f14158bac6ec25a7d1fd829316fd79850919d2410375e0c88af108eeb7eb92af6b96315bd6ef6c238815939d8b3d18c9fa4030d4b1e92e094b3136a1f4135eb8b20f88dd5522f11041b5fdaafd28a2fd74ee88dce4efd8aac88d6041a6ff05b19dda5c2efda0515e1be05992b0f2fe952d1367e9df2d23e21ebe79f52f07a59411e2740755ae18a1e6aada425be66e3f63c08cdf29db8849fbb957d86703144d4ddd162d12a1d7d34c926dfab31f75e48312afb050b2ae5599a09a27b3becf865c08e5e82679d1c32955fecb4b92873d91b4a0ece5acf2847b301c4191991ef8815",
			},
		},
	}
}

func rsaKeyFromModulusHex(modulusHex string) (*rsa.PublicKey, error) {
	if modulusHex == "" {
		return nil, ErrNoGoogleKey
	}
	modulus, err := hex.DecodeString(modulusHex)
	if err != nil {
		return nil, ErrNoGoogleKey
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: rsaPublicExponent,
	}, nil
}

func (k GoogleKeys) ACAEncryptionKey(aca pca.ACAType) (*rsa.PublicKey, string, error) {
	if aca < 0 || int(aca) >= pca.NumACATypes {
		return nil, "", pca.ErrInvalidACAType
	}
	entry := k.ACAEncryptionKeys[aca]
	key, err := rsaKeyFromModulusHex(entry.ModulusHex)
	if err != nil {
		return nil, "", err
	}
	return key, entry.KeyID, nil
}

func (k GoogleKeys) VASigningKey(va pca.VAType) (*rsa.PublicKey, error) {
	if va < 0 || int(va) >= pca.NumVATypes {
		return nil, pca.ErrInvalidVAType
	}
	return rsaKeyFromModulusHex(k.VASigningKeys[va].ModulusHex)
}

func (k GoogleKeys) VAEncryptionKey(va pca.VAType) (*rsa.PublicKey, string, error) {
	if va < 0 || int(va) >= pca.NumVATypes {
		return nil, "", pca.ErrInvalidVAType
	}
	entry := k.VAEncryptionKeys[va]
	key, err := rsaKeyFromModulusHex(entry.ModulusHex)
	if err != nil {
		return nil, "", err
	}
	return key, entry.KeyID, nil
}
