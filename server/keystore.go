package server

import (
	"crypto"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/jackofmosttrades/ssh-approval-agent/common"
	"github.com/jackofmosttrades/ssh-approval-agent/identity"
)

// KeyData is one custodial key. PrivateKey is PKCS#8 DER, base64 in JSON.
type KeyData struct {
	Name       string                 `json:"name"`
	PrivateKey []byte                 `json:"privateKey"`
	Metadata   map[string]interface{} `json:"metadata"`
	Signer     ssh.Signer             `json:"-"`
	KeyID      string                 `json:"-"`
}

func LoadKeyDataFile(filename string) ([]*KeyData, error) {
	var keyData []*KeyData
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("unable to open file for reading %s: %w", filename, err)
	}
	defer f.Close()
	err = json.NewDecoder(f).Decode(&keyData)
	if err != nil {
		return nil, fmt.Errorf("unable to JSON-parse key data file %s: %w", filename, err)
	}
	for _, key := range keyData {
		if err := key.init(); err != nil {
			return nil, err
		}
	}
	return keyData, nil
}

func (key *KeyData) init() error {
	pkey, err := x509.ParsePKCS8PrivateKey(key.PrivateKey)
	if err != nil {
		return fmt.Errorf("unable to parse private key %s: %w", key.Name, err)
	}
	cryptoSigner, ok := pkey.(crypto.Signer)
	if !ok {
		return fmt.Errorf("private key %s of type %T cannot sign", key.Name, pkey)
	}
	key.Signer, err = ssh.NewSignerFromSigner(cryptoSigner)
	if err != nil {
		return fmt.Errorf("unable to use private key %s for ssh: %w", key.Name, err)
	}
	key.KeyID = common.KeyID(key.Signer.PublicKey().Marshal())
	return nil
}

// Identities returns the identity file entries an agent needs to offer these keys.
func Identities(keyData []*KeyData) []identity.Identity {
	ids := make([]identity.Identity, 0, len(keyData))
	for _, key := range keyData {
		pub := key.Signer.PublicKey()
		ids = append(ids, identity.Identity{
			KeyType: pub.Type(),
			KeyBlob: pub.Marshal(),
		})
	}
	return ids
}
