// Package profile keeps the local device identity: a stable device id for
// sender key ids, the Kyber key that sender key notices are sealed to, and
// the libp2p key used by the delivery transport.
package profile

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"chatsec/internal/crypto"
	"chatsec/internal/models"

	"github.com/google/uuid"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/argon2"
)

type Profile struct {
	Email            string `json:"email"`
	Username         string `json:"username"`
	DeviceID         string `json:"device_id"`
	PasswordSalt     []byte `json:"password_salt"`
	PasswordChecksum []byte `json:"password_checksum"`
	Libp2pPrivEnc    []byte `json:"libp2p_priv_enc"` // encrypted w/ password
	PeerID           string `json:"peer_id"`
	KEMPublicKey     []byte `json:"kem_public_key"`
	KEMPrivEnc       []byte `json:"kem_priv_enc"` // encrypted w/ password
}

// Identity is an unlocked profile.
type Identity struct {
	Profile    *Profile
	Libp2pPriv p2pcrypto.PrivKey
	kemPriv    []byte
	token      string
}

func passwordChecksum(pass string, salt []byte) []byte {
	return argon2.IDKey([]byte(pass), salt, 3, 8*1024, 2, 32)
}

// Generate creates a new device profile for acc and writes it to path.
func Generate(path string, acc models.Account, pass string) (*Identity, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	sealer, err := crypto.NewSealer(crypto.DeriveStorageKey(pass, salt))
	if err != nil {
		return nil, err
	}

	libPriv, _, err := p2pcrypto.GenerateKeyPair(p2pcrypto.Ed25519, -1)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(libPriv)
	if err != nil {
		return nil, err
	}
	libPrivBytes, err := p2pcrypto.MarshalPrivateKey(libPriv)
	if err != nil {
		return nil, err
	}
	libEnc, err := sealer.Seal(libPrivBytes)
	if err != nil {
		return nil, err
	}

	prof := &Profile{
		Email:            acc.Email,
		Username:         acc.Username,
		DeviceID:         uuid.NewString(),
		PasswordSalt:     salt,
		PasswordChecksum: passwordChecksum(pass, salt),
		Libp2pPrivEnc:    libEnc,
		PeerID:           pid.String(),
	}
	kemPriv, err := addKEMKey(prof, sealer)
	if err != nil {
		return nil, err
	}

	if err := createProfileDir(path); err != nil {
		return nil, err
	}
	if err := writeProfile(path, prof); err != nil {
		return nil, err
	}
	return &Identity{Profile: prof, Libp2pPriv: libPriv, kemPriv: kemPriv, token: acc.Token}, nil
}

// addKEMKey gives prof a fresh Kyber key pair, the private half sealed.
func addKEMKey(prof *Profile, sealer *crypto.Sealer) ([]byte, error) {
	pub, priv, err := crypto.GenerateKEMKey()
	if err != nil {
		return nil, fmt.Errorf("generate notice key: %w", err)
	}
	enc, err := sealer.Seal(priv)
	if err != nil {
		return nil, err
	}
	prof.KEMPublicKey, prof.KEMPrivEnc = pub, enc
	return priv, nil
}

func writeProfile(path string, prof *Profile) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(prof)
}

// Load reads and unlocks the profile at path.
func Load(path, pass string) (*Identity, error) {
	if err := checkProfilePath(path); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var prof Profile
	if err := json.NewDecoder(file).Decode(&prof); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", path, err)
	}
	if !hmac.Equal(passwordChecksum(pass, prof.PasswordSalt), prof.PasswordChecksum) {
		return nil, ErrInvalidPassword
	}

	sealer, err := crypto.NewSealer(crypto.DeriveStorageKey(pass, prof.PasswordSalt))
	if err != nil {
		return nil, err
	}
	libPrivBytes, err := sealer.Open(prof.Libp2pPrivEnc)
	if err != nil {
		return nil, err
	}
	libPriv, err := p2pcrypto.UnmarshalPrivateKey(libPrivBytes)
	if err != nil {
		return nil, err
	}

	var kemPriv []byte
	if len(prof.KEMPrivEnc) == 0 {
		// profiles written before notice sealing get their key on first load
		if kemPriv, err = addKEMKey(&prof, sealer); err != nil {
			return nil, err
		}
		if err := writeProfile(path, &prof); err != nil {
			return nil, err
		}
	} else if kemPriv, err = sealer.Open(prof.KEMPrivEnc); err != nil {
		return nil, err
	}
	return &Identity{Profile: &prof, Libp2pPriv: libPriv, kemPriv: kemPriv}, nil
}

// LoadOrCreate loads the profile at path, generating one for acc when none
// exists. The account token is kept in memory only.
func LoadOrCreate(path string, acc models.Account, pass string) (*Identity, error) {
	id, err := Load(path, pass)
	if errors.Is(err, ErrProfileNotFound) {
		return Generate(path, acc, pass)
	}
	if err != nil {
		return nil, err
	}
	id.token = acc.Token
	return id, nil
}

func (i *Identity) DeviceID() (string, error) {
	if i.Profile.DeviceID == "" {
		return "", ErrProfileNotFound.WithDetails("profile has no device id")
	}
	return i.Profile.DeviceID, nil
}

func (i *Identity) Account() models.Account {
	return models.Account{Email: i.Profile.Email, Username: i.Profile.Username, Token: i.token}
}

// NoticeKey is the public key members seal sender key notices to.
func (i *Identity) NoticeKey() []byte { return i.Profile.KEMPublicKey }

// OpenSenderKey opens a sender key sealed to this device.
func (i *Identity) OpenSenderKey(sealed, ad []byte) ([]byte, error) {
	return crypto.OpenFrom(i.kemPriv, sealed, ad)
}

// SetToken replaces the session token after a re-login.
func (i *Identity) SetToken(token string) { i.token = token }
