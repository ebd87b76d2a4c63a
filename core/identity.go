package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/scrypt"
)

const agentIDPrefix = "bcn_"

// scrypt KDF parameters for the encrypted keystore. Matches the teacher's
// cmd/cli/wallet.go PBKDF2 keystore in shape (salt + AEAD over the private
// key material) but uses scrypt per the identity component's explicit KDF.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// Identity wraps an Ed25519 keypair and exposes only signing/verification
// and derived identifiers; the private key never leaves this component.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// DeriveAgentID computes "bcn_" + first 12 hex chars of SHA-256(pubkey).
func DeriveAgentID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return agentIDPrefix + hex.EncodeToString(sum[:])[:12]
}

// Generate creates a fresh identity from cryptographic randomness.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// GenerateWithMnemonic creates a fresh identity and returns its 24-word
// BIP-39 mnemonic alongside it. The mnemonic's seed (first 32 bytes of the
// PBKDF2 seed derived by go-bip39) becomes the Ed25519 private key seed, so
// FromMnemonic(phrase) reconstructs the same identity.
func GenerateWithMnemonic() (*Identity, string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits of entropy -> 24 words
	if err != nil {
		return nil, "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("generate mnemonic: %w", ErrInvalidInput)
	}
	id, err := identityFromMnemonicSeed(mnemonic)
	if err != nil {
		return nil, "", err
	}
	return id, mnemonic, nil
}

// FromMnemonic reconstructs an identity deterministically from a 24-word
// BIP-39 phrase.
func FromMnemonic(phrase string) (*Identity, error) {
	if !bip39.IsMnemonicValid(phrase) {
		return nil, fmt.Errorf("malformed mnemonic: %w", ErrInvalidInput)
	}
	return identityFromMnemonicSeed(phrase)
}

func identityFromMnemonicSeed(mnemonic string) (*Identity, error) {
	seed := bip39.NewSeed(mnemonic, "")
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return &Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// FromPrivateKeyHex reconstructs an identity from a hex-encoded 32-byte seed
// or 64-byte expanded private key.
func FromPrivateKeyHex(hexKey string) (*Identity, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key hex: %w", ErrInvalidInput)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes: %w", ed25519.SeedSize, ed25519.PrivateKeySize, ErrInvalidInput)
	}
	return &Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign signs msg and returns the 64-byte Ed25519 signature.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// Verify checks sig over msg against a raw hex-encoded public key.
func Verify(pubKeyHex string, sigHex string, msg []byte) bool {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// AgentID returns this identity's derived agent ID.
func (id *Identity) AgentID() string { return DeriveAgentID(id.pub) }

// PublicKeyHex returns the hex-encoded raw public key.
func (id *Identity) PublicKeyHex() string { return hex.EncodeToString(id.pub) }

// PrivateKeyHex returns the hex-encoded 32-byte seed. Callers that persist
// this value are responsible for protecting it; prefer ExportEncryptedKeystore.
func (id *Identity) PrivateKeyHex() string {
	return hex.EncodeToString(id.priv.Seed())
}

// Keystore is the on-disk encrypted private key representation.
type Keystore struct {
	Salt         string         `json:"salt"`
	Nonce        string         `json:"nonce"`
	Ciphertext   string         `json:"ciphertext"`
	KDFParams    map[string]int `json:"kdf_params"`
	Encrypted    bool           `json:"encrypted"`
	AgentID      string         `json:"agent_id"`
	PublicKeyHex string         `json:"public_key_hex"`
}

// ExportEncryptedKeystore encrypts the identity's private key seed with a
// scrypt-derived key (over password + random salt) using AES-GCM as the AEAD.
func (id *Identity) ExportEncryptedKeystore(password string) (*Keystore, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive keystore key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	seed := id.priv.Seed()
	ciphertext := gcm.Seal(nil, nonce, seed, nil)
	return &Keystore{
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
		KDFParams: map[string]int{
			"n": scryptN, "r": scryptR, "p": scryptP, "keylen": scryptKeyLen,
		},
		Encrypted:    true,
		AgentID:      id.AgentID(),
		PublicKeyHex: id.PublicKeyHex(),
	}, nil
}

// FromEncryptedKeystore decrypts ks with password and reconstructs the
// original identity. Wrong password or tampering surfaces as
// ErrVerificationFailed (AEAD open failure).
func FromEncryptedKeystore(ks *Keystore, password string) (*Identity, error) {
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", ErrInvalidInput)
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", ErrInvalidInput)
	}
	ciphertext, err := hex.DecodeString(ks.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", ErrInvalidInput)
	}
	n, r, p, keylen := scryptN, scryptR, scryptP, scryptKeyLen
	if ks.KDFParams != nil {
		if v, ok := ks.KDFParams["n"]; ok {
			n = v
		}
		if v, ok := ks.KDFParams["r"]; ok {
			r = v
		}
		if v, ok := ks.KDFParams["p"]; ok {
			p = v
		}
		if v, ok := ks.KDFParams["keylen"]; ok {
			keylen = v
		}
	}
	key, err := scrypt.Key([]byte(password), salt, n, r, p, keylen)
	if err != nil {
		return nil, fmt.Errorf("derive keystore key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	seed, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", ErrVerificationFailed)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	id := &Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
	if ks.AgentID != "" && id.AgentID() != ks.AgentID {
		return nil, fmt.Errorf("keystore agent_id mismatch: %w", ErrVerificationFailed)
	}
	return id, nil
}
