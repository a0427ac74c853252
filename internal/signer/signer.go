// Package signer holds the process's master Nostr key pair and derives
// per-author pseudonymous identities from it. The master key never
// appears in logs, stats, or error messages.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip06"
	"golang.org/x/crypto/hkdf"
)

// keyFileName is where a freshly generated master key is persisted under
// the data root, so restarts reuse the same identity instead of minting a
// new one every time.
const keyFileName = "nostrweet_master_key"

// Signer holds the process's master private key and derives deterministic
// per-author keys from it, so each bridged Twitter handle gets a stable
// pseudonymous Nostr identity without a database: HKDF-SHA256(ikm=master
// privkey bytes, salt=nil, info="nostrweet-author:"+handle).
type Signer struct {
	masterPrivKey string
	masterPubKey  string
	mu            sync.RWMutex
	cache         map[string]string // handle → derived hex privkey
}

// LoadOrCreate resolves the master key, in priority order: an explicit hex
// key, a BIP-39 mnemonic, or a freshly generated key persisted under
// dataDir with 0600 permissions.
func LoadOrCreate(explicitHex, mnemonic, dataDir string) (*Signer, error) {
	switch {
	case explicitHex != "":
		return newFromHex(explicitHex)
	case mnemonic != "":
		return newFromMnemonic(mnemonic)
	default:
		return loadOrGenerate(dataDir)
	}
}

func newFromHex(hexKey string) (*Signer, error) {
	if _, err := hex.DecodeString(hexKey); err != nil {
		return nil, fmt.Errorf("signer: explicit key is not valid hex: %w", err)
	}
	return newSigner(hexKey)
}

func newFromMnemonic(mnemonic string) (*Signer, error) {
	seed := nip06.SeedFromWords(mnemonic)
	privKey, err := nip06.PrivateKeyFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("signer: derive key from mnemonic: %w", err)
	}
	return newSigner(privKey)
}

// loadOrGenerate reads the persisted master key under dataDir, or generates
// and persists a new one if none exists yet.
func loadOrGenerate(dataDir string) (*Signer, error) {
	path := filepath.Join(dataDir, keyFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		return newSigner(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("signer: read master key: %w", err)
	}

	slog.Info("no master key configured, generating one", "path", path)
	privKey := nostr.GeneratePrivateKey()
	if err := os.WriteFile(path, []byte(privKey), 0o600); err != nil {
		return nil, fmt.Errorf("signer: persist generated master key: %w", err)
	}
	return newSigner(privKey)
}

func newSigner(privKeyHex string) (*Signer, error) {
	if b, err := hex.DecodeString(privKeyHex); err != nil || len(b) != 32 {
		return nil, fmt.Errorf("signer: master key must be 32 bytes of hex")
	}
	pubKey, err := nostr.GetPublicKey(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: derive public key: %w", err)
	}
	return &Signer{
		masterPrivKey: privKeyHex,
		masterPubKey:  pubKey,
		cache:         make(map[string]string),
	}, nil
}

// derivedPrivKey returns the deterministic private key for a bridged
// author handle.
//
// Derivation: HKDF-SHA256(ikm=masterkey_bytes, salt=nil,
// info="nostrweet-author:"+handle). A domain-separated info label instead
// of naive concatenation avoids a second-preimage risk where a chosen
// handle could collide with another valid seed string. salt=nil is safe
// because the IKM already carries 256 bits of entropy. Result is cached.
func (s *Signer) derivedPrivKey(handle string) string {
	s.mu.RLock()
	if key, ok := s.cache[handle]; ok {
		s.mu.RUnlock()
		return key
	}
	s.mu.RUnlock()

	privKeyBytes, err := hex.DecodeString(s.masterPrivKey)
	if err != nil || len(privKeyBytes) != 32 {
		// Should never happen: the master key is validated at load time.
		panic("signer: invalid master private key")
	}
	r := hkdf.New(sha256.New, privKeyBytes, nil, []byte("nostrweet-author:"+handle))
	var derived [32]byte
	if _, err := io.ReadFull(r, derived[:]); err != nil {
		// Cannot fail: hkdf.Reader is an infinite stream of key material.
		panic("signer: hkdf read failed: " + err.Error())
	}
	key := hex.EncodeToString(derived[:])

	s.mu.Lock()
	s.cache[handle] = key
	s.mu.Unlock()
	return key
}

// PublicKey returns the derived secp256k1 public key for a bridged author.
func (s *Signer) PublicKey(handle string) (string, error) {
	return nostr.GetPublicKey(s.derivedPrivKey(handle))
}

// Sign derives the deterministic key for handle and signs event in place.
func (s *Signer) Sign(event *nostr.Event, handle string) error {
	return event.Sign(s.derivedPrivKey(handle))
}

// MasterPublicKey returns the process's own master public key, used only
// for startup diagnostics; every event, including the relay list, is signed
// with a per-author derived key.
func (s *Signer) MasterPublicKey() string {
	return s.masterPubKey
}
