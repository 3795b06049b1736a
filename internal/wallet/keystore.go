package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

const (
	keystoreVersion = 1
	keystoreExt     = ".keystore"
)

// ErrKeystoreNotFound is returned for unknown keystore names.
var ErrKeystoreNotFound = errors.New("keystore not found")

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// keystoreFile is the on-disk JSON form.
type keystoreFile struct {
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	EncryptedSeed []byte         `json:"encrypted_seed"`
	Accounts      []AccountEntry `json:"accounts"`
	NextIndex     uint32         `json:"next_index"`
}

// AccountEntry is the public record of a derived owner key.
type AccountEntry struct {
	Index   uint32        `json:"index"`
	Name    string        `json:"name"`
	Path    string        `json:"path"`
	Address types.Address `json:"address"`
}

// Keystore keeps encrypted owner seeds in a directory, one file per name.
type Keystore struct {
	dir string
	mu  sync.Mutex
}

// NewKeystore opens dir, creating it if needed.
func NewKeystore(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{dir: dir}, nil
}

func (ks *Keystore) path(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid keystore name %q", name)
	}
	return filepath.Join(ks.dir, name+keystoreExt), nil
}

// Create encrypts seed under password and stores it as name.
func (ks *Keystore) Create(name string, seed, password []byte, params EncryptionParams) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	path, err := ks.path(name)
	if err != nil {
		return err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("keystore %q already exists", name)
	}
	blob, err := Encrypt(seed, password, params)
	if err != nil {
		return fmt.Errorf("encrypt seed: %w", err)
	}
	if err := writeKeystore(path, &keystoreFile{
		Version:       keystoreVersion,
		CreatedAt:     time.Now().UTC(),
		EncryptedSeed: blob,
		Accounts:      []AccountEntry{},
	}); err != nil {
		return err
	}
	klog.Wallet.Debug().Str("keystore", name).Msg("Keystore created")
	return nil
}

// Seed decrypts and returns the seed stored as name.
func (ks *Keystore) Seed(name string, password []byte) ([]byte, error) {
	path, err := ks.path(name)
	if err != nil {
		return nil, err
	}
	kf, err := readKeystore(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(kf.EncryptedSeed, password)
}

// NewAccount derives the next owner key, records it and returns it
// unlocked. Call Lock on the result when done.
func (ks *Keystore) NewAccount(name string, password []byte, label string) (*Account, error) {
	path, err := ks.path(name)
	if err != nil {
		return nil, err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	kf, err := readKeystore(path)
	if err != nil {
		return nil, err
	}
	acct, err := deriveAccount(kf, password, kf.NextIndex)
	if err != nil {
		return nil, err
	}
	acct.Name = label
	kf.Accounts = append(kf.Accounts, AccountEntry{Index: acct.Index, Name: label, Path: acct.Path, Address: acct.Address})
	kf.NextIndex++
	if err := writeKeystore(path, kf); err != nil {
		acct.Lock()
		return nil, err
	}
	klog.Wallet.Debug().
		Str("keystore", name).
		Uint32("index", acct.Index).
		Str("address", acct.Address.String()).
		Msg("Owner derived")
	return acct, nil
}

// Account unlocks the owner key at index.
func (ks *Keystore) Account(name string, password []byte, index uint32) (*Account, error) {
	path, err := ks.path(name)
	if err != nil {
		return nil, err
	}
	kf, err := readKeystore(path)
	if err != nil {
		return nil, err
	}
	acct, err := deriveAccount(kf, password, index)
	if err != nil {
		return nil, err
	}
	for _, e := range kf.Accounts {
		if e.Index == index {
			acct.Name = e.Name
		}
	}
	return acct, nil
}

// AccountByAddress unlocks the recorded owner key with address addr.
func (ks *Keystore) AccountByAddress(name string, password []byte, addr types.Address) (*Account, error) {
	entries, err := ks.Accounts(name)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Address == addr {
			return ks.Account(name, password, e.Index)
		}
	}
	return nil, fmt.Errorf("address %s not in keystore %q", addr, name)
}

// Accounts lists the recorded owner keys without decrypting anything.
func (ks *Keystore) Accounts(name string) ([]AccountEntry, error) {
	path, err := ks.path(name)
	if err != nil {
		return nil, err
	}
	kf, err := readKeystore(path)
	if err != nil {
		return nil, err
	}
	return kf.Accounts, nil
}

// List returns the keystore names in the directory.
func (ks *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(ks.dir)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != keystoreExt {
			continue
		}
		names = append(names, e.Name()[:len(e.Name())-len(keystoreExt)])
	}
	return names, nil
}

// Delete removes a keystore file.
func (ks *Keystore) Delete(name string) error {
	path, err := ks.path(name)
	if err != nil {
		return err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrKeystoreNotFound, name)
		}
		return err
	}
	return nil
}

func deriveAccount(kf *keystoreFile, password []byte, index uint32) (*Account, error) {
	seed, err := Decrypt(kf.EncryptedSeed, password)
	if err != nil {
		return nil, err
	}
	defer wipe(seed)
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	child, err := master.DeriveOwner(0, index)
	if err != nil {
		return nil, err
	}
	key, err := child.Signer()
	if err != nil {
		return nil, err
	}
	return &Account{Index: index, Path: OwnerPath(0, index), Address: key.Address(), Key: key}, nil
}

// writeKeystore replaces path atomically.
func writeKeystore(path string, kf *keystoreFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write keystore: %w", err)
	}
	return nil
}

func readKeystore(path string) (*keystoreFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeystoreNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	var kf keystoreFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if kf.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", kf.Version)
	}
	return &kf, nil
}
