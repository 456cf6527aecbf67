// Package keystore is the KeyStore (C10): loads the sentinel's ECDSA
// signing key and signs cancellation/challenge-response transactions.
// The hub contracts are EVM-native, so signing is secp256k1/ECDSA via
// go-ethereum's accounts/keystore rather than the teacher's BLS
// validator keystore (validator/keymanager) — same "encrypted key file
// on disk" shape, different curve.
package keystore

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	gethks "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "keystore")

// KeyStore signs transactions on behalf of the sentinel's operating
// address, backed by an encrypted go-ethereum keystore directory.
type KeyStore struct {
	backend *gethks.KeyStore
	account accounts.Account
}

// Open unlocks the account at address within the keystore directory
// keydir using passphrase. Mirrors how the teacher's CLI flags resolve
// a single operating account from a directory at startup.
func Open(keydir string, address common.Address, passphrase string) (*KeyStore, error) {
	backend := gethks.NewKeyStore(keydir, gethks.StandardScryptN, gethks.StandardScryptP)
	account := accounts.Account{Address: address}
	found, err := backend.Find(account)
	if err != nil {
		return nil, errors.Wrapf(err, "could not find account %s in keystore %s", address.Hex(), keydir)
	}
	if err := backend.Unlock(found, passphrase); err != nil {
		return nil, errors.Wrap(err, "could not unlock signing account")
	}
	log.WithField("address", address.Hex()).Info("signing key unlocked")
	return &KeyStore{backend: backend, account: found}, nil
}

// Address returns the signer's address, used by the getAddress RPC
// handler (§6).
func (k *KeyStore) Address() common.Address {
	return k.account.Address
}

// SignTx signs tx for the given EVM chain id using the unlocked account.
func (k *KeyStore) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := k.backend.SignTx(k.account, tx, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign transaction")
	}
	return signed, nil
}

// SignPrefixedMsg implements §4.10's sign_prefixed_msg: applies the
// EIP-191 personal-message prefix to msg, then signs the resulting
// hash with the unlocked account. The v byte of the returned signature
// is normalized to the {27,28} recovery-id convention (§4.10), since an
// EIP-191 personal-message signature is never chain-id-mixed the way an
// EIP-155 transaction signature can be.
func (k *KeyStore) SignPrefixedMsg(msg []byte) ([]byte, error) {
	hash := accounts.TextHash(msg)
	sig, err := k.backend.SignHash(k.account, hash)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign prefixed message")
	}
	if len(sig) == 65 && sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
