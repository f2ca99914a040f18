package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer signs transactions on behalf of one wallet.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

func signerFn(signer Signer, chainID *big.Int) bind.SignerFn {
	return func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
		if from != signer.Address() {
			return nil, fmt.Errorf("%w: signer %s cannot sign for %s", ErrSignerDeclined, signer.Address().Hex(), from.Hex())
		}
		signed, err := signer.SignTx(tx, chainID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignerDeclined, err)
		}
		return signed, nil
	}
}

// KeystoreWallets opens signers from an encrypted keystore directory. Keys are
// decrypted per signature with the passphrase supplied by the request and are
// never left unlocked.
type KeystoreWallets struct {
	ks *keystore.KeyStore
}

func NewKeystoreWallets(dir string) *KeystoreWallets {
	return newKeystoreWallets(dir, keystore.StandardScryptN, keystore.StandardScryptP)
}

func newKeystoreWallets(dir string, scryptN, scryptP int) *KeystoreWallets {
	return &KeystoreWallets{ks: keystore.NewKeyStore(dir, scryptN, scryptP)}
}

func (w *KeystoreWallets) Signer(address, passphrase string) (Signer, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	account, err := w.ks.Find(accounts.Account{Address: common.HexToAddress(address)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerDeclined, err)
	}
	return &keystoreSigner{ks: w.ks, account: account, passphrase: passphrase}, nil
}

type keystoreSigner struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase string
}

func (s *keystoreSigner) Address() common.Address {
	return s.account.Address
}

func (s *keystoreSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.ks.SignTxWithPassphrase(s.account, s.passphrase, tx, chainID)
}

// Provider hands out caller-scoped connections. Each acquired connection must
// be released by the request that acquired it.
type Provider interface {
	Acquire(ctx context.Context, wallet, passphrase string) (Conn, func(), error)
}

type sessionProvider struct {
	client  *Client
	wallets *KeystoreWallets
}

func NewProvider(client *Client, wallets *KeystoreWallets) Provider {
	return &sessionProvider{client: client, wallets: wallets}
}

// Acquire opens a read-only session when wallet is empty.
func (p *sessionProvider) Acquire(ctx context.Context, wallet, passphrase string) (Conn, func(), error) {
	var signer Signer
	if wallet != "" {
		s, err := p.wallets.Signer(wallet, passphrase)
		if err != nil {
			if errors.Is(err, ErrInvalidInput) {
				return nil, nil, err
			}
			return nil, nil, &Error{Kind: Rejected, Op: "acquire", Err: err}
		}
		signer = s
	}
	session := p.client.Open(ctx, signer)
	return session, session.Close, nil
}
