package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func newTestWallets(t *testing.T) (*KeystoreWallets, string) {
	t.Helper()
	wallets := newKeystoreWallets(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	account, err := wallets.ks.NewAccount("correct horse")
	if err != nil {
		t.Fatalf("creating account: %v", err)
	}
	return wallets, account.Address.Hex()
}

func testTx() *types.Transaction {
	to := common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
	return types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1)})
}

func TestKeystoreSignerSigns(t *testing.T) {
	wallets, addr := newTestWallets(t)
	signer, err := wallets.Signer(addr, "correct horse")
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}

	chainID := big.NewInt(4202)
	signed, err := signerFn(signer, chainID)(signer.Address(), testTx())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != signer.Address() {
		t.Fatalf("sender = %s, want %s", from.Hex(), signer.Address().Hex())
	}
}

func TestKeystoreSignerWrongPassphraseIsRejected(t *testing.T) {
	wallets, addr := newTestWallets(t)
	signer, err := wallets.Signer(addr, "wrong")
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}
	_, err = signerFn(signer, big.NewInt(1))(signer.Address(), testTx())
	if !errors.Is(err, ErrSignerDeclined) {
		t.Fatalf("error = %v, want ErrSignerDeclined", err)
	}
	if kindFor(err) != Rejected {
		t.Fatalf("kind = %s, want rejected", kindFor(err))
	}
}

func TestSignerFnRefusesForeignSender(t *testing.T) {
	wallets, addr := newTestWallets(t)
	signer, _ := wallets.Signer(addr, "correct horse")
	other := common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	if _, err := signerFn(signer, big.NewInt(1))(other, testTx()); !errors.Is(err, ErrSignerDeclined) {
		t.Fatalf("error = %v, want ErrSignerDeclined", err)
	}
}

func TestProviderUnknownWalletIsRejected(t *testing.T) {
	wallets, _ := newTestWallets(t)
	provider := NewProvider(&Client{}, wallets)

	_, _, err := provider.Acquire(context.Background(), "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "x")
	if KindOf(err) != Rejected {
		t.Fatalf("kind = %v, want rejected (err=%v)", KindOf(err), err)
	}

	_, _, err = provider.Acquire(context.Background(), "bogus", "x")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}

func TestReadOnlySessionRejectsWrites(t *testing.T) {
	wallets, _ := newTestWallets(t)
	provider := NewProvider(&Client{}, wallets)

	conn, release, err := provider.Acquire(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, err = conn.MarkComplete(context.Background(), 1)
	if KindOf(err) != Rejected {
		t.Fatalf("kind = %v, want rejected", KindOf(err))
	}
}

func TestClosedSessionIsUnavailable(t *testing.T) {
	wallets, addr := newTestWallets(t)
	provider := NewProvider(&Client{}, wallets)

	conn, release, err := provider.Acquire(context.Background(), addr, "correct horse")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	_, err = conn.Refund(context.Background(), 1)
	if KindOf(err) != Unavailable {
		t.Fatalf("kind = %v, want unavailable", KindOf(err))
	}
}
