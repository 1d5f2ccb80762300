package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet signs transactions and personal messages for one address
type Wallet interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	// SignMessage returns an EIP-191 personal signature with v in {27, 28}
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// ApprovalRequest describes what the wallet owner is asked to sign
type ApprovalRequest struct {
	Kind    string // "transaction" or "message"
	Summary string
}

// Approver asks the wallet owner to allow a signature
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApproverFunc adapts a function to Approver
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

// Approve implements Approver
func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

// AutoApprove approves every request
var AutoApprove = ApproverFunc(func(context.Context, ApprovalRequest) (bool, error) { return true, nil })

// KeyWallet signs with an in-memory private key
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeyWallet creates a wallet from a private key
func NewKeyWallet(key *ecdsa.PrivateKey) *KeyWallet {
	return &KeyWallet{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// KeyWalletFromHex parses a hex private key, with or without 0x prefix
func KeyWalletFromHex(hexKey string) (*KeyWallet, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeyWallet(key), nil
}

// Address implements Wallet
func (w *KeyWallet) Address() common.Address {
	return w.address
}

// SignTx implements Wallet
func (w *KeyWallet) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}

// SignMessage implements Wallet
func (w *KeyWallet) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), w.key)
	if err != nil {
		return nil, err
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

// KeystoreWallet signs with an encrypted key from a keystore directory
type KeystoreWallet struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase string
}

// OpenKeystore opens dir and selects the account for address
func OpenKeystore(dir, address, passphrase string) (*KeystoreWallet, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid wallet address %q", address)
	}

	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.Find(accounts.Account{Address: common.HexToAddress(address)})
	if err != nil {
		return nil, fmt.Errorf("wallet %s not found in %s: %w", address, dir, err)
	}

	return &KeystoreWallet{ks: ks, account: account, passphrase: passphrase}, nil
}

// Address implements Wallet
func (w *KeystoreWallet) Address() common.Address {
	return w.account.Address
}

// SignTx implements Wallet
func (w *KeystoreWallet) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return w.ks.SignTxWithPassphrase(w.account, w.passphrase, tx, chainID)
}

// SignMessage implements Wallet
func (w *KeystoreWallet) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	sig, err := w.ks.SignHashWithPassphrase(w.account, w.passphrase, accounts.TextHash(msg))
	if err != nil {
		return nil, err
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

// approvingWallet asks an Approver before every signature
type approvingWallet struct {
	Wallet
	approver Approver
}

// WithApproval wraps w so each signature must be approved first; a declined
// request returns ErrUserRejected
func WithApproval(w Wallet, approver Approver) Wallet {
	if approver == nil {
		return w
	}
	return &approvingWallet{Wallet: w, approver: approver}
}

func (w *approvingWallet) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	summary := fmt.Sprintf("send transaction to %s (gas %d, value %s)", tx.To().Hex(), tx.Gas(), tx.Value())
	if err := w.ask(ctx, ApprovalRequest{Kind: "transaction", Summary: summary}); err != nil {
		return nil, err
	}
	return w.Wallet.SignTx(ctx, tx, chainID)
}

func (w *approvingWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := w.ask(ctx, ApprovalRequest{Kind: "message", Summary: string(msg)}); err != nil {
		return nil, err
	}
	return w.Wallet.SignMessage(ctx, msg)
}

func (w *approvingWallet) ask(ctx context.Context, req ApprovalRequest) error {
	ok, err := w.approver.Approve(ctx, req)
	if err != nil {
		return fmt.Errorf("approval prompt failed: %w", err)
	}
	if !ok {
		return ErrUserRejected
	}
	return nil
}

// RecoverAddress returns the signer of an EIP-191 personal signature
func RecoverAddress(msg, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[ethcrypto.RecoveryIDOffset] >= 27 {
		normalized[ethcrypto.RecoveryIDOffset] -= 27
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
