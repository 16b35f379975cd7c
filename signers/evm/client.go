package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ClientSigner implements TypedDataSigner using a local ECDSA private key.
// It signs payment authorizations without any external signing service and
// can optionally perform contract reads through an attached ethclient.
type ClientSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	ethClient  *ethclient.Client
}

var _ TypedDataSigner = (*ClientSigner)(nil)

// NewClientSignerFromPrivateKey creates a signer from a hex-encoded private
// key, with or without the "0x" prefix. The resulting signer has no RPC
// connection; ReadContract and the balance helpers return an error.
func NewClientSignerFromPrivateKey(privateKeyHex string) (*ClientSigner, error) {
	return NewClientSignerFromPrivateKeyWithClient(privateKeyHex, nil)
}

// NewClientSignerFromPrivateKeyWithRPC creates a signer from a private key
// and connects it to the given JSON-RPC endpoint for contract reads.
func NewClientSignerFromPrivateKeyWithRPC(privateKeyHex, rpcURL string) (*ClientSigner, error) {
	ethClient, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rpc endpoint: %w", err)
	}
	return NewClientSignerFromPrivateKeyWithClient(privateKeyHex, ethClient)
}

// NewClientSignerFromPrivateKeyWithClient creates a signer from a private key
// and an optional ethclient for contract reads.
func NewClientSignerFromPrivateKeyWithClient(privateKeyHex string, ethClient *ethclient.Client) (*ClientSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &ClientSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		ethClient:  ethClient,
	}, nil
}

// Address returns the checksummed address derived from the private key.
func (s *ClientSigner) Address() string {
	return s.address.Hex()
}

// SignTypedData signs EIP-712 typed data and returns the 65-byte (r, s, v)
// signature with v adjusted to 27/28.
func (s *ClientSigner) SignTypedData(
	ctx context.Context,
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	digest, err := HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Recovery ID 0/1 becomes Ethereum's 27/28
	signature[64] += 27

	return signature, nil
}

// ReadContract executes a read-only contract call and returns the unpacked
// result. Requires an ethclient attached at construction.
func (s *ClientSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	if s.ethClient == nil {
		return nil, fmt.Errorf("ReadContract requires an rpc connection; use NewClientSignerFromPrivateKeyWithRPC")
	}

	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	msg := ethereum.CallMsg{
		To:   &addr,
		Data: data,
	}

	result, err := s.ethClient.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}

	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// TokenBalance returns the ERC-20 balance of account on the given token
// contract. Useful as a pre-flight check before signing an authorization.
func (s *ClientSigner) TokenBalance(ctx context.Context, token, account string) (*big.Int, error) {
	result, err := s.ReadContract(ctx, token, ERC20BalanceOfABI, "balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", result)
	}
	return balance, nil
}

// AuthorizationUsed reports whether an EIP-3009 nonce has already been
// consumed for the given authorizer on the token contract.
func (s *ClientSigner) AuthorizationUsed(ctx context.Context, token, authorizer, nonce string) (bool, error) {
	nonceBytes, err := HexToBytes(nonce)
	if err != nil {
		return false, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(nonceBytes) != 32 {
		return false, fmt.Errorf("nonce must be 32 bytes, got %d", len(nonceBytes))
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonceBytes)

	result, err := s.ReadContract(ctx, token, AuthorizationStateABI, "authorizationState", common.HexToAddress(authorizer), nonce32)
	if err != nil {
		return false, err
	}
	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result type %T", result)
	}
	return used, nil
}
