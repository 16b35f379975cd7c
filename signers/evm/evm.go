// Package evm provides client-side EIP-712 signing for EVM payment
// authorizations. It covers the exact payment scheme used by metered Halo
// endpoints: EIP-3009 TransferWithAuthorization over an EIP-3009 capable
// stablecoin, signed locally with an ECDSA private key.
package evm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// DefaultValidityPeriod is how long a signed authorization stays
	// settleable, in seconds.
	DefaultValidityPeriod = 3600

	// ValidAfterSkew backdates validAfter to tolerate clock drift between
	// the signer and the settling chain, in seconds.
	ValidAfterSkew = 60

	// Token metadata used when payment requirements omit their own.
	DefaultAssetName     = "USD Coin"
	DefaultAssetVersion  = "2"
	DefaultAssetDecimals = 6

	// USDCAddressBase is the USDC contract on Base mainnet.
	USDCAddressBase = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

var (
	// ChainIDBase is the chain ID for Base mainnet.
	ChainIDBase = big.NewInt(8453)

	// NetworkChainIDs maps the network identifiers accepted in payment
	// requirements to their chain IDs. Both the bare name and the CAIP-2
	// form are recognized.
	NetworkChainIDs = map[string]*big.Int{
		"base":        ChainIDBase,
		"eip155:8453": ChainIDBase,
	}

	// TransferWithAuthorizationTypes is the EIP-712 type set for EIP-3009
	// transferWithAuthorization messages. Field order matches the on-chain
	// type hash.
	TransferWithAuthorizationTypes = map[string][]TypedDataField{
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// AuthorizationStateABI for checking whether an EIP-3009 nonce was used
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)

// TypedDataDomain is an EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is a single field in an EIP-712 type definition.
type TypedDataField struct {
	Name string
	Type string
}

// TypedDataSigner signs EIP-712 typed data on behalf of a payer address.
type TypedDataSigner interface {
	// Address returns the checksummed address of the signing key.
	Address() string

	// SignTypedData signs EIP-712 typed data and returns a 65-byte
	// (r, s, v) signature.
	SignTypedData(
		ctx context.Context,
		domain TypedDataDomain,
		types map[string][]TypedDataField,
		primaryType string,
		message map[string]interface{},
	) ([]byte, error)
}

// ChainIDForNetwork resolves a network identifier to its chain ID.
func ChainIDForNetwork(network string) (*big.Int, bool) {
	chainID, ok := NetworkChainIDs[strings.ToLower(strings.TrimSpace(network))]
	return chainID, ok
}

// CreateNonce returns a random 32-byte nonce as a 0x-prefixed hex string.
// EIP-3009 treats the nonce as opaque bytes32; a fresh random value per
// authorization is what prevents replay, so no nonce state is kept.
func CreateNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return BytesToHex(nonce), nil
}

// CreateValidityWindow returns the validAfter and validBefore bounds for an
// authorization created at the given time. validAfter is backdated by
// ValidAfterSkew to tolerate clock drift.
func CreateValidityWindow(now time.Time) (validAfter, validBefore *big.Int) {
	validAfter = big.NewInt(now.Unix() - ValidAfterSkew)
	validBefore = big.NewInt(now.Unix() + DefaultValidityPeriod)
	return validAfter, validBefore
}

// BytesToHex encodes bytes as a 0x-prefixed hex string.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// HexToBytes decodes a hex string with or without the 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}

// HashTypedData computes the EIP-712 digest for typed data.
//
// The hash is keccak256("\x19\x01" + domainSeparator + structHash) and is
// the digest a TypedDataSigner signs. It is exposed so callers can verify
// signatures by recovering the signing address.
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	// Convert field types
	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	// Add EIP712Domain type if not present
	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	// Hash the struct data
	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	// Hash the domain
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	// EIP-712 digest: 0x19 0x01 <domainSeparator> <dataHash>
	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}
