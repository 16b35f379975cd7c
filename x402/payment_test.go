package x402

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AGIHALO/halo-go-sdk/signers/evm"
)

// Well-known development key, never used on a live network.
const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testPayTo      = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

var testAsset = evm.USDCAddressBase

func newTestSigner(t *testing.T) *evm.ClientSigner {
	t.Helper()
	signer, err := evm.NewClientSignerFromPrivateKey(testPrivateKey)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return signer
}

func newTestRequirement() *PaymentRequirement {
	return &PaymentRequirement{
		Scheme:  SchemeExact,
		Network: "base",
		Asset:   testAsset,
		PayTo:   testPayTo,
		Amount:  "10000",
	}
}

// recoverEnvelopeSigner recomputes the EIP-712 digest for the envelope's
// authorization under the given domain and recovers the signing address.
func recoverEnvelopeSigner(t *testing.T, envelope *PaymentEnvelope, domain evm.TypedDataDomain) string {
	t.Helper()

	auth := envelope.Payload.Authorization
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		t.Fatalf("Invalid value: %s", auth.Value)
	}
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, err := evm.HexToBytes(auth.Nonce)
	if err != nil {
		t.Fatalf("Invalid nonce: %v", err)
	}

	message := map[string]interface{}{
		"from":        auth.From,
		"to":          auth.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}

	digest, err := evm.HashTypedData(domain, evm.TransferWithAuthorizationTypes, "TransferWithAuthorization", message)
	if err != nil {
		t.Fatalf("Failed to hash typed data: %v", err)
	}

	signature, err := evm.HexToBytes(envelope.Payload.Signature)
	if err != nil {
		t.Fatalf("Invalid signature hex: %v", err)
	}
	if len(signature) != 65 {
		t.Fatalf("Expected 65-byte signature, got %d", len(signature))
	}
	recoverSig := make([]byte, 65)
	copy(recoverSig, signature)
	recoverSig[64] -= 27

	pubKey, err := crypto.SigToPub(digest, recoverSig)
	if err != nil {
		t.Fatalf("Failed to recover public key: %v", err)
	}
	return crypto.PubkeyToAddress(*pubKey).Hex()
}

func TestSignPayment(t *testing.T) {
	signer := newTestSigner(t)
	before := time.Now().Unix()

	envelope, err := SignPayment(context.Background(), newTestRequirement(), &ResourceInfo{URL: "https://example.com"}, signer)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if envelope.X402Version != ProtocolVersion {
		t.Errorf("Expected version %d, got %d", ProtocolVersion, envelope.X402Version)
	}
	if envelope.Accepted.Scheme != SchemeExact {
		t.Errorf("Expected exact scheme, got %s", envelope.Accepted.Scheme)
	}
	if envelope.Resource == nil || envelope.Resource.URL != "https://example.com" {
		t.Error("Expected resource to be carried through")
	}

	auth := envelope.Payload.Authorization
	if auth.From != signer.Address() {
		t.Errorf("Expected from %s, got %s", signer.Address(), auth.From)
	}
	if auth.To != testPayTo {
		t.Errorf("Expected to %s, got %s", testPayTo, auth.To)
	}
	if auth.Value != "10000" {
		t.Errorf("Expected value 10000, got %s", auth.Value)
	}

	// Validity window: backdated start, one validity period wide
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	if delta := validBefore.Int64() - validAfter.Int64(); delta != evm.DefaultValidityPeriod+evm.ValidAfterSkew {
		t.Errorf("Expected window of %d seconds, got %d", evm.DefaultValidityPeriod+evm.ValidAfterSkew, delta)
	}
	if skew := before - validAfter.Int64(); skew < evm.ValidAfterSkew-2 || skew > evm.ValidAfterSkew+2 {
		t.Errorf("Expected validAfter about %d seconds in the past, got %d", evm.ValidAfterSkew, skew)
	}

	// The signature must verify under the default USDC domain on Base
	domain := evm.TypedDataDomain{
		Name:              evm.DefaultAssetName,
		Version:           evm.DefaultAssetVersion,
		ChainID:           evm.ChainIDBase,
		VerifyingContract: testAsset,
	}
	if recovered := recoverEnvelopeSigner(t, envelope, domain); recovered != signer.Address() {
		t.Errorf("Expected recovered signer %s, got %s", signer.Address(), recovered)
	}
}

func TestSignPaymentUniqueness(t *testing.T) {
	signer := newTestSigner(t)

	first, err := SignPayment(context.Background(), newTestRequirement(), nil, signer)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := SignPayment(context.Background(), newTestRequirement(), nil, signer)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if first.Payload.Authorization.Nonce == second.Payload.Authorization.Nonce {
		t.Error("Expected each envelope to carry a fresh nonce")
	}
	if first.Payload.Signature == second.Payload.Signature {
		t.Error("Expected each envelope to carry a fresh signature")
	}
	nonceBytes, err := evm.HexToBytes(first.Payload.Authorization.Nonce)
	if err != nil {
		t.Fatalf("Nonce is not valid hex: %v", err)
	}
	if len(nonceBytes) != 32 {
		t.Errorf("Expected 32-byte nonce, got %d", len(nonceBytes))
	}
}

func TestSignAuthorizationRejectsMalformedFields(t *testing.T) {
	signer := newTestSigner(t)

	base := Authorization{
		From:        signer.Address(),
		To:          testPayTo,
		Value:       "10000",
		ValidAfter:  "1700000000",
		ValidBefore: "1700003660",
		Nonce:       "0x" + strings.Repeat("ab", 32),
	}

	tests := []struct {
		name   string
		mutate func(a *Authorization)
	}{
		{"non-numeric value", func(a *Authorization) { a.Value = "ten thousand" }},
		{"empty validAfter", func(a *Authorization) { a.ValidAfter = "" }},
		{"hex validBefore", func(a *Authorization) { a.ValidBefore = "0x10" }},
		{"bad nonce hex", func(a *Authorization) { a.Nonce = "0xzz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := base
			tt.mutate(&auth)
			_, err := signAuthorization(context.Background(), signer, auth, evm.ChainIDBase, testAsset, evm.DefaultAssetName, evm.DefaultAssetVersion)
			if err == nil {
				t.Fatal("Expected an error for a malformed authorization")
			}
		})
	}
}

func TestSignPaymentAmountFields(t *testing.T) {
	signer := newTestSigner(t)

	// v1 field alone is honored
	req := newTestRequirement()
	req.Amount = ""
	req.MaxAmountRequired = "25000"
	envelope, err := SignPayment(context.Background(), req, nil, signer)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if envelope.Payload.Authorization.Value != "25000" {
		t.Errorf("Expected value 25000, got %s", envelope.Payload.Authorization.Value)
	}

	// v2 field wins when both are present
	req = newTestRequirement()
	req.Amount = "10000"
	req.MaxAmountRequired = "99999"
	envelope, err = SignPayment(context.Background(), req, nil, signer)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if envelope.Payload.Authorization.Value != "10000" {
		t.Errorf("Expected value 10000, got %s", envelope.Payload.Authorization.Value)
	}
}

func TestSignPaymentTokenMetadata(t *testing.T) {
	signer := newTestSigner(t)

	req := newTestRequirement()
	req.Extra = map[string]interface{}{"name": "Test Token", "version": "1"}

	envelope, err := SignPayment(context.Background(), req, nil, signer)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// The signature must verify under the domain the terms declared
	domain := evm.TypedDataDomain{
		Name:              "Test Token",
		Version:           "1",
		ChainID:           evm.ChainIDBase,
		VerifyingContract: testAsset,
	}
	if recovered := recoverEnvelopeSigner(t, envelope, domain); recovered != signer.Address() {
		t.Errorf("Expected recovered signer %s, got %s", signer.Address(), recovered)
	}
}

func TestSignPaymentErrors(t *testing.T) {
	signer := newTestSigner(t)

	// No signer
	_, err := SignPayment(context.Background(), newTestRequirement(), nil, nil)
	recErr, ok := err.(*RecoveryError)
	if !ok {
		t.Fatalf("Expected *RecoveryError, got %T", err)
	}
	if recErr.Code != ErrCodeNoSigningKey {
		t.Errorf("Expected %s, got %s", ErrCodeNoSigningKey, recErr.Code)
	}

	// No amount
	req := newTestRequirement()
	req.Amount = ""
	req.MaxAmountRequired = ""
	_, err = SignPayment(context.Background(), req, nil, signer)
	recErr, ok = err.(*RecoveryError)
	if !ok {
		t.Fatalf("Expected *RecoveryError, got %T", err)
	}
	if recErr.Code != ErrCodeExtractionFailed {
		t.Errorf("Expected %s, got %s", ErrCodeExtractionFailed, recErr.Code)
	}

	// Unknown network
	req = newTestRequirement()
	req.Network = "solana"
	_, err = SignPayment(context.Background(), req, nil, signer)
	recErr, ok = err.(*RecoveryError)
	if !ok {
		t.Fatalf("Expected *RecoveryError, got %T", err)
	}
	if recErr.Code != ErrCodeExtractionFailed {
		t.Errorf("Expected %s, got %s", ErrCodeExtractionFailed, recErr.Code)
	}
}
