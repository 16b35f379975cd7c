package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/AGIHALO/halo-go-sdk/signers/evm"
)

// ProtocolVersion is the x402 protocol version the recovery layer speaks.
const ProtocolVersion = 2

// Wire header names.
const (
	// HeaderPaymentRequired carries base64 encoded payment terms on a 402
	// response.
	HeaderPaymentRequired = "Payment-Required"

	// HeaderPaymentSignature carries the base64 encoded signed payment
	// envelope when the failed call is retried.
	HeaderPaymentSignature = "Payment-Signature"
)

// SchemeExact is the only payment scheme the recovery layer signs.
const SchemeExact = "exact"

// DefaultNetwork is assumed when extracted payment terms omit the network.
const DefaultNetwork = "base"

// PaymentRequirement is one acceptable way to pay for a metered resource.
// The dual amount fields mirror the two protocol generations in the wild:
// v2 publishes amount, v1 published maxAmountRequired.
type PaymentRequirement struct {
	Scheme            string                 `json:"scheme,omitempty"`
	Network           string                 `json:"network,omitempty"`
	Asset             string                 `json:"asset,omitempty"`
	PayTo             string                 `json:"payTo,omitempty"`
	Amount            string                 `json:"amount,omitempty"`
	MaxAmountRequired string                 `json:"maxAmountRequired,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// AmountString returns the amount in the smallest asset unit, preferring the
// v2 field over the v1 one.
func (r *PaymentRequirement) AmountString() string {
	if r.Amount != "" {
		return r.Amount
	}
	return r.MaxAmountRequired
}

// AmountValue parses the amount as a base-10 integer in the smallest asset
// unit.
func (r *PaymentRequirement) AmountValue() (*big.Int, error) {
	raw := r.AmountString()
	if raw == "" {
		return nil, fmt.Errorf("payment requirement has no amount")
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", raw)
	}
	return value, nil
}

// TokenName returns the EIP-712 domain name of the asset. Terms that don't
// carry their own metadata fall back to the USDC defaults.
func (r *PaymentRequirement) TokenName() string {
	if r.Extra != nil {
		if name, ok := r.Extra["name"].(string); ok && name != "" {
			return name
		}
	}
	return evm.DefaultAssetName
}

// TokenVersion returns the EIP-712 domain version of the asset.
func (r *PaymentRequirement) TokenVersion() string {
	if r.Extra != nil {
		if version, ok := r.Extra["version"].(string); ok && version != "" {
			return version
		}
	}
	return evm.DefaultAssetVersion
}

// ResourceInfo describes the resource a payment covers.
type ResourceInfo struct {
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequired is the machine readable form of a 402 failure: the terms
// a service will accept plus the resource they cover.
type PaymentRequired struct {
	X402Version int                  `json:"x402Version,omitempty"`
	Error       string               `json:"error,omitempty"`
	Resource    *ResourceInfo        `json:"resource,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// Authorization is an EIP-3009 TransferWithAuthorization message with every
// numeric field kept as a decimal string, exactly as it ships on the wire.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SignedPayload pairs an authorization with its EIP-712 signature.
type SignedPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentEnvelope is the retry proof: the accepted terms and the signed
// authorization, shipped base64 encoded in the Payment-Signature header.
type PaymentEnvelope struct {
	X402Version int                `json:"x402Version"`
	Accepted    PaymentRequirement `json:"accepted"`
	Payload     SignedPayload      `json:"payload"`
	Resource    *ResourceInfo      `json:"resource,omitempty"`
}

// EncodePaymentSignatureHeader encodes a payment envelope for the
// Payment-Signature header.
func EncodePaymentSignatureHeader(envelope PaymentEnvelope) string {
	data, err := json.Marshal(envelope)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal payment envelope: %v", err))
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePaymentSignatureHeader decodes a base64 payment signature header.
func DecodePaymentSignatureHeader(header string) (PaymentEnvelope, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return PaymentEnvelope{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	var envelope PaymentEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return PaymentEnvelope{}, fmt.Errorf("invalid payment envelope JSON: %w", err)
	}
	return envelope, nil
}

// EncodePaymentRequiredHeader encodes payment terms for the Payment-Required
// header.
func EncodePaymentRequiredHeader(required PaymentRequired) string {
	data, err := json.Marshal(required)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal payment required: %v", err))
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePaymentRequiredHeader decodes a base64 payment required header.
func DecodePaymentRequiredHeader(header string) (PaymentRequired, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return PaymentRequired{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	var required PaymentRequired
	if err := json.Unmarshal(data, &required); err != nil {
		return PaymentRequired{}, fmt.Errorf("invalid payment required JSON: %w", err)
	}
	return required, nil
}
