package x402

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/AGIHALO/halo-go-sdk/signers/evm"
)

// SignPayment turns accepted payment terms into a signed envelope ready for
// the Payment-Signature header. The authorization's validity window opens
// slightly in the past and closes one validity period from now; its nonce is
// fresh randomness, so no two envelopes are ever identical.
func SignPayment(ctx context.Context, req *PaymentRequirement, resource *ResourceInfo, signer evm.TypedDataSigner) (*PaymentEnvelope, error) {
	if signer == nil {
		return nil, NewRecoveryError(ErrCodeNoSigningKey, "payment required but no signing key is configured", nil)
	}

	network := req.Network
	if network == "" {
		network = DefaultNetwork
	}
	chainID, ok := evm.ChainIDForNetwork(network)
	if !ok {
		return nil, NewRecoveryError(ErrCodeExtractionFailed, fmt.Sprintf("unsupported payment network: %s", network), nil)
	}

	value, err := req.AmountValue()
	if err != nil {
		return nil, NewRecoveryError(ErrCodeExtractionFailed, err.Error(), nil)
	}

	nonce, err := evm.CreateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce: %w", err)
	}
	validAfter, validBefore := evm.CreateValidityWindow(time.Now())

	authorization := Authorization{
		From:        signer.Address(),
		To:          req.PayTo,
		Value:       value.String(),
		ValidAfter:  validAfter.String(),
		ValidBefore: validBefore.String(),
		Nonce:       nonce,
	}

	signature, err := signAuthorization(ctx, signer, authorization, chainID, req.Asset, req.TokenName(), req.TokenVersion())
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	accepted := *req
	accepted.Scheme = SchemeExact
	accepted.Network = network

	return &PaymentEnvelope{
		X402Version: ProtocolVersion,
		Accepted:    accepted,
		Payload: SignedPayload{
			Signature:     evm.BytesToHex(signature),
			Authorization: authorization,
		},
		Resource: resource,
	}, nil
}

// signAuthorization signs the EIP-3009 authorization using EIP-712.
func signAuthorization(
	ctx context.Context,
	signer evm.TypedDataSigner,
	authorization Authorization,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) ([]byte, error) {
	domain := evm.TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}

	value, ok := new(big.Int).SetString(authorization.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", authorization.Value)
	}
	validAfter, ok := new(big.Int).SetString(authorization.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", authorization.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(authorization.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", authorization.ValidBefore)
	}
	nonceBytes, err := evm.HexToBytes(authorization.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	message := map[string]interface{}{
		"from":        authorization.From,
		"to":          authorization.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}

	return signer.SignTypedData(ctx, domain, evm.TransferWithAuthorizationTypes, "TransferWithAuthorization", message)
}
