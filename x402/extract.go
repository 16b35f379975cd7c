package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	halo "github.com/AGIHALO/halo-go-sdk"
	"github.com/AGIHALO/halo-go-sdk/signers/evm"
)

// Optional interfaces a failed call's error may implement. The halo client's
// APIError implements the carriers; any foreign error type exposing the same
// signals gets the same treatment.
type headerCarrier interface {
	ResponseHeader() http.Header
}

type detailsCarrier interface {
	ErrorDetails() []interface{}
}

type statusCarrier interface {
	StatusCode() int
}

// paymentJSONPattern grabs the outermost JSON object embedded in an error
// message.
var paymentJSONPattern = regexp.MustCompile(`(?s)\{.*\}`)

// IsPaymentRequired reports whether a failed call is asking for payment.
// Services signal this in several shapes: a 402 HTTP status, a
// PAYMENT_REQUIRED status string, or a message that mentions 402 or payment
// required. Any one signal is enough.
func IsPaymentRequired(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *halo.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusPaymentRequired {
			return true
		}
		if strings.EqualFold(apiErr.Status, "PAYMENT_REQUIRED") {
			return true
		}
	}

	var sc statusCarrier
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusPaymentRequired {
		return true
	}

	msg := err.Error()
	if strings.Contains(msg, "402") {
		return true
	}
	return strings.Contains(strings.ToLower(msg), "payment required")
}

// ExtractPaymentRequired recovers canonical payment terms from a failure
// already classified as payment required. Three sources are tried in order:
// the Payment-Required response header, the structured details of the error
// body, and finally a JSON object embedded in the error message. The first
// source that yields terms wins; the winning terms must then pass the
// requirement schema before anything is signed.
func ExtractPaymentRequired(err error) (*PaymentRequirement, *ResourceInfo, error) {
	if req, res := extractFromHeader(err); req != nil {
		return finishExtraction(req, res)
	}
	if req, res := extractFromDetails(err); req != nil {
		return finishExtraction(req, res)
	}
	if req, res := extractFromMessage(err); req != nil {
		return finishExtraction(req, res)
	}

	return nil, nil, NewRecoveryError(ErrCodeExtractionFailed, "no payment terms found in failed call", map[string]interface{}{
		"cause": err.Error(),
	})
}

func finishExtraction(req *PaymentRequirement, res *ResourceInfo) (*PaymentRequirement, *ResourceInfo, error) {
	normalizeRequirement(req)

	if _, ok := evm.ChainIDForNetwork(req.Network); !ok {
		return nil, nil, NewRecoveryError(ErrCodeExtractionFailed, fmt.Sprintf("unsupported payment network: %s", req.Network), nil)
	}
	if result := ValidateRequirement(req); !result.Valid {
		return nil, nil, NewRecoveryError(ErrCodeExtractionFailed, "extracted payment terms failed validation", map[string]interface{}{
			"errors": result.Errors,
		})
	}
	return req, res, nil
}

// normalizeRequirement fills protocol defaults on terms from services that
// omit them.
func normalizeRequirement(req *PaymentRequirement) {
	if req.Scheme == "" {
		req.Scheme = SchemeExact
	}
	if req.Network == "" {
		req.Network = DefaultNetwork
	}
}

func extractFromHeader(err error) (*PaymentRequirement, *ResourceInfo) {
	var hc headerCarrier
	if !errors.As(err, &hc) {
		return nil, nil
	}
	header := hc.ResponseHeader().Get(HeaderPaymentRequired)
	if header == "" {
		return nil, nil
	}

	raw, decodeErr := base64.StdEncoding.DecodeString(header)
	if decodeErr != nil {
		// Some services skip the base64 step and put raw JSON in the header
		raw = []byte(header)
	}

	// The payload follows the same shape rules as the other sources: a
	// terms document or a single bare requirement.
	var parsed map[string]interface{}
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr != nil {
		return nil, nil
	}
	return requirementFromValue(parsed)
}

func extractFromDetails(err error) (*PaymentRequirement, *ResourceInfo) {
	var dc detailsCarrier
	if !errors.As(err, &dc) {
		return nil, nil
	}
	for _, detail := range dc.ErrorDetails() {
		entry, ok := detail.(map[string]interface{})
		if !ok {
			continue
		}
		if req, res := requirementFromValue(entry); req != nil {
			return req, res
		}
	}
	return nil, nil
}

func extractFromMessage(err error) (*PaymentRequirement, *ResourceInfo) {
	match := paymentJSONPattern.FindString(err.Error())
	if match == "" {
		return nil, nil
	}

	var value map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(match), &value); jsonErr != nil {
		return nil, nil
	}
	return requirementFromValue(value)
}

// requirementFromValue interprets one JSON object as payment terms, either a
// full terms document with an accepts list or a single bare requirement. An
// object without a destination is not payment terms.
func requirementFromValue(value map[string]interface{}) (*PaymentRequirement, *ResourceInfo) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, nil
	}

	if _, ok := value["accepts"]; ok {
		var required PaymentRequired
		if err := json.Unmarshal(raw, &required); err == nil {
			if req := selectRequirement(required.Accepts); req != nil {
				return req, required.Resource
			}
		}
		return nil, nil
	}

	var req PaymentRequirement
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil
	}
	if req.PayTo == "" {
		return nil, nil
	}
	return &req, nil
}

// selectRequirement picks which accepted terms to act on. Terms this layer
// can sign, the exact scheme on a known network, win over anything else;
// ties go to the service's stated preference order.
func selectRequirement(accepts []PaymentRequirement) *PaymentRequirement {
	for i := range accepts {
		scheme := accepts[i].Scheme
		if scheme == "" {
			scheme = SchemeExact
		}
		network := accepts[i].Network
		if network == "" {
			network = DefaultNetwork
		}
		if scheme != SchemeExact {
			continue
		}
		if _, ok := evm.ChainIDForNetwork(network); !ok {
			continue
		}
		req := accepts[i]
		return &req
	}

	if len(accepts) > 0 {
		req := accepts[0]
		return &req
	}
	return nil
}
