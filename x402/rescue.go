// Package x402 recovers metered Halo API calls that fail with HTTP 402
// Payment Required. A wrapped client classifies such failures, extracts the
// canonical payment terms the service will accept, signs a time-bounded
// EIP-3009 payment authorization, and retries the call exactly once with the
// signed proof attached. Deployments without a signing key can instead route
// the decision through a judge model; that path reports the outcome but
// never signs anything.
package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	halo "github.com/AGIHALO/halo-go-sdk"
	"github.com/AGIHALO/halo-go-sdk/signers/evm"
)

const retryTimeout = 120 * time.Second

// Rescuer decorates a generative client with payment recovery. It is safe
// for concurrent use.
type Rescuer struct {
	inner      halo.GenerativeAPI
	baseURL    string
	apiKey     string
	signer     evm.TypedDataSigner
	judge      Advisor
	httpClient *http.Client
	logger     *zap.Logger
}

var _ halo.GenerativeAPI = (*Rescuer)(nil)

// Option configures a Rescuer.
type Option func(*Rescuer)

// WithLogger sets the logger for recovery pipeline events.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Rescuer) {
		r.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for paid retries.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Rescuer) {
		r.httpClient = hc
	}
}

// WithSigner sets the payment signer directly, replacing the one derived
// from the configured signing key.
func WithSigner(signer evm.TypedDataSigner) Option {
	return func(r *Rescuer) {
		r.signer = signer
	}
}

// WithJudge sets the advisor consulted on the keyless path.
func WithJudge(judge Advisor) Option {
	return func(r *Rescuer) {
		r.judge = judge
	}
}

// Wrap decorates an existing generative client with payment recovery. When
// the configuration carries a signing key, recovered payments are signed and
// retried immediately; without one, the judge is consulted and the outcome
// reported as an error, but nothing is ever signed.
func Wrap(inner halo.GenerativeAPI, cfg halo.Config, opts ...Option) (*Rescuer, error) {
	if inner == nil {
		return nil, fmt.Errorf("x402: inner client is required")
	}
	cfg = cfg.WithDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("x402: api key is required (set Config.APIKey or %s)", halo.EnvAPIKey)
	}

	r := &Rescuer{
		inner:      inner,
		baseURL:    cfg.HaloURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: retryTimeout},
		logger:     zap.NewNop(),
	}

	if cfg.SigningKey != "" {
		signer, err := evm.NewClientSignerFromPrivateKeyWithRPC(cfg.SigningKey, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("x402: invalid signing key: %w", err)
		}
		r.signer = signer
	}

	for _, opt := range opts {
		opt(r)
	}

	// The judge only ever serves the keyless path
	if r.signer == nil && r.judge == nil {
		r.judge = NewJudge(cfg, WithJudgeLogger(r.logger))
	}

	return r, nil
}

// New builds a plain Halo client and wraps it with payment recovery in one
// step.
func New(cfg halo.Config, opts ...Option) (*Rescuer, error) {
	inner, err := halo.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return Wrap(inner, cfg, opts...)
}

// GenerateContent forwards to the wrapped client and recovers a payment
// required failure. Any other failure passes through untouched.
func (r *Rescuer) GenerateContent(ctx context.Context, model string, genReq *halo.GenerateContentRequest) (*halo.GenerateContentResponse, error) {
	resp, err := r.inner.GenerateContent(ctx, model, genReq)
	if err == nil {
		return resp, nil
	}
	if !IsPaymentRequired(err) {
		return nil, err
	}
	return r.rescue(ctx, model, genReq, err)
}

// GenerateText wraps a plain prompt in a single-message request and calls
// GenerateContent.
func (r *Rescuer) GenerateText(ctx context.Context, model, prompt string) (*halo.GenerateContentResponse, error) {
	return r.GenerateContent(ctx, model, halo.NewTextRequest(prompt))
}

// rescue runs the recovery pipeline for a call that failed payment required.
func (r *Rescuer) rescue(ctx context.Context, model string, genReq *halo.GenerateContentRequest, cause error) (*halo.GenerateContentResponse, error) {
	if model == "" {
		model = halo.DefaultModel
	}
	logger := r.logger.With(zap.String("rescue_id", newRescueID()), zap.String("model", model))
	logger.Info("payment required, attempting recovery", zap.Error(cause))

	requirement, resource, err := ExtractPaymentRequired(cause)
	if err != nil {
		logger.Warn("payment terms extraction failed", zap.Error(err))
		return nil, err
	}

	logger.Info("payment terms extracted",
		zap.String("pay_to", requirement.PayTo),
		zap.String("asset", requirement.Asset),
		zap.String("amount", requirement.AmountString()),
		zap.String("network", requirement.Network),
	)

	if r.signer == nil {
		return nil, r.consult(ctx, logger, requirement, resource)
	}

	envelope, err := SignPayment(ctx, requirement, resource, r.signer)
	if err != nil {
		logger.Warn("payment signing failed", zap.Error(err))
		return nil, err
	}
	logger.Info("payment authorization signed",
		zap.String("from", envelope.Payload.Authorization.From),
		zap.String("valid_before", envelope.Payload.Authorization.ValidBefore),
	)

	resp, err := r.retryWithPayment(ctx, model, genReq, envelope)
	if err != nil {
		logger.Warn("paid retry failed", zap.Error(err))
		return nil, err
	}
	logger.Info("call recovered after payment")
	return resp, nil
}

// consult runs the keyless path: the judge decides and the outcome is
// reported, but no authorization is ever produced.
func (r *Rescuer) consult(ctx context.Context, logger *zap.Logger, requirement *PaymentRequirement, resource *ResourceInfo) error {
	if r.judge == nil {
		return NewRecoveryError(ErrCodeNoSigningKey, "payment required but no signing key is configured", nil)
	}

	// Terms without a resource consult with an empty description
	desc := ""
	if resource != nil {
		desc = resource.Description
		if desc == "" {
			desc = resource.URL
		}
	}
	amount := displayAmount(requirement)

	approved, err := r.judge.Consult(ctx, desc, amount)
	if err != nil {
		logger.Warn("judge consultation failed", zap.Error(err))
		return NewRecoveryError(ErrCodeTransportFailed, "payment consultation never completed", map[string]interface{}{
			"cause": err.Error(),
		})
	}
	if !approved {
		logger.Info("judge denied payment", zap.String("amount", amount))
		return NewRecoveryError(ErrCodeJudgeDenied, fmt.Sprintf("judge denied payment of %s", amount), nil)
	}

	logger.Info("judge approved payment", zap.String("amount", amount))
	return NewRecoveryError(ErrCodeNoSigningKey, "judge approved payment but no signing key is configured", map[string]interface{}{
		"payTo":  requirement.PayTo,
		"asset":  requirement.Asset,
		"amount": requirement.AmountString(),
	})
}

// retryWithPayment replays the failed call once with the signed envelope in
// the Payment-Signature header. There is exactly one attempt: a second 402
// here is a service-side refusal, not a new recovery opportunity.
func (r *Rescuer) retryWithPayment(ctx context.Context, model string, genReq *halo.GenerateContentRequest, envelope *PaymentEnvelope) (*halo.GenerateContentResponse, error) {
	payload, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retry request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(model), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderPaymentSignature, EncodePaymentSignatureHeader(*envelope))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, NewRecoveryError(ErrCodeTransportFailed, "paid retry never reached the service", map[string]interface{}{
			"cause": err.Error(),
		})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewRecoveryError(ErrCodeTransportFailed, "failed to read retry response", map[string]interface{}{
			"cause": err.Error(),
		})
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewRecoveryError(ErrCodeRetryFailed, fmt.Sprintf("service refused paid retry with status %d", resp.StatusCode), map[string]interface{}{
			"status": resp.StatusCode,
			"body":   string(body),
		})
	}

	var out halo.GenerateContentResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, NewRecoveryError(ErrCodeRetryFailed, "paid retry returned an unreadable response", map[string]interface{}{
			"cause": err.Error(),
			"body":  string(body),
		})
	}
	return &out, nil
}

// endpoint returns the generateContent URL for a model.
func (r *Rescuer) endpoint(model string) string {
	if model == "" {
		model = halo.DefaultModel
	}
	return fmt.Sprintf("%s/models/%s:generateContent?key=%s", r.baseURL, model, r.apiKey)
}

// newRescueID returns a correlation ID for one recovery attempt:
// "rescue_" plus a UUID v4 without hyphens.
func newRescueID() string {
	return "rescue_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// displayAmount renders the amount at the asset's decimals for human and
// judge consumption.
func displayAmount(req *PaymentRequirement) string {
	value, err := req.AmountValue()
	if err != nil {
		return req.AmountString()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(evm.DefaultAssetDecimals), nil)
	whole := new(big.Int).Div(value, scale)
	frac := new(big.Int).Mod(value, scale)
	return fmt.Sprintf("%s.%06d %s", whole.String(), frac.Int64(), req.TokenName())
}
