package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	halo "github.com/AGIHALO/halo-go-sdk"
)

// DefaultJudgeModel is the free model consulted for payment decisions.
const DefaultJudgeModel = "halo-4-mini"

// HeaderRescueMarker marks judge consultations so the service never meters
// them. A consultation can therefore never trigger payment recovery itself.
const HeaderRescueMarker = "X-Halo-Rescue"

// judgeErrorSentinel stands in for the model's answer when the consultation
// itself failed. It never contains "YES", so failures read as denials.
const judgeErrorSentinel = "ERROR"

const judgeTimeout = 30 * time.Second

// Advisor decides whether a payment should be authorized. resource describes
// what is being bought, amount its display price. An error means the
// consultation never completed, not that it was denied.
type Advisor interface {
	Consult(ctx context.Context, resource, amount string) (bool, error)
}

// Judge asks a free Halo model whether paying for a resource is reasonable.
// It is the default Advisor on the keyless path.
type Judge struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Advisor = (*Judge)(nil)

// JudgeOption configures a Judge.
type JudgeOption func(*Judge)

// WithJudgeModel overrides the model consulted for payment decisions.
func WithJudgeModel(model string) JudgeOption {
	return func(j *Judge) {
		j.model = model
	}
}

// WithJudgeHTTPClient sets a custom HTTP client for consultations.
func WithJudgeHTTPClient(hc *http.Client) JudgeOption {
	return func(j *Judge) {
		j.httpClient = hc
	}
}

// WithJudgeLogger sets the logger for consultation events.
func WithJudgeLogger(logger *zap.Logger) JudgeOption {
	return func(j *Judge) {
		j.logger = logger
	}
}

// NewJudge creates a judge from the shared configuration.
func NewJudge(cfg halo.Config, opts ...JudgeOption) *Judge {
	cfg = cfg.WithDefaults()
	j := &Judge{
		baseURL:    cfg.HaloURL,
		apiKey:     cfg.APIKey,
		model:      DefaultJudgeModel,
		httpClient: &http.Client{Timeout: judgeTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Consult asks the judge model whether the payment should proceed. The
// reply is upper-cased and trimmed; approval is any decision containing
// "YES". A reply the model never produced reads as the error sentinel and
// therefore as a denial. Only a consultation that never completed returns
// an error.
func (j *Judge) Consult(ctx context.Context, resource, amount string) (bool, error) {
	answer, err := j.ask(ctx, resource, amount)
	if err != nil {
		return false, err
	}
	decision := strings.ToUpper(strings.TrimSpace(answer))
	return strings.Contains(decision, "YES"), nil
}

// ask runs the consultation and returns the model's reply. A completed
// exchange without a usable reply yields the error sentinel; a transport
// failure is returned as an error.
func (j *Judge) ask(ctx context.Context, resource, amount string) (string, error) {
	prompt := fmt.Sprintf(
		"A metered API is asking to be paid before serving a request.\n\nResource: %s\nPrice: %s\n\nShould the client authorize this payment? Answer YES or NO.",
		resource, amount,
	)

	payload, err := json.Marshal(halo.NewTextRequest(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to marshal consultation: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", j.baseURL, j.model, j.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create consultation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRescueMarker, "true")

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("consultation never completed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read consultation reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		j.logger.Warn("judge consultation rejected", zap.Int("status", resp.StatusCode))
		return judgeErrorSentinel, nil
	}

	var out halo.GenerateContentResponse
	if err := json.Unmarshal(body, &out); err != nil {
		j.logger.Warn("judge reply unparseable", zap.Error(err))
		return judgeErrorSentinel, nil
	}
	if out.Text() == "" {
		j.logger.Warn("judge reply carried no decision")
		return judgeErrorSentinel, nil
	}
	return out.Text(), nil
}
