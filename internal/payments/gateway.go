package payments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/config"
	apperrors "github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/errors"
)

// PushResult is the gateway's acknowledgement of an initiated transfer.
// Instant marks gateways that settle synchronously with no callback coming.
type PushResult struct {
	CorrelationID string
	Instant       bool
}

// Gateway moves mobile money. Implementations are selected once at startup;
// settlement logic never branches on environment.
type Gateway interface {
	// InitiatePush asks the customer's phone to approve a collection.
	InitiatePush(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*PushResult, error)
	// InitiatePayout sends money out to the customer's phone.
	InitiatePayout(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*PushResult, error)
}

// DarajaGateway implements Gateway against the Safaricom Daraja API.
type DarajaGateway struct {
	cfg    config.PaymentsConfig
	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewDarajaGateway creates the production M-Pesa gateway.
func NewDarajaGateway(cfg config.PaymentsConfig) *DarajaGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DarajaGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// accessToken returns a cached OAuth token, refreshing when it is within a
// minute of expiry.
func (g *DarajaGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != "" && time.Now().Before(g.tokenExpiry.Add(-time.Minute)) {
		return g.token, nil
	}

	url := strings.TrimRight(g.cfg.DarajaBaseURL, "/") + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperrors.NewExternal("daraja", err)
	}
	req.SetBasicAuth(g.cfg.DarajaKey, g.cfg.DarajaSecret)
	resp, err := g.client.Do(req)
	if err != nil {
		return "", apperrors.NewExternal("daraja", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.NewExternal("daraja", fmt.Errorf("token request returned %d", resp.StatusCode))
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", apperrors.NewExternal("daraja", fmt.Errorf("failed to decode token response: %w", err))
	}
	g.token = body.AccessToken
	g.tokenExpiry = time.Now().Add(50 * time.Minute)
	return g.token, nil
}

func (g *DarajaGateway) post(ctx context.Context, path string, payload, out interface{}) error {
	token, err := g.accessToken(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewExternal("daraja", err)
	}
	url := strings.TrimRight(g.cfg.DarajaBaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(raw)))
	if err != nil {
		return apperrors.NewExternal("daraja", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return apperrors.NewExternal("daraja", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.NewExternal("daraja", fmt.Errorf("%s returned %d", path, resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.NewExternal("daraja", fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// InitiatePush starts an STK push. The returned CheckoutRequestID is the
// correlation id the asynchronous callback will carry.
func (g *DarajaGateway) InitiatePush(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*PushResult, error) {
	ts := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(g.cfg.DarajaShortcode + g.cfg.DarajaPasskey + ts))
	payload := map[string]interface{}{
		"BusinessShortCode": g.cfg.DarajaShortcode,
		"Password":          password,
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount.IntPart(),
		"PartyA":            phone,
		"PartyB":            g.cfg.DarajaShortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       g.cfg.CallbackURL,
		"AccountReference":  reference,
		"TransactionDesc":   "Wallet deposit",
	}
	var resp struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		ResponseDesc      string `json:"ResponseDescription"`
	}
	if err := g.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" {
		return nil, apperrors.NewExternal("daraja", fmt.Errorf("stk push refused: %s", resp.ResponseDesc))
	}
	return &PushResult{CorrelationID: resp.CheckoutRequestID}, nil
}

// InitiatePayout sends a B2C payment.
func (g *DarajaGateway) InitiatePayout(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*PushResult, error) {
	payload := map[string]interface{}{
		"OriginatorConversationID": reference,
		"CommandID":                "BusinessPayment",
		"Amount":                   amount.IntPart(),
		"PartyA":                   g.cfg.DarajaShortcode,
		"PartyB":                   phone,
		"Remarks":                  "Wallet withdrawal",
		"ResultURL":                g.cfg.CallbackURL,
		"QueueTimeOutURL":          g.cfg.CallbackURL,
	}
	var resp struct {
		ConversationID string `json:"ConversationID"`
		ResponseCode   string `json:"ResponseCode"`
		ResponseDesc   string `json:"ResponseDescription"`
	}
	if err := g.post(ctx, "/mpesa/b2c/v1/paymentrequest", payload, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" {
		return nil, apperrors.NewExternal("daraja", fmt.Errorf("payout refused: %s", resp.ResponseDesc))
	}
	return &PushResult{CorrelationID: resp.ConversationID}, nil
}

// SandboxGateway settles instantly without any external call. Config
// validation refuses this gateway in production.
type SandboxGateway struct{}

// NewSandboxGateway creates the instant-settlement gateway.
func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{}
}

func (g *SandboxGateway) InitiatePush(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*PushResult, error) {
	return &PushResult{CorrelationID: "sbx_" + uuid.New().String(), Instant: true}, nil
}

func (g *SandboxGateway) InitiatePayout(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*PushResult, error) {
	return &PushResult{CorrelationID: "sbx_" + uuid.New().String(), Instant: true}, nil
}
