package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/akinyi-dev/backend-gems/internal/resilience"
)

const (
	darajaTimestampLayout = "20060102150405"

	// The provider reports an in-flight charge on the query endpoint with this
	// error code rather than a result payload.
	darajaProcessingCode = "500.001.1001"
)

// eat is the provider's local zone used for callback transaction timestamps.
var eat = time.FixedZone("EAT", 3*60*60)

// Daraja is the M-Pesa STK push adapter. It signs each request with a
// timestamped password derived from the shortcode and passkey and exchanges
// consumer credentials for short-lived OAuth tokens on demand.
type Daraja struct {
	BaseURL     string
	ShortCode   string
	Passkey     string
	CallbackURL string
	HTTP        *resilience.HTTPClient
	Tokens      TokenSource
	Now         func() time.Time
}

// NewDaraja wires the adapter with a cached token source backed by the
// provider's client-credentials endpoint.
func NewDaraja(baseURL, consumerKey, consumerSecret, shortCode, passkey, callbackURL string, httpClient *resilience.HTTPClient, tokenMargin time.Duration) *Daraja {
	d := &Daraja{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		ShortCode:   shortCode,
		Passkey:     passkey,
		CallbackURL: callbackURL,
		HTTP:        httpClient,
	}
	d.Tokens = &CachedTokenSource{
		Margin: tokenMargin,
		Fetch: func(ctx context.Context) (string, time.Duration, error) {
			return d.fetchToken(ctx, consumerKey, consumerSecret)
		},
	}
	return d
}

// Name identifies the adapter in the provider registry.
func (d *Daraja) Name() string { return "mpesa" }

func (d *Daraja) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// password builds the request credential: base64(shortcode + passkey + ts).
func (d *Daraja) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(d.ShortCode + d.Passkey + ts))
}

func (d *Daraja) fetchToken(ctx context.Context, key, secret string) (string, time.Duration, error) {
	url := d.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(key, secret)

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return "", 0, &ProviderError{Provider: d.Name(), Op: "token", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, &ProviderError{
			Provider: d.Name(), Op: "token",
			Message: fmt.Sprintf("token endpoint returned %d", resp.StatusCode),
		}
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, &ProviderError{Provider: d.Name(), Op: "token", Err: err}
	}
	if body.AccessToken == "" {
		return "", 0, &ProviderError{Provider: d.Name(), Op: "token", Message: "empty access token"}
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(body.ExpiresIn))
	if err != nil || seconds <= 0 {
		seconds = 3600
	}
	return body.AccessToken, time.Duration(seconds) * time.Second, nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Charge initiates an STK push. The provider prompts the payer's handset for a
// PIN confirmation; the synchronous response only acknowledges acceptance.
func (d *Daraja) Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error) {
	var zero ChargeResponse
	phone, err := NormalizeMSISDN(req.Phone)
	if err != nil {
		return zero, err
	}
	token, err := d.Tokens.Token(ctx)
	if err != nil {
		return zero, err
	}

	ts := d.now().Format(darajaTimestampLayout)
	payload := stkPushRequest{
		BusinessShortCode: d.ShortCode,
		Password:          d.password(ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		// amount must be whole currency units, the provider rejects decimals
		Amount:           strconv.FormatInt(req.Amount, 10),
		PartyA:           phone,
		PartyB:           d.ShortCode,
		PhoneNumber:      phone,
		CallBackURL:      d.CallbackURL,
		AccountReference: req.Reference,
		TransactionDesc:  req.Description,
	}

	var resp stkPushResponse
	if err := d.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &resp, "charge"); err != nil {
		return zero, err
	}
	if resp.ResponseCode != "0" {
		return zero, &ProviderError{
			Provider: d.Name(), Op: "charge",
			Code:    resp.ResponseCode,
			Message: resp.ResponseDescription,
		}
	}
	return ChargeResponse{
		MerchantRequestID:   resp.MerchantRequestID,
		CheckoutRequestID:   resp.CheckoutRequestID,
		ConfirmationMessage: resp.CustomerMessage,
	}, nil
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type darajaErrorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// QueryStatus polls the provider for the outcome of a previously pushed
// charge. While the payer has not yet confirmed, the provider answers with a
// processing error code, which is surfaced as a pending result rather than an
// error so the reconciliation loop can keep polling.
func (d *Daraja) QueryStatus(ctx context.Context, checkoutRequestID string) (StatusResult, error) {
	var zero StatusResult
	token, err := d.Tokens.Token(ctx)
	if err != nil {
		return zero, err
	}
	ts := d.now().Format(darajaTimestampLayout)
	payload := map[string]string{
		"BusinessShortCode": d.ShortCode,
		"Password":          d.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	raw, status, err := d.postRaw(ctx, "/mpesa/stkpushquery/v1/query", token, payload)
	if err != nil {
		return zero, &ProviderError{Provider: d.Name(), Op: "query", Err: err}
	}
	if status != http.StatusOK {
		var errBody darajaErrorBody
		if jsonErr := json.Unmarshal(raw, &errBody); jsonErr == nil && errBody.ErrorCode == darajaProcessingCode {
			return StatusResult{Pending: true, Description: errBody.ErrorMessage}, nil
		}
		return zero, &ProviderError{
			Provider: d.Name(), Op: "query",
			Message: fmt.Sprintf("query endpoint returned %d", status),
		}
	}
	var resp stkQueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return zero, &ProviderError{Provider: d.Name(), Op: "query", Err: err}
	}
	return StatusResult{
		ResultCode:  resp.ResultCode,
		Description: resp.ResultDesc,
	}, nil
}

type stkCallbackBody struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes a provider-pushed result notification. Malformed
// bodies fail closed with ErrMalformedCallback. A success result without the
// documented metadata items returns the parsed result together with
// ErrMissingCallbackMetadata so the caller can flag the anomaly while still
// resolving the payment.
func (d *Daraja) ParseCallback(body []byte) (CallbackResult, error) {
	var zero CallbackResult
	var decoded stkCallbackBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb := decoded.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" {
		return zero, ErrMalformedCallback
	}

	result := CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		Description:       cb.ResultDesc,
	}
	if cb.ResultCode != 0 {
		return result, nil
	}
	if cb.CallbackMetadata == nil || len(cb.CallbackMetadata.Item) == 0 {
		return result, ErrMissingCallbackMetadata
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if v, ok := item.Value.(float64); ok {
				result.Amount = int64(v)
			}
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				result.Receipt = v
			}
		case "PhoneNumber":
			switch v := item.Value.(type) {
			case float64:
				result.Phone = strconv.FormatInt(int64(v), 10)
			case string:
				result.Phone = v
			}
		case "TransactionDate":
			if v, ok := item.Value.(float64); ok {
				if t, err := time.ParseInLocation(darajaTimestampLayout, strconv.FormatInt(int64(v), 10), eat); err == nil {
					result.TransactionTime = t
				}
			}
		}
	}
	if result.Receipt == "" {
		return result, ErrMissingCallbackMetadata
	}
	return result, nil
}

func (d *Daraja) postJSON(ctx context.Context, path, token string, payload, out any, op string) error {
	raw, status, err := d.postRaw(ctx, path, token, payload)
	if err != nil {
		return &ProviderError{Provider: d.Name(), Op: op, Err: err}
	}
	if status != http.StatusOK {
		var errBody darajaErrorBody
		if jsonErr := json.Unmarshal(raw, &errBody); jsonErr == nil && errBody.ErrorMessage != "" {
			return &ProviderError{Provider: d.Name(), Op: op, Code: errBody.ErrorCode, Message: errBody.ErrorMessage}
		}
		return &ProviderError{Provider: d.Name(), Op: op, Message: fmt.Sprintf("endpoint returned %d", status)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProviderError{Provider: d.Name(), Op: op, Err: err}
	}
	return nil
}

func (d *Daraja) postRaw(ctx context.Context, path, token string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return raw, resp.StatusCode, nil
}
