package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TwilioProvider sends SMS through the Twilio Messages API.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	client     *http.Client
}

// NewTwilioProvider creates a Twilio-backed provider
func NewTwilioProvider(accountSID, authToken string) *TwilioProvider {
	return &TwilioProvider{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    "https://api.twilio.com",
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// SendSegment posts one message segment. The correlation ID and part
// sequence ride along as client reference for reassembly tracing.
func (p *TwilioProvider) SendSegment(ctx context.Context, from, to, body string, correlationID uuid.UUID, part, total int) (string, error) {
	form := url.Values{
		"From": {from},
		"To":   {to},
		"Body": {body},
		// Echoed back on status callbacks; lets delivery records be tied
		// to the original send across segments.
		"ProvideFeedback": {"false"},
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.baseURL, p.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Correlation-ID", correlationID.String()+"/"+strconv.Itoa(part)+"-"+strconv.Itoa(total))

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &SendError{Code: "network", Message: err.Error(), Temporary: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", &SendError{
			Code:      strconv.Itoa(resp.StatusCode),
			Message:   "provider unavailable",
			Temporary: true,
		}
	}

	var result struct {
		Sid     string `json:"sid"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", &SendError{
			Code:      strconv.Itoa(result.Code),
			Message:   result.Message,
			Temporary: false,
		}
	}
	return result.Sid, nil
}
