package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// TwilioDispatcher delivers over the Twilio REST API. Each request carries a
// timeout via the HTTP client, and a transient failure is retried a bounded
// number of times before being surfaced.
type TwilioDispatcher struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string // override in tests; defaults to the Twilio API
	httpClient *http.Client
}

const (
	twilioAPIBase   = "https://api.twilio.com"
	deliveryRetries = 3
	deliveryBackoff = 2 * time.Second
	deliveryTimeout = 15 * time.Second
)

func NewTwilioDispatcher(accountSID, authToken, fromNumber string) *TwilioDispatcher {
	return &TwilioDispatcher{
		AccountSID: accountSID,
		AuthToken:  authToken,
		FromNumber: fromNumber,
		BaseURL:    twilioAPIBase,
		httpClient: &http.Client{Timeout: deliveryTimeout},
	}
}

func (d *TwilioDispatcher) Deliver(ctx context.Context, channel, address string, p Payload) (string, error) {
	switch channel {
	case ChannelSMS:
		return d.post(ctx, "Messages", url.Values{
			"To":   {address},
			"From": {d.FromNumber},
			"Body": {p.Body},
		})
	case ChannelVoice:
		return d.post(ctx, "Calls", url.Values{
			"To":    {address},
			"From":  {d.FromNumber},
			"Twiml": {VoiceTwiML(p.Script, p.GatherURL)},
		})
	default:
		return "", fmt.Errorf("unknown delivery channel %q", channel)
	}
}

func (d *TwilioDispatcher) post(ctx context.Context, resource string, form url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/%s.json", d.BaseURL, d.AccountSID, resource)

	var lastErr error
	for attempt := 1; attempt <= deliveryRetries; attempt++ {
		ref, err := d.postOnce(ctx, endpoint, form)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if attempt < deliveryRetries {
			select {
			case <-time.After(time.Duration(attempt) * deliveryBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

func (d *TwilioDispatcher) postOnce(ctx context.Context, endpoint string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(d.AccountSID, d.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("twilio returned status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("twilio returned invalid JSON: %w", err)
	}
	return out.SID, nil
}

// ValidateSignature checks the X-Twilio-Signature header on an inbound
// webhook: HMAC-SHA1 over the full URL plus the sorted POST params,
// base64-encoded, compared in constant time.
func ValidateSignature(authToken, signature, fullURL string, params url.Values) bool {
	if authToken == "" || signature == "" || fullURL == "" {
		return false
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	computed := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(computed), []byte(signature)) == 1
}

// FormatE164 normalizes a phone number to E.164, assuming US numbers for
// 10-digit input.
func FormatE164(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) == 10 {
		return "+1" + d
	}
	return "+" + d
}
