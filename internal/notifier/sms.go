package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"memorable/internal/model"
)

const twilioBaseURL = "https://api.twilio.com"

// SMS sends text messages through the Twilio Messages API.
type SMS struct {
	cfg      SMSConfig
	endpoint string
	client   *http.Client
}

func NewSMS(cfg SMSConfig, client *http.Client) (*SMS, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, errors.Wrap(ErrNotConfigured, "sms: account_sid, auth_token and from are required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = twilioBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &SMS{
		cfg:      cfg,
		endpoint: base + "/2010-04-01/Accounts/" + url.PathEscape(cfg.AccountSID) + "/Messages.json",
		client:   client,
	}, nil
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *SMS) Send(ctx context.Context, p model.Payload) error {
	form := url.Values{}
	form.Set("To", p.Recipient)
	form.Set("From", s.cfg.From)
	form.Set("Body", p.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "sms request")
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sms post")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 == 2 {
		return nil
	}
	var te twilioError
	if json.Unmarshal(raw, &te) == nil && te.Message != "" {
		return errors.Newf("sms: twilio %d (code %d): %s", resp.StatusCode, te.Code, te.Message)
	}
	return errors.Newf("sms: twilio status %d", resp.StatusCode)
}
