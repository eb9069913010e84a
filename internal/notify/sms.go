package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"cagewatch/internal/config"
)

const defaultSMSTimeout = 10 * time.Second

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// AfricasTalking sends SMS through the Africa's Talking bulk messaging API.
type AfricasTalking struct {
	URL      string
	Username string
	APIKey   string
	Sender   string
	Client   *http.Client
}

func NewAfricasTalking(cfg config.SMSConfig) *AfricasTalking {
	return &AfricasTalking{
		URL:      cfg.URL,
		Username: cfg.Username,
		APIKey:   cfg.APIKey,
		Sender:   cfg.Sender,
		Client:   &http.Client{Timeout: defaultSMSTimeout},
	}
}

type atRecipient struct {
	StatusCode int    `json:"statusCode"`
	Number     string `json:"number"`
	Status     string `json:"status"`
	Cost       string `json:"cost"`
	MessageID  string `json:"messageId"`
}

type atResponse struct {
	SMSMessageData struct {
		Message    string        `json:"Message"`
		Recipients []atRecipient `json:"Recipients"`
	} `json:"SMSMessageData"`
}

func (a *AfricasTalking) Send(ctx context.Context, phones []string, message string) error {
	var to []string
	for _, p := range phones {
		p = strings.ReplaceAll(strings.TrimSpace(p), " ", "")
		if !phonePattern.MatchString(p) {
			return fmt.Errorf("%w: phone %q", ErrInvalidRecipient, p)
		}
		to = append(to, p)
	}
	if len(to) == 0 {
		return fmt.Errorf("%w: no phone numbers", ErrInvalidRecipient)
	}
	form := url.Values{}
	form.Set("username", a.Username)
	form.Set("to", strings.Join(to, ","))
	form.Set("message", message)
	if a.Sender != "" {
		form.Set("from", a.Sender)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", a.APIKey)
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: defaultSMSTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	switch {
	case res.StatusCode >= 500:
		return fmt.Errorf("sms gateway status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	case res.StatusCode >= 300:
		return fmt.Errorf("%w: sms gateway status %d: %s", ErrRejected, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed atResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode sms gateway response: %w", err)
	}
	if len(parsed.SMSMessageData.Recipients) == 0 {
		return fmt.Errorf("%w: %s", ErrRejected, parsed.SMSMessageData.Message)
	}
	for _, r := range parsed.SMSMessageData.Recipients {
		switch {
		case r.StatusCode >= 100 && r.StatusCode <= 102:
		case r.StatusCode == 403:
			return fmt.Errorf("%w: %s %s", ErrInvalidRecipient, r.Number, r.Status)
		case r.StatusCode >= 400 && r.StatusCode < 500:
			return fmt.Errorf("%w: %s %s", ErrRejected, r.Number, r.Status)
		default:
			return fmt.Errorf("sms to %s failed: %s (%d)", r.Number, r.Status, r.StatusCode)
		}
	}
	return nil
}
