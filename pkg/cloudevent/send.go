package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "sha256=" plus the hex HMAC-SHA256 of the body.
const SignatureHeader = "X-Signature-256"

// Sender posts events to callback URLs.
type Sender struct {
	client    *http.Client
	userAgent string
}

// NewSender returns a sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	return &Sender{
		client:    &http.Client{Timeout: timeout, Transport: transport},
		userAgent: "jobwatch",
	}
}

// SendOptions controls request signing.
type SendOptions struct {
	SigningKey string // empty sends the event unsigned
}

// Send posts event to url. Non-2xx responses return *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	if err := event.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cloudevents+json")
	req.Header.Set("User-Agent", s.userAgent)
	for name, value := range map[string]string{
		"Ce-Specversion": event.SpecVersion,
		"Ce-Type":        event.Type,
		"Ce-Source":      event.Source,
		"Ce-Id":          event.ID,
		"Ce-Time":        event.Time.Format(time.RFC3339Nano),
		"Ce-Subject":     event.Subject,
	} {
		if value != "" {
			req.Header.Set(name, value)
		}
	}
	if opts.SigningKey != "" {
		req.Header.Set(SignatureHeader, sign(body, opts.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(excerpt)),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
}

// Verify checks a SignatureHeader value against body in constant time.
func Verify(body []byte, key, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(body, key))
}

func sign(body []byte, key string) string {
	return "sha256=" + hex.EncodeToString(mac(body, key))
}

func mac(body []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(body)
	return h.Sum(nil)
}

// retryAfter parses a delay-seconds Retry-After value. HTTP dates are ignored.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// HTTPError is a non-2xx response from the destination.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsClientError reports whether the destination rejected the event for good.
// 408 and 429 are excluded since the destination may accept a later attempt.
func IsClientError(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	switch he.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}
