package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/example/transit-tracker/internal/faults"
	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/ratelimit"
	"github.com/example/transit-tracker/internal/store"
)

const (
	// MaxMessageLen is the single-SMS limit enforced before any send.
	MaxMessageLen = 160
	// reservedPrefix: the provider silently drops messages starting
	// with this, so we reject them up front.
	reservedPrefix = "TEST"
)

var phonePattern = regexp.MustCompile(`^639\d{9}$`)

// Recipient is one deliverable address from the user directory.
type Recipient struct {
	UID   string `json:"uid"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Phone string `json:"phone"`
	Route string `json:"route,omitempty"`
}

// DeliveryStatus is the gateway's per-recipient outcome.
type DeliveryStatus struct {
	Phone  string `json:"number"`
	Status string `json:"status"`
}

// SMSClient posts message batches to the SMS gateway.
type SMSClient struct {
	Endpoint   string
	APIKey     string
	SenderName string
	Client     *http.Client
	Limiter    *ratelimit.Limiter
}

func NewSMSClient(endpoint, apiKey, senderName string, limiter *ratelimit.Limiter) *SMSClient {
	return &SMSClient{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		SenderName: senderName,
		Client:     &http.Client{Timeout: 10 * time.Second},
		Limiter:    limiter,
	}
}

// SendBatch validates the message and every phone number, then posts the
// batch. Validation failures reject the whole batch before anything is
// sent; a throttled batch is rejected the same way.
func (s *SMSClient) SendBatch(ctx context.Context, phones []string, message string) ([]DeliveryStatus, error) {
	const op = "sms.SendBatch"

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, faults.New(faults.ValidationError, op, "message is empty")
	}
	if strings.HasPrefix(strings.ToUpper(message), reservedPrefix) {
		return nil, faults.New(faults.ValidationError, op, "message starts with provider-reserved prefix %q", reservedPrefix)
	}
	if len(message) > MaxMessageLen {
		return nil, faults.New(faults.ValidationError, op, "message exceeds %d characters (got %d)", MaxMessageLen, len(message))
	}
	if len(phones) == 0 {
		return nil, faults.New(faults.ValidationError, op, "no recipients")
	}

	formatted := make([]string, len(phones))
	for i, p := range phones {
		f := FormatPhone(p)
		if !ValidPhone(f) {
			return nil, faults.New(faults.ValidationError, op, "invalid phone number %q", p)
		}
		formatted[i] = f
	}

	if s.Limiter != nil && !s.Limiter.CanSend() {
		return nil, faults.New(faults.ValidationError, op, "rate limit reached, retry in %s", s.Limiter.ResetIn())
	}

	payload := map[string]any{
		"apikey":     s.APIKey,
		"number":     strings.Join(formatted, ","),
		"message":    message,
		"sendername": s.SenderName,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, faults.New(faults.WriteFailed, op, "gateway returned %s", resp.Status)
	}

	var statuses []DeliveryStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	if s.Limiter != nil {
		s.Limiter.RecordSend()
	}
	return statuses, nil
}

// FormatPhone normalizes a Philippine mobile number to 639XXXXXXXXX.
func FormatPhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	switch {
	case strings.HasPrefix(cleaned, "639"):
		return cleaned
	case strings.HasPrefix(cleaned, "09"):
		return "63" + cleaned[1:]
	case strings.HasPrefix(cleaned, "9") && len(cleaned) == 10:
		return "63" + cleaned
	default:
		return cleaned
	}
}

// ValidPhone reports whether phone is a normalized PH mobile number.
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}

// Recipients assembles the deliverable directory from driver and
// passenger profiles, drivers first, then by name.
func Recipients(ctx context.Context, st store.Store) ([]Recipient, error) {
	var out []Recipient

	drivers, err := st.List(ctx, "drivers")
	if err != nil {
		return nil, err
	}
	for uid, raw := range drivers {
		var p models.DriverProfile
		if err := json.Unmarshal(raw, &p); err != nil || p.Phone == "" {
			continue
		}
		out = append(out, Recipient{
			UID:   uid,
			Name:  displayName(p.Name, p.Email, uid),
			Role:  string(models.RoleDriver),
			Phone: FormatPhone(p.Phone),
			Route: p.Route,
		})
	}

	passengers, err := st.List(ctx, "passengers")
	if err != nil {
		return nil, err
	}
	for uid, raw := range passengers {
		var p models.PassengerProfile
		if err := json.Unmarshal(raw, &p); err != nil || p.Phone == "" {
			continue
		}
		out = append(out, Recipient{
			UID:   uid,
			Name:  displayName(p.Name, p.Email, uid),
			Role:  string(models.RolePassenger),
			Phone: FormatPhone(p.Phone),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role == string(models.RoleDriver)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func displayName(name, email, uid string) string {
	if name != "" {
		return name
	}
	if email != "" {
		return email
	}
	if len(uid) > 8 {
		return uid[:8]
	}
	return uid
}
