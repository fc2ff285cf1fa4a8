// Package notify pushes incident alerts to Telegram. It is a second
// consumer of the deduplicator's events next to the WebSocket hub,
// throttled per camera so a flapping detector cannot flood a chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sitewatch/internal/dedup"
	"sitewatch/internal/logging"
	"sitewatch/internal/pipeline"
)

const defaultAPIBase = "https://api.telegram.org"

// Config holds Telegram notifier configuration.
type Config struct {
	Enabled  bool   `koanf:"enabled"`
	BotToken string `koanf:"bot_token"`
	ChatID   string `koanf:"chat_id"`

	// MinSeverity is the lowest severity worth an alert.
	MinSeverity pipeline.Severity `koanf:"min_severity"`

	// Cooldown throttles alerts per (camera, type) pair.
	Cooldown time.Duration `koanf:"cooldown"`

	// APIBase overrides the Telegram endpoint, for tests.
	APIBase string `koanf:"-"`
}

// DefaultConfig alerts on high and critical incidents, at most one per
// pair every 30 seconds.
func DefaultConfig() Config {
	return Config{
		MinSeverity: pipeline.SeverityHigh,
		Cooldown:    30 * time.Second,
	}
}

// Validate rejects an enabled notifier without credentials.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when enabled")
	}
	if c.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required when enabled")
	}
	return nil
}

// PhotoLoader resolves an incident's evidence image to raw JPEG bytes.
// May return nil when no image is available.
type PhotoLoader func(inc *dedup.Incident) []byte

// Notifier sends incident alerts to a Telegram chat. Implements
// dedup.Publisher; sends run asynchronously so the detection path never
// blocks on the Telegram API.
type Notifier struct {
	cfg    Config
	client *http.Client
	photos PhotoLoader
	log    zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New builds a notifier. photos may be nil for text-only alerts.
func New(cfg Config, photos PhotoLoader) *Notifier {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = DefaultConfig().MinSeverity
	}
	return &Notifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		photos:   photos,
		log:      logging.Component("notify"),
		lastSent: make(map[string]time.Time),
	}
}

// Publish implements dedup.Publisher.
func (n *Notifier) Publish(event string, cameraID string, inc *dedup.Incident) {
	if !n.cfg.Enabled || inc == nil {
		return
	}
	if inc.Severity.Rank() < n.cfg.MinSeverity.Rank() {
		return
	}
	if !n.claimSlot(cameraID + "/" + string(inc.Type)) {
		n.log.Debug().Str("incident_id", inc.ID).Msg("alert suppressed by cooldown")
		return
	}

	// Snapshot so the send does not race later incident mutation.
	snap := *inc
	go n.send(event, &snap)
}

// claimSlot enforces the per-pair cooldown.
func (n *Notifier) claimSlot(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cfg.Cooldown {
		return false
	}
	n.lastSent[key] = now

	// Drop stale entries so the tracker does not grow unbounded.
	for k, t := range n.lastSent {
		if now.Sub(t) > 2*n.cfg.Cooldown {
			delete(n.lastSent, k)
		}
	}
	return true
}

func (n *Notifier) send(event string, inc *dedup.Incident) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	caption := formatAlert(event, inc)
	var err error
	if n.photos != nil {
		if photo := n.photos(inc); len(photo) > 0 {
			err = n.sendPhoto(ctx, photo, caption)
		} else {
			err = n.sendMessage(ctx, caption)
		}
	} else {
		err = n.sendMessage(ctx, caption)
	}
	if err != nil {
		n.log.Warn().Err(err).Str("incident_id", inc.ID).Msg("telegram alert failed")
	}
}

func formatAlert(event string, inc *dedup.Incident) string {
	header := "🚨 <b>Safety Violation</b>"
	if event == dedup.EventViolationEscalated {
		header = "⬆️ <b>Violation Escalated</b>"
	}

	var badge string
	switch inc.Severity {
	case pipeline.SeverityCritical:
		badge = "🔴"
	case pipeline.SeverityHigh:
		badge = "🟠"
	case pipeline.SeverityMedium:
		badge = "🟡"
	default:
		badge = "🟢"
	}

	return fmt.Sprintf(
		"%s\n\n"+
			"📹 Camera: %s\n"+
			"📍 Location: %s\n"+
			"%s Severity: %s\n"+
			"🎯 Confidence: %d%%\n"+
			"🕐 Last seen: %s\n\n"+
			"%s",
		header,
		inc.CameraID,
		inc.Location,
		badge,
		inc.Severity,
		inc.Confidence,
		inc.LastSeen.Format("2 Jan 2006, 15:04:05 MST"),
		inc.Description,
	)
}

func (n *Notifier) sendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    n.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.cfg.APIBase, n.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()
	return handleResponse(resp)
}

func (n *Notifier) sendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", n.cfg.ChatID); err != nil {
		return fmt.Errorf("building photo request: %w", err)
	}
	if caption != "" {
		writer.WriteField("caption", caption)
		writer.WriteField("parse_mode", "HTML")
	}
	part, err := writer.CreateFormFile("photo", "evidence.jpg")
	if err != nil {
		return fmt.Errorf("building photo request: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("building photo request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("building photo request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendPhoto", n.cfg.APIBase, n.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("building photo request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending photo: %w", err)
	}
	defer resp.Body.Close()
	return handleResponse(resp)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

func handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("unmarshaling response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("telegram API error %d: %s", parsed.ErrorCode, parsed.Description)
	}
	return nil
}

var _ dedup.Publisher = (*Notifier)(nil)
