package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const telegramAPIBase = "https://api.telegram.org"

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// Notifier delivers out-of-band alerts. Telegram is the primary channel; when
// it is not configured or a delivery fails for any reason (connection error,
// timeout, or any non-200 answer, 4xx included) the same message (HTML
// stripped) goes to the fallback webhook. Failures are not told apart by
// class. Warning-class alerts are rate limited to one per five minutes.
type Notifier struct {
	Token       string
	ChatID      string
	FallbackURL string
	Client      *http.Client
	// PollClient has a longer deadline than Client to accommodate the
	// 30 second server-side long-poll wait.
	PollClient *http.Client
	Log        *slog.Logger

	// APIBase overrides the Telegram endpoint in tests.
	APIBase string

	warnLimiter *rate.Limiter
}

func New(token, chatID, fallbackURL string, log *slog.Logger) *Notifier {
	return &Notifier{
		Token:       token,
		ChatID:      chatID,
		FallbackURL: fallbackURL,
		Client:      &http.Client{Timeout: 10 * time.Second},
		PollClient:  &http.Client{Timeout: 35 * time.Second},
		Log:         log,
		APIBase:     telegramAPIBase,
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Minute), 1),
	}
}

// Enabled reports whether the primary chat channel is configured.
func (n *Notifier) Enabled() bool {
	return n.Token != "" && n.ChatID != ""
}

func (n *Notifier) botURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", n.APIBase, n.Token, method)
}

// Send delivers text (HTML formatting) to the chat channel, falling back to
// the webhook on delivery failure. Returns true if at least one channel
// accepted the message.
func (n *Notifier) Send(ctx context.Context, text string) bool {
	if n.Enabled() && n.sendTelegram(ctx, "sendMessage", map[string]any{
		"chat_id": n.ChatID, "text": text, "parse_mode": "HTML",
	}) {
		return true
	}
	return n.sendFallback(ctx, text)
}

// SendPhoto posts a photo by URL with an HTML caption; on failure the
// caption alone goes through Send.
func (n *Notifier) SendPhoto(ctx context.Context, photoURL, caption string) bool {
	if n.Enabled() && n.sendTelegram(ctx, "sendPhoto", map[string]any{
		"chat_id": n.ChatID, "photo": photoURL, "caption": caption, "parse_mode": "HTML",
	}) {
		return true
	}
	return n.Send(ctx, caption)
}

// Warn sends a warning-class alert, dropping it silently when one was
// already sent within the last five minutes.
func (n *Notifier) Warn(ctx context.Context, text string) bool {
	if !n.warnLimiter.Allow() {
		return false
	}
	return n.Send(ctx, text)
}

func (n *Notifier) sendTelegram(ctx context.Context, method string, payload map[string]any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.botURL(method), bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		n.Log.Warn("telegram send failed", "method", method, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusOK {
		return true
	}
	n.Log.Warn("telegram send rejected", "method", method, "status", resp.StatusCode)
	return false
}

func (n *Notifier) sendFallback(ctx context.Context, text string) bool {
	if n.FallbackURL == "" {
		return false
	}
	plain := htmlTagRe.ReplaceAllString(text, "")
	if len(plain) > 2000 {
		plain = plain[:2000]
	}
	body, _ := json.Marshal(map[string]string{"content": plain})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.FallbackURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		n.Log.Warn("fallback webhook failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		n.Log.Info("shadow channel delivered (fallback webhook)")
		return true
	}
	n.Log.Warn("fallback webhook rejected", "status", resp.StatusCode)
	return false
}

// Update is one inbound chat message from the long-poll feed.
type Update struct {
	UpdateID int64
	ChatID   string
	Text     string
}

// GetUpdates long-polls the chat API with a 30 second server-side wait.
// The HTTP status is returned so the caller can special-case 409 (webhook
// conflict).
func (n *Notifier) GetUpdates(ctx context.Context, offset int64) ([]Update, int, error) {
	url := fmt.Sprintf("%s?offset=%d&timeout=30", n.botURL("getUpdates"), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	client := n.PollClient
	if client == nil {
		client = n.Client
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("getUpdates: status %d", resp.StatusCode)
	}

	var payload struct {
		OK     bool `json:"ok"`
		Result []struct {
			UpdateID int64 `json:"update_id"`
			Message  *struct {
				Text string `json:"text"`
				Chat struct {
					ID int64 `json:"id"`
				} `json:"chat"`
			} `json:"message"`
			EditedMessage *struct {
				Text string `json:"text"`
				Chat struct {
					ID int64 `json:"id"`
				} `json:"chat"`
			} `json:"edited_message"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, resp.StatusCode, err
	}
	if !payload.OK {
		return nil, resp.StatusCode, fmt.Errorf("getUpdates: ok=false")
	}

	var updates []Update
	for _, u := range payload.Result {
		upd := Update{UpdateID: u.UpdateID}
		switch {
		case u.Message != nil:
			upd.ChatID = strconv.FormatInt(u.Message.Chat.ID, 10)
			upd.Text = u.Message.Text
		case u.EditedMessage != nil:
			upd.ChatID = strconv.FormatInt(u.EditedMessage.Chat.ID, 10)
			upd.Text = u.EditedMessage.Text
		default:
			continue
		}
		updates = append(updates, upd)
	}
	return updates, resp.StatusCode, nil
}
