package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/yangwenmai/dailydigest/internal/model"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	// telegramMaxRunes is the Bot API limit for one message text.
	telegramMaxRunes = 4096
)

// Telegram posts the document to a chat through the Bot API, split into as
// many messages as needed.
type Telegram struct {
	name   string
	token  string
	chatID string
	httpSettings
}

// NewTelegram creates a Telegram channel.
func NewTelegram(name, token, chatID string, opts ...Option) *Telegram {
	return &Telegram{name: name, token: token, chatID: chatID, httpSettings: newHTTPSettings(defaultTelegramAPI, opts)}
}

func (t *Telegram) Name() string { return t.name }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Publish sends the chunks in order and stops at the first failure. A retry
// resends the whole document.
func (t *Telegram) Publish(ctx context.Context, doc model.Document) error {
	if t.token == "" || t.chatID == "" {
		return fmt.Errorf("telegram channel misconfigured")
	}
	chunks := splitMessage(doc.Body, telegramMaxRunes)
	for i, chunk := range chunks {
		if err := t.send(ctx, chunk); err != nil {
			return fmt.Errorf("send part %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, body)
	}

	var out telegramResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("telegram error: %s", out.Description)
	}
	return nil
}

// splitMessage cuts text into chunks of at most limit runes, breaking on line
// boundaries where possible. Lines longer than limit are cut hard.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curLen = 0
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if curLen+n > limit {
			flush()
		}
		for n > limit {
			r := []rune(line)
			chunks = append(chunks, string(r[:limit]))
			line = string(r[limit:])
			n -= limit
		}
		cur.WriteString(line)
		curLen += n
	}
	flush()
	return chunks
}
