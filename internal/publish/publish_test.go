package publish

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/yangwenmai/dailydigest/internal/model"
)

type memLog struct {
	mu   sync.Mutex
	sent map[string]bool
}

func (m *memLog) key(date, channel, digest string) string { return date + "|" + channel + "|" + digest }

func (m *memLog) RecordDelivery(_ context.Context, date, channel, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = make(map[string]bool)
	}
	m.sent[m.key(date, channel, digest)] = true
	return nil
}

func (m *memLog) DeliveredChannels(_ context.Context, date, digest string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for k := range m.sent {
		parts := strings.Split(k, "|")
		if parts[0] == date && parts[2] == digest {
			out[parts[1]] = true
		}
	}
	return out, nil
}

type fakeChannel struct {
	name  string
	err   error
	calls int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Publish(context.Context, model.Document) error {
	f.calls++
	return f.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testDoc() model.Document {
	return model.Document{Date: "2026-02-01", Title: "Daily 2026-02-01", Body: "# Daily\n\nbody\n", Path: "2026/02/2026-02-01.md"}
}

func TestNewDispatcher_Validation(t *testing.T) {
	a := &fakeChannel{name: "a"}
	if _, err := NewDispatcher(&memLog{}, nil); err == nil {
		t.Error("expected error for no channels")
	}
	if _, err := NewDispatcher(&memLog{}, []Channel{a, &fakeChannel{name: "a"}}); err == nil {
		t.Error("expected error for duplicate names")
	}
	if _, err := NewDispatcher(&memLog{}, []Channel{a}, WithPrimary("missing")); err == nil {
		t.Error("expected error for unknown primary")
	}
	d, err := NewDispatcher(&memLog{}, []Channel{a, &fakeChannel{name: "b"}})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if d.Primary() != "a" {
		t.Errorf("Primary = %q, want first channel", d.Primary())
	}
}

func TestDispatch_SecondaryFailureIsIsolated(t *testing.T) {
	primary := &fakeChannel{name: "file"}
	broken := &fakeChannel{name: "telegram", err: errors.New("boom")}
	after := &fakeChannel{name: "webhook"}
	d, err := NewDispatcher(&memLog{}, []Channel{primary, broken, after}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	report, err := d.Dispatch(context.Background(), testDoc())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if after.calls != 1 {
		t.Error("channel after the failing one was not invoked")
	}
	if failed := report.Failed(); len(failed) != 1 || failed[0] != "telegram" {
		t.Errorf("Failed() = %v", failed)
	}
}

func TestDispatch_PrimaryFailure(t *testing.T) {
	cause := errors.New("disk full")
	primary := &fakeChannel{name: "file", err: cause}
	other := &fakeChannel{name: "webhook"}
	d, _ := NewDispatcher(&memLog{}, []Channel{primary, other}, WithLogger(quietLogger()))

	_, err := d.Dispatch(context.Background(), testDoc())
	if !errors.Is(err, ErrPrimaryFailed) {
		t.Fatalf("err = %v, want ErrPrimaryFailed", err)
	}
	var cerr *ChannelError
	if !errors.As(err, &cerr) || cerr.Channel != "file" || !errors.Is(err, cause) {
		t.Errorf("err does not carry the channel cause: %v", err)
	}
	if other.calls != 1 {
		t.Error("secondary channel should still run when the primary fails")
	}
}

func TestDispatch_SkipsDeliveredChannels(t *testing.T) {
	log := &memLog{}
	primary := &fakeChannel{name: "file", err: errors.New("transient")}
	other := &fakeChannel{name: "webhook"}
	d, _ := NewDispatcher(log, []Channel{primary, other}, WithLogger(quietLogger()))

	if _, err := d.Dispatch(context.Background(), testDoc()); err == nil {
		t.Fatal("first dispatch should fail on the primary")
	}

	primary.err = nil
	report, err := d.Dispatch(context.Background(), testDoc())
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if other.calls != 1 {
		t.Errorf("webhook calls = %d, want 1 (already delivered)", other.calls)
	}
	if primary.calls != 2 {
		t.Errorf("file calls = %d, want 2", primary.calls)
	}
	if report.Results[1].State != StateSkipped {
		t.Errorf("webhook state = %q, want skipped", report.Results[1].State)
	}

	// A changed document is a new delivery.
	changed := testDoc()
	changed.Body += "more\n"
	if _, err := d.Dispatch(context.Background(), changed); err != nil {
		t.Fatal(err)
	}
	if other.calls != 2 {
		t.Errorf("webhook calls = %d, want 2 after content change", other.calls)
	}
}

func TestDispatch_PrimaryDeliveredEarlier(t *testing.T) {
	log := &memLog{}
	doc := testDoc()
	log.RecordDelivery(context.Background(), doc.Date, "file", Digest(doc))

	primary := &fakeChannel{name: "file", err: errors.New("should not be called")}
	d, _ := NewDispatcher(log, []Channel{primary}, WithLogger(quietLogger()))
	if _, err := d.Dispatch(context.Background(), doc); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if primary.calls != 0 {
		t.Error("delivered primary was invoked again")
	}
}

func TestFile_Publish(t *testing.T) {
	dir := t.TempDir()
	f := NewFile("file", dir)
	doc := testDoc()

	if err := f.Publish(context.Background(), doc); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	doc.Body = "replaced\n"
	if err := f.Publish(context.Background(), doc); err != nil {
		t.Fatalf("Publish again: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "2026", "02", "2026-02-01.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "replaced\n" {
		t.Errorf("content = %q", got)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "2026", "02"))
	if len(entries) != 1 {
		t.Errorf("leftover temp files: %d entries", len(entries))
	}
}

func TestGitHub_Publish(t *testing.T) {
	tests := []struct {
		name    string
		exists  bool
		wantSHA string
	}{
		{"create", false, ""},
		{"update", true, "abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var put contentsPut
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/repos/acme/digest/contents/daily/2026/02/2026-02-01.md" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if r.Header.Get("Authorization") != "Bearer tok" {
					t.Errorf("missing auth header")
				}
				switch r.Method {
				case http.MethodGet:
					if r.URL.Query().Get("ref") != "main" {
						t.Errorf("ref = %q", r.URL.Query().Get("ref"))
					}
					if !tt.exists {
						http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
						return
					}
					json.NewEncoder(w).Encode(contentsFile{SHA: "abc123"})
				case http.MethodPut:
					json.NewDecoder(r.Body).Decode(&put)
					w.WriteHeader(http.StatusCreated)
					w.Write([]byte(`{}`))
				}
			}))
			defer srv.Close()

			g, err := NewGitHub("github", GitHubConfig{Token: "tok", Repo: "acme/digest", Branch: "main", PathPrefix: "daily"}, WithBaseURL(srv.URL))
			if err != nil {
				t.Fatal(err)
			}
			doc := testDoc()
			if err := g.Publish(context.Background(), doc); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if put.SHA != tt.wantSHA {
				t.Errorf("sha = %q, want %q", put.SHA, tt.wantSHA)
			}
			raw, _ := base64.StdEncoding.DecodeString(put.Content)
			if string(raw) != doc.Body {
				t.Errorf("content = %q", raw)
			}
			if put.Branch != "main" {
				t.Errorf("branch = %q", put.Branch)
			}
		})
	}
}

func TestNewGitHub_Validation(t *testing.T) {
	if _, err := NewGitHub("gh", GitHubConfig{Repo: "a/b"}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := NewGitHub("gh", GitHubConfig{Token: "t", Repo: "nope"}); err == nil {
		t.Error("expected error for malformed repo")
	}
}

func TestGitHub_PutFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.NotFound(w, r)
			return
		}
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	g, _ := NewGitHub("github", GitHubConfig{Token: "tok", Repo: "acme/digest"}, WithBaseURL(srv.URL))
	err := g.Publish(context.Background(), testDoc())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want status 401", err)
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"empty", "  ", 10, nil},
		{"fits", "hello\nworld", 20, []string{"hello\nworld"}},
		{"line boundaries", "aaaa\nbbbb\ncccc", 10, []string{"aaaa\nbbbb", "cccc"}},
		{"long line cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"runes not bytes", "文文文文文\n字字", 5, []string{"文文文文文", "字字"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
				if utf8.RuneCountInString(got[i]) > tt.limit {
					t.Errorf("chunk %d exceeds limit", i)
				}
			}
		})
	}
}

func TestTelegram_Publish(t *testing.T) {
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		r.ParseForm()
		if r.PostForm.Get("chat_id") != "42" {
			t.Errorf("chat_id = %q", r.PostForm.Get("chat_id"))
		}
		texts = append(texts, r.PostForm.Get("text"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	doc := testDoc()
	doc.Body = strings.Repeat(strings.Repeat("x", 99)+"\n", 100)
	tg := NewTelegram("telegram", "TOKEN", "42", WithBaseURL(srv.URL))
	if err := tg.Publish(context.Background(), doc); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(texts) != 3 {
		t.Fatalf("messages = %d, want 3", len(texts))
	}
	if got := strings.Join(texts, "\n"); got != strings.TrimSpace(doc.Body) {
		t.Error("chunks do not reassemble into the document")
	}
}

func TestTelegram_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram("telegram", "TOKEN", "42", WithBaseURL(srv.URL))
	err := tg.Publish(context.Background(), testDoc())
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("err = %v", err)
	}
	if err := NewTelegram("telegram", "", "42").Publish(context.Background(), testDoc()); err == nil {
		t.Error("expected misconfiguration error")
	}
}

func TestWebhook_Publish(t *testing.T) {
	const secret = "s3cret"
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if sig := r.Header.Get(SignatureHeader); sig != "sha256="+Sign(secret, body) {
			http.Error(w, "bad signature", http.StatusForbidden)
			return
		}
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	doc := testDoc()
	if err := NewWebhook("webhook", srv.URL, secret).Publish(context.Background(), doc); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got.Date != doc.Date || got.Body != doc.Body || got.Digest != Digest(doc) {
		t.Errorf("payload = %+v", got)
	}

	err := NewWebhook("webhook", srv.URL, "wrong").Publish(context.Background(), doc)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("err = %v, want 403", err)
	}
}
