package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"pewpost/internal/post"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

type fakeAPI struct {
	mu     sync.Mutex
	calls  []string
	bodies []string
	reply  map[string]string // method -> JSON body
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.bodies = append(f.bodies, string(b))
	body, ok := f.reply[method]
	f.mu.Unlock()
	if !ok {
		body = `{"ok":false,"error_code":404,"description":"Not Found"}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func newTestTransport(t *testing.T, api *fakeAPI, offline bool) *Transport {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	tr, err := New(Config{Token: "123:abc", APIURL: srv.URL, Timeout: 2 * time.Second, Offline: offline}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

const okMessage = `{"ok":true,"result":{"message_id":42,"date":1,"chat":{"id":-1001,"type":"channel"}}}`

func TestSendTextReturnsMessageID(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{reply: map[string]string{"sendMessage": okMessage}}
	tr := newTestTransport(t, api, true)

	id, err := tr.SendText(context.Background(), "@daily", "hello", []post.Button{{Text: "Read", URL: "https://example.com/a"}})
	if err != nil {
		t.Fatal(err)
	}
	if id != "42" {
		t.Fatalf("id = %q", id)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 1 || api.calls[0] != "sendMessage" {
		t.Fatalf("calls = %v", api.calls)
	}
	if !strings.Contains(api.bodies[0], "@daily") || !strings.Contains(api.bodies[0], "https://example.com/a") {
		t.Fatalf("body = %s", api.bodies[0])
	}
}

func TestSendErrorClassification(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		reply string
		check func(error) bool
	}{
		"flood": {
			`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`,
			func(err error) bool {
				var rl *transport.RateLimitedError
				return errors.As(err, &rl) && rl.RetryAfter == 5*time.Second
			},
		},
		"kicked": {
			`{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked from the channel chat"}`,
			func(err error) bool { return errors.Is(err, transport.ErrForbidden) },
		},
		"unknown forbidden": {
			`{"ok":false,"error_code":403,"description":"Forbidden: something new"}`,
			func(err error) bool { return errors.Is(err, transport.ErrForbidden) },
		},
		"bad request": {
			`{"ok":false,"error_code":400,"description":"Bad Request: wrong file identifier"}`,
			func(err error) bool { return errors.Is(err, transport.ErrBadRequest) },
		},
		"server error": {
			`{"ok":false,"error_code":502,"description":"Bad Gateway"}`,
			func(err error) bool {
				var te *transport.Error
				return errors.As(err, &te) && te.Op == "sendMessage" &&
					!errors.Is(err, transport.ErrForbidden) && !errors.Is(err, transport.ErrBadRequest)
			},
		},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tr := newTestTransport(t, &fakeAPI{reply: map[string]string{"sendMessage": tc.reply}}, true)
			_, err := tr.SendText(context.Background(), "-1001", "hi", nil)
			if err == nil || !tc.check(err) {
				t.Fatalf("err = %v (%T)", err, err)
			}
		})
	}
}

func TestSendMediaAndPoll(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{reply: map[string]string{"sendPhoto": okMessage, "sendVideo": okMessage, "sendPoll": okMessage}}
	tr := newTestTransport(t, api, true)
	ctx := context.Background()

	if _, err := tr.SendPhoto(ctx, "@c", "https://example.com/p.jpg", "cap", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.SendVideo(ctx, "@c", "BAACAgIAAxk", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.SendPoll(ctx, "@c", "Which?", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if strings.Join(api.calls, ",") != "sendPhoto,sendVideo,sendPoll" {
		t.Fatalf("calls = %v", api.calls)
	}
}

func TestLocalValidationSkipsNetwork(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	tr := newTestTransport(t, api, true)
	ctx := context.Background()

	if _, err := tr.SendText(ctx, "@c", strings.Repeat("x", textLimit+1), nil); !errors.Is(err, transport.ErrBadRequest) {
		t.Fatalf("long text err = %v", err)
	}
	if _, err := tr.SendPhoto(ctx, "@c", "id", strings.Repeat("y", captionLimit+1), nil); !errors.Is(err, transport.ErrBadRequest) {
		t.Fatalf("long caption err = %v", err)
	}
	if _, err := tr.SendText(ctx, "daily", "x", nil); !errors.Is(err, transport.ErrBadRequest) {
		t.Fatalf("bad recipient err = %v", err)
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	var te *transport.Error
	if _, err := tr.SendText(cctx, "@c", "x", nil); !errors.As(err, &te) {
		t.Fatalf("canceled err = %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 0 {
		t.Fatalf("unexpected calls %v", api.calls)
	}
}

func TestParseRecipient(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"@daily", "@daily", true},
		{" -1001234 ", "-1001234", true},
		{"42", "42", true},
		{"@", "", false},
		{"", "", false},
		{"0", "", false},
		{"daily", "", false},
	}
	for _, tc := range cases {
		r, err := ParseRecipient(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("ParseRecipient(%q) err = %v", tc.in, err)
		}
		if tc.ok && r.Recipient() != tc.want {
			t.Fatalf("ParseRecipient(%q) = %q", tc.in, r.Recipient())
		}
	}
	if _, ok := mustRecipient(t, "7").(tele.ChatID); !ok {
		t.Fatal("numeric ids should map to tele.ChatID")
	}
}

func mustRecipient(t *testing.T, s string) tele.Recipient {
	t.Helper()
	r, err := ParseRecipient(s)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestStartVerifiesToken(t *testing.T) {
	t.Parallel()
	good := newTestTransport(t, &fakeAPI{reply: map[string]string{
		"getMe": `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"p","username":"pewpost_bot"}}`,
	}}, false)
	if err := good.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if good.username != "pewpost_bot" {
		t.Fatalf("username = %q", good.username)
	}
	if err := good.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	bad := newTestTransport(t, &fakeAPI{reply: map[string]string{
		"getMe": `{"ok":false,"error_code":401,"description":"Unauthorized"}`,
	}}, false)
	if err := bad.Start(context.Background()); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("err = %v", err)
	}
}
