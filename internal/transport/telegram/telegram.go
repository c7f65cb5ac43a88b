// Package telegram publishes posts to Telegram channels through the Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"pewpost/internal/post"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

const (
	textLimit    = 4096
	captionLimit = 1024
)

type Config struct {
	Token string
	// APIURL overrides https://api.telegram.org (self-hosted Bot API server).
	APIURL  string
	Timeout time.Duration
	// Offline skips the getMe round-trip in New.
	Offline bool
}

// Transport implements transport.Transport, transport.Lifecycle and
// transport.Notifier on top of a telebot client. It never polls updates.
type Transport struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu       sync.Mutex
	running  bool
	username string
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg, log: log.With(logx.String("comp", "transport.telegram")), bot: b}, nil
}

// Start verifies the token with getMe unless the transport is offline.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	if !t.cfg.Offline {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := t.bot.Raw("getMe", nil)
		if err != nil {
			return classify("getMe", err)
		}
		var resp struct {
			Result struct {
				Username string `json:"username"`
			} `json:"result"`
		}
		if err := json.Unmarshal(data, &resp); err == nil {
			t.username = resp.Result.Username
		}
	}
	t.running = true
	t.log.Info("telegram transport started", logx.String("bot", t.username))
	return nil
}

// Stop is idempotent. In-flight sends are bounded by the client timeout.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	t.log.Info("telegram transport stopped")
	return nil
}

func (t *Transport) SendText(ctx context.Context, channelID, text string, buttons []post.Button) (string, error) {
	if utf8.RuneCountInString(text) > textLimit {
		return "", fmt.Errorf("%w: text exceeds %d characters", transport.ErrBadRequest, textLimit)
	}
	return t.send(ctx, "sendMessage", channelID, text, buttons)
}

func (t *Transport) SendPhoto(ctx context.Context, channelID, mediaRef, caption string, buttons []post.Button) (string, error) {
	if err := checkCaption(caption); err != nil {
		return "", err
	}
	return t.send(ctx, "sendPhoto", channelID, &tele.Photo{File: fileRef(mediaRef), Caption: caption}, buttons)
}

func (t *Transport) SendVideo(ctx context.Context, channelID, mediaRef, caption string, buttons []post.Button) (string, error) {
	if err := checkCaption(caption); err != nil {
		return "", err
	}
	return t.send(ctx, "sendVideo", channelID, &tele.Video{File: fileRef(mediaRef), Caption: caption}, buttons)
}

func (t *Transport) SendPoll(ctx context.Context, channelID, question string, options []string) (string, error) {
	p := &tele.Poll{Type: tele.PollRegular, Question: question}
	p.AddOptions(options...)
	return t.send(ctx, "sendPoll", channelID, p, nil)
}

func (t *Transport) send(ctx context.Context, op, channelID string, what any, buttons []post.Button) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &transport.Error{Op: op, Err: err}
	}
	to, err := ParseRecipient(channelID)
	if err != nil {
		return "", err
	}
	opts := []any{}
	if rm := markup(buttons); rm != nil {
		opts = append(opts, rm)
	}
	msg, err := t.bot.Send(to, what, opts...)
	if err != nil {
		return "", classify(op, err)
	}
	if msg == nil {
		return "", &transport.Error{Op: op, Err: errors.New("empty response")}
	}
	t.log.Debug("sent", logx.String("op", op), logx.String("channel", channelID), logx.Int("message_id", msg.ID))
	return strconv.Itoa(msg.ID), nil
}

func checkCaption(caption string) error {
	if utf8.RuneCountInString(caption) > captionLimit {
		return fmt.Errorf("%w: caption exceeds %d characters", transport.ErrBadRequest, captionLimit)
	}
	return nil
}

// fileRef treats http(s) references as URLs and anything else as a file_id.
func fileRef(ref string) tele.File {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tele.FromURL(ref)
	}
	return tele.File{FileID: ref}
}

func markup(buttons []post.Button) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, rm.Row(rm.URL(b.Text, b.URL)))
	}
	rm.Inline(rows...)
	return rm
}

// username is a public channel handle ("@name").
type username string

func (u username) Recipient() string { return string(u) }

// ParseRecipient accepts numeric chat ids ("-1001234567890") and public
// channel handles ("@name").
func ParseRecipient(channelID string) (tele.Recipient, error) {
	s := strings.TrimSpace(channelID)
	if strings.HasPrefix(s, "@") && len(s) > 1 {
		return username(s), nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%w: invalid channel id %q", transport.ErrBadRequest, channelID)
	}
	return tele.ChatID(id), nil
}

var codeSuffix = regexp.MustCompile(`\((\d{3})\)$`)

// classify maps Bot API failures to the transport error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var group tele.GroupError
	if errors.As(err, &group) {
		return fmt.Errorf("%w: %v", transport.ErrBadRequest, err)
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch {
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", transport.ErrForbidden, err)
	case code == http.StatusTooManyRequests:
		return &transport.RateLimitedError{Err: err}
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %v", transport.ErrBadRequest, err)
	}
	return &transport.Error{Op: op, Err: err}
}
