// Package dryrun is a transport that logs sends instead of delivering them.
// Failures can be scripted per channel for local testing.
package dryrun

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"pewpost/internal/post"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

// Sent is one recorded send.
type Sent struct {
	Op        string
	ChannelID string
	MessageID string
	Text      string
}

type Transport struct {
	log  logx.Logger
	next atomic.Int64

	mu    sync.Mutex
	sent  []Sent
	fails map[string]error
}

func New(log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{log: log.With(logx.String("comp", "transport.dryrun")), fails: map[string]error{}}
}

// FailChannel makes every send to channelID return err. A nil err clears it.
func (t *Transport) FailChannel(channelID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.fails, channelID)
		return
	}
	t.fails[channelID] = err
}

// Sent returns a copy of everything sent so far.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

func (t *Transport) Start(context.Context) error { return nil }
func (t *Transport) Stop(context.Context) error  { return nil }

func (t *Transport) SendText(ctx context.Context, channelID, text string, _ []post.Button) (string, error) {
	return t.record(ctx, "sendMessage", channelID, text)
}

func (t *Transport) SendPhoto(ctx context.Context, channelID, mediaRef, caption string, _ []post.Button) (string, error) {
	return t.record(ctx, "sendPhoto", channelID, mediaRef+" "+caption)
}

func (t *Transport) SendVideo(ctx context.Context, channelID, mediaRef, caption string, _ []post.Button) (string, error) {
	return t.record(ctx, "sendVideo", channelID, mediaRef+" "+caption)
}

func (t *Transport) SendPoll(ctx context.Context, channelID, question string, _ []string) (string, error) {
	return t.record(ctx, "sendPoll", channelID, question)
}

func (t *Transport) record(ctx context.Context, op, channelID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &transport.Error{Op: op, Err: err}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fails[channelID]; err != nil {
		return "", err
	}
	id := strconv.FormatInt(t.next.Add(1), 10)
	t.sent = append(t.sent, Sent{Op: op, ChannelID: channelID, MessageID: id, Text: text})
	t.log.Info("dry-run send",
		logx.String("op", op),
		logx.String("channel", channelID),
		logx.String("message_id", id),
		logx.Int("len", len(text)),
	)
	return id, nil
}
