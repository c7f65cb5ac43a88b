// Package content is the boundary to whatever produces post payloads.
// Generation itself (editorial tooling, language models) lives outside this
// module; Feed serves prepared payloads from a YAML file.
package content

import (
	"context"
	"errors"

	"pewpost/internal/post"
)

var ErrNoContent = errors.New("content: nothing to generate")

// Request describes what a producer wants.
type Request struct {
	ChannelID   string
	ContentType string
	Topic       string
}

type Payload struct {
	MessageType post.MessageType `yaml:"message_type"`
	Text        string           `yaml:"text"`
	MediaRef    string           `yaml:"media_ref"`
	Caption     string           `yaml:"caption"`
	PollOptions []string         `yaml:"poll_options"`
	Buttons     []post.Button    `yaml:"buttons"`
	ContentType string           `yaml:"content_type"`
	Topic       string           `yaml:"topic"`
}

// Content converts the payload. An empty message type means text.
func (p Payload) Content() post.Content {
	mt := p.MessageType
	if mt == "" {
		mt = post.MessageText
	}
	return post.Content{
		MessageType: mt,
		Text:        p.Text,
		MediaRef:    p.MediaRef,
		Caption:     p.Caption,
		PollOptions: append([]string(nil), p.PollOptions...),
		Buttons:     append([]post.Button(nil), p.Buttons...),
		ContentType: p.ContentType,
	}
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Payload, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Payload, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Payload, error) {
	return f(ctx, req)
}
