package content

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"
)

type feedFile struct {
	Items []Payload `yaml:"items"`
}

// Feed hands out prepared payloads round-robin, per content type when the
// request names one. Items are validated at load time.
type Feed struct {
	mu     sync.Mutex
	items  []Payload
	cursor map[string]int
}

func NewFeed(items []Payload) (*Feed, error) {
	for i, it := range items {
		if err := it.Content().Validate(); err != nil {
			return nil, fmt.Errorf("feed item %d: %w", i, err)
		}
	}
	return &Feed{items: append([]Payload(nil), items...), cursor: map[string]int{}}, nil
}

// LoadFeed reads a YAML document of the form
//
//	items:
//	  - content_type: news
//	    text: "..."
//	  - content_type: interactive
//	    message_type: poll
//	    text: "Which one?"
//	    poll_options: [a, b]
func LoadFeed(path string) (*Feed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	var f feedFile
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", path, err)
	}
	return NewFeed(f.Items)
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *Feed) Generate(ctx context.Context, req Request) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}
	want := strings.ToLower(strings.TrimSpace(req.ContentType))

	f.mu.Lock()
	defer f.mu.Unlock()
	var pool []int
	for i, it := range f.items {
		if want == "" || strings.EqualFold(it.ContentType, want) {
			if req.Topic == "" || strings.EqualFold(it.Topic, req.Topic) {
				pool = append(pool, i)
			}
		}
	}
	if len(pool) == 0 {
		return Payload{}, fmt.Errorf("%w: type %q topic %q", ErrNoContent, req.ContentType, req.Topic)
	}
	key := want + "|" + strings.ToLower(req.Topic)
	n := f.cursor[key]
	f.cursor[key] = n + 1
	p := f.items[pool[n%len(pool)]]
	if p.ContentType == "" {
		p.ContentType = want
	}
	return p, nil
}
