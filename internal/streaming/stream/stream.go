// Package stream implements spec §4.5: a named collection of topics,
// the top-level unit an account creates and grants permissions on.
package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iggy-run/iggy/internal/iggyerr"
	"github.com/iggy-run/iggy/internal/streaming/topic"
)

// Config configures default topic creation within a stream.
type Config struct {
	Name            string
	RetentionPeriod time.Duration
}

// DefaultConfig mirrors the broker's out-of-the-box stream settings.
func DefaultConfig() Config {
	return Config{RetentionPeriod: 7 * 24 * time.Hour}
}

// Validate checks the fields a caller must supply explicitly.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("stream: name is required")
	}
	return nil
}

// ApplyDefaults fills in zero-valued fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.RetentionPeriod == 0 {
		c.RetentionPeriod = d.RetentionPeriod
	}
}

// Stream is a named collection of topics.
type Stream struct {
	mu sync.RWMutex

	id   uint32
	name string
	cfg  Config

	topics     map[uint32]*topic.Topic
	topicsByNm map[string]uint32
	nextTopic  uint32

	createdAt time.Time
}

// New creates an empty stream.
func New(id uint32, cfg Config) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &Stream{
		id:         id,
		name:       cfg.Name,
		cfg:        cfg,
		topics:     make(map[uint32]*topic.Topic),
		topicsByNm: make(map[string]uint32),
		createdAt:  time.Now(),
	}, nil
}

func (s *Stream) ID() uint32   { return s.id }
func (s *Stream) Name() string { return s.name }

// CreateTopic adds a new topic to the stream, failing if the name is
// already taken.
func (s *Stream) CreateTopic(name string, tCfg topic.Config, logger *zap.Logger) (*topic.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.topicsByNm[name]; exists {
		return nil, iggyerr.New(iggyerr.CodeTopicNameAlreadyExists, fmt.Sprintf("topic %q already exists", name))
	}
	s.nextTopic++
	id := s.nextTopic
	t, err := topic.New(id, name, tCfg, logger)
	if err != nil {
		s.nextTopic--
		return nil, fmt.Errorf("stream: create topic %q: %w", name, err)
	}
	s.topics[id] = t
	s.topicsByNm[name] = id
	return t, nil
}

// Topic returns a topic by numeric id.
func (s *Stream) Topic(id uint32) (*topic.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[id]
	if !ok {
		return nil, iggyerr.New(iggyerr.CodeTopicIdNotFound, fmt.Sprintf("topic %d not found", id))
	}
	return t, nil
}

// TopicByName returns a topic by name.
func (s *Stream) TopicByName(name string) (*topic.Topic, error) {
	s.mu.RLock()
	id, ok := s.topicsByNm[name]
	s.mu.RUnlock()
	if !ok {
		return nil, iggyerr.New(iggyerr.CodeTopicIdNotFound, fmt.Sprintf("topic %q not found", name))
	}
	return s.Topic(id)
}

// DeleteTopic removes a topic from the stream by id.
func (s *Stream) DeleteTopic(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	if !ok {
		return iggyerr.New(iggyerr.CodeTopicIdNotFound, fmt.Sprintf("topic %d not found", id))
	}
	delete(s.topics, id)
	delete(s.topicsByNm, t.Name())
	return nil
}

// Topics returns every topic currently in the stream.
func (s *Stream) Topics() []*topic.Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*topic.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	return out
}
