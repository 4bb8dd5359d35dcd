// Package system implements the System aggregate (spec §5): the sole
// mutation point for every stream, topic, user, and consumer group in
// the broker. Every transport (TCP, the admin HTTP surface, tests)
// reaches the domain only through System.Dispatch or its typed
// counterparts — nothing else is allowed to touch a Stream or Partition
// directly.
package system

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iggy-run/iggy/internal/config"
	"github.com/iggy-run/iggy/internal/consumergroup"
	"github.com/iggy-run/iggy/internal/humanunits"
	"github.com/iggy-run/iggy/internal/identifier"
	"github.com/iggy-run/iggy/internal/iggyerr"
	"github.com/iggy-run/iggy/internal/permissions"
	"github.com/iggy-run/iggy/internal/statelog"
	"github.com/iggy-run/iggy/internal/streamcrypto"
	"github.com/iggy-run/iggy/internal/streaming/partition"
	"github.com/iggy-run/iggy/internal/streaming/segment"
	"github.com/iggy-run/iggy/internal/streaming/stream"
	"github.com/iggy-run/iggy/internal/streaming/topic"
	"github.com/iggy-run/iggy/internal/users"
)

// Stats is a point-in-time snapshot of broker-wide counters, returned
// by the Stats command. It is explicitly not a metrics pipeline (spec
// Non-goals) — just a cheap aggregate a client can poll.
type Stats struct {
	Streams          int
	Topics           int
	Partitions       int
	Messages         uint64
	ClientsConnected int
}

// System owns every stream and user in the broker and is the only
// place mutations are applied and durably logged.
type System struct {
	mu sync.RWMutex

	cfg    *config.Config
	logger *zap.Logger

	streams     map[uint32]*stream.Stream
	streamsByNm map[string]uint32
	nextStream  uint32

	// groups is keyed by group id only; each ConsumerGroup carries its
	// own owning stream/topic id (spec §3's ownership model), so a
	// stream or topic delete can cascade by scanning for matches.
	groups    map[uint32]*consumergroup.ConsumerGroup
	nextGroup uint32

	users *users.Store
	state *statelog.Log

	clients map[uint32]struct{}

	// encryptor, when non-nil, is handed to every partition created
	// from this System so payloads are sealed at rest (spec §4.2).
	encryptor *streamcrypto.Encryptor
}

// New constructs a System with an empty domain and a freshly opened (or
// reopened) state log at cfg.Server.DataDir/state.log.
func New(cfg *config.Config, logger *zap.Logger, rootPassword string) (*System, error) {
	userStore, err := users.NewStore(rootPassword)
	if err != nil {
		return nil, fmt.Errorf("system: init user store: %w", err)
	}
	statePath := filepath.Join(cfg.Server.DataDir, "state.log")
	stateLog, err := statelog.Open(statePath, logger)
	if err != nil {
		return nil, fmt.Errorf("system: open state log: %w", err)
	}

	var encryptor *streamcrypto.Encryptor
	if cfg.Security.EncryptionEnabled {
		key, err := hex.DecodeString(cfg.Security.EncryptionKeyHex)
		if err != nil {
			return nil, fmt.Errorf("system: decode security.encryption_key_hex: %w", err)
		}
		encryptor, err = streamcrypto.New(key)
		if err != nil {
			return nil, fmt.Errorf("system: init encryptor: %w", err)
		}
	}

	s := &System{
		cfg:         cfg,
		logger:      logger,
		streams:     make(map[uint32]*stream.Stream),
		streamsByNm: make(map[string]uint32),
		groups:      make(map[uint32]*consumergroup.ConsumerGroup),
		users:       userStore,
		state:       stateLog,
		clients:     make(map[uint32]struct{}),
		encryptor:   encryptor,
	}
	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("system: replay state log: %w", err)
	}
	return s, nil
}

// replay rebuilds streams and topics from the durable log at startup,
// applying their create and delete entries in log order. Other entry
// kinds are skipped.
func (s *System) replay() error {
	return s.state.Replay(func(e *statelog.Entry) error {
		switch e.Kind {
		case statelog.KindCreateStream:
			return s.applyCreateStream(string(e.Payload))
		case statelog.KindCreateTopic:
			return s.applyCreateTopic(string(e.Context), string(e.Payload))
		case statelog.KindDeleteStream:
			if id, ok := s.streamsByNm[string(e.Payload)]; ok {
				delete(s.streams, id)
				delete(s.streamsByNm, string(e.Payload))
			}
			return nil
		case statelog.KindDeleteTopic:
			if sid, ok := s.streamsByNm[string(e.Context)]; ok {
				if t, err := s.streams[sid].TopicByName(string(e.Payload)); err == nil {
					return s.streams[sid].DeleteTopic(t.ID())
				}
			}
			return nil
		default:
			return nil
		}
	})
}

func (s *System) applyCreateStream(name string) error {
	s.nextStream++
	id := s.nextStream
	st, err := stream.New(id, stream.Config{Name: name, RetentionPeriod: s.cfg.Stream.RetentionPeriod})
	if err != nil {
		s.nextStream--
		return err
	}
	s.streams[id] = st
	s.streamsByNm[name] = id
	return nil
}

// applyCreateTopic rebuilds a topic from its durably logged stream/topic
// names during replay, using the configured default partition count: the
// state log does not persist the partition count or options a client
// requested, only the names (spec §5.4 logs the command's identifying
// fields, not its full argument list), so a restart always reopens a
// topic with the default spread and settings.
func (s *System) applyCreateTopic(streamName, topicName string) error {
	sid, ok := s.streamsByNm[streamName]
	if !ok {
		return fmt.Errorf("system: replay create-topic: stream %q not found", streamName)
	}
	st := s.streams[sid]
	dir := filepath.Join(s.cfg.Server.DataDir, "streams", fmt.Sprintf("%d", st.ID()), "topics", topicName)
	tCfg := topic.Config{
		PartitionCount:  s.cfg.Stream.DefaultPartitions,
		BaseDir:         dir,
		PartitionConfig: s.partitionConfigTemplate(),
		MessageExpiry:   s.cfg.Stream.RetentionPeriod,
	}
	_, err := st.CreateTopic(topicName, tCfg, s.logger)
	return err
}

func (s *System) segmentConfig() segment.Config {
	compression := segment.CompressionNone
	if s.cfg.Segment.Compression == "gzip" {
		compression = segment.CompressionGzip
	}
	return segment.Config{
		MaxSizeBytes: s.cfg.Segment.MaxSizeBytes,
		Compression:  compression,
		ValidateCRC:  s.cfg.Segment.ValidateCRC,
	}
}

// partitionConfigTemplate builds the partition.Config shared by every
// partition of a newly created topic, including at-rest encryption
// when the broker is configured for it.
func (s *System) partitionConfigTemplate() partition.Config {
	return partition.Config{
		SegmentConfig:    s.segmentConfig(),
		Accumulator:      partition.AccumulatorConfig{MaxMessages: 1000, MaxAge: 100 * time.Millisecond},
		ReadCacheEntries: s.cfg.Cache.ReadCacheEntries,
		Retention:        partition.RetentionPolicy{MaxAge: s.cfg.Stream.RetentionPeriod},
		Encryptor:        s.encryptor,
	}
}

// CreateStream creates a new stream with the given name, durably
// logging the mutation before it becomes visible.
func (s *System) CreateStream(name string) (*stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.streamsByNm[name]; exists {
		return nil, iggyerr.New(iggyerr.CodeStreamNameAlreadyExists, fmt.Sprintf("stream %q already exists", name))
	}
	if _, err := s.state.Append(statelog.KindCreateStream, nil, []byte(name)); err != nil {
		return nil, iggyerr.Wrap(iggyerr.CodeStateLogWriteFailed, "append create-stream entry", err)
	}
	if err := s.applyCreateStream(name); err != nil {
		return nil, err
	}
	return s.streams[s.nextStream], nil
}

// resolveStream looks a stream up by its wire Identifier, which may
// carry a numeric id or a name.
func (s *System) resolveStream(id identifier.Identifier) (*stream.Stream, error) {
	if id.IsNumeric() {
		st, ok := s.streams[id.Number()]
		if !ok {
			return nil, iggyerr.New(iggyerr.CodeStreamIdNotFound, fmt.Sprintf("stream %d not found", id.Number()))
		}
		return st, nil
	}
	sid, ok := s.streamsByNm[id.Text()]
	if !ok {
		return nil, iggyerr.New(iggyerr.CodeStreamIdNotFound, fmt.Sprintf("stream %q not found", id.Text()))
	}
	return s.streams[sid], nil
}

// GetStream resolves a stream by Identifier.
func (s *System) GetStream(id identifier.Identifier) (*stream.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveStream(id)
}

// GetTopic resolves a stream and one of its topics by Identifier pairs,
// the shared lookup every send/poll/consumer-group command needs.
func (s *System) GetTopic(streamID, topicID identifier.Identifier) (*stream.Stream, *topic.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, err := s.resolveStream(streamID)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.resolveTopic(st, topicID)
	if err != nil {
		return nil, nil, err
	}
	return st, t, nil
}

// DeleteStream removes a stream and every topic it owns, cascading to
// any consumer group that referenced one of those topics (spec §8):
// every member of such a group is evicted before the group itself is
// dropped, so no client is left holding a stale assignment.
func (s *System) DeleteStream(id identifier.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.resolveStream(id)
	if err != nil {
		return err
	}
	if _, err := s.state.Append(statelog.KindDeleteStream, nil, []byte(st.Name())); err != nil {
		return iggyerr.Wrap(iggyerr.CodeStateLogWriteFailed, "append delete-stream entry", err)
	}
	for _, t := range st.Topics() {
		s.cascadeDeleteGroupsLocked(st.ID(), t.ID())
	}
	delete(s.streams, st.ID())
	delete(s.streamsByNm, st.Name())
	return nil
}

// cascadeDeleteGroupsLocked drops every consumer group owned by
// streamID/topicID, evicting its members first. Callers must hold s.mu.
func (s *System) cascadeDeleteGroupsLocked(streamID, topicID uint32) {
	for id, g := range s.groups {
		if g.StreamID() != streamID || g.TopicID() != topicID {
			continue
		}
		for _, member := range g.Members() {
			g.Leave(member)
		}
		delete(s.groups, id)
	}
}

// TopicOptions carries the spec §3 topic-level settings a client can
// supply at creation time. Compression is "none" or "gzip";
// MessageExpiry and MaxTopicSize are human strings parsed by
// internal/humanunits ("15m", "2 days", "10GB", "unlimited", or "" to
// inherit the server default).
type TopicOptions struct {
	Compression       string
	MessageExpiry     string
	MaxTopicSize      string
	ReplicationFactor uint32
}

// CreateTopic creates a topic with the given partition count and
// options within a stream. partitionCount must be between
// topic.MinPartitionsCount and topic.MaxPartitionsCount inclusive;
// topic.New enforces that itself, so an out-of-range count always
// fails with CodeInvalidPartitionsCount rather than silently falling
// back to the server default (spec §8).
func (s *System) CreateTopic(streamID identifier.Identifier, name string, partitionCount int, opts TopicOptions) (*topic.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.resolveStream(streamID)
	if err != nil {
		return nil, err
	}

	compression := segment.CompressionNone
	if opts.Compression == "gzip" {
		compression = segment.CompressionGzip
	}

	expiry, err := humanunits.ParseDuration(opts.MessageExpiry)
	if err != nil {
		return nil, iggyerr.Wrap(iggyerr.CodeInvalidCommand, "parse message_expiry", err)
	}
	messageExpiry := s.cfg.Stream.RetentionPeriod
	switch expiry.Kind {
	case humanunits.DurationCustom:
		messageExpiry = expiry.Value
	case humanunits.DurationUnlimited:
		messageExpiry = 0
	}

	size, err := humanunits.ParseSize(opts.MaxTopicSize)
	if err != nil {
		return nil, iggyerr.Wrap(iggyerr.CodeInvalidCommand, "parse max_topic_size", err)
	}
	var maxTopicSize uint64
	if size.Kind == humanunits.SizeCustom {
		maxTopicSize = size.Bytes
	}

	dir := filepath.Join(s.cfg.Server.DataDir, "streams", fmt.Sprintf("%d", st.ID()), "topics", name)
	tCfg := topic.Config{
		PartitionCount:    partitionCount,
		BaseDir:           dir,
		PartitionConfig:   s.partitionConfigTemplate(),
		Compression:       compression,
		MessageExpiry:     messageExpiry,
		MaxTopicSize:      maxTopicSize,
		ReplicationFactor: opts.ReplicationFactor,
	}
	t, err := st.CreateTopic(name, tCfg, s.logger)
	if err != nil {
		return nil, err
	}
	if _, err := s.state.Append(statelog.KindCreateTopic, []byte(st.Name()), []byte(name)); err != nil {
		return nil, iggyerr.Wrap(iggyerr.CodeStateLogWriteFailed, "append create-topic entry", err)
	}
	return t, nil
}

// DeleteTopic removes a topic from its stream, cascading to any
// consumer group that referenced it (spec §8), the same rule
// DeleteStream applies across every topic of a deleted stream.
func (s *System) DeleteTopic(streamID, topicID identifier.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.resolveStream(streamID)
	if err != nil {
		return err
	}
	t, err := s.resolveTopic(st, topicID)
	if err != nil {
		return err
	}
	if err := st.DeleteTopic(t.ID()); err != nil {
		return err
	}
	s.cascadeDeleteGroupsLocked(st.ID(), t.ID())
	if _, err := s.state.Append(statelog.KindDeleteTopic, []byte(st.Name()), []byte(t.Name())); err != nil {
		return iggyerr.Wrap(iggyerr.CodeStateLogWriteFailed, "append delete-topic entry", err)
	}
	return nil
}

// FlushUnsavedBuffer forces every partition of a topic to persist its
// in-memory accumulator immediately, used by clients that need a
// read-your-writes guarantee without waiting for the flush ticker.
func (s *System) FlushUnsavedBuffer(streamID identifier.Identifier, topicID identifier.Identifier) error {
	_, t, err := s.GetTopic(streamID, topicID)
	if err != nil {
		return err
	}
	for i := 1; i <= t.PartitionCount(); i++ {
		p, err := t.Partition(uint32(i))
		if err != nil {
			return err
		}
		if err := p.Flush(); err != nil {
			return fmt.Errorf("system: flush partition %d: %w", i, err)
		}
	}
	return nil
}

func (s *System) resolveTopic(st *stream.Stream, id identifier.Identifier) (*topic.Topic, error) {
	if id.IsNumeric() {
		return st.Topic(id.Number())
	}
	return st.TopicByName(id.Text())
}

// Stats returns a snapshot of broker-wide counters.
func (s *System) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Streams: len(s.streams), ClientsConnected: len(s.clients)}
	for _, st := range s.streams {
		topics := st.Topics()
		stats.Topics += len(topics)
		for _, t := range topics {
			stats.Partitions += t.PartitionCount()
		}
	}
	return stats
}

// Users exposes the user store for authentication commands.
func (s *System) Users() *users.Store { return s.users }

// RegisterClient marks a connection id as active, for Stats.
func (s *System) RegisterClient(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[id] = struct{}{}
}

// UnregisterClient removes a connection id, e.g. on disconnect, and
// makes it leave every consumer group it belonged to.
func (s *System) UnregisterClient(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
	for _, g := range s.groups {
		g.Leave(id)
	}
}

// CreateConsumerGroup creates a consumer group over a topic's
// partitions, owned by that stream/topic pair (spec §3).
func (s *System) CreateConsumerGroup(streamID, topicID identifier.Identifier, name string) (*consumergroup.ConsumerGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.resolveStream(streamID)
	if err != nil {
		return nil, err
	}
	t, err := s.resolveTopic(st, topicID)
	if err != nil {
		return nil, err
	}
	s.nextGroup++
	g := consumergroup.New(s.nextGroup, name, st.ID(), t.ID(), t.PartitionCount())
	s.groups[g.ID()] = g
	return g, nil
}

// ConsumerGroup returns a previously created consumer group by id.
func (s *System) ConsumerGroup(id uint32) (*consumergroup.ConsumerGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, iggyerr.New(iggyerr.CodeConsumerGroupNotFound, fmt.Sprintf("consumer group %d not found", id))
	}
	return g, nil
}

// Permissions returns a fresh permission set template for newly created
// users who aren't granted anything by default.
func (s *System) Permissions() *permissions.Set {
	return permissions.New()
}

// RequireAuthenticated resolves the session's logged-in user, failing
// with CodeUnauthenticated when no login or PAT handshake has happened
// yet on this connection (spec §4.6: every command but Login/PAT-login
// itself requires an identity).
func (s *System) RequireAuthenticated(session *Session) (*users.User, error) {
	if session == nil || session.UserID == 0 {
		return nil, iggyerr.New(iggyerr.CodeUnauthenticated, "this command requires a logged-in session")
	}
	u, err := s.Users().ByID(session.UserID)
	if err != nil {
		return nil, iggyerr.New(iggyerr.CodeUnauthenticated, "session user no longer exists")
	}
	return u, nil
}

// RequireGlobal checks the session's user carries a global permission
// bit, for commands with no narrower scope to check against (creating
// a stream, reading server stats, managing users).
func (s *System) RequireGlobal(session *Session, want permissions.Global) (*users.User, error) {
	u, err := s.RequireAuthenticated(session)
	if err != nil {
		return nil, err
	}
	if !u.Permissions.HasGlobal(want) {
		return nil, iggyerr.New(iggyerr.CodeUnauthorized, "missing required global permission")
	}
	return u, nil
}

// RequireStreamAction checks the session's user can perform want
// against streamID/topicID, either via the matching global permission
// or a stream/topic-scoped grant (spec §4.6: a global grant always
// satisfies the narrower check, so callers never need to test both).
func (s *System) RequireStreamAction(session *Session, globalFallback permissions.Global, streamID, topicID uint32, want permissions.Action) (*users.User, error) {
	u, err := s.RequireAuthenticated(session)
	if err != nil {
		return nil, err
	}
	if u.Permissions.HasGlobal(globalFallback) || u.Permissions.HasStreamAction(streamID, topicID, want) {
		return u, nil
	}
	return nil, iggyerr.New(iggyerr.CodeUnauthorized, "missing required stream permission")
}

// LoginWithPersonalAccessToken authenticates a PAT bearer credential,
// the spec §4.6 alternative to a username/password handshake.
func (s *System) LoginWithPersonalAccessToken(token string) (*users.User, error) {
	return s.Users().AuthenticatePAT(token)
}

// CreatePersonalAccessToken mints a new PAT for a user, durably logging
// the grant (not the token itself, which is only ever returned once).
func (s *System) CreatePersonalAccessToken(userID uint32, name string, ttl time.Duration) (string, error) {
	token, err := s.Users().CreatePAT(userID, name, ttl)
	if err != nil {
		return "", err
	}
	if _, err := s.state.Append(statelog.KindCreatePAT, []byte(fmt.Sprintf("%d", userID)), []byte(name)); err != nil {
		return "", iggyerr.Wrap(iggyerr.CodeStateLogWriteFailed, "append create-pat entry", err)
	}
	return token, nil
}

// DeletePersonalAccessToken revokes a named PAT belonging to userID.
func (s *System) DeletePersonalAccessToken(userID uint32, name string) error {
	if err := s.Users().DeletePAT(userID, name); err != nil {
		return err
	}
	if _, err := s.state.Append(statelog.KindDeletePAT, []byte(fmt.Sprintf("%d", userID)), []byte(name)); err != nil {
		return iggyerr.Wrap(iggyerr.CodeStateLogWriteFailed, "append delete-pat entry", err)
	}
	return nil
}

// SweepRetention runs retention eviction across every partition of
// every topic, returning how many partitions were scanned and how many
// failed. Used by internal/retention.Sweeper on a schedule.
func (s *System) SweepRetention(now time.Time) (scanned, errored int) {
	s.mu.RLock()
	streams := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	for _, st := range streams {
		for _, t := range st.Topics() {
			for i := 1; i <= t.PartitionCount(); i++ {
				p, err := t.Partition(uint32(i))
				if err != nil {
					errored++
					continue
				}
				scanned++
				if err := p.SweepRetention(now); err != nil {
					s.logger.Warn("retention sweep failed", zap.Uint32("partition", p.ID()), zap.Error(err))
					errored++
				}
			}
		}
	}
	return scanned, errored
}

// Close flushes and closes the durable state log.
func (s *System) Close() error {
	return s.state.Close()
}
