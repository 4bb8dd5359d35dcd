package system

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/iggy-run/iggy/internal/iggyerr"
	"github.com/iggy-run/iggy/internal/permissions"
	"github.com/iggy-run/iggy/internal/streaming/message"
	"github.com/iggy-run/iggy/internal/wire"
)

// CommandCode identifies a dispatched operation (spec §6). Transports
// decode a frame's command code and payload and call Dispatch; nothing
// about TCP or QUIC framing appears past this boundary.
type CommandCode uint32

const (
	CommandCreateStream CommandCode = 100
	CommandDeleteStream CommandCode = 101
	CommandGetStream    CommandCode = 102

	CommandCreateTopic        CommandCode = 200
	CommandDeleteTopic        CommandCode = 201
	CommandFlushUnsavedBuffer CommandCode = 202

	CommandSendMessages CommandCode = 300
	CommandPollMessages CommandCode = 301
	CommandStoreOffset  CommandCode = 302
	CommandGetOffset    CommandCode = 303

	CommandCreateConsumerGroup CommandCode = 400
	CommandJoinConsumerGroup   CommandCode = 401
	CommandLeaveConsumerGroup  CommandCode = 402

	CommandLogin                         CommandCode = 500
	CommandLoginWithPersonalAccessToken  CommandCode = 501
	CommandCreatePersonalAccessToken     CommandCode = 502
	CommandDeletePersonalAccessToken     CommandCode = 503

	CommandGetStats CommandCode = 600
)

// Session is the per-connection identity a dispatched command runs
// under; transports build one per client and pass it (by pointer, so a
// successful login persists across the rest of the connection) with
// every frame.
type Session struct {
	ClientID uint32
	UserID   uint32
}

// Dispatch decodes req.Payload according to req.CommandCode, applies
// the operation against the System, and encodes a response. Unknown
// command codes return CodeInvalidCommand rather than panicking, since
// a client is free to send garbage. Every command but the two login
// variants requires session to already carry an authenticated UserID
// (spec §4.6); RequireAuthenticated/RequireGlobal/RequireStreamAction
// enforce that uniformly.
func (s *System) Dispatch(session *Session, req wire.Request) wire.Response {
	switch CommandCode(req.CommandCode) {
	case CommandCreateStream:
		return s.dispatchCreateStream(session, req.Payload)
	case CommandDeleteStream:
		return s.dispatchDeleteStream(session, req.Payload)
	case CommandGetStream:
		return s.dispatchGetStream(session, req.Payload)
	case CommandCreateTopic:
		return s.dispatchCreateTopic(session, req.Payload)
	case CommandDeleteTopic:
		return s.dispatchDeleteTopic(session, req.Payload)
	case CommandFlushUnsavedBuffer:
		return s.dispatchFlushUnsavedBuffer(session, req.Payload)
	case CommandSendMessages:
		return s.dispatchSendMessages(session, req.Payload)
	case CommandPollMessages:
		return s.dispatchPollMessages(session, req.Payload)
	case CommandStoreOffset:
		return s.dispatchStoreOffset(session, req.Payload)
	case CommandGetOffset:
		return s.dispatchGetOffset(session, req.Payload)
	case CommandCreateConsumerGroup:
		return s.dispatchCreateConsumerGroup(session, req.Payload)
	case CommandJoinConsumerGroup:
		return s.dispatchJoinConsumerGroup(session, req.Payload)
	case CommandLeaveConsumerGroup:
		return s.dispatchLeaveConsumerGroup(session, req.Payload)
	case CommandLogin:
		return s.dispatchLogin(session, req.Payload)
	case CommandLoginWithPersonalAccessToken:
		return s.dispatchLoginWithPAT(session, req.Payload)
	case CommandCreatePersonalAccessToken:
		return s.dispatchCreatePAT(session, req.Payload)
	case CommandDeletePersonalAccessToken:
		return s.dispatchDeletePAT(session, req.Payload)
	case CommandGetStats:
		return s.dispatchGetStats(session)
	default:
		return errResponse(iggyerr.New(iggyerr.CodeInvalidCommand, fmt.Sprintf("unknown command code %d", req.CommandCode)))
	}
}

func errResponse(err error) wire.Response {
	return wire.Response{Status: uint32(iggyerr.CodeOf(err))}
}

func readLengthPrefixedString(buf []byte) (string, int, error) {
	if len(buf) < 1 {
		return "", 0, fmt.Errorf("system: truncated string length")
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return "", 0, fmt.Errorf("system: truncated string body")
	}
	return string(buf[1 : 1+n]), 1 + n, nil
}

func (s *System) dispatchCreateStream(session *Session, payload []byte) wire.Response {
	if _, err := s.RequireGlobal(session, permissions.GlobalManageStreams); err != nil {
		return errResponse(err)
	}
	name, _, err := readLengthPrefixedString(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode create-stream payload", err))
	}
	st, err := s.CreateStream(name)
	if err != nil {
		return errResponse(err)
	}
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], st.ID())
	return wire.Response{Payload: out[:]}
}

func (s *System) dispatchDeleteStream(session *Session, payload []byte) wire.Response {
	if _, err := s.RequireGlobal(session, permissions.GlobalManageStreams); err != nil {
		return errResponse(err)
	}
	id, _, err := wire.DecodeIdentifier(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode identifier", err))
	}
	if err := s.DeleteStream(id); err != nil {
		return errResponse(err)
	}
	return wire.Response{}
}

func (s *System) dispatchGetStream(session *Session, payload []byte) wire.Response {
	id, _, err := wire.DecodeIdentifier(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode identifier", err))
	}
	st, err := s.GetStream(id)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireStreamAction(session, permissions.GlobalReadStreams, st.ID(), 0, permissions.ActionReadStream); err != nil {
		return errResponse(err)
	}
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], st.ID())
	return wire.Response{Payload: out[:]}
}

func (s *System) dispatchCreateTopic(session *Session, payload []byte) wire.Response {
	streamID, n, err := wire.DecodeIdentifier(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode stream identifier", err))
	}
	st, err := s.GetStream(streamID)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireStreamAction(session, permissions.GlobalManageTopics, st.ID(), 0, permissions.ActionManageTopics); err != nil {
		return errResponse(err)
	}

	rest := payload[n:]
	if len(rest) < 4 {
		return errResponse(iggyerr.New(iggyerr.CodeInvalidCommand, "truncated partition count"))
	}
	partitionCount := int(binary.LittleEndian.Uint32(rest[:4]))
	rest = rest[4:]
	name, consumed, err := readLengthPrefixedString(rest)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode topic name", err))
	}
	rest = rest[consumed:]

	var opts TopicOptions
	if len(rest) < 1 {
		return errResponse(iggyerr.New(iggyerr.CodeInvalidCommand, "truncated compression"))
	}
	if rest[0] == 1 {
		opts.Compression = "gzip"
	}
	rest = rest[1:]
	opts.MessageExpiry, consumed, err = readLengthPrefixedString(rest)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode message_expiry", err))
	}
	rest = rest[consumed:]
	opts.MaxTopicSize, consumed, err = readLengthPrefixedString(rest)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode max_topic_size", err))
	}
	rest = rest[consumed:]
	if len(rest) < 4 {
		return errResponse(iggyerr.New(iggyerr.CodeInvalidCommand, "truncated replication_factor"))
	}
	opts.ReplicationFactor = binary.LittleEndian.Uint32(rest[:4])

	t, err := s.CreateTopic(streamID, name, partitionCount, opts)
	if err != nil {
		return errResponse(err)
	}
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], t.ID())
	return wire.Response{Payload: out[:]}
}

func (s *System) dispatchDeleteTopic(session *Session, payload []byte) wire.Response {
	streamID, n, err := wire.DecodeIdentifier(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode stream identifier", err))
	}
	topicID, _, err := wire.DecodeIdentifier(payload[n:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode topic identifier", err))
	}
	st, t, err := s.GetTopic(streamID, topicID)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireStreamAction(session, permissions.GlobalManageTopics, st.ID(), t.ID(), permissions.ActionManageTopic); err != nil {
		return errResponse(err)
	}
	if err := s.DeleteTopic(streamID, topicID); err != nil {
		return errResponse(err)
	}
	return wire.Response{}
}

func (s *System) dispatchFlushUnsavedBuffer(session *Session, payload []byte) wire.Response {
	streamID, n, err := wire.DecodeIdentifier(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode stream identifier", err))
	}
	topicID, _, err := wire.DecodeIdentifier(payload[n:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode topic identifier", err))
	}
	st, t, err := s.GetTopic(streamID, topicID)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireStreamAction(session, permissions.GlobalManageTopics, st.ID(), t.ID(), permissions.ActionManageTopics); err != nil {
		return errResponse(err)
	}
	if err := s.FlushUnsavedBuffer(streamID, topicID); err != nil {
		return errResponse(err)
	}
	return wire.Response{}
}

func (s *System) dispatchSendMessages(session *Session, payload []byte) wire.Response {
	streamID, n, err := wire.DecodeIdentifier(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode stream identifier", err))
	}
	offset := n
	topicID, n2, err := wire.DecodeIdentifier(payload[offset:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode topic identifier", err))
	}
	offset += n2
	partitioning, n3, err := wire.DecodePartitioning(payload[offset:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode partitioning", err))
	}
	offset += n3

	var msgs []*message.Message
	for offset < len(payload) {
		m, consumed, err := message.Decode(payload[offset:])
		if err != nil {
			return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode message", err))
		}
		msgs = append(msgs, m)
		offset += consumed
	}

	st, t, err := s.GetTopic(streamID, topicID)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireStreamAction(session, permissions.GlobalSendMessages, st.ID(), t.ID(), permissions.ActionSendMessages); err != nil {
		return errResponse(err)
	}
	firstOffset, err := t.Append(partitioning, msgs)
	if err != nil {
		return errResponse(err)
	}
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], firstOffset)
	return wire.Response{Payload: out[:]}
}

func (s *System) dispatchPollMessages(session *Session, payload []byte) wire.Response {
	streamID, n, err := wire.DecodeIdentifier(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode stream identifier", err))
	}
	offset := n
	topicID, n2, err := wire.DecodeIdentifier(payload[offset:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode topic identifier", err))
	}
	offset += n2
	if len(payload) < offset+4 {
		return errResponse(iggyerr.New(iggyerr.CodeInvalidCommand, "truncated partition id"))
	}
	partitionID := binary.LittleEndian.Uint32(payload[offset : offset+4])
	offset += 4
	strategy, _, err := wire.DecodeStrategy(payload[offset:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode read strategy", err))
	}
	var count int
	if len(payload) >= offset+14+4 {
		count = int(binary.LittleEndian.Uint32(payload[offset+14 : offset+18]))
	}

	st, t, err := s.GetTopic(streamID, topicID)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireStreamAction(session, permissions.GlobalPollMessages, st.ID(), t.ID(), permissions.ActionPollMessages); err != nil {
		return errResponse(err)
	}
	p, err := t.Partition(partitionID)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodePartitionNotFound, "resolve partition", err))
	}
	msgs, err := p.Read(strategy, count)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeCannotReadBatch, "read messages", err))
	}
	var out []byte
	for _, m := range msgs {
		out = append(out, m.Encode()...)
	}
	return wire.Response{Payload: out}
}

func (s *System) dispatchStoreOffset(session *Session, payload []byte) wire.Response {
	streamID, n, err := wire.DecodeIdentifier(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode stream identifier", err))
	}
	offset := n
	topicID, n2, err := wire.DecodeIdentifier(payload[offset:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode topic identifier", err))
	}
	offset += n2
	if len(payload) < offset+16 {
		return errResponse(iggyerr.New(iggyerr.CodeInvalidCommand, "truncated store-offset request"))
	}
	partitionID := binary.LittleEndian.Uint32(payload[offset : offset+4])
	consumerID := binary.LittleEndian.Uint32(payload[offset+4 : offset+8])
	committed := binary.LittleEndian.Uint64(payload[offset+8 : offset+16])

	st, t, err := s.GetTopic(streamID, topicID)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireStreamAction(session, permissions.GlobalPollMessages, st.ID(), t.ID(), permissions.ActionPollMessages); err != nil {
		return errResponse(err)
	}
	p, err := t.Partition(partitionID)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodePartitionNotFound, "resolve partition", err))
	}
	p.CommitOffset(consumerID, committed)
	return wire.Response{}
}

func (s *System) dispatchGetOffset(session *Session, payload []byte) wire.Response {
	streamID, n, err := wire.DecodeIdentifier(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode stream identifier", err))
	}
	offset := n
	topicID, n2, err := wire.DecodeIdentifier(payload[offset:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode topic identifier", err))
	}
	offset += n2
	if len(payload) < offset+8 {
		return errResponse(iggyerr.New(iggyerr.CodeInvalidCommand, "truncated get-offset request"))
	}
	partitionID := binary.LittleEndian.Uint32(payload[offset : offset+4])
	consumerID := binary.LittleEndian.Uint32(payload[offset+4 : offset+8])

	st, t, err := s.GetTopic(streamID, topicID)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireStreamAction(session, permissions.GlobalPollMessages, st.ID(), t.ID(), permissions.ActionPollMessages); err != nil {
		return errResponse(err)
	}
	p, err := t.Partition(partitionID)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodePartitionNotFound, "resolve partition", err))
	}
	committed, ok := p.CommittedOffset(consumerID)
	if !ok {
		return wire.Response{Payload: []byte{0}}
	}
	out := make([]byte, 9)
	out[0] = 1
	binary.LittleEndian.PutUint64(out[1:], committed)
	return wire.Response{Payload: out}
}

func (s *System) dispatchCreateConsumerGroup(session *Session, payload []byte) wire.Response {
	streamID, n, err := wire.DecodeIdentifier(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode stream identifier", err))
	}
	offset := n
	topicID, n2, err := wire.DecodeIdentifier(payload[offset:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode topic identifier", err))
	}
	offset += n2
	name, _, err := readLengthPrefixedString(payload[offset:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode group name", err))
	}
	st, t, err := s.GetTopic(streamID, topicID)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireStreamAction(session, permissions.GlobalPollMessages, st.ID(), t.ID(), permissions.ActionPollMessages); err != nil {
		return errResponse(err)
	}
	g, err := s.CreateConsumerGroup(streamID, topicID, name)
	if err != nil {
		return errResponse(err)
	}
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], g.ID())
	return wire.Response{Payload: out[:]}
}

func (s *System) dispatchJoinConsumerGroup(session *Session, payload []byte) wire.Response {
	if len(payload) < 4 {
		return errResponse(iggyerr.New(iggyerr.CodeInvalidCommand, "truncated group id"))
	}
	groupID := binary.LittleEndian.Uint32(payload[:4])
	g, err := s.ConsumerGroup(groupID)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireStreamAction(session, permissions.GlobalPollMessages, g.StreamID(), g.TopicID(), permissions.ActionPollMessages); err != nil {
		return errResponse(err)
	}
	if err := g.Join(session.ClientID); err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "join consumer group", err))
	}
	return wire.Response{}
}

func (s *System) dispatchLeaveConsumerGroup(session *Session, payload []byte) wire.Response {
	if len(payload) < 4 {
		return errResponse(iggyerr.New(iggyerr.CodeInvalidCommand, "truncated group id"))
	}
	groupID := binary.LittleEndian.Uint32(payload[:4])
	g, err := s.ConsumerGroup(groupID)
	if err != nil {
		return errResponse(err)
	}
	if _, err := s.RequireAuthenticated(session); err != nil {
		return errResponse(err)
	}
	g.Leave(session.ClientID)
	return wire.Response{}
}

func (s *System) dispatchLogin(session *Session, payload []byte) wire.Response {
	username, n, err := readLengthPrefixedString(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode username", err))
	}
	password, _, err := readLengthPrefixedString(payload[n:])
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode password", err))
	}
	u, err := s.Users().Authenticate(username, password)
	if err != nil {
		return errResponse(err)
	}
	session.UserID = u.ID
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], u.ID)
	return wire.Response{Payload: out[:]}
}

func (s *System) dispatchLoginWithPAT(session *Session, payload []byte) wire.Response {
	token, _, err := readLengthPrefixedString(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode personal access token", err))
	}
	u, err := s.LoginWithPersonalAccessToken(token)
	if err != nil {
		return errResponse(err)
	}
	session.UserID = u.ID
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], u.ID)
	return wire.Response{Payload: out[:]}
}

func (s *System) dispatchCreatePAT(session *Session, payload []byte) wire.Response {
	u, err := s.RequireAuthenticated(session)
	if err != nil {
		return errResponse(err)
	}
	name, n, err := readLengthPrefixedString(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode token name", err))
	}
	rest := payload[n:]
	if len(rest) < 8 {
		return errResponse(iggyerr.New(iggyerr.CodeInvalidCommand, "truncated ttl"))
	}
	ttlSeconds := binary.LittleEndian.Uint64(rest[:8])
	token, err := s.CreatePersonalAccessToken(u.ID, name, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		return errResponse(err)
	}
	return wire.Response{Payload: []byte(token)}
}

func (s *System) dispatchDeletePAT(session *Session, payload []byte) wire.Response {
	u, err := s.RequireAuthenticated(session)
	if err != nil {
		return errResponse(err)
	}
	name, _, err := readLengthPrefixedString(payload)
	if err != nil {
		return errResponse(iggyerr.Wrap(iggyerr.CodeInvalidCommand, "decode token name", err))
	}
	if err := s.DeletePersonalAccessToken(u.ID, name); err != nil {
		return errResponse(err)
	}
	return wire.Response{}
}

func (s *System) dispatchGetStats(session *Session) wire.Response {
	if _, err := s.RequireGlobal(session, permissions.GlobalReadServer); err != nil {
		return errResponse(err)
	}
	stats := s.Stats()
	out := make([]byte, 20)
	binary.LittleEndian.PutUint32(out[0:4], uint32(stats.Streams))
	binary.LittleEndian.PutUint32(out[4:8], uint32(stats.Topics))
	binary.LittleEndian.PutUint32(out[8:12], uint32(stats.Partitions))
	binary.LittleEndian.PutUint64(out[12:20], stats.Messages)
	return wire.Response{Payload: out}
}
