package system

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggy-run/iggy/internal/identifier"
	"github.com/iggy-run/iggy/internal/iggyerr"
	"github.com/iggy-run/iggy/internal/streaming/message"
	"github.com/iggy-run/iggy/internal/wire"
)

func lengthPrefixedString(s string) []byte {
	return append([]byte{byte(len(s))}, []byte(s)...)
}

// loggedInRootSession dispatches a root login and returns a session
// carrying the resulting UserID, since every command but Login itself
// now requires an authenticated session (spec §4.6).
func loggedInRootSession(t *testing.T, s *System) *Session {
	t.Helper()
	sess := &Session{ClientID: 1}
	payload := append(lengthPrefixedString("iggy"), lengthPrefixedString("iggy")...)
	resp := s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandLogin), Payload: payload})
	require.Equal(t, uint32(0), resp.Status)
	return sess
}

// createTopicPayload builds a CreateTopic request body: stream
// identifier, partition count, name, and the spec §3 topic options
// (compression/expiry/size/replication) every topic now carries.
func createTopicPayload(t *testing.T, streamID uint32, name string, partitionCount uint32) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, wire.EncodeIdentifier(mustNumericIdentifier(t, streamID))...)
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], partitionCount)
	buf = append(buf, count[:]...)
	buf = append(buf, lengthPrefixedString(name)...)
	buf = append(buf, 0) // compression: none
	buf = append(buf, lengthPrefixedString("")...)
	buf = append(buf, lengthPrefixedString("")...)
	var replication [4]byte
	binary.LittleEndian.PutUint32(replication[:], 1)
	buf = append(buf, replication[:]...)
	return buf
}

func TestDispatch_CreateStreamAndGetStream(t *testing.T) {
	s := newTestSystem(t)
	sess := loggedInRootSession(t, s)

	resp := s.Dispatch(sess, wire.Request{
		CommandCode: uint32(CommandCreateStream),
		Payload:     lengthPrefixedString("orders"),
	})
	require.Equal(t, uint32(0), resp.Status)
	streamID := binary.LittleEndian.Uint32(resp.Payload)
	assert.Equal(t, uint32(1), streamID)

	getPayload := wire.EncodeIdentifier(mustNumericIdentifier(t, streamID))
	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandGetStream), Payload: getPayload})
	require.Equal(t, uint32(0), resp.Status)
}

func TestDispatch_UnknownCommandReturnsInvalidCommand(t *testing.T) {
	s := newTestSystem(t)
	resp := s.Dispatch(&Session{}, wire.Request{CommandCode: 99999})
	assert.Equal(t, uint32(iggyerr.CodeInvalidCommand), resp.Status)
}

func TestDispatch_CreateStreamRequiresAuthentication(t *testing.T) {
	s := newTestSystem(t)
	resp := s.Dispatch(&Session{ClientID: 1}, wire.Request{
		CommandCode: uint32(CommandCreateStream),
		Payload:     lengthPrefixedString("orders"),
	})
	assert.Equal(t, uint32(iggyerr.CodeUnauthenticated), resp.Status)
}

func TestDispatch_SendAndPollMessages(t *testing.T) {
	s := newTestSystem(t)
	sess := loggedInRootSession(t, s)

	resp := s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandCreateStream), Payload: lengthPrefixedString("orders")})
	require.Equal(t, uint32(0), resp.Status)
	streamID := binary.LittleEndian.Uint32(resp.Payload)

	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandCreateTopic), Payload: createTopicPayload(t, streamID, "payments", 1)})
	require.Equal(t, uint32(0), resp.Status)
	topicID := binary.LittleEndian.Uint32(resp.Payload)

	var sendPayload []byte
	sendPayload = append(sendPayload, wire.EncodeIdentifier(mustNumericIdentifier(t, streamID))...)
	sendPayload = append(sendPayload, wire.EncodeIdentifier(mustNumericIdentifier(t, topicID))...)
	sendPayload = append(sendPayload, wire.EncodePartitioning(wire.Partitioning{Kind: wire.PartitioningPartitionID, PartitionID: 1})...)
	msg := &message.Message{Payload: []byte("charge")}
	sendPayload = append(sendPayload, msg.Encode()...)

	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandSendMessages), Payload: sendPayload})
	require.Equal(t, uint32(0), resp.Status)

	require.NoError(t, s.FlushUnsavedBuffer(mustNumericIdentifier(t, streamID), mustNumericIdentifier(t, topicID)))

	var pollPayload []byte
	pollPayload = append(pollPayload, wire.EncodeIdentifier(mustNumericIdentifier(t, streamID))...)
	pollPayload = append(pollPayload, wire.EncodeIdentifier(mustNumericIdentifier(t, topicID))...)
	var partitionID [4]byte
	binary.LittleEndian.PutUint32(partitionID[:], 1)
	pollPayload = append(pollPayload, partitionID[:]...)
	pollPayload = append(pollPayload, wire.EncodeStrategy(wire.ReadStrategy{Kind: wire.StrategyOffset, Offset: 0})...)
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], 10)
	pollPayload = append(pollPayload, count[:]...)

	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandPollMessages), Payload: pollPayload})
	require.Equal(t, uint32(0), resp.Status)
	require.NotEmpty(t, resp.Payload)

	got, _, err := message.Decode(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("charge"), got.Payload)
}

func TestDispatch_DeleteTopic(t *testing.T) {
	s := newTestSystem(t)
	sess := loggedInRootSession(t, s)

	resp := s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandCreateStream), Payload: lengthPrefixedString("orders")})
	require.Equal(t, uint32(0), resp.Status)
	streamID := binary.LittleEndian.Uint32(resp.Payload)

	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandCreateTopic), Payload: createTopicPayload(t, streamID, "payments", 1)})
	require.Equal(t, uint32(0), resp.Status)
	topicID := binary.LittleEndian.Uint32(resp.Payload)

	var deletePayload []byte
	deletePayload = append(deletePayload, wire.EncodeIdentifier(mustNumericIdentifier(t, streamID))...)
	deletePayload = append(deletePayload, wire.EncodeIdentifier(mustNumericIdentifier(t, topicID))...)
	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandDeleteTopic), Payload: deletePayload})
	require.Equal(t, uint32(0), resp.Status)

	_, _, err := s.GetTopic(mustNumericIdentifier(t, streamID), mustNumericIdentifier(t, topicID))
	assert.Error(t, err)
}

func TestDispatch_StoreAndGetOffset(t *testing.T) {
	s := newTestSystem(t)
	sess := loggedInRootSession(t, s)

	resp := s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandCreateStream), Payload: lengthPrefixedString("orders")})
	require.Equal(t, uint32(0), resp.Status)
	streamID := binary.LittleEndian.Uint32(resp.Payload)

	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandCreateTopic), Payload: createTopicPayload(t, streamID, "payments", 1)})
	require.Equal(t, uint32(0), resp.Status)
	topicID := binary.LittleEndian.Uint32(resp.Payload)

	var storePayload []byte
	storePayload = append(storePayload, wire.EncodeIdentifier(mustNumericIdentifier(t, streamID))...)
	storePayload = append(storePayload, wire.EncodeIdentifier(mustNumericIdentifier(t, topicID))...)
	var partitionID, consumerID [4]byte
	binary.LittleEndian.PutUint32(partitionID[:], 1)
	binary.LittleEndian.PutUint32(consumerID[:], 7)
	var committed [8]byte
	binary.LittleEndian.PutUint64(committed[:], 42)
	storePayload = append(storePayload, partitionID[:]...)
	storePayload = append(storePayload, consumerID[:]...)
	storePayload = append(storePayload, committed[:]...)

	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandStoreOffset), Payload: storePayload})
	require.Equal(t, uint32(0), resp.Status)

	getPayload := append(append([]byte{}, wire.EncodeIdentifier(mustNumericIdentifier(t, streamID))...), wire.EncodeIdentifier(mustNumericIdentifier(t, topicID))...)
	getPayload = append(getPayload, partitionID[:]...)
	getPayload = append(getPayload, consumerID[:]...)

	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandGetOffset), Payload: getPayload})
	require.Equal(t, uint32(0), resp.Status)
	require.Len(t, resp.Payload, 9)
	assert.Equal(t, byte(1), resp.Payload[0])
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(resp.Payload[1:]))
}

func TestDispatch_PersonalAccessTokenLoginAndDelete(t *testing.T) {
	s := newTestSystem(t)
	sess := loggedInRootSession(t, s)

	var createPayload []byte
	createPayload = append(createPayload, lengthPrefixedString("ci")...)
	var ttl [8]byte
	createPayload = append(createPayload, ttl[:]...)
	resp := s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandCreatePersonalAccessToken), Payload: createPayload})
	require.Equal(t, uint32(0), resp.Status)
	token := string(resp.Payload)
	require.NotEmpty(t, token)

	patSess := &Session{ClientID: 2}
	resp = s.Dispatch(patSess, wire.Request{CommandCode: uint32(CommandLoginWithPersonalAccessToken), Payload: lengthPrefixedString(token)})
	require.Equal(t, uint32(0), resp.Status)
	assert.NotZero(t, patSess.UserID)

	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandDeletePersonalAccessToken), Payload: lengthPrefixedString("ci")})
	require.Equal(t, uint32(0), resp.Status)

	resp = s.Dispatch(&Session{ClientID: 3}, wire.Request{CommandCode: uint32(CommandLoginWithPersonalAccessToken), Payload: lengthPrefixedString(token)})
	assert.NotEqual(t, uint32(0), resp.Status)
}

func TestDispatch_CreateAndJoinConsumerGroup(t *testing.T) {
	s := newTestSystem(t)
	sess := loggedInRootSession(t, s)

	resp := s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandCreateStream), Payload: lengthPrefixedString("orders")})
	require.Equal(t, uint32(0), resp.Status)
	streamID := binary.LittleEndian.Uint32(resp.Payload)

	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandCreateTopic), Payload: createTopicPayload(t, streamID, "payments", 2)})
	require.Equal(t, uint32(0), resp.Status)
	topicID := binary.LittleEndian.Uint32(resp.Payload)

	var createGroupPayload []byte
	createGroupPayload = append(createGroupPayload, wire.EncodeIdentifier(mustNumericIdentifier(t, streamID))...)
	createGroupPayload = append(createGroupPayload, wire.EncodeIdentifier(mustNumericIdentifier(t, topicID))...)
	createGroupPayload = append(createGroupPayload, lengthPrefixedString("workers")...)
	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandCreateConsumerGroup), Payload: createGroupPayload})
	require.Equal(t, uint32(0), resp.Status)
	groupID := binary.LittleEndian.Uint32(resp.Payload)

	var groupIDBytes [4]byte
	binary.LittleEndian.PutUint32(groupIDBytes[:], groupID)
	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandJoinConsumerGroup), Payload: groupIDBytes[:]})
	require.Equal(t, uint32(0), resp.Status)

	g, err := s.ConsumerGroup(groupID)
	require.NoError(t, err)
	assert.Len(t, g.Assignment(sess.ClientID), 2)

	resp = s.Dispatch(sess, wire.Request{CommandCode: uint32(CommandLeaveConsumerGroup), Payload: groupIDBytes[:]})
	require.Equal(t, uint32(0), resp.Status)
	assert.Empty(t, g.Assignment(sess.ClientID))
}

func TestDispatch_Login(t *testing.T) {
	s := newTestSystem(t)
	payload := append(lengthPrefixedString("iggy"), lengthPrefixedString("iggy")...)
	resp := s.Dispatch(&Session{}, wire.Request{CommandCode: uint32(CommandLogin), Payload: payload})
	require.Equal(t, uint32(0), resp.Status)
}

func TestDispatch_LoginWrongPasswordUnauthenticated(t *testing.T) {
	s := newTestSystem(t)
	payload := append(lengthPrefixedString("iggy"), lengthPrefixedString("wrong")...)
	resp := s.Dispatch(&Session{}, wire.Request{CommandCode: uint32(CommandLogin), Payload: payload})
	assert.Equal(t, uint32(iggyerr.CodeUnauthenticated), resp.Status)
}

func mustNumericIdentifier(t *testing.T, id uint32) identifier.Identifier {
	t.Helper()
	out, err := identifier.Numeric(id)
	require.NoError(t, err)
	return out
}
