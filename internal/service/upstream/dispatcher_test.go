package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/repository/memory"
	apperrors "e2ee-relay/pkg/errors"
)

type sent struct {
	Response  any
	ToAddress string
	ToEmail   string
	MessageID string
}

type groupSend struct {
	GroupID    string
	Message    json.RawMessage
	Originator string
}

// recordingResponder captures downstream messages instead of encrypting them.
// Like the real responder it refuses recipients without a public key.
type recordingResponder struct {
	mu     sync.Mutex
	keys   KeyStore
	sent   []sent
	groups []groupSend
	ids    int

	groupErr error
}

func (r *recordingResponder) SendEncryptedResponseJSON(_ context.Context, response any, toAddress, toEmail, messageID string) error {
	if _, ok := r.keys.GetContact(toEmail); !ok {
		return apperrors.UnknownIdentityError("email", toEmail)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{response, toAddress, toEmail, messageID})
	return nil
}

func (r *recordingResponder) SendEncryptedGroupMessage(_ context.Context, groupID string, message json.RawMessage, originatorEmail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groupErr != nil {
		return r.groupErr
	}
	r.groups = append(r.groups, groupSend{groupID, message, originatorEmail})
	return nil
}

func (r *recordingResponder) NewMessageID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids++
	return fmt.Sprintf("id-%d", r.ids)
}

func (r *recordingResponder) to(email string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, s := range r.sent {
		if s.ToEmail == email {
			out = append(out, s)
		}
	}
	return out
}

// MockDeviceGroups is a mock implementation of DeviceGroupCreator
type MockDeviceGroups struct {
	mock.Mock
}

func (m *MockDeviceGroups) MaybeCreateGroup(ctx context.Context, groupID string, addrs []string) (string, error) {
	args := m.Called(ctx, groupID, addrs)
	return args.String(0), args.Error(1)
}

type fixture struct {
	d         *Dispatcher
	responder *recordingResponder
	keys      *memory.PublicKeyRepository
	groups    *memory.GroupRepository
	logs      *observer.ObservedLogs
}

func newFixture(deviceGroups DeviceGroupCreator) *fixture {
	core, logs := observer.New(zapcore.DebugLevel)
	keys := memory.NewPublicKeyRepository(nil)
	groups := memory.NewGroupRepository(nil)
	responder := &recordingResponder{keys: keys}

	return &fixture{
		d:         NewDispatcher(responder, keys, groups, deviceGroups, zap.New(core)),
		responder: responder,
		keys:      keys,
		groups:    groups,
		logs:      logs,
	}
}

func (f *fixture) register(emails ...string) {
	for _, e := range emails {
		f.keys.MaybeAddPublicKey(e, "tok-"+e, "PK-"+e)
	}
}

func senderFor(email, messageID string) domain.Sender {
	return domain.Sender{Address: "tok-" + email, Email: email, MessageID: messageID}
}

func TestRegisterThenLookup(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	f.d.Dispatch(ctx, domain.Sender{Address: "tok-a", Email: "a@x.com", MessageID: "m-1"},
		domain.RegisterPublicKeyRequest{Email: "a@x.com", PublicKey: "PKA"})

	require.Len(t, f.responder.to("a@x.com"), 1)
	assert.Equal(t, domain.OutcomeResponse{
		DownstreamType: domain.DownstreamRegisterPublicKeyResponse,
		RequestID:      "m-1",
		Success:        true,
	}, f.responder.to("a@x.com")[0].Response)
	assert.Equal(t, "tok-a", f.responder.to("a@x.com")[0].ToAddress)

	f.register("b@x.com")
	f.d.Dispatch(ctx, senderFor("b@x.com", "m-2"), domain.GetNotificationKeyRequest{Email: "a@x.com"})

	got := f.responder.to("b@x.com")
	require.Len(t, got, 1)
	assert.Equal(t, domain.NotificationKeyResponse{
		DownstreamType:  domain.DownstreamGetNotificationKeyResponse,
		RequestID:       "m-2",
		Success:         true,
		NotificationKey: "tok-a",
	}, got[0].Response)
}

func TestRegisterTwiceKeepsFirstKey(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	s := domain.Sender{Address: "tok-a", Email: "a@x.com", MessageID: "m-1"}

	f.d.Dispatch(ctx, s, domain.RegisterPublicKeyRequest{Email: "a@x.com", PublicKey: "PK1"})
	s.MessageID = "m-2"
	f.d.Dispatch(ctx, s, domain.RegisterPublicKeyRequest{Email: "a@x.com", PublicKey: "PK2"})

	key, _ := f.keys.GetPublicKey("a@x.com")
	assert.Equal(t, "PK1", key)
	got := f.responder.to("a@x.com")
	require.Len(t, got, 2)
	assert.False(t, got[1].Response.(domain.OutcomeResponse).Success)
}

func TestGetNotificationKeyUnknown(t *testing.T) {
	f := newFixture(nil)
	f.register("b@x.com")

	f.d.Dispatch(context.Background(), senderFor("b@x.com", "m-1"), domain.GetNotificationKeyRequest{Email: "ghost@x.com"})

	got := f.responder.to("b@x.com")
	require.Len(t, got, 1)
	resp := got[0].Response.(domain.NotificationKeyResponse)
	assert.False(t, resp.Success)
	assert.Empty(t, resp.NotificationKey)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "notification_key\"")
}

func TestCreateGroupWithPartialFailure(t *testing.T) {
	f := newFixture(nil)
	f.register("a@x.com", "reg@x.com")

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.CreateGroupRequest{
		GroupID:      "g1",
		GroupName:    "Friends",
		MemberEmails: []string{"reg@x.com", "unreg@x.com"},
	})

	members := []domain.MemberInfo{
		{Email: "a@x.com", PublicKey: "PK-a@x.com", NotificationKey: "tok-a@x.com"},
		{Email: "reg@x.com", PublicKey: "PK-reg@x.com", NotificationKey: "tok-reg@x.com"},
	}

	toRequester := f.responder.to("a@x.com")
	require.Len(t, toRequester, 1)
	assert.Equal(t, domain.CreateGroupResponse{
		DownstreamType: domain.DownstreamCreateGroupResponse,
		RequestID:      "m-1",
		GroupName:      "Friends",
		GroupID:        "g1",
		Success:        true,
		FailedEmails:   []string{"unreg@x.com"},
		Members:        members,
	}, toRequester[0].Response)

	toMember := f.responder.to("reg@x.com")
	require.Len(t, toMember, 1)
	assert.Equal(t, domain.AddedToGroupNotice{
		DownstreamType: domain.DownstreamAddedToGroup,
		GroupName:      "Friends",
		GroupID:        "g1",
		Members:        members,
	}, toMember[0].Response)
	assert.Equal(t, "tok-reg@x.com", toMember[0].ToAddress)

	assert.Empty(t, f.responder.to("unreg@x.com"))

	got, ok := f.groups.GetGroupMembers("g1")
	require.True(t, ok)
	assert.Equal(t, []string{"a@x.com", "reg@x.com"}, got)

	assert.NotEqual(t, toRequester[0].MessageID, toMember[0].MessageID)
}

func TestCreateGroupEmptyFailedEmailsEncodesAsArray(t *testing.T) {
	f := newFixture(nil)
	f.register("a@x.com", "b@x.com")

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.CreateGroupRequest{
		GroupID: "g1", GroupName: "g1", MemberEmails: []string{"b@x.com", "b@x.com", "a@x.com"},
	})

	resp := f.responder.to("a@x.com")[0].Response.(domain.CreateGroupResponse)
	assert.Len(t, resp.Members, 2)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"failed_emails":[]`)
	assert.Len(t, f.responder.to("b@x.com"), 1)
}

func TestCreateGroupUnregisteredRequester(t *testing.T) {
	f := newFixture(nil)
	f.register("b@x.com")

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.CreateGroupRequest{
		GroupID: "g1", GroupName: "g1", MemberEmails: []string{"b@x.com"},
	})

	assert.Empty(t, f.responder.to("b@x.com"))
	assert.Equal(t, 0, f.groups.Len())
}

func TestCreateGroupWithDeviceGroup(t *testing.T) {
	dg := &MockDeviceGroups{}
	f := newFixture(dg)
	f.register("a@x.com", "b@x.com")

	dg.On("MaybeCreateGroup", mock.Anything, "g1", []string{"tok-a@x.com", "tok-b@x.com"}).Return("remote-1", nil).Once()

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.CreateGroupRequest{
		GroupID: "g1", GroupName: "g1", MemberEmails: []string{"b@x.com"},
	})

	dg.AssertExpectations(t)
	token, ok := f.groups.GetRemoteToken("g1")
	require.True(t, ok)
	assert.Equal(t, "remote-1", token)
	assert.True(t, f.responder.to("a@x.com")[0].Response.(domain.CreateGroupResponse).Success)
}

func TestCreateGroupReRegistrationReusesDeviceGroup(t *testing.T) {
	dg := &MockDeviceGroups{}
	f := newFixture(dg)
	f.register("a@x.com", "b@x.com", "c@x.com")

	dg.On("MaybeCreateGroup", mock.Anything, "g1", mock.Anything).Return("remote-1", nil).Once()

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.CreateGroupRequest{
		GroupID: "g1", GroupName: "g1", MemberEmails: []string{"b@x.com"},
	})
	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-2"), domain.CreateGroupRequest{
		GroupID: "g1", GroupName: "g1", MemberEmails: []string{"c@x.com"},
	})

	dg.AssertNumberOfCalls(t, "MaybeCreateGroup", 1)

	got := f.responder.to("a@x.com")
	require.Len(t, got, 2)
	assert.True(t, got[1].Response.(domain.CreateGroupResponse).Success)

	members, ok := f.groups.GetGroupMembers("g1")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com", "c@x.com"}, members)

	token, ok := f.groups.GetRemoteToken("g1")
	require.True(t, ok)
	assert.Equal(t, "remote-1", token)
	assert.Len(t, f.responder.to("c@x.com"), 1)
}

func TestCreateGroupDeviceGroupFailureReportsFailure(t *testing.T) {
	dg := &MockDeviceGroups{}
	f := newFixture(dg)
	f.register("a@x.com", "b@x.com")

	dg.On("MaybeCreateGroup", mock.Anything, "g1", mock.Anything).
		Return("", apperrors.ExternalDependencyError("device group", errors.New("status 400"))).Once()

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.CreateGroupRequest{
		GroupID: "g1", GroupName: "g1", MemberEmails: []string{"b@x.com"},
	})

	got := f.responder.to("a@x.com")
	require.Len(t, got, 1)
	assert.Equal(t, domain.OutcomeResponse{
		DownstreamType: domain.DownstreamCreateGroupResponse,
		RequestID:      "m-1",
		Success:        false,
	}, got[0].Response)
	assert.Empty(t, f.responder.to("b@x.com"))
	_, ok := f.groups.GetGroupMembers("g1")
	assert.False(t, ok)
}

func TestAddPeerToGroup(t *testing.T) {
	f := newFixture(nil)
	f.register("a@x.com", "b@x.com", "c@x.com")
	f.groups.RegisterGroup("g1", []string{"b@x.com"}, "a@x.com")

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.AddPeerToGroupRequest{
		GroupID: "g1", GroupName: "G", PeerEmail: "c@x.com",
	})

	toRequester := f.responder.to("a@x.com")
	require.Len(t, toRequester, 1)
	assert.Equal(t, domain.AddPeerToGroupResponse{
		DownstreamType: domain.DownstreamAddPeerToGroupResponse,
		RequestID:      "m-1",
		GroupName:      "G",
		GroupID:        "g1",
		Success:        true,
		PeerEmail:      "c@x.com",
		PeerToken:      "tok-c@x.com",
		PeerPublicKey:  "PK-c@x.com",
	}, toRequester[0].Response)

	toPeer := f.responder.to("c@x.com")
	require.Len(t, toPeer, 1)
	notice := toPeer[0].Response.(domain.AddedToGroupNotice)
	assert.Equal(t, domain.DownstreamAddedToGroup, notice.DownstreamType)
	assert.Len(t, notice.Members, 3)

	toOther := f.responder.to("b@x.com")
	require.Len(t, toOther, 1)
	assert.Equal(t, domain.AddedPeerToGroupNotice{
		DownstreamType: domain.DownstreamAddedPeerToGroup,
		GroupName:      "G",
		GroupID:        "g1",
		PeerEmail:      "c@x.com",
		PeerToken:      "tok-c@x.com",
		PeerPublicKey:  "PK-c@x.com",
	}, toOther[0].Response)
}

func TestAddPeerToGroupFailures(t *testing.T) {
	f := newFixture(nil)
	f.register("a@x.com", "b@x.com")
	f.groups.RegisterGroup("g1", nil, "a@x.com")

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.AddPeerToGroupRequest{
		GroupID: "g1", GroupName: "G", PeerEmail: "ghost@x.com",
	})
	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-2"), domain.AddPeerToGroupRequest{
		GroupID: "nope", GroupName: "G", PeerEmail: "b@x.com",
	})

	got := f.responder.to("a@x.com")
	require.Len(t, got, 2)
	for i, s := range got {
		resp := s.Response.(domain.OutcomeResponse)
		assert.False(t, resp.Success)
		assert.Equal(t, fmt.Sprintf("m-%d", i+1), resp.RequestID)
	}
	assert.Empty(t, f.responder.to("b@x.com"))
	members, _ := f.groups.GetGroupMembers("g1")
	assert.Equal(t, []string{"a@x.com"}, members)
}

func TestSelfRemovalFromGroup(t *testing.T) {
	f := newFixture(nil)
	f.register("a@x.com", "b@x.com")
	f.groups.RegisterGroup("g1", []string{"b@x.com"}, "a@x.com")

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.RemovePeerFromGroupRequest{
		GroupID: "g1", GroupName: "G", PeerEmail: "a@x.com",
	})

	toA := f.responder.to("a@x.com")
	require.Len(t, toA, 1)
	assert.Equal(t, domain.PeerRemovedMessage{
		DownstreamType: domain.DownstreamRemovePeerFromGroupResponse,
		RequestID:      "m-1",
		GroupName:      "G",
		GroupID:        "g1",
		Success:        true,
		PeerEmail:      "a@x.com",
	}, toA[0].Response)

	toB := f.responder.to("b@x.com")
	require.Len(t, toB, 1)
	assert.Equal(t, domain.PeerRemovedMessage{
		DownstreamType: domain.DownstreamRemovedPeerFromGroup,
		GroupName:      "G",
		GroupID:        "g1",
		Success:        true,
		PeerEmail:      "a@x.com",
	}, toB[0].Response)

	members, _ := f.groups.GetGroupMembers("g1")
	assert.Equal(t, []string{"b@x.com"}, members)
}

func TestRemoveOtherPeer(t *testing.T) {
	f := newFixture(nil)
	f.register("a@x.com", "b@x.com", "c@x.com")
	f.groups.RegisterGroup("g1", []string{"b@x.com", "c@x.com"}, "a@x.com")

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.RemovePeerFromGroupRequest{
		GroupID: "g1", GroupName: "G", PeerEmail: "c@x.com",
	})

	assert.Equal(t, domain.DownstreamRemovePeerFromGroupResponse,
		f.responder.to("a@x.com")[0].Response.(domain.PeerRemovedMessage).DownstreamType)
	for _, email := range []string{"b@x.com", "c@x.com"} {
		got := f.responder.to(email)
		require.Len(t, got, 1, email)
		msg := got[0].Response.(domain.PeerRemovedMessage)
		assert.Equal(t, domain.DownstreamRemovedPeerFromGroup, msg.DownstreamType)
		assert.Empty(t, msg.RequestID)
	}
}

func TestRemoveUnregisteredPeerStillNotifiesMembers(t *testing.T) {
	f := newFixture(nil)
	f.register("a@x.com", "b@x.com")
	f.groups.RegisterGroup("g1", []string{"b@x.com", "gone@x.com"}, "a@x.com")

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.RemovePeerFromGroupRequest{
		GroupID: "g1", GroupName: "G", PeerEmail: "gone@x.com",
	})

	assert.Len(t, f.responder.to("a@x.com"), 1)
	assert.Len(t, f.responder.to("b@x.com"), 1)
}

func TestRemoveFromUnknownGroupSendsNothing(t *testing.T) {
	f := newFixture(nil)
	f.register("a@x.com")

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.RemovePeerFromGroupRequest{
		GroupID: "nope", GroupName: "G", PeerEmail: "a@x.com",
	})
	assert.Empty(t, f.responder.to("a@x.com"))
}

func TestForwardToPeer(t *testing.T) {
	f := newFixture(nil)
	f.register("b@x.com")
	msg := json.RawMessage(`{"ciphertext":"opaque"}`)

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.ForwardToPeerRequest{PeerEmail: "b@x.com", PeerMessage: msg})
	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-2"), domain.ForwardToPeerRequest{PeerEmail: "ghost@x.com", PeerMessage: msg})

	got := f.responder.to("b@x.com")
	require.Len(t, got, 1)
	assert.Equal(t, domain.ForwardToPeerMessage{DownstreamType: domain.DownstreamForwardToPeer, PeerMessage: msg}, got[0].Response)
	assert.Len(t, f.responder.sent, 1)
	assert.Equal(t, 1, f.logs.FilterMessage("Dropping message for unknown peer").Len())
}

func TestForwardToGroupDelegatesFanOut(t *testing.T) {
	f := newFixture(nil)
	msg := json.RawMessage(`"hello"`)

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.ForwardToGroupRequest{GroupID: "g1", GroupMessage: msg})

	require.Len(t, f.responder.groups, 1)
	assert.Equal(t, groupSend{"g1", msg, "a@x.com"}, f.responder.groups[0])
}

func TestForwardToGroupLogsOutcome(t *testing.T) {
	f := newFixture(nil)
	msg := json.RawMessage(`"hello"`)

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.ForwardToGroupRequest{GroupID: "g1", GroupMessage: msg})
	assert.Equal(t, 1, f.logs.FilterMessage("Forwarded message to group").Len())

	f.responder.groupErr = apperrors.UnknownIdentityError("group", "g2")
	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-2"), domain.ForwardToGroupRequest{GroupID: "g2", GroupMessage: msg})

	failed := f.logs.FilterMessage("Group message not delivered").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.WarnLevel, failed[0].Level)
	assert.Equal(t, "g2", failed[0].ContextMap()["group_id"])
	assert.Len(t, f.responder.groups, 1)
}

func TestUpdateNotificationKey(t *testing.T) {
	f := newFixture(nil)
	f.register("a@x.com")

	signed := domain.Sender{Address: "tok-new", Email: "a@x.com", MessageID: "m-1", Authenticated: true}
	f.d.Dispatch(context.Background(), signed, domain.UpdateNotificationKeyRequest{Email: "a@x.com"})

	addr, _ := f.keys.GetNotificationKey("a@x.com")
	assert.Equal(t, "tok-new", addr)
	got := f.responder.to("a@x.com")
	require.Len(t, got, 1)
	assert.Equal(t, "tok-new", got[0].ToAddress)
	assert.True(t, got[0].Response.(domain.OutcomeResponse).Success)
}

func TestUpdateNotificationKeyRejected(t *testing.T) {
	cases := map[string]struct {
		sender domain.Sender
		email  string
	}{
		"unsigned":       {domain.Sender{Address: "tok-evil", Email: "a@x.com", MessageID: "m-1"}, "a@x.com"},
		"other identity": {domain.Sender{Address: "tok-evil", Email: "a@x.com", MessageID: "m-1", Authenticated: true}, "b@x.com"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(nil)
			f.register("a@x.com", "b@x.com")

			f.d.Dispatch(context.Background(), tc.sender, domain.UpdateNotificationKeyRequest{Email: tc.email})

			for _, email := range []string{"a@x.com", "b@x.com"} {
				addr, _ := f.keys.GetNotificationKey(email)
				assert.Equal(t, "tok-"+email, addr)
			}
			got := f.responder.to("a@x.com")
			require.Len(t, got, 1)
			assert.False(t, got[0].Response.(domain.OutcomeResponse).Success)
		})
	}
}

func TestUnknownRequestOnlyLogs(t *testing.T) {
	f := newFixture(nil)
	f.register("a@x.com")

	f.d.Dispatch(context.Background(), senderFor("a@x.com", "m-1"), domain.UnknownRequest{Type: "teleport"})

	assert.Empty(t, f.responder.sent)
	assert.Equal(t, 1, f.logs.FilterMessage("Received an unsupported upstream request type").Len())
}
