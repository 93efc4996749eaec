package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/liveavatar/internal/events"
	"github.com/ent0n29/liveavatar/internal/llm"
	"github.com/ent0n29/liveavatar/internal/provisioning"
	"github.com/ent0n29/liveavatar/internal/relay"
	"github.com/ent0n29/liveavatar/internal/session"
	"github.com/ent0n29/liveavatar/internal/settings"
)

func TestStartConnectsSessionAndDerivesEndpoint(t *testing.T) {
	h := newHarness(t, Options{RollbackPartialStart: true})

	sess, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s1", sess.ID)
	require.Equal(t, "abc123", h.orch.RelayEndpoint())

	stored, ok := h.orch.Session()
	require.True(t, ok)
	require.Equal(t, "s1", stored.ID)

	st := h.orch.State()
	require.Equal(t, session.PhaseActive, st.Phase)
	require.True(t, st.Joined)
	require.True(t, st.RelayConnected)
	require.False(t, st.VideoSubscribed)

	require.Len(t, h.media.joins, 1)
	require.Equal(t, "app-1", h.media.joins[0].AppID)
	require.Equal(t, "chan-s1", h.media.joins[0].Channel)
	require.Equal(t, "media-s1", h.media.joins[0].Token)
	require.Equal(t, int64(77), h.media.joins[0].UID)
	require.Equal(t, []string{"wss://relay.example.com/client/abc123.ws"}, h.relay.urls)
}

func TestCloseWithoutSessionIsNoop(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.orch.Close(context.Background()))
	require.Empty(t, h.prov.closedIDs())
	require.Equal(t, 0, h.relay.closeCount())
	_, leaves := h.media.counts()
	require.Equal(t, 0, leaves)
	require.Equal(t, session.PhaseIdle, h.orch.State().Phase)
}

func TestCloseTearsDownSession(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.media.publishVideo()
	require.True(t, h.orch.State().VideoSubscribed)

	require.NoError(t, h.orch.Close(context.Background()))
	require.Equal(t, []string{"s1"}, h.prov.closedIDs())
	require.Equal(t, 1, h.relay.closeCount())
	_, leaves := h.media.counts()
	require.Equal(t, 1, leaves)

	_, ok := h.orch.Session()
	require.False(t, ok)
	require.Empty(t, h.orch.RelayEndpoint())
	require.Equal(t, session.ConnectionState{Phase: session.PhaseIdle}, h.orch.State())

	// A second close finds nothing left to release.
	require.NoError(t, h.orch.Close(context.Background()))
	require.Equal(t, []string{"s1"}, h.prov.closedIDs())
}

func TestStartWhileJoinedClosesPreviousSessionOnce(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)

	sess, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s2", sess.ID)
	require.Equal(t, "def456", h.orch.RelayEndpoint())

	require.Equal(t, []string{"s1"}, h.prov.closedIDs())
	require.Equal(t, 1, h.relay.closeCount())
	joins, leaves := h.media.counts()
	require.Equal(t, 2, joins)
	require.Equal(t, 1, leaves)
	require.Equal(t, session.PhaseActive, h.orch.State().Phase)
}

func TestCloseReturnsVendorErrorAndClearsState(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)

	h.prov.closeErr = &provisioning.APIError{Op: "close", Code: 1200, Msg: "session already closed"}
	err = h.orch.Close(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "session already closed")

	_, ok := h.orch.Session()
	require.False(t, ok)
	require.False(t, h.orch.State().Busy())
	_, leaves := h.media.counts()
	require.Equal(t, 1, leaves)
}

func TestProvisioningFailureStoresNoSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": 1101, "msg": "avatar not found"}`))
	}))
	defer ts.Close()

	initial := settings.Defaults()
	initial.Host = ts.URL
	initial.Token = "akool-token"
	store, err := settings.NewStore(initial)
	require.NoError(t, err)

	media := &fakeMedia{}
	rel := &fakeRelay{}
	orch := New(Deps{
		Provisioner: provisioning.NewClient(time.Second),
		Media:       media,
		Relay:       rel,
		Completer:   &fakeCompleter{replies: []string{"x"}},
		Settings:    store,
		Logger:      zerolog.Nop(),
	}, Options{RollbackPartialStart: true})

	_, err = orch.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "avatar not found")

	var apiErr *provisioning.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 1101, apiErr.Code)

	_, ok := orch.Session()
	require.False(t, ok)
	require.Equal(t, session.PhaseIdle, orch.State().Phase)
	joins, _ := media.counts()
	require.Equal(t, 0, joins)
	require.Empty(t, rel.urls)
}

func TestPartialStartRollsBack(t *testing.T) {
	h := newHarness(t, Options{RollbackPartialStart: true})
	h.relay.connectErr = errors.New("handshake refused")

	_, err := h.orch.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "handshake refused")

	require.Equal(t, []string{"s1"}, h.prov.closedIDs())
	_, leaves := h.media.counts()
	require.Equal(t, 1, leaves)
	_, ok := h.orch.Session()
	require.False(t, ok)
	require.Equal(t, session.ConnectionState{Phase: session.PhaseIdle}, h.orch.State())
}

func TestPartialStartWithoutRollbackKeepsSession(t *testing.T) {
	h := newHarness(t, Options{RollbackPartialStart: false})
	h.media.joinErr = errors.New("token expired")

	_, err := h.orch.Start(context.Background())
	require.Error(t, err)
	require.Empty(t, h.prov.closedIDs())

	stored, ok := h.orch.Session()
	require.True(t, ok)
	require.Equal(t, "s1", stored.ID)
	require.False(t, h.orch.State().Joined)

	require.NoError(t, h.orch.Close(context.Background()))
	require.Equal(t, []string{"s1"}, h.prov.closedIDs())
}

func TestSendRejections(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.orch.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrRelayNotOpen)

	_, err = h.orch.Send(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.orch.Start(context.Background())
	require.NoError(t, err)
	h.relay.drop()
	require.False(t, h.orch.State().RelayConnected)

	_, err = h.orch.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrRelayNotOpen)
	require.Empty(t, h.orch.Messages())
	require.Empty(t, h.relay.sentEnvelopes())
}

func TestSendWithoutAugmentationForwardsRawText(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)

	env, err := h.orch.Send(context.Background(), "  tell me a joke ")
	require.NoError(t, err)
	require.Equal(t, "abc123", env.To)

	q := decodeQuestion(t, env)
	require.Equal(t, "  tell me a joke ", q.Question)
	require.Equal(t, "msg-1", q.MessageID)
	require.Equal(t, settings.DefaultVoiceID, q.VoiceID)
	require.Equal(t, settings.DefaultLanguage, q.Language)

	require.Len(t, h.relay.sentEnvelopes(), 1)
	require.Empty(t, h.completer.requests)

	msgs := h.orch.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, session.DirectionSent, msgs[0].Direction)
	require.False(t, h.orch.State().Sending)
}

func TestSendWithAugmentationRewritesThroughCompletion(t *testing.T) {
	h := newHarness(t, Options{})
	h.enableLLM(t)
	h.completer.replies = []string{"Ahoy, first!", "Ahoy, second!"}
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)

	env, err := h.orch.Send(context.Background(), "first")
	require.NoError(t, err)
	require.Equal(t, "Ahoy, first!", decodeQuestion(t, env).Question)

	h.relay.answer("reply from avatar")

	env, err = h.orch.Send(context.Background(), "second")
	require.NoError(t, err)
	require.Equal(t, "Ahoy, second!", decodeQuestion(t, env).Question)

	require.Len(t, h.completer.requests, 2)
	last := h.completer.requests[1]
	require.Equal(t, "sk-test", last.Token)
	require.Equal(t, "You are a pirate.", last.SystemPrompt)
	require.Equal(t, settings.DefaultModel, last.Model)
	require.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "reply from avatar"},
		{Role: llm.RoleUser, Content: "second"},
	}, last.Messages)

	var texts []string
	for _, m := range h.orch.Messages() {
		texts = append(texts, m.Text)
	}
	require.Equal(t, []string{"first", "reply from avatar", "second"}, texts)
}

func TestHistoryLimitCapsReplayedMessages(t *testing.T) {
	h := newHarness(t, Options{HistoryLimit: 1})
	h.enableLLM(t)
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)

	_, err = h.orch.Send(context.Background(), "one")
	require.NoError(t, err)
	h.relay.answer("two")
	_, err = h.orch.Send(context.Background(), "three")
	require.NoError(t, err)

	require.Equal(t, []llm.Message{
		{Role: llm.RoleAssistant, Content: "two"},
		{Role: llm.RoleUser, Content: "three"},
	}, h.completer.requests[1].Messages)
}

func TestAugmentationFailureAbortsOnlyThatSend(t *testing.T) {
	h := newHarness(t, Options{})
	h.enableLLM(t)
	h.completer.err = llm.ErrMissingToken
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)

	h.orch.SetInput("keep me")
	_, err = h.orch.SendInput(context.Background())
	require.ErrorIs(t, err, ErrAugmentation)
	require.ErrorIs(t, err, llm.ErrMissingToken)

	require.Empty(t, h.relay.sentEnvelopes())
	require.Equal(t, "keep me", h.orch.Input())
	require.False(t, h.orch.State().Sending)
	msgs := h.orch.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "keep me", msgs[0].Text)

	h.completer.err = nil
	_, err = h.orch.SendInput(context.Background())
	require.NoError(t, err)
	require.Empty(t, h.orch.Input())
}

func TestConcurrentSendIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.relay.sendEntered = make(chan struct{})
	h.relay.sendGate = make(chan struct{})
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Send(context.Background(), "first")
		done <- err
	}()
	<-h.relay.sendEntered
	require.True(t, h.orch.State().Sending)

	_, err = h.orch.Send(context.Background(), "second")
	require.ErrorIs(t, err, ErrSendInProgress)

	close(h.relay.sendGate)
	require.NoError(t, <-done)

	sent := h.relay.sentEnvelopes()
	require.Len(t, sent, 1)
	require.Equal(t, "first", decodeQuestion(t, sent[0]).Question)
	require.Len(t, h.orch.Messages(), 1)
	require.False(t, h.orch.State().Sending)
}

func TestEventsFollowLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.media.publishVideo()
	h.relay.answer("hi")

	types := h.events.types()
	require.Contains(t, types, events.TypeState)
	require.Contains(t, types, events.TypeVideo)
	require.Equal(t, events.TypeMessage, types[len(types)-1])

	h.events.mu.Lock()
	last := h.events.events[len(h.events.events)-1]
	h.events.mu.Unlock()
	require.Equal(t, "s1", last.Session)
	require.Equal(t, "hi", last.Message.Text)
	require.Equal(t, session.DirectionReceived, last.Message.Direction)
}

func TestTranscriptSurvivesSessions(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.relay.answer("hello")
	require.NoError(t, h.orch.Close(context.Background()))
	require.Len(t, h.orch.Messages(), 1)
}

// TestInboundFramesOverRealRelay drives the orchestrator through the websocket
// relay client against an in-process chat room.
func TestInboundFramesOverRealRelay(t *testing.T) {
	serverConns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/client/abc123.ws"
	sess := testSession("s1", "abc123")
	sess.ClientRelayURL = wsURL

	store, err := settings.NewStore(settings.Defaults())
	require.NoError(t, err)
	orch := New(Deps{
		Provisioner: &fakeProvisioner{sessions: []session.StreamingSession{sess}},
		Media:       &fakeMedia{},
		Relay:       relay.NewChannel(time.Second, zerolog.Nop(), nil),
		Completer:   &fakeCompleter{replies: []string{"x"}},
		Settings:    store,
		Logger:      zerolog.Nop(),
	}, Options{})

	_, err = orch.Start(context.Background())
	require.NoError(t, err)
	defer func() { _ = orch.Close(context.Background()) }()
	require.True(t, orch.State().RelayConnected)

	var server *websocket.Conn
	select {
	case server = <-serverConns:
	case <-time.After(time.Second):
		t.Fatalf("relay never connected")
	}

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","payload":"{\"answer\":\"ignored\"}"}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat","payload":"{\"answer\":\"hi\"}"}`)))

	require.Eventually(t, func() bool { return len(orch.Messages()) > 0 }, time.Second, 5*time.Millisecond)
	msgs := orch.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Text)
	require.Equal(t, session.DirectionReceived, msgs[0].Direction)
}

func TestVideoPublishAfterCloseIsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.orch.Close(context.Background()))

	h.media.publishVideo()

	st := h.orch.State()
	require.Equal(t, session.PhaseIdle, st.Phase)
	require.False(t, st.VideoSubscribed)
	require.NotContains(t, h.events.types(), events.TypeVideo)
}

func TestRelayLostDuringWriteIsRejection(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.relay.sendErr = relay.ErrNotConnected

	_, err = h.orch.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrRelayNotOpen)
	require.ErrorIs(t, err, relay.ErrNotConnected)
	require.False(t, h.orch.State().Sending)
}
