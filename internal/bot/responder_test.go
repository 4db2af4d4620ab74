package bot_test

import (
	"context"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/bot"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/script"
	"github.com/nfrund/chatsync/internal/testutils"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const room = domain.RoomID("uk-general")

var replyAt = time.Date(2024, 5, 1, 14, 31, 0, 0, time.UTC)

type ResponderTestSuite struct {
	suite.Suite
	bus       *pubsub.WatermillBridge
	store     *testutils.FakeStore
	transport *testutils.FakeTransport
}

func TestResponder(t *testing.T) {
	suite.Run(t, new(ResponderTestSuite))
}

func (s *ResponderTestSuite) SetupTest() {
	s.bus = pubsub.NewWatermillBridge()
	s.store = testutils.NewFakeStore()
	s.transport = testutils.NewFakeTransport()
}

func (s *ResponderTestSuite) TearDownTest() {
	s.NoError(s.bus.Close())
}

func (s *ResponderTestSuite) start(opts ...bot.Option) *bot.Responder {
	opts = append([]bot.Option{
		bot.WithDelay(10 * time.Millisecond),
		bot.WithReplies([]string{"I agree with your point."}),
		bot.WithTransport(s.transport),
		bot.WithClock(func() time.Time { return replyAt }),
	}, opts...)
	r, err := bot.NewResponder(s.store, s.bus, "u-alice", opts...)
	s.Require().NoError(err)
	s.Require().NoError(r.Start(context.Background()))
	s.T().Cleanup(r.Stop)
	return r
}

func (s *ResponderTestSuite) publish(msg domain.Message) {
	payload, err := chat.EncodeEvent(msg, "")
	s.Require().NoError(err)
	s.Require().NoError(s.bus.Publish(context.Background(), pubsub.Message{
		Topic:   transport.Topic(chat.EventMessage),
		Payload: payload,
	}))
}

func memberMessage(sender, body string) domain.Message {
	return domain.Message{
		ID:          "tmp-1",
		RoomID:      room,
		SenderID:    sender,
		SenderLabel: "alice",
		Body:        body,
		CreatedAt:   replyAt.Add(-time.Second),
		Origin:      domain.OriginLive,
	}
}

func (s *ResponderTestSuite) TestRepliesToOwnMember() {
	s.start()

	s.publish(memberMessage("u-alice", "anyone applying to Oxford?"))

	s.Require().Eventually(func() bool { return len(s.store.Entries(room)) == 1 }, time.Second, 5*time.Millisecond)
	rec := s.store.Entries(room)[0].Record
	s.Equal("ChatBot", rec.Sender)
	s.Equal("I agree with your point.", rec.Content)
	s.True(rec.IsBot)
	s.Equal(replyAt.UnixMilli(), rec.Timestamp)

	s.Require().Eventually(func() bool { return len(s.transport.Emitted()) == 1 }, time.Second, 5*time.Millisecond)
	live, err := chat.DecodeEvent(s.transport.Emitted()[0])
	s.Require().NoError(err)
	s.Equal(s.store.Entries(room)[0].ID, live.ID, "the announcement carries the durable id")
	s.True(live.IsBot)
}

func (s *ResponderTestSuite) TestIgnoresOthersAndBots() {
	s.start()

	s.publish(memberMessage("u-bob", "hello from bob"))
	botMsg := memberMessage("u-alice", "echo")
	botMsg.IsBot = true
	s.publish(botMsg)
	s.Require().NoError(s.bus.Publish(context.Background(), pubsub.Message{
		Topic:   transport.Topic(chat.EventMessage),
		Payload: []byte(`{"content":`),
	}))

	s.Never(func() bool { return len(s.store.Entries(room)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func (s *ResponderTestSuite) TestStopCancelsPendingReply() {
	r := s.start(bot.WithDelay(time.Hour))
	s.publish(memberMessage("u-alice", "hi"))

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("stop waited for the delay")
	}
	s.Empty(s.store.Entries(room))
}

func (s *ResponderTestSuite) TestScriptDecidesReply() {
	prog, err := script.NewEngine().Compile("custom", `
text := import("text")
reply := ""
if text.has_suffix(message, "?") {
	reply = "Good question, " + sender + "."
}`, bot.ScriptInputs...)
	s.Require().NoError(err)
	s.start(bot.WithProgram(prog), bot.WithName("Helper"))

	s.publish(memberMessage("u-alice", "no question here"))
	s.publish(memberMessage("u-alice", "what time is it?"))

	s.Require().Eventually(func() bool { return len(s.store.Entries(room)) == 1 }, time.Second, 5*time.Millisecond)
	s.Never(func() bool { return len(s.store.Entries(room)) > 1 }, 50*time.Millisecond, 10*time.Millisecond)
	rec := s.store.Entries(room)[0].Record
	s.Equal("Helper", rec.Sender)
	s.Equal("Good question, alice.", rec.Content)
}

func (s *ResponderTestSuite) TestStoreFailureSkipsAnnouncement() {
	s.store.AppendErr = assert.AnError
	s.start()

	s.publish(memberMessage("u-alice", "hi"))

	s.Never(func() bool { return len(s.transport.Emitted()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestNewResponder_RequiresMember(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()

	_, err := bot.NewResponder(testutils.NewFakeStore(), bus, "")
	assert.Error(t, err)
}

func TestDefaultScriptPicksACannedReply(t *testing.T) {
	prog, err := bot.CompileDefault(script.NewEngine())
	require.NoError(t, err)

	res, err := prog.Run(context.Background(), map[string]any{
		"message": "hi",
		"sender":  "alice",
		"replies": []any{"only one"},
	})
	require.NoError(t, err)
	assert.Equal(t, "only one", res.String("reply"))

	res, err = prog.Run(context.Background(), map[string]any{"message": "hi", "sender": "alice", "replies": []any{}})
	require.NoError(t, err)
	assert.Empty(t, res.String("reply"))
}
