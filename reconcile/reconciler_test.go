package reconcile

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/sessionstate"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

func userLine(uuid, text string) []byte {
	return []byte(fmt.Sprintf(`{"type":"user","uuid":%q,"sessionId":"s1","message":{"role":"user","content":%q}}`, uuid, text))
}

func assistantText(uuid, msgID, stop, text string) []byte {
	stopJSON := "null"
	if stop != "" {
		stopJSON = fmt.Sprintf("%q", stop)
	}
	return []byte(fmt.Sprintf(`{"type":"assistant","uuid":%q,"sessionId":"s1","message":{"id":%q,"role":"assistant","stop_reason":%s,"content":[{"type":"text","text":%q}]}}`, uuid, msgID, stopJSON, text))
}

func toolUse(uuid, msgID, stop, toolID, name string) []byte {
	stopJSON := "null"
	if stop != "" {
		stopJSON = fmt.Sprintf("%q", stop)
	}
	return []byte(fmt.Sprintf(`{"type":"assistant","uuid":%q,"sessionId":"s1","message":{"id":%q,"role":"assistant","stop_reason":%s,"content":[{"type":"tool_use","id":%q,"name":%q,"input":{"path":"a.go"}}]}}`, uuid, msgID, stopJSON, toolID, name))
}

func toolResult(uuid, toolID, body string, isError bool) []byte {
	return []byte(fmt.Sprintf(`{"type":"user","uuid":%q,"sessionId":"s1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":%q,"is_error":%t,"content":%q}]}}`, uuid, toolID, isError, body))
}

func resultLine(uuid string, isError bool, text string) []byte {
	return []byte(fmt.Sprintf(`{"type":"result","uuid":%q,"session_id":"s1","subtype":"success","is_error":%t,"result":%q}`, uuid, isError, text))
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestReconciler(opts ...Option) *Reconciler {
	return New(append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func ids(msgs []transcript.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func fiveLines() [][]byte {
	return [][]byte{
		userLine("u1", "hello"),
		assistantText("a1", "msg_1", "end_turn", "hi"),
		userLine("u2", "again"),
		assistantText("a2", "msg_2", "end_turn", "sure"),
		userLine("u3", "bye"),
	}
}

func TestScenarioSingleUserTurn(t *testing.T) {
	r := newTestReconciler()
	msgs, err := r.IngestLine("s1", userLine("u1", "hello"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, transcript.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Text())
}

func TestScenarioSplitAssistantTurn(t *testing.T) {
	r := newTestReconciler()
	_, err := r.IngestLine("s1", assistantText("a1", "msg_1", "", "Sure, "))
	require.NoError(t, err)
	msgs, err := r.IngestLine("s1", assistantText("a2", "msg_1", "end_turn", "here you go."))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, transcript.StatusComplete, msgs[0].Status)

	current, err := r.CurrentMessages("s1")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, transcript.RoleAssistant, current[0].Role)
	assert.Equal(t, "Sure, here you go.", current[0].Text())
}

func TestScenarioToolResultInUserRecord(t *testing.T) {
	r := newTestReconciler()
	_, err := r.IngestLine("s1", toolUse("a1", "msg_1", "", "T1", "Read"))
	require.NoError(t, err)
	msgs, err := r.IngestLine("s1", toolResult("u2", "T1", "ok", false))
	require.NoError(t, err)

	require.Len(t, msgs, 1)
	assert.Equal(t, "msg_1", msgs[0].ID)
	require.Len(t, msgs[0].ToolCalls, 1)
	tc := msgs[0].ToolCalls[0]
	assert.Equal(t, transcript.ToolSuccess, tc.Status)
	assert.Equal(t, "ok", tc.Result.(transcript.SuccessResult).Output)
	assert.False(t, tc.EndedAt.IsZero())
}

func TestScenarioRepeatedBatch(t *testing.T) {
	r := newTestReconciler()
	first, err := r.IngestBatch("s1", fiveLines())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "msg_1", "u2", "msg_2", "u3"}, ids(first))

	second, err := r.IngestBatch("s1", fiveLines())
	require.NoError(t, err)
	assert.Empty(t, second)

	current, err := r.CurrentMessages("s1")
	require.NoError(t, err)
	assert.Len(t, current, 5)
}

func midTurnLines() [][]byte {
	return [][]byte{
		userLine("u1", "hello"),
		assistantText("a1", "msg_1", "end_turn", "hi"),
		userLine("u2", "read a.go"),
		toolUse("a2", "msg_2", "", "T1", "Read"),
		toolResult("u3", "T1", "package a", false),
		assistantText("a3", "msg_3", "", "working on it"),
	}
}

func TestRepeatedBatchEndingMidTurn(t *testing.T) {
	r := newTestReconciler()
	first, err := r.IngestBatch("s1", midTurnLines())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "msg_1", "u2", "msg_2", "msg_3"}, ids(first))

	second, err := r.IngestBatch("s1", midTurnLines())
	require.NoError(t, err)
	assert.Empty(t, second)

	current, err := r.CurrentMessages("s1")
	require.NoError(t, err)
	require.Len(t, current, 5)
	assert.Equal(t, transcript.StatusStreaming, current[4].Status, "msg_3 has not ended")

	for _, line := range midTurnLines() {
		msgs, err := r.IngestLine("s1", line)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	}
}

func TestReplayedUserLineKeepsTurnStreaming(t *testing.T) {
	r := newTestReconciler()
	_, err := r.IngestLine("s1", userLine("u1", "hello"))
	require.NoError(t, err)
	_, err = r.IngestLine("s1", assistantText("a1", "msg_1", "", "Sure, "))
	require.NoError(t, err)

	msgs, err := r.IngestLine("s1", userLine("u1", "hello"))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	current, err := r.CurrentMessages("s1")
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, transcript.StatusStreaming, current[1].Status)

	msgs, err = r.IngestLine("s1", assistantText("a2", "msg_1", "end_turn", "done."))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, transcript.StatusComplete, msgs[0].Status)
	assert.Equal(t, "Sure, done.", msgs[0].Text())
}

func TestIngestLinesAfterBatchAreDeduplicated(t *testing.T) {
	r := newTestReconciler()
	_, err := r.IngestBatch("s1", fiveLines())
	require.NoError(t, err)

	for _, line := range fiveLines() {
		msgs, err := r.IngestLine("s1", line)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	}
	st, err := r.State("s1")
	require.NoError(t, err)
	assert.Equal(t, 5, st.MessageCount)
}

func TestRecordWithoutUUIDIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := logging.New(logging.Options{Output: &buf, Verbose: true})
	require.NoError(t, err)
	defer cleanup()

	r := New(WithLogger(logger))
	_, err = r.IngestLine("s1", []byte(`{"type":"result","session_id":"s1","subtype":"success","result":"done"}`))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "record without uuid")
	assert.Contains(t, buf.String(), "format=live")
}

func TestLoadCompletedEvent(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestReconciler(WithObserver(rec))
	lines := append(fiveLines(), []byte("not json"), []byte(""))
	_, err := r.IngestBatch("s1", lines)
	require.NoError(t, err)

	evs := rec.snapshot()
	last, ok := evs[len(evs)-1].(LoadCompleted)
	require.True(t, ok, "batch ends with LoadCompleted, got %T", evs[len(evs)-1])
	assert.Equal(t, 5, last.Count)
	assert.Equal(t, 1, last.Failures)
}

func TestLateOutcomeUpdatesEmittedMessage(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestReconciler(WithObserver(rec))
	_, err := r.IngestLine("s1", toolUse("a1", "msg_1", "tool_use", "T1", "Bash"))
	require.NoError(t, err)
	_, err = r.IngestLine("s1", userLine("u2", "unrelated"))
	require.NoError(t, err)

	msgs, err := r.IngestLine("s1", toolResult("u3", "T1", "exit 1", true))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg_1", msgs[0].ID)
	assert.Equal(t, transcript.ToolFailed, msgs[0].ToolCalls[0].Status)
	assert.Equal(t, transcript.FailureResult{Error: "exit 1"}, msgs[0].ToolCalls[0].Result)

	var sawToolUpdate, sawMessageUpdate bool
	for _, ev := range rec.snapshot() {
		switch e := ev.(type) {
		case ToolCallUpdated:
			if e.MessageID == "msg_1" && e.ToolCall.Status == transcript.ToolFailed {
				sawToolUpdate = true
			}
		case MessageUpdated:
			if e.Message.ID == "msg_1" && e.Message.ToolCalls[0].Status == transcript.ToolFailed {
				sawMessageUpdate = true
			}
		}
	}
	assert.True(t, sawToolUpdate)
	assert.True(t, sawMessageUpdate)
}

func TestOutcomeBeforeInvocation(t *testing.T) {
	r := newTestReconciler()
	msgs, err := r.IngestLine("s1", toolResult("u1", "T9", "early", false))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	orphans := r.Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, "T9", orphans[0].ToolCallID)
	assert.Equal(t, "s1", orphans[0].SessionID)

	msgs, err = r.IngestLine("s1", toolUse("a1", "msg_1", "tool_use", "T9", "Read"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, transcript.ToolSuccess, msgs[0].ToolCalls[0].Status)

	st, err := r.State("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.OrphanCount)
}

func TestTerminalToolCallNeverRegresses(t *testing.T) {
	r := newTestReconciler()
	_, err := r.IngestLine("s1", toolUse("a1", "msg_1", "tool_use", "T1", "Read"))
	require.NoError(t, err)
	_, err = r.IngestLine("s1", toolResult("u1", "T1", "ok", false))
	require.NoError(t, err)
	msgs, err := r.IngestLine("s1", toolResult("u2", "T1", "boom", true))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	current, err := r.CurrentMessages("s1")
	require.NoError(t, err)
	assert.Equal(t, transcript.ToolSuccess, current[0].ToolCalls[0].Status)
	assert.Equal(t, "ok", current[0].ToolCalls[0].Result.(transcript.SuccessResult).Output)
}

func TestOrphanLogIsBounded(t *testing.T) {
	r := newTestReconciler(WithOrphanLogSize(2))
	for i := 1; i <= 3; i++ {
		_, err := r.IngestLine("s1", toolResult(fmt.Sprintf("u%d", i), fmt.Sprintf("T%d", i), "x", false))
		require.NoError(t, err)
	}
	orphans := r.Orphans()
	require.Len(t, orphans, 2)
	assert.Equal(t, "T2", orphans[0].ToolCallID)
	assert.Equal(t, "T3", orphans[1].ToolCallID)
}

func TestParseFailuresAreCounted(t *testing.T) {
	r := newTestReconciler()
	msgs, err := r.IngestLine("s1", []byte(`{"type":"user","message":`))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = r.IngestLine("s1", []byte("   "))
	require.NoError(t, err)
	_, err = r.IngestLine("s1", userLine("u1", "still flowing"))
	require.NoError(t, err)

	st, err := r.State("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ParseFailures)
	assert.Equal(t, 1, st.MessageCount)
	assert.Equal(t, sessionstate.StatusActive, st.Status)
}

func TestInterruptCancelsRunningTools(t *testing.T) {
	r := newTestReconciler()
	started, err := r.StartIfIdle("s1")
	require.NoError(t, err)
	require.True(t, started)

	_, err = r.IngestLine("s1", toolUse("a1", "msg_1", "tool_use", "T1", "Bash"))
	require.NoError(t, err)
	_, err = r.IngestLine("s1", []byte(`{"type":"user","uuid":"u2","message":{"role":"user","content":[{"type":"text","text":"[Request interrupted by user for tool use]"}]}}`))
	require.NoError(t, err)

	current, err := r.CurrentMessages("s1")
	require.NoError(t, err)
	require.Len(t, current, 1, "the marker is not displayed")
	assert.Equal(t, transcript.ToolCancelled, current[0].ToolCalls[0].Status)

	st, err := r.State("s1")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusInterrupted, st.Status)

	// The real outcome may still land after cancellation.
	_, err = r.IngestLine("s1", toolResult("u3", "T1", "killed", true))
	require.NoError(t, err)
	current, err = r.CurrentMessages("s1")
	require.NoError(t, err)
	assert.Equal(t, transcript.ToolFailed, current[0].ToolCalls[0].Status)
}

func TestReplayedInterruptIsIgnored(t *testing.T) {
	interrupt := []byte(`{"type":"user","uuid":"u2","message":{"role":"user","content":[{"type":"text","text":"[Request interrupted by user]"}]}}`)
	r := newTestReconciler()
	_, err := r.IngestLine("s1", userLine("u1", "go"))
	require.NoError(t, err)
	_, err = r.IngestLine("s1", interrupt)
	require.NoError(t, err)

	started, err := r.StartIfIdle("s1")
	require.NoError(t, err)
	require.True(t, started)
	_, err = r.IngestLine("s1", toolUse("a3", "msg_3", "tool_use", "T1", "Bash"))
	require.NoError(t, err)

	msgs, err := r.IngestLine("s1", interrupt)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	tc, found, err := r.ToolCall("s1", "T1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, transcript.ToolRunning, tc.Status)
	st, err := r.State("s1")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusGenerating, st.Status)
}

func TestErrorResult(t *testing.T) {
	r := newTestReconciler()
	_, err := r.StartIfIdle("s1")
	require.NoError(t, err)
	_, err = r.IngestLine("s1", assistantText("a1", "msg_1", "", "partial"))
	require.NoError(t, err)
	msgs, err := r.IngestLine("s1", resultLine("r1", true, "overloaded"))
	require.NoError(t, err)

	require.Len(t, msgs, 2)
	assert.Equal(t, transcript.StatusFailed, msgs[0].Status)
	assert.Equal(t, transcript.RoleError, msgs[1].Role)
	assert.Equal(t, "overloaded", msgs[1].Text())

	st, err := r.State("s1")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusError, st.Status)
}

func TestStartIfIdleAtMostOnce(t *testing.T) {
	r := newTestReconciler()
	_, err := r.IngestLine("s1", userLine("u1", "go"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.StartIfIdle("s1")
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	_, err = r.IngestLine("s1", resultLine("r1", false, "done"))
	require.NoError(t, err)
	ok, err := r.StartIfIdle("s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueuedQuestionDrainsThroughDispatcher(t *testing.T) {
	var mu sync.Mutex
	var dispatched []sessionstate.Question
	events := &eventRecorder{}
	r := newTestReconciler(WithObserver(events), WithDispatcher(DispatcherFunc(func(sessionID string, q sessionstate.Question) {
		assert.Equal(t, "s1", sessionID)
		mu.Lock()
		dispatched = append(dispatched, q)
		mu.Unlock()
	})))

	_, err := r.StartIfIdle("s1")
	require.NoError(t, err)
	first, err := r.Enqueue("s1", "first?")
	require.NoError(t, err)
	_, err = r.Enqueue("s1", "second?")
	require.NoError(t, err)

	st, err := r.State("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.QueueDepth)
	assert.Empty(t, dispatched)

	_, err = r.IngestLine("s1", resultLine("r1", false, "done"))
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, dispatched, 1)
	assert.Equal(t, first, dispatched[0].ID)
	mu.Unlock()

	var reported []string
	for _, ev := range events.snapshot() {
		if d, ok := ev.(QuestionDispatched); ok {
			reported = append(reported, d.Question.ID)
		}
	}
	assert.Equal(t, []string{first}, reported)

	st, err = r.State("s1")
	require.NoError(t, err)
	assert.Equal(t, sessionstate.StatusGenerating, st.Status)
	assert.Equal(t, 1, st.QueueDepth)

	ok, err := r.StartIfIdle("s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueWithoutDispatcher(t *testing.T) {
	r := newTestReconciler()
	_, err := r.Enqueue("nope", "q")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	_, err = r.StartIfIdle("s1")
	require.NoError(t, err)
	qid, err := r.Enqueue("s1", "q", "ctx.md")
	require.NoError(t, err)

	_, ok, err := r.DrainNext("s1")
	require.NoError(t, err)
	assert.False(t, ok, "generating sessions do not drain")

	require.NoError(t, r.MarkCompleted("s1"))
	q, ok, err := r.DrainNext("s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, qid, q.ID)
	assert.Equal(t, []string{"ctx.md"}, q.Context)
}

func TestTransportCompletionFinalizesPendingMessage(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestReconciler(WithObserver(rec))
	_, err := r.StartIfIdle("s1")
	require.NoError(t, err)
	_, err = r.IngestLine("s1", assistantText("a1", "msg_1", "", "almost"))
	require.NoError(t, err)

	require.NoError(t, r.MarkCompleted("s1"))
	current, err := r.CurrentMessages("s1")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, transcript.StatusComplete, current[0].Status)

	events := rec.snapshot()
	var last MessageUpdated
	for _, ev := range events {
		if u, ok := ev.(MessageUpdated); ok {
			last = u
		}
	}
	assert.Equal(t, "msg_1", last.Message.ID)
	assert.Equal(t, transcript.StatusComplete, last.Message.Status)

	// The log catching up afterwards is not a second emission.
	msgs, err := r.IngestLine("s1", assistantText("a1", "msg_1", "", "almost"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestTransportErrorFailsPendingMessage(t *testing.T) {
	r := newTestReconciler()
	_, err := r.StartIfIdle("s1")
	require.NoError(t, err)
	_, err = r.IngestLine("s1", assistantText("a1", "msg_1", "", "half"))
	require.NoError(t, err)

	require.NoError(t, r.MarkError("s1"))
	current, err := r.CurrentMessages("s1")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, transcript.StatusFailed, current[0].Status)
}

func TestToolCallLookup(t *testing.T) {
	r := newTestReconciler()
	_, _, err := r.ToolCall("s1", "T1")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	_, err = r.IngestLine("s1", toolUse("a1", "msg_1", "tool_use", "T1", "Read"))
	require.NoError(t, err)
	tc, found, err := r.ToolCall("s1", "T1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Read", tc.Name)
	assert.Equal(t, transcript.ToolRunning, tc.Status)

	_, err = r.IngestLine("s1", toolResult("u2", "T1", "ok", false))
	require.NoError(t, err)
	tc, found, err = r.ToolCall("s1", "T1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, transcript.ToolSuccess, tc.Status)

	_, found, err = r.ToolCall("s1", "T9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCloseSession(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestReconciler(WithObserver(rec))
	_, err := r.IngestBatch("s1", fiveLines())
	require.NoError(t, err)
	_, err = r.IngestLine("s2", userLine("x1", "other"))
	require.NoError(t, err)

	r.CloseSession("s1")
	r.CloseSession("s1")
	r.CloseSession("unknown")

	_, err = r.IngestLine("s1", userLine("u9", "late"))
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = r.State("s1")
	assert.True(t, errors.Is(err, ErrSessionClosed))
	assert.Equal(t, []string{"s2"}, r.Sessions())

	closedEvents := 0
	for _, ev := range rec.snapshot() {
		if _, ok := ev.(SessionClosed); ok {
			closedEvents++
		}
	}
	assert.Equal(t, 1, closedEvents)

	other, err := r.CurrentMessages("s2")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	r.Reopen("s1")
	msgs, err := r.IngestBatch("s1", fiveLines())
	require.NoError(t, err)
	assert.Len(t, msgs, 5, "a reopened session starts empty")
}

func TestCloseDuringIngest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	r := newTestReconciler(WithObserver(ObserverFunc(func(ev Event) {
		if _, ok := ev.(MessageAppended); ok {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})))

	type result struct {
		msgs []transcript.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		msgs, err := r.IngestLine("s1", userLine("u1", "hello"))
		done <- result{msgs, err}
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		r.CloseSession("s1")
		close(closed)
	}()
	require.Eventually(t, func() bool { return len(r.Sessions()) == 0 }, time.Second, time.Millisecond)
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.msgs, 1)
	<-closed

	_, err := r.CurrentMessages("s1")
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestConcurrentSessions(t *testing.T) {
	r := newTestReconciler()
	const sessions, writers, perWriter = 6, 4, 25

	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(s, w int) {
				defer wg.Done()
				sid := fmt.Sprintf("s%d", s)
				for i := 0; i < perWriter; i++ {
					_, err := r.IngestLine(sid, userLine(fmt.Sprintf("%s-w%d-%d", sid, w, i), "msg"))
					assert.NoError(t, err)
				}
			}(s, w)
		}
	}
	wg.Wait()

	require.Len(t, r.Sessions(), sessions)
	for s := 0; s < sessions; s++ {
		msgs, err := r.CurrentMessages(fmt.Sprintf("s%d", s))
		require.NoError(t, err)
		assert.Len(t, msgs, writers*perWriter)
	}
}

func TestMaxMessages(t *testing.T) {
	r := newTestReconciler(WithMaxMessages(2))
	for i := 1; i <= 3; i++ {
		_, err := r.IngestLine("s1", userLine(fmt.Sprintf("u%d", i), "x"))
		require.NoError(t, err)
	}
	current, err := r.CurrentMessages("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u3"}, ids(current))
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
	active int
}

func (m *countingMetrics) inc(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[name]++
}

func (m *countingMetrics) LineIngested()        { m.inc("lines") }
func (m *countingMetrics) ParseFailed()         { m.inc("parse_failures") }
func (m *countingMetrics) DuplicateSuppressed() { m.inc("duplicates") }
func (m *countingMetrics) OrphanRecorded()      { m.inc("orphans") }
func (m *countingMetrics) MessageEmitted(role transcript.Role) {
	m.inc("emitted_" + string(role))
}
func (m *countingMetrics) SessionsActive(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = n
}

func TestMetrics(t *testing.T) {
	m := &countingMetrics{}
	r := newTestReconciler(WithMetrics(m))
	_, err := r.IngestBatch("s1", fiveLines())
	require.NoError(t, err)
	_, err = r.IngestLine("s1", []byte("{bad"))
	require.NoError(t, err)
	_, err = r.IngestLine("s1", toolResult("u8", "T404", "x", false))
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 7, m.counts["lines"])
	assert.Equal(t, 1, m.counts["parse_failures"])
	assert.Equal(t, 1, m.counts["orphans"])
	assert.Equal(t, 3, m.counts["emitted_user"])
	assert.Equal(t, 2, m.counts["emitted_assistant"])
	assert.Equal(t, 1, m.active)
}
