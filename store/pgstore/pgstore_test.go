package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touwaeriol/claude-code-plus-sub002/store"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

type call struct {
	sql  string
	args []any
}

// fakeDB records statements and answers queries from bodies.
type fakeDB struct {
	execErr error
	bodies  [][]byte
	execs   []call
	queries []call
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, call{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, call{sql: sql, args: args})
	return &fakeRows{bodies: f.bodies, pos: -1}, nil
}

type fakeRows struct {
	bodies [][]byte
	pos    int
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return []any{r.bodies[r.pos]}, nil }
func (r *fakeRows) RawValues() [][]byte                          { return [][]byte{r.bodies[r.pos]} }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.bodies)
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) != 1 {
		return errors.New("expected one column")
	}
	p, ok := dest[0].(*[]byte)
	if !ok {
		return errors.New("unexpected scan target")
	}
	*p = r.bodies[r.pos]
	return nil
}

func newMessage(id string) transcript.Message {
	m := transcript.Message{
		ID:        id,
		SessionID: "s1",
		Role:      transcript.RoleAssistant,
		Status:    transcript.StatusComplete,
		CreatedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	m.AppendText(transcript.KindText, "hello "+id)
	return m
}

func TestMigrate(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, New(db).Migrate(context.Background()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "CREATE TABLE IF NOT EXISTS transcript_messages")
	assert.Contains(t, db.execs[0].sql, "PRIMARY KEY (session_id, message_id)")
}

func TestSaveMessageUpserts(t *testing.T) {
	db := &fakeDB{}
	s := New(db)
	m := newMessage("m1")
	require.NoError(t, s.SaveMessage(context.Background(), m))

	require.Len(t, db.execs, 1)
	c := db.execs[0]
	assert.Contains(t, c.sql, "ON CONFLICT (session_id, message_id) DO UPDATE")
	assert.NotContains(t, c.sql, "seq =")
	require.Len(t, c.args, 7)
	assert.Equal(t, "s1", c.args[0])
	assert.Equal(t, "m1", c.args[1])
	assert.Equal(t, "assistant", c.args[2])
	assert.Equal(t, "complete", c.args[3])
	assert.Equal(t, m.CreatedAt, c.args[5])

	var decoded transcript.Message
	require.NoError(t, json.Unmarshal(c.args[4].([]byte), &decoded))
	assert.Equal(t, "hello m1", decoded.Text())
}

func TestSaveMessageError(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection refused")}
	err := New(db).SaveMessage(context.Background(), newMessage("m1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m1")
}

func TestLoadMessages(t *testing.T) {
	var bodies [][]byte
	for _, id := range []string{"m1", "m2"} {
		b, err := json.Marshal(newMessage(id))
		require.NoError(t, err)
		bodies = append(bodies, b)
	}
	db := &fakeDB{bodies: bodies}

	msgs, err := New(db).LoadMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "hello m2", msgs[1].Text())

	require.Len(t, db.queries, 1)
	assert.True(t, strings.HasSuffix(db.queries[0].sql, "ORDER BY seq"))
	assert.Equal(t, []any{"s1"}, db.queries[0].args)
}

func TestLoadMessagesEmpty(t *testing.T) {
	_, err := New(&fakeDB{}).LoadMessages(context.Background(), "s1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestDeleteSession(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, New(db).DeleteSession(context.Background(), "s1"))
	require.Len(t, db.execs, 1)
	assert.Equal(t, []any{"s1"}, db.execs[0].args)
}
