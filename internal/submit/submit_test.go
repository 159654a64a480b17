package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/dirpoller/internal/model"
)

func testJob() *Job {
	return &Job{
		ID:         "IN-0123",
		Name:       "import",
		Folder:     "IN",
		FileName:   "data.txt",
		CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Parameters: map[string]any{"path": "/p/IN-0123/data.txt"},
	}
}

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	p := Permanent(base)
	assert.True(t, IsPermanent(p))
	assert.False(t, IsUnavailable(p))
	assert.True(t, errors.Is(p, base))

	u := Unavailable(fmt.Errorf("wrapped: %w", base))
	assert.True(t, IsUnavailable(u))
	assert.False(t, IsPermanent(u))
	assert.True(t, errors.Is(u, base))

	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Unavailable(nil))
	assert.False(t, IsPermanent(base))

	assert.True(t, IsUnavailable(classifyTransport(context.DeadlineExceeded)))
	assert.False(t, IsUnavailable(classifyTransport(base)))
	assert.Nil(t, classifyTransport(nil))
}

func TestHTTPSubmitter(t *testing.T) {
	var mu sync.Mutex
	var got Job
	var headers http.Header
	status := http.StatusAccepted

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
		_, _ = w.Write([]byte("detail"))
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(srv.URL, map[string]string{"Authorization": "Bearer t"}, time.Second)
	require.NoError(t, s.Submit(context.Background(), testJob()))
	assert.Equal(t, "IN-0123", got.ID)
	assert.Equal(t, "/p/IN-0123/data.txt", got.Parameters["path"])
	assert.Equal(t, "Bearer t", headers.Get("Authorization"))
	assert.Equal(t, "IN-0123", headers.Get("Idempotency-Key"))

	tests := []struct {
		status      int
		unavailable bool
		permanent   bool
	}{
		{http.StatusServiceUnavailable, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusBadRequest, false, true},
		{http.StatusConflict, false, true},
	}
	for _, tt := range tests {
		mu.Lock()
		status = tt.status
		mu.Unlock()
		err := s.Submit(context.Background(), testJob())
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.unavailable, IsUnavailable(err), "status %d", tt.status)
		assert.Equal(t, tt.permanent, IsPermanent(err), "status %d", tt.status)
		assert.Contains(t, err.Error(), "detail")
	}
}

func TestHTTPSubmitter_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPSubmitter(url, nil, time.Second).Submit(context.Background(), testJob())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err), "got %v", err)
}

func TestRedisSubmitter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisSubmitter(client, "jobs", time.Second)

	require.NoError(t, s.Submit(context.Background(), testJob()))

	items, err := mr.List("jobs")
	require.NoError(t, err)
	require.Len(t, items, 1)
	var job Job
	require.NoError(t, json.Unmarshal([]byte(items[0]), &job))
	assert.Equal(t, "IN-0123", job.ID)

	mr.Close()
	err = s.Submit(context.Background(), testJob())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err), "got %v", err)
	_ = s.Close()
}

type fakeKafkaWriter struct {
	msgs []kgo.Message
	err  error
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error { return nil }

func TestKafkaSubmitter(t *testing.T) {
	w := &fakeKafkaWriter{}
	s := newKafkaSubmitter(w, time.Second)

	require.NoError(t, s.Submit(context.Background(), testJob()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "IN-0123", string(w.msgs[0].Key))

	w.err = context.DeadlineExceeded
	err := s.Submit(context.Background(), testJob())
	assert.True(t, IsUnavailable(err))

	_, err = NewKafkaSubmitter(nil, "t", 0)
	assert.Error(t, err)
	_, err = NewKafkaSubmitter([]string{"localhost:9092"}, "", 0)
	assert.Error(t, err)
}

type fakeS3 struct {
	in  *s3.PutObjectInput
	err error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Submitter(t *testing.T) {
	f := &fakeS3{}
	s := newS3Submitter(f, "bucket", "incoming/jobs", time.Second)

	require.NoError(t, s.Submit(context.Background(), testJob()))
	assert.Equal(t, "bucket", *f.in.Bucket)
	assert.Equal(t, "incoming/jobs/IN-0123.json", *f.in.Key)
	assert.Equal(t, "IN", f.in.Metadata["folder"])
	body, err := io.ReadAll(f.in.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"id":"IN-0123"`)

	f.err = errors.New("access denied")
	err = s.Submit(context.Background(), testJob())
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
}

type bufferObject struct {
	bytes.Buffer
	closed   bool
	closeErr error
}

func (b *bufferObject) Close() error {
	b.closed = true
	return b.closeErr
}

func TestGCSSubmitter(t *testing.T) {
	objects := map[string]*bufferObject{}
	var closeErr error
	s := newGCSSubmitter(func(_ context.Context, name string, meta map[string]string) io.WriteCloser {
		o := &bufferObject{closeErr: closeErr}
		objects[name] = o
		return o
	}, "bucket", "jobs", time.Second)

	require.NoError(t, s.Submit(context.Background(), testJob()))
	o := objects["jobs/IN-0123.json"]
	require.NotNil(t, o)
	assert.True(t, o.closed)
	assert.Contains(t, o.String(), `"name":"import"`)

	closeErr = context.DeadlineExceeded
	err := s.Submit(context.Background(), testJob())
	assert.True(t, IsUnavailable(err))
	assert.NoError(t, s.Close())
}

type fakeExecer struct {
	sql  []string
	args [][]any
	err  error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	return pgconn.CommandTag{}, f.err
}

func TestPostgresSubmitter(t *testing.T) {
	db := &fakeExecer{}
	s, err := newPostgresSubmitter(db, "jobs.pending", time.Second)
	require.NoError(t, err)

	require.NoError(t, s.EnsureTable(context.Background()))
	require.NoError(t, s.Submit(context.Background(), testJob()))
	require.Len(t, db.sql, 2)
	assert.Contains(t, db.sql[0], "CREATE TABLE IF NOT EXISTS jobs.pending")
	assert.Contains(t, db.sql[1], "ON CONFLICT (id) DO NOTHING")
	assert.Equal(t, "IN-0123", db.args[1][0])
	assert.JSONEq(t, `{"path":"/p/IN-0123/data.txt"}`, string(db.args[1][4].([]byte)))

	db.err = &pgconn.PgError{Code: "23502", Message: "null value"}
	assert.True(t, IsPermanent(s.Submit(context.Background(), testJob())))

	_, err = newPostgresSubmitter(db, "jobs; DROP TABLE x", 0)
	assert.Error(t, err)
}

func TestLogSubmitter(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSubmitter(log.New(&buf, "", 0))
	require.NoError(t, s.Submit(context.Background(), testJob()))
	assert.True(t, strings.HasPrefix(buf.String(), `job {"id":"IN-0123"`), buf.String())
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)

	s, err := New(ctx, model.SubmitterConfig{Type: model.SubmitterHTTP, URL: "http://localhost:1"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &HTTPSubmitter{}, s)

	s, err = New(ctx, model.SubmitterConfig{Type: model.SubmitterLog}, logger)
	require.NoError(t, err)
	assert.IsType(t, &LogSubmitter{}, s)
	assert.NoError(t, Close(s))

	s, err = New(ctx, model.SubmitterConfig{Type: model.SubmitterRedis, Addr: "localhost:1"}, logger)
	require.NoError(t, err)
	assert.NoError(t, Close(s))

	for _, cfg := range []model.SubmitterConfig{
		{Type: model.SubmitterHTTP},
		{Type: model.SubmitterRedis},
		{Type: model.SubmitterPostgres},
		{Type: model.SubmitterKafka},
		{Type: "smtp"},
	} {
		_, err := New(ctx, cfg, logger)
		assert.Error(t, err, "type %q", cfg.Type)
	}
}
