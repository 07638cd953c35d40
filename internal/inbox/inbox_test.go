package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/ingest"
)

// fakeQueue is an in-memory queue with just enough SQS semantics: received
// messages stay until deleted.
type fakeQueue struct {
	mu         sync.Mutex
	messages   map[string]string
	order      []string
	deleted    []string
	visibility []string
	seq        int
	recvErr    error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{messages: map[string]string{}}
}

func (f *fakeQueue) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("m-%d", f.seq)
	f.messages[id] = aws.ToString(in.MessageBody)
	f.order = append(f.order, id)
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeQueue) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	out := &sqs.ReceiveMessageOutput{}
	for _, id := range f.order {
		body, ok := f.messages[id]
		if !ok {
			continue
		}
		if int32(len(out.Messages)) >= in.MaxNumberOfMessages {
			break
		}
		out.Messages = append(out.Messages, types.Message{
			MessageId:     aws.String(id),
			ReceiptHandle: aws.String("rh-" + id),
			Body:          aws.String(body),
		})
	}
	return out, nil
}

func (f *fakeQueue) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.ReceiptHandle)[len("rh-"):]
	delete(f.messages, id)
	f.deleted = append(f.deleted, id)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeQueue) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility = append(f.visibility, aws.ToString(in.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeQueue) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestEnqueue_WrapsBodyInEnvelope(t *testing.T) {
	q := newFakeQueue()
	p := NewProducer(q, "https://sqs.local/webhooks")
	p.now = func() time.Time { return time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC) }

	id, err := p.Enqueue(context.Background(), ingest.SourceSonarr, []byte(`{"eventType":"Test"}`))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(q.messages["m-1"]), &env))
	assert.Equal(t, id, env.ID)
	assert.Equal(t, ingest.SourceSonarr, env.Source)
	assert.JSONEq(t, `{"eventType":"Test"}`, string(env.Body))
	assert.Equal(t, 2026, env.ReceivedAt.Year())
}

func TestEnqueue_RejectsNonJSON(t *testing.T) {
	q := newFakeQueue()
	p := NewProducer(q, "https://sqs.local/webhooks")

	_, err := p.Enqueue(context.Background(), ingest.SourceRadarr, []byte("not json"))
	assert.ErrorIs(t, err, ingest.ErrInvalidPayload)
	assert.Zero(t, q.pending())
}

func TestPoll_DeletesHandledAndInvalid(t *testing.T) {
	q := newFakeQueue()
	p := NewProducer(q, "q")
	ctx := context.Background()

	_, err := p.Enqueue(ctx, ingest.SourceSonarr, []byte(`{"ok":true}`))
	require.NoError(t, err)
	_, err = p.Enqueue(ctx, ingest.SourceRadarr, []byte(`{"bad":true}`))
	require.NoError(t, err)

	var seen []string
	handle := func(_ context.Context, source string, _ []byte) error {
		seen = append(seen, source)
		if source == ingest.SourceRadarr {
			return fmt.Errorf("%w: missing eventType", ingest.ErrInvalidPayload)
		}
		return nil
	}

	c := NewConsumer(q, "q", handle, zap.NewNop())
	n, err := c.Poll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{ingest.SourceSonarr, ingest.SourceRadarr}, seen)
	assert.Zero(t, q.pending())
}

func TestPoll_TransientFailureLeavesMessage(t *testing.T) {
	q := newFakeQueue()
	ctx := context.Background()
	_, err := NewProducer(q, "q").Enqueue(ctx, ingest.SourceSeerr, []byte(`{}`))
	require.NoError(t, err)

	calls := 0
	handle := func(context.Context, string, []byte) error {
		calls++
		if calls == 1 {
			return errors.New("database unavailable")
		}
		return nil
	}
	c := NewConsumer(q, "q", handle, zap.NewNop())

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, q.pending())
	assert.Equal(t, []string{"rh-m-1"}, q.visibility)

	// redelivered on the next poll
	n, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, q.pending())
}

func TestPoll_MalformedEnvelopeDropped(t *testing.T) {
	q := newFakeQueue()
	_, err := q.SendMessage(context.Background(), &sqs.SendMessageInput{MessageBody: aws.String("{{{")})
	require.NoError(t, err)

	c := NewConsumer(q, "q", func(context.Context, string, []byte) error {
		t.Fatal("handler should not run")
		return nil
	}, zap.NewNop())

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestServe_StopsOnCancel(t *testing.T) {
	q := newFakeQueue()
	q.recvErr = errors.New("throttled")
	c := NewConsumer(q, "q", func(context.Context, string, []byte) error { return nil }, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Serve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
