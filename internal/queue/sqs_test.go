package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Runway/internal/config"
	"Runway/internal/metrics"
	"Runway/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu         sync.Mutex
	sent       []*sqs.SendMessageInput
	sendErr    error
	batches    [][]types.Message
	receiveIn  []*sqs.ReceiveMessageInput
	receiveErr error
	deleted    []string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String(fmt.Sprintf("msg-%d", len(f.sent)))}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.receiveIn = append(f.receiveIn, in)
	if f.receiveErr != nil {
		f.mu.Unlock()
		return nil, f.receiveErr
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	f.mu.Unlock()

	// Long poll with nothing left
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		URL:               "https://sqs.eu-west-1.amazonaws.com/123456789012/runway-jobs",
		MaxMessages:       10,
		WaitTime:          20 * time.Second,
		VisibilityTimeout: 5 * time.Minute,
		Concurrency:       2,
	}
}

func testDeps() (*metrics.Metrics, *slog.Logger) {
	return metrics.NewMetrics(prometheus.NewRegistry()), slog.New(slog.NewTextHandler(io.Discard, nil))
}

func job(id int64) models.JobRequest {
	return models.JobRequest{
		ID:              id,
		EventType:       models.EventTypeWorkflowJob,
		RepositoryOwner: "octo",
		RepositoryName:  "hello",
		InstallationID:  9,
	}
}

func message(t *testing.T, handle string, req models.JobRequest) types.Message {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return types.Message{
		MessageId:     aws.String("id-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(string(body)),
	}
}

func TestSend(t *testing.T) {
	fake := &fakeSQS{}
	m, logger := testDeps()
	cfg := testConfig()
	cfg.DelaySeconds = 30

	require.NoError(t, NewSender(fake, cfg, m, logger).Send(context.Background(), job(42)))

	require.Len(t, fake.sent, 1)
	in := fake.sent[0]
	assert.Equal(t, cfg.URL, aws.ToString(in.QueueUrl))
	assert.Equal(t, int32(30), in.DelaySeconds)
	assert.Nil(t, in.MessageGroupId)
	assert.JSONEq(t,
		`{"id":42,"eventType":"workflow_job","repositoryName":"hello","repositoryOwner":"octo","installationId":9}`,
		aws.ToString(in.MessageBody),
	)
}

func TestSendFIFO(t *testing.T) {
	fake := &fakeSQS{}
	m, logger := testDeps()
	cfg := testConfig()
	cfg.FIFO = true
	cfg.DelaySeconds = 30

	require.NoError(t, NewSender(fake, cfg, m, logger).Send(context.Background(), job(42)))

	in := fake.sent[0]
	assert.Equal(t, "octo/hello", aws.ToString(in.MessageGroupId))
	assert.Equal(t, "workflow_job-42", aws.ToString(in.MessageDeduplicationId))
	assert.Zero(t, in.DelaySeconds)
}

func TestSendError(t *testing.T) {
	fake := &fakeSQS{sendErr: errors.New("AccessDenied")}
	m, logger := testDeps()

	err := NewSender(fake, testConfig(), m, logger).Send(context.Background(), job(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestPollDeletesHandledMessages(t *testing.T) {
	fake := &fakeSQS{
		batches: [][]types.Message{{
			message(t, "ok-1", job(1)),
			message(t, "fail", job(2)),
			message(t, "ok-3", job(3)),
			{MessageId: aws.String("bad"), ReceiptHandle: aws.String("malformed"), Body: aws.String("{")},
		}},
	}
	m, logger := testDeps()
	c := NewConsumer(fake, testConfig(), m, logger)

	var handled sync.Map
	err := c.Poll(context.Background(), func(_ context.Context, req models.JobRequest) error {
		handled.Store(req.ID, true)
		if req.ID == 2 {
			return errors.New("provisioning exhausted")
		}
		return nil
	})
	require.NoError(t, err)

	for _, id := range []int64{1, 2, 3} {
		_, ok := handled.Load(id)
		assert.True(t, ok, "job %d handled", id)
	}
	assert.ElementsMatch(t, []string{"ok-1", "ok-3"}, fake.deleted)

	in := fake.receiveIn[0]
	assert.Equal(t, int32(10), in.MaxNumberOfMessages)
	assert.Equal(t, int32(20), in.WaitTimeSeconds)
	assert.Equal(t, int32(300), in.VisibilityTimeout)
}

func TestPollBoundsConcurrency(t *testing.T) {
	var batch []types.Message
	for i := int64(1); i <= 6; i++ {
		batch = append(batch, message(t, fmt.Sprintf("h-%d", i), job(i)))
	}
	fake := &fakeSQS{batches: [][]types.Message{batch}}
	m, logger := testDeps()
	c := NewConsumer(fake, testConfig(), m, logger)

	var inFlight, peak atomic.Int32
	err := c.Poll(context.Background(), func(context.Context, models.JobRequest) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, fake.deleted, 6)
}

func TestRunStopsOnCancel(t *testing.T) {
	fake := &fakeSQS{batches: [][]types.Message{{message(t, "only", job(1))}}}
	m, logger := testDeps()
	c := NewConsumer(fake, testConfig(), m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(context.Context, models.JobRequest) error {
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []string{"only"}, fake.deleted, "handled message is deleted during shutdown")
}
