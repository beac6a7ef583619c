// Package queue implements the per-task-type job queue described in
// §4.2/§5: one Kafka/Redpanda topic per WorkerTask type, produced to by
// the orchestrator's fan-out and consumed by that type's bounded worker
// pool. Grounded on the teacher's redpanda producer/consumer pair,
// simplified to the at-least-once delivery this domain needs (worker
// adapters are themselves idempotent per provider+source).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/observability"
)

// TopicForTaskType returns the Kafka topic backing a task type's queue.
func TopicForTaskType(t domain.TaskType) string {
	return t.QueueName()
}

// Producer publishes WorkerTasks to their task-type topic.
type Producer struct {
	client *kgo.Client
}

// NewProducer builds a Producer against the given brokers.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("queue: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: new producer client: %w", err)
	}
	return &Producer{client: client}, nil
}

// Enqueue publishes one WorkerTask, keyed by job id so tasks for the
// same job land on the same partition and preserve relative order.
func (p *Producer) Enqueue(ctx context.Context, task domain.WorkerTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}
	topic := TopicForTaskType(task.TaskType)
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(task.JobID),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(task.JobID)},
			{Key: "provider_id", Value: []byte(task.ProviderID)},
			{Key: "task_type", Value: []byte(task.TaskType)},
		},
	}

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("queue: produce to %s: %w", topic, err)
	}
	observability.TasksEnqueuedTotal.WithLabelValues(string(task.TaskType)).Inc()
	return nil
}

// Close releases the underlying Kafka client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// Consumer polls one task-type topic as part of a consumer group shared
// by every worker process of that type, giving horizontal scale-out per
// §5's per-task-type worker pool model.
type Consumer struct {
	client    *kgo.Client
	taskType  domain.TaskType
	admClient *kadm.Client
}

// NewConsumer builds a Consumer subscribed to taskType's topic under
// group (one group per task type so replays don't cross task types).
func NewConsumer(brokers []string, taskType domain.TaskType, group string) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("queue: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(TopicForTaskType(taskType)),
		kgo.AutoCommitMarks(),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: new consumer client: %w", err)
	}
	return &Consumer{client: client, taskType: taskType, admClient: kadm.NewClient(client)}, nil
}

// Poll blocks until at least one WorkerTask is available (or ctx is
// done) and returns the batch received, already unmarshaled. Each
// returned task must be acknowledged via MarkConsumed once fully
// processed and its result persisted.
func (c *Consumer) Poll(ctx context.Context) ([]domain.WorkerTask, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("queue: consumer closed")
	}
	var tasks []domain.WorkerTask
	fetches.EachError(func(topic string, partition int32, err error) {
		slog.Error("queue fetch error", slog.String("topic", topic), slog.Int("partition", int(partition)), slog.Any("error", err))
	})
	fetches.EachRecord(func(rec *kgo.Record) {
		var task domain.WorkerTask
		if err := json.Unmarshal(rec.Value, &task); err != nil {
			slog.Error("queue: dropping unparseable record", slog.Any("error", err))
			c.client.MarkCommitRecords(rec)
			return
		}
		tasks = append(tasks, task)
		c.client.MarkCommitRecords(rec)
	})
	return tasks, nil
}

// Depth reports the total consumer lag (unread-record count) across all
// partitions of the task type's topic: end offset minus last committed
// offset, summed. The orchestrator's backpressure check uses DepthProbe,
// which measures the same lag without joining the group.
func (c *Consumer) Depth(ctx context.Context) (int64, error) {
	topic := TopicForTaskType(c.taskType)
	group, _ := c.client.GroupMetadata()

	committed, err := c.admClient.FetchOffsets(ctx, group)
	if err != nil {
		return 0, fmt.Errorf("queue: fetch committed offsets: %w", err)
	}
	ends, err := c.admClient.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("queue: list end offsets: %w", err)
	}

	var total int64
	ends.Each(func(o kadm.ListedOffset) {
		if o.Topic != topic || o.Err != nil {
			return
		}
		var committedAt int64
		if resp, ok := committed[o.Topic][o.Partition]; ok {
			committedAt = resp.At
		}
		if lag := o.Offset - committedAt; lag > 0 {
			total += lag
		}
	})
	observability.QueueDepth.WithLabelValues(string(c.taskType)).Set(float64(total))
	return total, nil
}

// Close releases the underlying Kafka client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// DepthProbe reports a task type's queue depth against its real worker
// consumer group without joining that group itself, so the orchestrator
// process can check backpressure ahead of a submission without becoming
// a rebalance participant in the worker pool's group.
type DepthProbe struct {
	client    *kgo.Client
	admClient *kadm.Client
	taskType  domain.TaskType
	group     string
}

// NewDepthProbe builds a DepthProbe measuring taskType's topic lag
// against group, the worker pool's real consumer group name.
func NewDepthProbe(brokers []string, taskType domain.TaskType, group string) (*DepthProbe, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("queue: no seed brokers provided")
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("queue: new depth probe client: %w", err)
	}
	return &DepthProbe{client: client, admClient: kadm.NewClient(client), taskType: taskType, group: group}, nil
}

// Depth reports the total unread-record count across all partitions of
// the task type's topic for the probe's worker consumer group.
func (d *DepthProbe) Depth(ctx context.Context) (int64, error) {
	topic := TopicForTaskType(d.taskType)

	committed, err := d.admClient.FetchOffsets(ctx, d.group)
	if err != nil {
		return 0, fmt.Errorf("queue: fetch committed offsets: %w", err)
	}
	ends, err := d.admClient.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("queue: list end offsets: %w", err)
	}

	var total int64
	ends.Each(func(o kadm.ListedOffset) {
		if o.Topic != topic || o.Err != nil {
			return
		}
		var committedAt int64
		if resp, ok := committed[o.Topic][o.Partition]; ok {
			committedAt = resp.At
		}
		if lag := o.Offset - committedAt; lag > 0 {
			total += lag
		}
	})
	observability.QueueDepth.WithLabelValues(string(d.taskType)).Set(float64(total))
	return total, nil
}

// Close releases the underlying Kafka client.
func (d *DepthProbe) Close() {
	if d.client != nil {
		d.client.Close()
	}
}
