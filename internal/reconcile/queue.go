package reconcile

import "context"

// Handler 处理一条对账工单。
type Handler func(ctx context.Context, ticket Ticket) error

// Producer 负责投递工单。
type Producer interface {
	Publish(ctx context.Context, ticket Ticket) error
	Close() error
}

// Consumer 负责消费工单。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
