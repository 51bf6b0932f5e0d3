package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述副本间负载广播所用的 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Prefetch int
}

// RabbitMQTransport 通过 fanout exchange 在副本间广播回合负载。
// 每个副本持有一个独占队列绑定到同一交换机，自己发布的信封也会回送。
type RabbitMQTransport struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	deliveries chan Envelope
	closeOnce  sync.Once
	closeErr   error
}

// NewRabbitMQTransport 建立连接、声明交换机与独占队列并开始消费。
func NewRabbitMQTransport(cfg RabbitMQConfig) (*RabbitMQTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "memeloop.rounds"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", false, true, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明交换机失败: %w", err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明副本队列失败: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("绑定副本队列失败: %w", err)
	}
	msgs, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("订阅副本队列失败: %w", err)
	}

	t := &RabbitMQTransport{
		conn:       conn,
		ch:         ch,
		exchange:   exchange,
		deliveries: make(chan Envelope, 256),
	}
	go t.pump(msgs)
	return t, nil
}

func (t *RabbitMQTransport) pump(msgs <-chan amqp.Delivery) {
	defer close(t.deliveries)
	for msg := range msgs {
		var env Envelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			// 非法信封直接丢弃，计票依赖逐字节一致性，无需补偿。
			continue
		}
		t.deliveries <- env
	}
}

// Broadcast 实现 Transport。
func (t *RabbitMQTransport) Broadcast(ctx context.Context, env Envelope) error {
	if t == nil || t.ch == nil {
		return errors.New("RabbitMQ 传输未初始化")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("序列化信封失败: %w", err)
	}
	return t.ch.PublishWithContext(ctx, t.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Deliveries 实现 Transport。
func (t *RabbitMQTransport) Deliveries() <-chan Envelope {
	return t.deliveries
}

// Close 关闭 channel 与连接。
func (t *RabbitMQTransport) Close() error {
	if t == nil {
		return nil
	}
	t.closeOnce.Do(func() {
		var errs []error
		if t.ch != nil {
			errs = append(errs, t.ch.Close())
		}
		if t.conn != nil {
			errs = append(errs, t.conn.Close())
		}
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}
