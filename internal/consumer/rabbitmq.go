package consumer

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection はRabbitMQの接続とチャネルを保持する。
type Connection struct {
	// Conn はRabbitMQへの接続。
	Conn *amqp.Connection
	// Channel は消費と再発行に使うチャネル。
	Channel *amqp.Channel
}

// Dial はRabbitMQに接続してチャネルを開く。
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("RabbitMQのチャネル作成に失敗: %w", err)
	}

	slog.Info("RabbitMQに接続しました")
	return &Connection{Conn: conn, Channel: ch}, nil
}

// Close はチャネルと接続を閉じる。
func (c *Connection) Close() error {
	if c.Channel != nil {
		if err := c.Channel.Close(); err != nil {
			slog.Warn("RabbitMQのチャネルのクローズに失敗", "error", err)
		}
	}
	if c.Conn != nil {
		if err := c.Conn.Close(); err != nil {
			return fmt.Errorf("RabbitMQの接続のクローズに失敗: %w", err)
		}
	}
	return nil
}
