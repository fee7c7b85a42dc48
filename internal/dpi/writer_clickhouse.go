package dpi

import (
	"context"
	"fmt"
	"time"

	"DPIHub/internal/config"
	"DPIHub/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const createProtocolsTable = `
CREATE TABLE IF NOT EXISTS dpi_protocols (
    Timestamp   DateTime,
    SessionID   String,
    Protocol    String,
    Parent      Nullable(String),
    Packets     UInt64,
    DataVolume  UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (SessionID, Timestamp);
`

const createConversationsTable = `
CREATE TABLE IF NOT EXISTS dpi_conversations (
    Timestamp   DateTime,
    SessionID   String,
    ClientIP    String,
    ClientPort  UInt16,
    ServerIP    String,
    ServerPort  UInt16,
    Protocol    String,
    Packets     UInt64,
    Bytes       UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (SessionID, Timestamp);
`

// ClickHouseWriter persists finished traffic snapshots for later querying.
type ClickHouseWriter struct {
	conn driver.Conn
	log  *zap.SugaredLogger
}

// NewClickHouseWriter connects to ClickHouse and ensures the tables exist.
func NewClickHouseWriter(cfg config.ClickHouseConfig, log *zap.SugaredLogger) (*ClickHouseWriter, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	for _, stmt := range []string{createProtocolsTable, createConversationsTable} {
		if err := conn.Exec(context.Background(), stmt); err != nil {
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	log.Infow("connected to ClickHouse", "addr", addr, "database", cfg.Database)
	return &ClickHouseWriter{conn: conn, log: log}, nil
}

// WriteSnapshot batch-inserts one session's protocol totals and
// conversations.
func (w *ClickHouseWriter) WriteSnapshot(ctx context.Context, sessionID string, view *model.TrafficView) error {
	now := time.Now()

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO dpi_protocols")
	if err != nil {
		return fmt.Errorf("failed to prepare protocol batch: %w", err)
	}
	rows := 0
	var appendNode func(parent string, n *model.ProtocolNode) error
	appendNode = func(parent string, n *model.ProtocolNode) error {
		var p any
		if parent != "" {
			p = parent
		}
		if err := batch.Append(now, sessionID, n.Name, p, n.Packets, n.DataVolume); err != nil {
			return err
		}
		rows++
		for _, child := range n.Children {
			if err := appendNode(n.Name, child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range view.Hierarchy {
		if err := appendNode("", root); err != nil {
			return fmt.Errorf("failed to append protocol row: %w", err)
		}
	}
	if rows > 0 {
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send protocol batch: %w", err)
		}
	}

	batch, err = w.conn.PrepareBatch(ctx, "INSERT INTO dpi_conversations")
	if err != nil {
		return fmt.Errorf("failed to prepare conversation batch: %w", err)
	}
	for _, c := range view.Conversations {
		err := batch.Append(now, sessionID, c.ClientIP, uint16(c.ClientPort),
			c.ServerIP, uint16(c.ServerPort), c.Protocol, c.Packets, c.Bytes)
		if err != nil {
			return fmt.Errorf("failed to append conversation row: %w", err)
		}
	}
	if len(view.Conversations) > 0 {
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send conversation batch: %w", err)
		}
	}

	w.log.Infow("persisted traffic snapshot", "sessionId", sessionID,
		"protocols", rows, "conversations", len(view.Conversations))
	return nil
}

// Close shuts the connection down.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
