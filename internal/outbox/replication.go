package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
)

const (
	OutputPlugin = "pgoutput"

	receiveTimeout = 10 * time.Second
)

type ReplicationConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SlotName        string
	PublicationName string
	Table           string
}

func (c *ReplicationConfig) connString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.Host, c.Port, c.Database, c.User, c.Password)
}

type ReplicationClient struct {
	config    *ReplicationConfig
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	typeMap   *pgtype.Map
	handler   EventHandler
	lastLSN   pglogrepl.LSN
}

func NewReplicationClient(config *ReplicationConfig, handler EventHandler) *ReplicationClient {
	return &ReplicationClient{
		config:    config,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		typeMap:   pgtype.NewMap(),
		handler:   handler,
	}
}

func (rc *ReplicationClient) Connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, rc.config.connString()+" replication=database")
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	rc.conn = conn
	return nil
}

func (rc *ReplicationClient) CreateSlotIfNotExists(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	_, err := pglogrepl.CreateReplicationSlot(
		ctx,
		rc.conn,
		rc.config.SlotName,
		OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}

	return nil
}

func (rc *ReplicationClient) StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	err := pglogrepl.StartReplication(
		ctx,
		rc.conn,
		rc.config.SlotName,
		startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", rc.config.PublicationName),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	return nil
}

// ReceiveMessage handles at most one message. An idle timeout is not an
// error.
func (rc *ReplicationClient) ReceiveMessage(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	recvCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
	defer cancel()

	msg, err := rc.conn.ReceiveMessage(recvCtx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return rc.handleCopyData(ctx, msg.Data)
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("replication error: %s", msg.Message)
	default:
		return nil
	}
}

func (rc *ReplicationClient) LastLSN() pglogrepl.LSN {
	return rc.lastLSN
}

func (rc *ReplicationClient) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		return rc.handleKeepalive(ctx, data[1:])
	case pglogrepl.XLogDataByteID:
		return rc.handleXLogData(ctx, data[1:])
	}

	return nil
}

func (rc *ReplicationClient) handleKeepalive(ctx context.Context, data []byte) error {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse keepalive: %w", err)
	}

	if pkm.ServerWALEnd > rc.lastLSN {
		rc.lastLSN = pkm.ServerWALEnd
	}

	if pkm.ReplyRequested {
		return rc.SendStandbyStatusUpdate(ctx, rc.lastLSN)
	}

	return nil
}

func (rc *ReplicationClient) handleXLogData(ctx context.Context, data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return fmt.Errorf("failed to parse xlog data: %w", err)
	}

	if err := rc.processWALData(ctx, xld.WALData, xld.WALStart); err != nil {
		return err
	}

	if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > rc.lastLSN {
		rc.lastLSN = end
	}
	return nil
}

func (rc *ReplicationClient) processWALData(ctx context.Context, walData []byte, lsn pglogrepl.LSN) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rc.relations[msg.RelationID] = msg

	case *pglogrepl.InsertMessage:
		return rc.handleInsert(ctx, msg, lsn)

	case *pglogrepl.UpdateMessage:
		return rc.handleUpdate(ctx, msg, lsn)

	case *pglogrepl.DeleteMessage:
		return rc.handleDelete(ctx, msg, lsn)
	}

	return nil
}

func (rc *ReplicationClient) SendStandbyStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	return pglogrepl.SendStandbyStatusUpdate(ctx, rc.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
	})
}

func (rc *ReplicationClient) Close(ctx context.Context) error {
	if rc.conn != nil {
		err := rc.conn.Close(ctx)
		rc.conn = nil
		return err
	}
	return nil
}

func (rc *ReplicationClient) emit(ctx context.Context, event *ChangeEvent) error {
	if rc.handler == nil {
		return nil
	}
	return rc.handler.HandleChange(ctx, event)
}

func (rc *ReplicationClient) handleInsert(ctx context.Context, msg *pglogrepl.InsertMessage, lsn pglogrepl.LSN) error {
	rel, ok := rc.relations[msg.RelationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", msg.RelationID)
	}

	return rc.emit(ctx, &ChangeEvent{
		TableName: rel.RelationName,
		Operation: OperationInsert,
		Timestamp: time.Now(),
		NewData:   rc.tupleToMap(rel, msg.Tuple),
		LSN:       lsn,
	})
}

func (rc *ReplicationClient) handleUpdate(ctx context.Context, msg *pglogrepl.UpdateMessage, lsn pglogrepl.LSN) error {
	rel, ok := rc.relations[msg.RelationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", msg.RelationID)
	}

	event := &ChangeEvent{
		TableName: rel.RelationName,
		Operation: OperationUpdate,
		Timestamp: time.Now(),
		NewData:   rc.tupleToMap(rel, msg.NewTuple),
		LSN:       lsn,
	}
	if msg.OldTuple != nil {
		event.OldData = rc.tupleToMap(rel, msg.OldTuple)
	}

	return rc.emit(ctx, event)
}

func (rc *ReplicationClient) handleDelete(ctx context.Context, msg *pglogrepl.DeleteMessage, lsn pglogrepl.LSN) error {
	rel, ok := rc.relations[msg.RelationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", msg.RelationID)
	}

	event := &ChangeEvent{
		TableName: rel.RelationName,
		Operation: OperationDelete,
		Timestamp: time.Now(),
		LSN:       lsn,
	}
	if msg.OldTuple != nil {
		event.OldData = rc.tupleToMap(rel, msg.OldTuple)
	}

	return rc.emit(ctx, event)
}

// tupleToMap decodes text-format columns with the column's registered type,
// so json and jsonb arrive as decoded values rather than raw text.
func (rc *ReplicationClient) tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]any {
	values := make(map[string]any)
	if tuple == nil {
		return values
	}

	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name

		switch col.DataType {
		case 'n':
			values[name] = nil
		case 't':
			values[name] = rc.decodeText(col.Data, rel.Columns[i].DataType)
		}
	}

	return values
}

func (rc *ReplicationClient) decodeText(data []byte, oid uint32) any {
	if oid == pgtype.JSONOID || oid == pgtype.JSONBOID {
		var v any
		if err := decodeJSON(data, &v); err == nil {
			return v
		}
		return string(data)
	}
	if dt, ok := rc.typeMap.TypeForOID(oid); ok {
		if v, err := dt.Codec.DecodeValue(rc.typeMap, oid, pgtype.TextFormatCode, data); err == nil {
			return v
		}
	}
	return string(data)
}
