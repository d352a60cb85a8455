// Package server implements the OJP server: the AMQP-fronted transport
// loop, the StatementService action handlers, the slow-query slot
// manager, result-block streaming, and the configuration surface.
package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ojp-io/ojp/breaker"
	"github.com/ojp-io/ojp/session"
	"github.com/ojp-io/ojp/wire"
)

// Server owns the AMQP connection/channel, the worker pool, and every
// collaborator StatementService needs: one struct with a Start/Stop
// lifecycle, dispatching deliveries by `wire.Envelope.Action`.
type Server struct {
	cfg *Config

	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue

	pool    *WorkerPool
	service *StatementService
	monitor *MonitoringManager

	mu      sync.Mutex
	started bool
}

// NewServer wires a Server from a Config. The AMQP connection is opened by
// Start, not here, so construction never blocks or fails on network I/O.
func NewServer(cfg *Config) *Server {
	datasources := NewDatasourceRegistry(cfg.XAStartTimeout, cfg.HousekeepingInterval)
	sessions := session.NewSessionManager(datasources)
	breakers := breaker.NewStatementBreaker(breaker.DefaultConfig())
	service := NewStatementService(sessions, datasources, breakers)

	s := &Server{
		cfg:     cfg,
		service: service,
	}
	s.monitor = NewMonitoringManager(cfg, sessions, datasources, func() WorkerPoolStats {
		s.mu.Lock()
		pool := s.pool
		s.mu.Unlock()
		if pool == nil {
			return WorkerPoolStats{}
		}
		return pool.GetStats()
	})
	return s
}

// Start dials the AMQP broker, declares the server queue, and launches
// the worker pool and the consume loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	conn, err := amqp.Dial(s.cfg.AMQPURL)
	if err != nil {
		return err
	}
	s.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	s.channel = ch

	queue, err := ch.QueueDeclare(s.cfg.DeviceID, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	s.queue = queue

	msgs, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.pool = NewWorkerPool(*s.cfg.ToWorkerPoolConfig(), s.dispatch)
	s.mu.Unlock()
	s.pool.Start()
	s.monitor.Start()

	go s.consume(ctx, msgs)
	return nil
}

func (s *Server) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			s.onDelivery(d)
		}
	}
}

func (s *Server) onDelivery(d amqp.Delivery) {
	var env wire.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.Printf("ojp: malformed envelope, dropping: %v", err)
		d.Ack(false)
		return
	}

	task := MessageTask{
		Envelope: env,
		CorrID:   d.CorrelationId,
		ReplyTo:  d.ReplyTo,
		Reply:    s.reply,
	}
	if !s.pool.SubmitTask(task) {
		s.reply(d.CorrelationId, d.ReplyTo, wire.OpResult{
			Final: true,
			Error: &wire.ErrorInfo{Kind: "TransientInfraError", Message: "server overloaded, queue full"},
		}, true)
	}
	d.Ack(false)
}

func (s *Server) reply(corrID, replyTo string, result wire.OpResult, final bool) {
	if replyTo == "" {
		return
	}
	body, err := json.Marshal(result)
	if err != nil {
		log.Printf("ojp: marshaling reply failed: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = s.channel.PublishWithContext(ctx, "", replyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		Body:          body,
	})
	if err != nil {
		log.Printf("ojp: publishing reply failed: %v", err)
	}
}

// Stop drains the worker pool and closes the AMQP channel/connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.monitor.Stop()
	s.pool.Stop()
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// dispatch is the worker-pool callback: it maps one wire.Envelope action
// to a StatementService method, streaming multiple replies for
// executeQuery/fetchNextRows and a single final reply for everything else.
func (s *Server) dispatch(ctx context.Context, t MessageTask) {
	switch t.Envelope.Action {
	case "connect":
		var req struct {
			Session wire.SessionInfo       `json:"session"`
			Details wire.ConnectionDetails `json:"details"`
		}
		if !decodePayload(t, &req) {
			return
		}
		info, err := s.service.Connect(ctx, req.Session, req.Details)
		if err != nil {
			t.Reply(t.CorrID, t.ReplyTo, errResult(info, err), true)
			return
		}
		t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{Session: info, Final: true}, true)

	case "executeUpdate":
		var req wire.StatementRequest
		if !decodePayload(t, &req) {
			return
		}
		res, _ := s.service.ExecuteUpdate(ctx, req)
		t.Reply(t.CorrID, t.ReplyTo, res, true)

	case "executeQuery":
		var req wire.StatementRequest
		if !decodePayload(t, &req) {
			return
		}
		s.service.ExecuteQuery(ctx, req, func(res wire.OpResult) {
			t.Reply(t.CorrID, t.ReplyTo, res, res.Final)
		})

	case "fetchNextRows":
		var req wire.ResultSetFetchRequest
		if !decodePayload(t, &req) {
			return
		}
		s.service.FetchNextRows(ctx, req, func(res wire.OpResult) {
			t.Reply(t.CorrID, t.ReplyTo, res, res.Final)
		})

	case "lobWrite":
		var req wire.LobWriteRequest
		if !decodePayload(t, &req) {
			return
		}
		res, _ := s.service.LobWrite(ctx, req)
		t.Reply(t.CorrID, t.ReplyTo, res, true)

	case "lobRead":
		var req wire.LobReadRequest
		if !decodePayload(t, &req) {
			return
		}
		s.service.LobRead(ctx, req, func(res wire.OpResult) {
			t.Reply(t.CorrID, t.ReplyTo, res, res.Final)
		})

	case "startTransaction":
		var info wire.SessionInfo
		if !decodePayload(t, &info) {
			return
		}
		updated, err := s.service.StartTransaction(ctx, info)
		if err != nil {
			t.Reply(t.CorrID, t.ReplyTo, errResult(updated, err), true)
			return
		}
		t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{Session: updated, Final: true}, true)

	case "commitTransaction":
		var info wire.SessionInfo
		if !decodePayload(t, &info) {
			return
		}
		updated, err := s.service.CommitTransaction(ctx, info)
		if err != nil {
			t.Reply(t.CorrID, t.ReplyTo, errResult(updated, err), true)
			return
		}
		t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{Session: updated, Final: true}, true)

	case "rollbackTransaction":
		var info wire.SessionInfo
		if !decodePayload(t, &info) {
			return
		}
		updated, err := s.service.RollbackTransaction(ctx, info)
		if err != nil {
			t.Reply(t.CorrID, t.ReplyTo, errResult(updated, err), true)
			return
		}
		t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{Session: updated, Final: true}, true)

	case "xaStart":
		var req wire.XARequest
		if !decodePayload(t, &req) {
			return
		}
		err := s.service.XAStart(ctx, req)
		t.Reply(t.CorrID, t.ReplyTo, errResult(req.Session, err), true)

	case "xaEnd":
		var req wire.XARequest
		if !decodePayload(t, &req) {
			return
		}
		err := s.service.XAEnd(ctx, req)
		t.Reply(t.CorrID, t.ReplyTo, errResult(req.Session, err), true)

	case "xaPrepare":
		var req wire.XARequest
		if !decodePayload(t, &req) {
			return
		}
		res, _ := s.service.XAPrepare(ctx, req)
		t.Reply(t.CorrID, t.ReplyTo, wrapXAResult(res), true)

	case "xaCommit":
		var req wire.XARequest
		if !decodePayload(t, &req) {
			return
		}
		err := s.service.XACommit(ctx, req)
		t.Reply(t.CorrID, t.ReplyTo, errResult(req.Session, err), true)

	case "xaRollback":
		var req wire.XARequest
		if !decodePayload(t, &req) {
			return
		}
		err := s.service.XARollback(ctx, req)
		t.Reply(t.CorrID, t.ReplyTo, errResult(req.Session, err), true)

	case "xaRecover":
		var req wire.XARecoverRequest
		if !decodePayload(t, &req) {
			return
		}
		res, _ := s.service.XARecover(ctx, req)
		t.Reply(t.CorrID, t.ReplyTo, wrapXAResult(res), true)

	case "xaSetTransactionTimeout":
		var req wire.XATimeoutRequest
		if !decodePayload(t, &req) {
			return
		}
		err := s.service.XASetTransactionTimeout(ctx, req.Session, req.Seconds)
		t.Reply(t.CorrID, t.ReplyTo, errResult(req.Session, err), true)

	case "xaGetTransactionTimeout":
		var req wire.XATimeoutRequest
		if !decodePayload(t, &req) {
			return
		}
		seconds, err := s.service.XAGetTransactionTimeout(ctx, req.Session)
		res := wire.XATimeoutResult{Session: req.Session, Seconds: seconds, Error: wire.FromError(err)}
		body, _ := json.Marshal(res)
		t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{Session: req.Session, Rows: &wire.RowBlock{Rows: [][]any{{string(body)}}}, Error: res.Error, Final: true}, true)

	case "xaIsSameRM":
		var req wire.XAIsSameRMRequest
		if !decodePayload(t, &req) {
			return
		}
		same, err := s.service.XAIsSameRM(ctx, req.SessionA, req.SessionB)
		res := wire.XAIsSameRMResult{Same: same, Error: wire.FromError(err)}
		body, _ := json.Marshal(res)
		t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{Session: req.SessionA, Rows: &wire.RowBlock{Rows: [][]any{{string(body)}}}, Error: res.Error, Final: true}, true)

	case "terminateSession":
		var info wire.SessionInfo
		if !decodePayload(t, &info) {
			return
		}
		status := s.service.TerminateSession(ctx, info)
		body, _ := json.Marshal(status)
		t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{Session: info, Rows: &wire.RowBlock{Rows: [][]any{{string(body)}}}, Final: true}, true)

	default:
		t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{
			Final: true,
			Error: &wire.ErrorInfo{Kind: "ProtocolError", Message: "unknown action: " + t.Envelope.Action},
		}, true)
	}
}

// wrapXAResult carries a wire.XAResult's return code / recovered Xid list
// back as the single row of an OpResult, since the wire protocol's generic
// reply envelope is OpResult rather than a per-action response type.
func wrapXAResult(res wire.XAResult) wire.OpResult {
	body, _ := json.Marshal(res)
	return wire.OpResult{
		Session: res.Session,
		Rows:    &wire.RowBlock{Rows: [][]any{{string(body)}}},
		Error:   res.Error,
		Final:   true,
	}
}

func decodePayload(t MessageTask, dst any) bool {
	raw, err := json.Marshal(t.Envelope.Payload)
	if err != nil {
		t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{
			Final: true,
			Error: &wire.ErrorInfo{Kind: "ProtocolError", Message: "malformed payload"},
		}, true)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{
			Final: true,
			Error: &wire.ErrorInfo{Kind: "ProtocolError", Message: "malformed payload: " + err.Error()},
		}, true)
		return false
	}
	return true
}
