package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/connection"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/protocol"
	"github.com/arsenis-cmd/AirAware/internal/timer"
)

// Submitter stores a reading and returns it with id and AQI assigned
type Submitter interface {
	Submit(ctx context.Context, p protocol.ReadingPayload) (model.Reading, error)
}

// SubmissionSink queues a reading for asynchronous ingestion
type SubmissionSink interface {
	PublishSubmission(ctx context.Context, msg *protocol.SubmissionMessage) error
}

// Config holds TCP server settings
type Config struct {
	Addr              string
	MaxConnections    int
	IdentifyTimeout   time.Duration
	InactivityTimeout time.Duration
	Workers           int
	QueueSize         int
}

// ConnectionJob is one line read from an identified connection
type ConnectionJob struct {
	Client    *connection.ClientInfo
	Data      []byte
	Timestamp time.Time
}

// TCPServer speaks the newline-delimited JSON device protocol. One light
// goroutine per connection reads lines; a fixed worker pool handles them.
type TCPServer struct {
	config      Config
	connManager *connection.Manager
	timers      *timer.Scheduler
	submitter   Submitter
	queue       SubmissionSink
	listener    net.Listener
	logger      *zap.Logger

	jobQueue chan *ConnectionJob

	readersWg sync.WaitGroup
	workersWg sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// Option configures a TCPServer
type Option func(*TCPServer)

// WithSubmissionQueue routes readings to the submission topic instead of
// storing them inline. Acks then carry no reading id or AQI.
func WithSubmissionQueue(q SubmissionSink) Option {
	return func(s *TCPServer) { s.queue = q }
}

// NewTCPServer creates a server; zero config fields take defaults
func NewTCPServer(cfg Config, connManager *connection.Manager, timers *timer.Scheduler, submitter Submitter, opts ...Option) *TCPServer {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.IdentifyTimeout <= 0 {
		cfg.IdentifyTimeout = 10 * time.Second
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &TCPServer{
		config:      cfg,
		connManager: connManager,
		timers:      timers,
		submitter:   submitter,
		logger:      zap.L().With(zap.String("component", "tcp")),
		jobQueue:    make(chan *ConnectionJob, cfg.QueueSize),
		stopCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on the configured address and starts the worker pool
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return eris.Wrapf(err, "server: listen on %s", s.config.Addr)
	}
	s.listener = listener
	s.logger.Info("tcp server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Int("workers", s.config.Workers))

	for i := 0; i < s.config.Workers; i++ {
		s.workersWg.Add(1)
		go s.worker(i)
	}

	s.readersWg.Add(1)
	go s.acceptConnections()
	return nil
}

// Addr returns the bound listener address
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every connection, then lets the workers
// drain the lines already read
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connManager.CloseAll()
		s.readersWg.Wait()

		close(s.jobQueue)
		s.workersWg.Wait()
		s.cancel()
		s.logger.Info("tcp server stopped")
	})
}

func (s *TCPServer) acceptConnections() {
	defer s.readersWg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		if s.config.MaxConnections > 0 && s.connManager.Count() >= s.config.MaxConnections {
			s.logger.Warn("maximum connections reached, rejecting", zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		s.readersWg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection runs the identify handshake and then feeds lines to the
// worker pool
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.readersWg.Done()
	defer conn.Close()

	connectionID := uuid.NewString()
	logger := s.logger.With(zap.String("connection_id", connectionID))

	conn.SetReadDeadline(time.Now().Add(s.config.IdentifyTimeout))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		logger.Debug("no identify message", zap.Error(err))
		return
	}

	msg, err := protocol.ParseMessage(line)
	if err != nil {
		writeAck(conn, errorAck(err))
		return
	}
	identify, ok := msg.(*protocol.IdentifyMessage)
	if !ok {
		writeAck(conn, errorAck(model.NewValidationError("type", "expected identify message")))
		return
	}

	client, err := s.connManager.Register(connectionID, *identify, conn)
	if err != nil {
		writeAck(conn, errorAck(err))
		return
	}
	defer s.connManager.Unregister(connectionID)
	defer s.timers.Cancel(inactivityTimerID(connectionID))

	logger.Info("device identified", zap.String("device_id", identify.DeviceID))
	if err := client.Send(protocol.NewAckMessage(protocol.AckStatusIdentified)); err != nil {
		return
	}

	s.scheduleInactivityTimer(client)
	conn.SetReadDeadline(time.Time{})

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			logger.Debug("connection closed", zap.Error(err))
			return
		}

		job := &ConnectionJob{Client: client, Data: line, Timestamp: time.Now()}
		select {
		case s.jobQueue <- job:
		case <-s.stopCh:
			return
		default:
			logger.Warn("job queue full, dropping line")
			client.Send(errorAck(model.NewTransientStoreError("enqueue", eris.New("server busy"))))
		}

		s.connManager.UpdateActivity(connectionID)
		s.scheduleInactivityTimer(client)
	}
}

func (s *TCPServer) worker(id int) {
	defer s.workersWg.Done()
	for job := range s.jobQueue {
		s.processJob(id, job)
	}
}

func (s *TCPServer) processJob(workerID int, job *ConnectionJob) {
	msg, err := protocol.ParseMessage(job.Data)
	if err != nil {
		job.Client.Send(errorAck(err))
		return
	}

	var ack *protocol.AckMessage
	switch m := msg.(type) {
	case *protocol.ReadingMessage:
		ack = s.handleReading(job, m)
	case *protocol.KeepaliveMessage:
		ack = protocol.NewAckMessage(protocol.AckStatusAlive)
	case *protocol.IdentifyMessage:
		ack = errorAck(model.NewValidationError("type", "already identified"))
	default:
		ack = errorAck(model.NewValidationError("type", fmt.Sprintf("unexpected %T", msg)))
	}

	if err := job.Client.Send(ack); err != nil {
		s.logger.Debug("ack not delivered", zap.Int("worker", workerID), zap.Error(err))
	}
}

func (s *TCPServer) handleReading(job *ConnectionJob, msg *protocol.ReadingMessage) *protocol.AckMessage {
	payload := msg.Data
	payload.ApplyIdentity(&job.Client.Identity)

	if s.queue != nil {
		sub := &protocol.SubmissionMessage{
			ConnectionID: job.Client.ConnectionID,
			Source:       "tcp",
			ReceivedAt:   job.Timestamp.UTC(),
			Payload:      payload,
		}
		if err := s.queue.PublishSubmission(s.ctx, sub); err != nil {
			s.logger.Error("queue submission", zap.String("device_id", payload.DeviceID), zap.Error(err))
			return errorAck(model.NewTransientStoreError("queue submission", err))
		}
		return protocol.NewAckMessage(protocol.AckStatusAccepted)
	}

	stored, err := s.submitter.Submit(s.ctx, payload)
	if err != nil {
		return errorAck(err)
	}
	ack := protocol.NewAckMessage(protocol.AckStatusAccepted)
	ack.ReadingID = stored.ID
	ack.AQI = &stored.AQI
	return ack
}

func inactivityTimerID(connectionID string) string {
	return "inactivity-" + connectionID
}

func (s *TCPServer) scheduleInactivityTimer(client *connection.ClientInfo) {
	expiry := time.Now().Add(s.config.InactivityTimeout)
	err := s.timers.Schedule(inactivityTimerID(client.ConnectionID), expiry, func(context.Context) {
		s.logger.Info("inactivity timeout", zap.String("connection_id", client.ConnectionID))
		// The reader then fails and unregisters
		client.Conn.Close()
	})
	if err != nil {
		s.logger.Debug("inactivity timer not scheduled", zap.Error(err))
	}
}

func errorAck(err error) *protocol.AckMessage {
	ack := protocol.NewAckMessage(protocol.AckStatusError)
	switch {
	case model.IsValidation(err), model.IsConflict(err):
		ack.Error = err.Error()
	case model.IsTransient(err):
		ack.Error = "temporarily unavailable, retry"
	case errors.Is(err, connection.ErrMaxConnectionsReached):
		ack.Error = "server full"
	default:
		ack.Error = "internal error"
	}
	return ack
}

func writeAck(conn net.Conn, ack *protocol.AckMessage) {
	data, err := protocol.EncodeMessage(ack)
	if err != nil {
		return
	}
	conn.Write(append(data, '\n'))
}
