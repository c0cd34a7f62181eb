package server

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/distbelief/internal/channel"
	"github.com/dreamware/distbelief/internal/cluster"
	"github.com/dreamware/distbelief/internal/log"
	"github.com/dreamware/distbelief/internal/protocol"
	"github.com/dreamware/distbelief/internal/shard"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// DefaultSeed seeds the shard initializer when WithSeed is not given.
const DefaultSeed = 42

// State is the externally visible server state.
type State string

const (
	// StateStopped means Run is not active.
	StateStopped State = "stopped"
	// StateRunning means Run is receiving and applying messages.
	StateRunning State = "running"
)

// Server owns one parameter shard and applies the messages it receives.
type Server struct {
	startedAt      time.Time
	channel        channel.Channel
	logger         logrus.FieldLogger
	shard          *shard.ParameterShard
	cancel         context.CancelFunc // cancels the active Run
	done           chan struct{}      // closed when the active Run returns
	state          State
	initial        []float32
	seed           int64
	receiveTimeout time.Duration
	messages       uint64
	dropped        uint64
	size           int
	mu             sync.Mutex // protects state, cancel, done, startedAt and stopPending
	id             uuid.UUID
	learningRate   float32
	replyToSender  bool
	stopPending    bool // Stop arrived while not running
}

// Option configures a Server.
type Option func(*Server) error

// WithChannel sets the channel the server receives from and responds on.
func WithChannel(ch channel.Channel) Option {
	return func(s *Server) error {
		s.channel = ch
		return nil
	}
}

// WithSeed seeds the random initialization of the shard.
func WithSeed(seed int64) Option {
	return func(s *Server) error {
		s.seed = seed
		return nil
	}
}

// WithInitialParameters starts the shard from a copy of values instead of
// random values. len(values) must equal the model size.
func WithInitialParameters(values []float32) Option {
	return func(s *Server) error {
		if len(values) != s.size {
			return errors.Wrapf(ErrConfiguration, "initial parameters have %d values, want %d", len(values), s.size)
		}
		s.initial = values
		return nil
	}
}

// WithReceiveTimeout bounds each blocking receive. A timeout ends Run with a
// transport error. Zero disables the timeout.
func WithReceiveTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return errors.Wrapf(ErrConfiguration, "negative receive timeout %v", d)
		}
		s.receiveTimeout = d
		return nil
	}
}

// WithReplyToSender routes ParameterRequest responses back to the requesting
// endpoint instead of the fixed worker endpoint.
func WithReplyToSender(enabled bool) Option {
	return func(s *Server) error {
		s.replyToSender = enabled
		return nil
	}
}

// WithLogger sets the base logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) error {
		s.logger = l
		return nil
	}
}

// New creates a stopped server for a model of size parameters.
func New(learningRate float32, size int, opts ...Option) (*Server, error) {
	if size < 1 {
		return nil, errors.Wrapf(ErrConfiguration, "model size must be at least 1, got %d", size)
	}
	lr := float64(learningRate)
	if math.IsNaN(lr) || math.IsInf(lr, 0) || lr <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "learning rate must be positive, got %v", learningRate)
	}

	s := &Server{
		id:           uuid.New(),
		size:         size,
		learningRate: learningRate,
		seed:         DefaultSeed,
		state:        StateStopped,
		logger:       logger,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "apply Server option failed")
		}
	}
	s.logger = s.logger.WithField("server", s.id.String())

	s.logger.WithFields(logrus.Fields{
		"learning_rate": learningRate,
		"size":          size,
	}).Info("creating parameter server")
	if s.initial != nil {
		s.shard = shard.New(s.initial)
		s.initial = nil
	} else {
		s.logger.WithField("seed", s.seed).Debug("initializing parameters")
		s.shard = shard.NewRandom(size, rand.New(rand.NewSource(s.seed))) // nolint: gosec // initialization, not security
	}
	return s, nil
}

// ID returns the server's instance id.
func (s *Server) ID() string {
	return s.id.String()
}

// Size returns the number of parameters in the shard.
func (s *Server) Size() int {
	return s.size
}

// LearningRate returns the fixed learning rate.
func (s *Server) LearningRate() float32 {
	return s.learningRate
}

// Parameters returns a copy of the current shard.
func (s *Server) Parameters() []float32 {
	return s.shard.Snapshot()
}

// State returns the current server state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the admin view of the server.
func (s *Server) Info() cluster.ServerInfo {
	s.mu.Lock()
	state, startedAt := s.state, s.startedAt
	s.mu.Unlock()
	return cluster.ServerInfo{
		ID:           s.id.String(),
		State:        string(state),
		StartedAt:    startedAt,
		Size:         s.size,
		LearningRate: s.learningRate,
		Ops:          s.shard.Stats(),
		Norm:         s.shard.Norm(),
		Messages:     atomic.LoadUint64(&s.messages),
		Dropped:      atomic.LoadUint64(&s.dropped),
	}
}

// Receive applies one message to the shard.
//
//	ParameterUpdate   shard = copy(payload)
//	ParameterRequest  send {ParameterUpdate, shard} to the worker
//	GradientUpdate    shard[i] -= learningRate * payload[i]
//
// Malformed messages return an error matching ErrProtocol and leave the shard
// untouched. A failed response returns an error matching ErrTransport.
func (s *Server) Receive(ctx context.Context, msg protocol.Message) error {
	s.logger.WithFields(log.MessageToFields(msg)).Debug("processing message")

	switch msg.Kind {
	case protocol.ParameterUpdate:
		if err := s.checkPayload(msg); err != nil {
			return err
		}
		return s.shard.Replace(msg.Payload)
	case protocol.ParameterRequest:
		return s.respond(ctx, msg)
	case protocol.GradientUpdate:
		if err := s.checkPayload(msg); err != nil {
			return err
		}
		return s.shard.ApplyGradient(s.learningRate, msg.Payload)
	}
	return errors.Wrapf(protocol.ErrUnknownKind, "kind %d", int(msg.Kind))
}

func (s *Server) checkPayload(msg protocol.Message) error {
	if len(msg.Payload) != s.size {
		return errors.Wrapf(protocol.ErrPayloadSize, "%s payload has %d values, want %d", msg.Kind, len(msg.Payload), s.size)
	}
	return nil
}

// respond sends the current shard to the requester. The snapshot is taken
// under the shard's read lock and sent after the lock is released.
func (s *Server) respond(ctx context.Context, msg protocol.Message) error {
	if s.channel == nil {
		return wrapTransport(errors.New("no channel configured"), "send parameters failed")
	}
	dst := protocol.WorkerEndpoint
	if s.replyToSender && msg.Sender != protocol.ServerEndpoint {
		dst = msg.Sender
	}
	buf := protocol.Encode(protocol.Message{
		Kind:    protocol.ParameterUpdate,
		Payload: s.shard.Snapshot(),
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.channel.Send(ctx, dst, buf); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return wrapTransport(err, "send parameters failed")
	}
	s.logger.WithField("dst", dst).Debug("sent parameters")
	return nil
}

// Run receives and applies messages until ctx is cancelled, Stop is called,
// or the channel fails. Cancellation returns nil; a channel failure returns
// an error matching ErrTransport. Malformed messages are logged and dropped.
func (s *Server) Run(ctx context.Context) error {
	if s.channel == nil {
		return errors.Wrap(ErrConfiguration, "no channel configured")
	}
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	if s.stopPending {
		s.stopPending = false
		s.mu.Unlock()
		cancel()
		s.logger.Info("stop requested before start")
		return nil
	}
	done := make(chan struct{})
	s.state = StateRunning
	s.cancel = cancel
	s.done = done
	s.startedAt = time.Now()
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.state = StateStopped
		s.cancel = nil
		s.mu.Unlock()
		close(done)
		s.logger.Info("parameter server stopped")
	}()

	s.logger.Info("parameter server running")
	for {
		if runCtx.Err() != nil {
			return nil
		}
		s.logger.Debug("polling for data")
		frame, err := s.recv(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			s.logger.WithError(err).Error("receive failed")
			return wrapTransport(err, "receive failed")
		}
		atomic.AddUint64(&s.messages, 1)
		s.logger.WithFields(log.FrameToFields(frame)).Debug("got message")

		msg, err := protocol.Decode(frame.Data, s.size, frame.Source)
		if err == nil {
			err = s.Receive(runCtx, msg)
		}
		switch {
		case err == nil:
		case runCtx.Err() != nil:
			return nil
		case errors.Is(err, ErrProtocol):
			atomic.AddUint64(&s.dropped, 1)
			s.logger.WithFields(log.FrameToFields(frame)).WithError(err).Warn("dropping malformed message")
		default:
			s.logger.WithError(err).Error("handle message failed")
			return err
		}
	}
}

func (s *Server) recv(ctx context.Context) (channel.Frame, error) {
	if s.receiveTimeout <= 0 {
		return s.channel.Recv(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, s.receiveTimeout)
	defer cancel()
	return s.channel.Recv(rctx)
}

// Stop signals the active Run to exit and waits until it has returned.
// An update already being applied completes first. A Stop that arrives while
// the server is not running is remembered, and the next Run returns nil
// without receiving.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if cancel == nil {
		s.stopPending = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	cancel()
	<-done
}
