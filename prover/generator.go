package prover

import (
	"context"
	"errors"
	"sync"
	"time"

	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover/common"
)

// DefaultProofTimeout bounds one Generate call. Under process isolation the
// worker is killed when it expires, so the bound is hard. Under goroutine
// isolation it is soft: cancellation is only observed between solver hints
// and at stage boundaries, and gnark's MSM does not poll the context, so a
// timeout during proving returns only once the MSM finishes. Deployments that
// need a hard bound set prover.isolation = "process".
const DefaultProofTimeout = 120 * time.Second

// Message is what an isolated proving context reports back: any number of
// ProgressMessage values followed by exactly one SuccessMessage or ErrorMessage.
type Message interface {
	isMessage()
}

type ProgressMessage struct {
	Stage Stage
}

type SuccessMessage struct {
	Result *ProofResult
}

type ErrorMessage struct {
	Err error
}

func (ProgressMessage) isMessage() {}
func (SuccessMessage) isMessage()  {}
func (ErrorMessage) isMessage()    {}

// Session is one isolated proving context. Close tears it down and may be
// called any number of times; only the first call has an effect.
type Session interface {
	Messages() <-chan Message
	Close() error
}

type Runner interface {
	Start(ctx context.Context, bundle *WitnessBundle) (Session, error)
}

// SystemSource resolves the proving system for a circuit version.
type SystemSource interface {
	GetSystem(version uint32) (*common.ProofSystem, error)
}

type ProofGenerator struct {
	runner  Runner
	timeout time.Duration
}

func NewProofGenerator(runner Runner, timeout time.Duration) *ProofGenerator {
	if timeout <= 0 {
		timeout = DefaultProofTimeout
	}
	return &ProofGenerator{runner: runner, timeout: timeout}
}

// Generate runs one proof in a fresh isolated context. The context is torn
// down on every exit path: success, failure, timeout and cancellation.
func (g *ProofGenerator) Generate(ctx context.Context, bundle *WitnessBundle, onProgress func(Stage)) (*ProofResult, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	session, err := g.runner.Start(ctx, bundle)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		return nil, common.NewError(common.EngineUnavailable, "start proving context", err)
	}
	defer session.Close()

	for {
		select {
		case <-ctx.Done():
			logging.Logger().Warn().
				Err(ctx.Err()).
				Dur("elapsed", time.Since(start)).
				Msg("Proof generation aborted")
			return nil, contextError(ctx.Err())
		case msg, ok := <-session.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil, contextError(ctx.Err())
				}
				return nil, common.Errorf(common.EngineUnavailable, "proving context exited without a result")
			}
			switch m := msg.(type) {
			case ProgressMessage:
				if onProgress != nil {
					onProgress(m.Stage)
				}
			case SuccessMessage:
				logging.Logger().Info().
					Dur("elapsed", time.Since(start)).
					Msg("Proof generated")
				return m.Result, nil
			case ErrorMessage:
				return nil, classifyProofError(m.Err)
			}
		}
	}
}

func classifyProofError(err error) error {
	var typed *common.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return contextError(err)
	}
	return common.NewError(common.ProofComputationFailed, "", err)
}

// GoroutineRunner proves on a dedicated goroutine in this process. Its
// sessions cannot preempt a running MSM; see DefaultProofTimeout.
type GoroutineRunner struct {
	Systems SystemSource
}

type goroutineSession struct {
	messages chan Message
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func (r *GoroutineRunner) Start(ctx context.Context, bundle *WitnessBundle) (Session, error) {
	ps, err := r.Systems.GetSystem(uint32(bundle.Version()))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &goroutineSession{
		messages: make(chan Message, 3),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	send := func(m Message) {
		select {
		case s.messages <- m:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(s.done)
		defer close(s.messages)
		result, err := Prove(ctx, ps, bundle, func(stage Stage) {
			send(ProgressMessage{Stage: stage})
		})
		if err != nil {
			send(ErrorMessage{Err: err})
			return
		}
		send(SuccessMessage{Result: result})
	}()
	return s, nil
}

func (s *goroutineSession) Messages() <-chan Message {
	return s.messages
}

// Close cancels the solver and waits for the goroutine to return.
func (s *goroutineSession) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
