package prover

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover/common"
)

const maxWireLine = 1 << 20

// wireMessage is the newline-delimited JSON form of Message exchanged with a
// prove-worker process.
type wireMessage struct {
	Type   string           `json:"type"`
	Stage  Stage            `json:"stage,omitempty"`
	Result *ProofResult     `json:"result,omitempty"`
	Kind   common.ErrorKind `json:"kind,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func encodeMessage(m Message) wireMessage {
	switch m := m.(type) {
	case ProgressMessage:
		return wireMessage{Type: "progress", Stage: m.Stage}
	case SuccessMessage:
		return wireMessage{Type: "success", Result: m.Result}
	case ErrorMessage:
		kind := common.KindOf(m.Err)
		if kind == "" {
			kind = common.ProofComputationFailed
		}
		return wireMessage{Type: "error", Kind: kind, Error: m.Err.Error()}
	}
	return wireMessage{Type: "error", Kind: common.ProofComputationFailed, Error: "unknown message"}
}

func decodeMessage(w wireMessage) (Message, error) {
	switch w.Type {
	case "progress":
		return ProgressMessage{Stage: w.Stage}, nil
	case "success":
		if w.Result == nil {
			return nil, errors.New("success message without result")
		}
		return SuccessMessage{Result: w.Result}, nil
	case "error":
		return ErrorMessage{Err: &common.Error{Kind: w.Kind, Reason: w.Error}}, nil
	}
	return nil, fmt.Errorf("unknown message type %q", w.Type)
}

// ProcessRunner proves in a child process running the prove-worker command.
// The bundle goes to the child's stdin; messages come back on its stdout.
type ProcessRunner struct {
	Command []string
	Env     []string
}

type processSession struct {
	cmd      *exec.Cmd
	messages chan Message
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (r *ProcessRunner) Start(ctx context.Context, bundle *WitnessBundle) (Session, error) {
	if len(r.Command) == 0 {
		return nil, errors.New("no worker command configured")
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, common.NewError(common.SchemaMismatch, "encode witness", err)
	}

	cmd := exec.Command(r.Command[0], r.Command[1:]...)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logging.Logger().Debug().Int("pid", cmd.Process.Pid).Msg("Started prove worker")

	s := &processSession{
		cmd:      cmd,
		messages: make(chan Message, 3),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go func() {
		defer stdin.Close()
		stdin.Write(append(payload, '\n'))
	}()
	go s.read(stdout)
	return s, nil
}

func (s *processSession) read(stdout io.Reader) {
	defer close(s.done)
	defer close(s.messages)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxWireLine)
	for scanner.Scan() {
		var w wireMessage
		var msg Message
		err := json.Unmarshal(scanner.Bytes(), &w)
		if err == nil {
			msg, err = decodeMessage(w)
		}
		if err != nil {
			msg = ErrorMessage{Err: common.NewError(common.EngineUnavailable, "malformed worker message", err)}
		}
		select {
		case s.messages <- msg:
		case <-s.stop:
			return
		}
	}
}

func (s *processSession) Messages() <-chan Message {
	return s.messages
}

// Close kills the worker if it is still running and reaps it.
func (s *processSession) Close() error {
	s.once.Do(func() {
		close(s.stop)
		if s.cmd.ProcessState == nil {
			s.cmd.Process.Kill()
		}
		<-s.done
		err := s.cmd.Wait()
		logging.Logger().Debug().
			Int("pid", s.cmd.Process.Pid).
			AnErr("exit", err).
			Msg("Prove worker reaped")
	})
	return nil
}

// ServeWorker is the prove-worker side: it reads one bundle from in, proves
// it, and writes the message stream to out.
func ServeWorker(ctx context.Context, systems SystemSource, in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	emit := func(m Message) error {
		return enc.Encode(encodeMessage(m))
	}

	reader := bufio.NewReader(in)
	line, err := reader.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return emit(ErrorMessage{Err: common.NewError(common.SchemaMismatch, "read witness", err)})
	}
	var bundle WitnessBundle
	if err := json.Unmarshal(line, &bundle); err != nil {
		return emit(ErrorMessage{Err: common.NewError(common.SchemaMismatch, "decode witness", err)})
	}

	ps, err := systems.GetSystem(uint32(bundle.Version()))
	if err != nil {
		return emit(ErrorMessage{Err: common.NewError(common.EngineUnavailable, "load proving system", err)})
	}

	var emitErr error
	result, err := Prove(ctx, ps, &bundle, func(stage Stage) {
		if e := emit(ProgressMessage{Stage: stage}); e != nil && emitErr == nil {
			emitErr = e
		}
	})
	if emitErr != nil {
		return emitErr
	}
	if err != nil {
		return emit(ErrorMessage{Err: err})
	}
	return emit(SuccessMessage{Result: result})
}
