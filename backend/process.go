package backend

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
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// ProcessConfig describes the worker command.
type ProcessConfig struct {
	Name string
	Args []string
	Env  []string
	// Stderr receives the worker's stderr. Defaults to os.Stderr.
	Stderr io.Writer
}

// workerWaitDelay bounds how long a killed worker's output pipes may stay
// open, for example when a child of the worker inherited them.
const workerWaitDelay = 2 * time.Second

type workerMsg struct {
	resp *WorkerResponse
	err  error
}

type workerProc struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan workerMsg
	waitErr   chan error
}

// Process is a backend served by an external worker process over the
// line-delimited JSON worker protocol. A worker that exceeds its deadline
// is killed and restarted on the next call.
type Process struct {
	log log.Logger
	cfg ProcessConfig

	mu         sync.Mutex
	worker     *workerProc
	nextID     uint64
	iteration  uint64
	name       string
	caps       Capabilities
	injections map[string]string
}

var (
	_ Backend  = (*Process)(nil)
	_ Injector = (*Process)(nil)
)

func NewProcess(logger log.Logger, cfg ProcessConfig) (*Process, error) {
	if cfg.Name == "" {
		return nil, errors.New("no worker command")
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Process{log: logger, cfg: cfg, nextID: 1, name: "process"}, nil
}

// Start launches the worker and performs the hello handshake.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked(ctx)
}

func (p *Process) startLocked(ctx context.Context) error {
	if p.worker != nil {
		return nil
	}
	cmd := exec.Command(p.cfg.Name, p.cfg.Args...) // nosemgrep
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stderr = p.cfg.Stderr
	cmd.WaitDelay = workerWaitDelay
	setProcessGroup(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("capture worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: spawn worker: %v", ErrUnavailable, err)
	}
	w := &workerProc{
		cmd:       cmd,
		stdin:     stdin,
		responses: make(chan workerMsg, 16),
		waitErr:   make(chan error, 1),
	}
	go readResponses(stdout, w.responses)
	go w.wait()
	p.worker = w
	p.log.Debug("Started worker", "cmd", p.cfg.Name, "pid", cmd.Process.Pid)

	resp, err := p.roundTripLocked(ctx, &WorkerRequest{Op: OpHello})
	if err != nil {
		return fmt.Errorf("worker handshake: %w", err)
	}
	if resp.Backend != "" {
		p.name = resp.Backend
	}
	if resp.Capabilities != nil {
		p.caps = *resp.Capabilities
	}
	p.injections = resp.Injections
	return nil
}

func readResponses(stdout io.Reader, out chan<- workerMsg) {
	defer close(out)
	reader := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			resp, ok, perr := ParseResponseLine(line)
			if ok {
				out <- workerMsg{resp: resp, err: perr}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				out <- workerMsg{err: fmt.Errorf("read worker response: %w", err)}
			}
			return
		}
	}
}

func (w *workerProc) wait() {
	err := w.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Success() || errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	w.waitErr <- err
	close(w.waitErr)
}

func (p *Process) stopLocked() {
	w := p.worker
	if w == nil {
		return
	}
	p.worker = nil
	_ = w.stdin.Close()
	if err := killProcessGroup(w.cmd); err != nil {
		p.log.Debug("Failed to kill worker group", "pid", w.cmd.Process.Pid, "err", err)
		_ = w.cmd.Process.Kill()
	}
	<-w.waitErr
	// drain so the reader goroutine can exit
	for range w.responses {
	}
}

// Close stops the worker.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *Process) roundTripLocked(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error) {
	w := p.worker
	if w == nil {
		return nil, fmt.Errorf("%w: worker not running", ErrUnavailable)
	}
	req.RequestID = p.nextID
	p.nextID++
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("serialize worker request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := w.stdin.Write(payload); err != nil {
		p.stopLocked()
		return nil, fmt.Errorf("%w: write worker request: %v", ErrUnavailable, err)
	}
	for {
		select {
		case msg, ok := <-w.responses:
			if !ok {
				p.stopLocked()
				return nil, fmt.Errorf("%w: worker disconnected", ErrUnavailable)
			}
			if msg.err != nil {
				p.stopLocked()
				return nil, msg.err
			}
			if msg.resp.RequestID == req.RequestID {
				return msg.resp, nil
			}
			p.log.Debug("Dropping stale worker response", "id", msg.resp.RequestID, "want", req.RequestID)
		case <-ctx.Done():
			p.stopLocked()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("backend worker timed out (worker killed): %w", ErrTimeout)
			}
			return nil, ctx.Err()
		}
	}
}

func (p *Process) call(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.startLocked(ctx); err != nil {
		return nil, err
	}
	p.iteration++
	req.Iteration = p.iteration
	return p.roundTripLocked(ctx, req)
}

func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Capabilities are known after Start; before that nothing is claimed.
func (p *Process) Capabilities() Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

func (p *Process) Execute(ctx context.Context, words []uint32, budget uint64) (*Report, error) {
	resp, err := p.call(ctx, &WorkerRequest{Op: OpExecute, Words: words, Budget: budget})
	if err != nil {
		return nil, err
	}
	return resp.report(), nil
}

func (p *Process) InjectionFor(bucketID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kind, ok := p.injections[bucketID]
	return kind, ok
}

func (p *Process) Inject(ctx context.Context, bucketID string, words []uint32, budget uint64) (*InjectionReport, error) {
	resp, err := p.call(ctx, &WorkerRequest{Op: OpInject, Words: words, Budget: budget, BucketID: bucketID})
	if err != nil {
		return nil, err
	}
	if resp.NotSupported {
		return nil, fmt.Errorf("%w: %q", ErrInjectionNotSupported, bucketID)
	}
	return &InjectionReport{
		Report:   *resp.report(),
		Kind:     resp.InjectKind,
		BucketID: bucketID,
		Accepted: resp.Accepted,
	}, nil
}
