package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/zkfuzz/beak/riscv"
	"github.com/zkfuzz/beak/trace"
)

// ResponsePrefix marks protocol lines on the worker's stdout. Other output is ignored.
const ResponsePrefix = "__BEAK_WORKER_JSON__ "

const (
	OpHello   = "hello"
	OpExecute = "execute"
	OpInject  = "inject"
)

// maxLineSize bounds a single request or response line.
const maxLineSize = 16 << 20

type WorkerRequest struct {
	RequestID uint64   `json:"request_id"`
	Op        string   `json:"op"`
	Words     []uint32 `json:"words,omitempty"`
	Budget    uint64   `json:"budget,omitempty"`
	Iteration uint64   `json:"iteration"`
	BucketID  string   `json:"bucket_id,omitempty"`
}

type WorkerResponse struct {
	RequestID    uint64                  `json:"request_id"`
	FinalRegs    *[riscv.RegCount]uint32 `json:"final_regs,omitempty"`
	PC           *uint32                 `json:"pc,omitempty"`
	Memory       map[uint32]byte         `json:"memory,omitempty"`
	MicroOpCount uint64                  `json:"micro_op_count"`
	BucketHits   []trace.BucketHit       `json:"bucket_hits,omitempty"`
	BackendError string                  `json:"backend_error,omitempty"`

	InjectKind   string `json:"inject_kind,omitempty"`
	Accepted     bool   `json:"accepted,omitempty"`
	NotSupported bool   `json:"not_supported,omitempty"`

	// hello only
	Backend      string            `json:"backend,omitempty"`
	Capabilities *Capabilities     `json:"capabilities,omitempty"`
	Injections   map[string]string `json:"injections,omitempty"`
}

func (r *WorkerResponse) report() *Report {
	rep := &Report{
		BucketHits:   r.BucketHits,
		MicroOpCount: r.MicroOpCount,
		Err:          r.BackendError,
	}
	if r.FinalRegs != nil || r.PC != nil || r.Memory != nil {
		rep.Final = &State{Regs: r.FinalRegs, PC: r.PC, Memory: r.Memory}
	}
	return rep
}

func responseFromReport(id uint64, rep *Report) *WorkerResponse {
	out := &WorkerResponse{
		RequestID:    id,
		MicroOpCount: rep.MicroOpCount,
		BucketHits:   rep.BucketHits,
		BackendError: rep.Err,
	}
	if rep.Final != nil {
		out.FinalRegs = rep.Final.Regs
		out.PC = rep.Final.PC
		out.Memory = rep.Final.Memory
	}
	return out
}

// ParseResponseLine decodes one stdout line. ok is false for non-protocol output.
func ParseResponseLine(line string) (resp *WorkerResponse, ok bool, err error) {
	line = strings.TrimSpace(line)
	payload, found := strings.CutPrefix(line, strings.TrimSpace(ResponsePrefix))
	if !found {
		return nil, false, nil
	}
	var out WorkerResponse
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		preview := payload
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return nil, true, fmt.Errorf("parse worker response: %w; raw=%q", err, preview)
	}
	return &out, true, nil
}

type injectionLister interface {
	Injections() map[string]string
}

// Serve answers worker requests read from r with backend b, one per line,
// until r is exhausted or ctx is done.
func Serve(ctx context.Context, logger log.Logger, r io.Reader, w io.Writer, b Backend) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	writeResponse := func(resp *WorkerResponse) error {
		data, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode response %d: %w", resp.RequestID, err)
		}
		_, err = fmt.Fprintf(w, "%s%s\n", ResponsePrefix, data)
		return err
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req WorkerRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			logger.Warn("Ignoring malformed worker request", "err", err)
			continue
		}
		resp := handleRequest(ctx, logger, b, &req)
		if err := writeResponse(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func handleRequest(ctx context.Context, logger log.Logger, b Backend, req *WorkerRequest) *WorkerResponse {
	switch req.Op {
	case OpHello:
		caps := b.Capabilities()
		resp := &WorkerResponse{RequestID: req.RequestID, Backend: b.Name(), Capabilities: &caps}
		if l, ok := b.(injectionLister); ok {
			resp.Injections = l.Injections()
		}
		return resp
	case OpExecute, "":
		rep, err := b.Execute(ctx, req.Words, req.Budget)
		if err != nil {
			return &WorkerResponse{RequestID: req.RequestID, BackendError: err.Error()}
		}
		logger.Debug("Executed", "iter", req.Iteration, "words", len(req.Words), "micro_ops", rep.MicroOpCount)
		return responseFromReport(req.RequestID, rep)
	case OpInject:
		inj, ok := b.(Injector)
		if !ok {
			return &WorkerResponse{RequestID: req.RequestID, NotSupported: true}
		}
		rep, err := inj.Inject(ctx, req.BucketID, req.Words, req.Budget)
		if errors.Is(err, ErrInjectionNotSupported) {
			return &WorkerResponse{RequestID: req.RequestID, NotSupported: true}
		} else if err != nil {
			return &WorkerResponse{RequestID: req.RequestID, BackendError: err.Error()}
		}
		resp := responseFromReport(req.RequestID, &rep.Report)
		resp.InjectKind = rep.Kind
		resp.Accepted = rep.Accepted
		return resp
	default:
		return &WorkerResponse{RequestID: req.RequestID, BackendError: fmt.Sprintf("unknown op %q", req.Op)}
	}
}
