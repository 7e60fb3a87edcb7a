// Package approval asks an operator to confirm high-value settlements.
//
// An approval is a single blocking call bounded by a timeout. When the
// operator does not answer in time the configured default decides, and the
// result records that it timed out.
package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimedOut Decision = "timed_out"
)

// ErrClosed is returned once the prompt input has been exhausted.
var ErrClosed = errors.New("approval: input closed")

// Request describes the settlement awaiting approval.
type Request struct {
	ID       string
	Payer    string
	Account  string // account being scored
	Amount   string // display amount
	Asset    string
	Resource string
}

// Result is the operator's answer. Approved is the effective decision,
// including the default applied on timeout.
type Result struct {
	Decision  Decision  `json:"decision"`
	Approved  bool      `json:"approved"`
	DecidedAt time.Time `json:"decidedAt"`
}

// Approver decides whether a settlement may proceed.
type Approver interface {
	Approve(ctx context.Context, req Request) (Result, error)
}

// AutoApprover approves everything immediately.
type AutoApprover struct{}

func (AutoApprover) Approve(context.Context, Request) (Result, error) {
	return Result{Decision: DecisionApproved, Approved: true, DecidedAt: time.Now()}, nil
}

// Prompter asks on a text stream (normally the server console) and reads a
// y/n answer. Prompts are serialized.
type Prompter struct {
	out              io.Writer
	timeout          time.Duration
	approveOnTimeout bool
	logger           *slog.Logger

	mu    sync.Mutex
	lines chan string
}

// NewPrompter creates a prompter reading answers from in and writing prompts
// to out. approveOnTimeout selects the decision applied when nobody answers.
func NewPrompter(in io.Reader, out io.Writer, timeout time.Duration, approveOnTimeout bool, logger *slog.Logger) *Prompter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prompter{
		out:              out,
		timeout:          timeout,
		approveOnTimeout: approveOnTimeout,
		logger:           logger,
		lines:            make(chan string),
	}
	go p.read(in)
	return p
}

// read feeds answers to whichever prompt is waiting. Lines typed while no
// prompt is open are dropped.
func (p *Prompter) read(in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		p.lines <- sc.Text()
	}
	close(p.lines)
}

// Approve blocks until the operator answers, the timeout elapses, or ctx is
// done.
func (p *Prompter) Approve(ctx context.Context, req Request) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.drain()
	fmt.Fprintf(p.out, "\nApprove settlement %s of %s %s from %s for %s (%s)? [y/N] (auto-%s in %s): ",
		req.ID, req.Amount, req.Asset, req.Payer, req.Account, req.Resource,
		p.defaultDecision(), p.timeout)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case line, ok := <-p.lines:
		if !ok {
			return Result{}, ErrClosed
		}
		res := Result{Decision: parseAnswer(line), DecidedAt: time.Now()}
		res.Approved = res.Decision == DecisionApproved
		p.logger.Info("settlement approval answered", "id", req.ID, "decision", res.Decision)
		return res, nil
	case <-timer.C:
		p.logger.Warn("settlement approval timed out", "id", req.ID, "default", p.defaultDecision())
		return Result{Decision: DecisionTimedOut, Approved: p.approveOnTimeout, DecidedAt: time.Now()}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Prompter) drain() {
	for {
		select {
		case _, ok := <-p.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (p *Prompter) defaultDecision() Decision {
	if p.approveOnTimeout {
		return DecisionApproved
	}
	return DecisionRejected
}

func parseAnswer(line string) Decision {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return DecisionApproved
	default:
		return DecisionRejected
	}
}
