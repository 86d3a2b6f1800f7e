package delegation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type outcome struct {
	report string
	err    error
}

// pendingCompletion is the single-use completion handle of one delegation.
// Only the goroutine that removed it from Engine.pending writes to done.
type pendingCompletion struct {
	request   Request
	done      chan outcome
	timer     *time.Timer
	cancelRun context.CancelFunc
	startedAt time.Time
}

// register stores req and its completion handle and arms the timeout.
func (e *Engine) register(req *Request, cancelRun context.CancelFunc) *pendingCompletion {
	p := &pendingCompletion{
		request:   *req,
		done:      make(chan outcome, 1),
		cancelRun: cancelRun,
		startedAt: e.opts.Now(),
	}
	convID := req.ConversationID

	e.mu.Lock()
	e.requests[req.ID] = req
	e.pending[convID] = p
	p.timer = time.AfterFunc(e.opts.Timeout, func() { e.expire(convID) })
	e.mu.Unlock()
	return p
}

// take removes and returns the pending completion for convID together with
// its request. Only one caller ever receives a given handle.
func (e *Engine) take(convID string) (*pendingCompletion, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[convID]
	if !ok {
		return nil, false
	}
	delete(e.pending, convID)
	delete(e.requests, p.request.ID)
	return p, true
}

func (e *Engine) isPending(convID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[convID]
	return ok
}

// finish delivers the outcome of a handle obtained from take.
func (e *Engine) finish(p *pendingCompletion, report string, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancelRun != nil {
		p.cancelRun()
	}
	p.done <- outcome{report: report, err: err}

	ev := &Event{
		Type:           eventTypeFor(err),
		DelegationID:   p.request.ID,
		ConversationID: p.request.ConversationID,
		From:           p.request.FromAgent,
		To:             p.request.ToAgent,
		Work:           p.request.Work,
		Report:         report,
		Duration:       e.opts.Now().Sub(p.startedAt),
		Timestamp:      e.opts.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}

	e.logger.Info("delegation settled",
		zap.String("delegation", p.request.ID),
		zap.String("from", p.request.FromAgent),
		zap.String("to", p.request.ToAgent),
		zap.String("outcome", string(ev.Type)),
		zap.Duration("duration", ev.Duration))
	e.emitAsync(ev)
}

// reject settles convID with an error built from its request. It returns
// false if the delegation was already settled.
func (e *Engine) reject(convID string, kind ErrorKind, cause error) bool {
	p, ok := e.take(convID)
	if !ok {
		return false
	}
	e.finish(p, "", newError(kind, &p.request, cause))
	return true
}

// expire is the timer callback.
func (e *Engine) expire(convID string) {
	if !e.reject(convID, KindTimeout, nil) {
		return
	}
	// the caller has given up; leave the conversation to the orphan sweep
	_ = e.tree.MarkFailed(convID, ErrTimeout)
	e.executor.TerminateAgentByConversation(convID)
}
