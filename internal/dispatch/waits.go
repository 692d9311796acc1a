package dispatch

import (
	"context"
	"time"

	"github.com/meshbroker/broker/internal/inbox"
	"github.com/meshbroker/broker/internal/notify"
)

// shutdownRetryAfterSeconds is the retry_after value an in-flight wait
// returns once shutdown starts: {status: retry, retry_after: 15}.
const shutdownRetryAfterSeconds = 15

// waitChunk bounds how long a single underlying blocking-pop call runs
// before the wait loop re-checks the shutdown signal, so a long client
// timeout can't delay observing shutdown by more than waitChunk.
const waitChunk = 5 * time.Second

// waitForMessageChunked calls inbox.Engine.Wait in bounded chunks so a
// shutdown signal fired mid-wait is observed within waitChunk instead
// of blocking for the caller's full timeout. retrying is true only
// when the shutdown signal interrupted the wait.
func (s *Server) waitForMessageChunked(ctx context.Context, agent string, total time.Duration) (res notify.Result, retrying bool, err error) {
	deadline := time.Now().Add(total)
	for {
		select {
		case <-s.shutdown:
			return notify.Result{}, true, nil
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return notify.Result{Status: "timeout"}, false, nil
		}
		step := remaining
		if step > waitChunk {
			step = waitChunk
		}

		res, err = s.inboxEng.Wait(ctx, agent, step)
		if err != nil {
			return notify.Result{}, false, err
		}
		if res.Status == "ready" {
			return res, false, nil
		}
		if time.Now().After(deadline) {
			return notify.Result{Status: "timeout"}, false, nil
		}
	}
}

// waitForResponseChunked is waitForMessageChunked's twin for
// internal/router's WaitForResponse.
func (s *Server) waitForResponseChunked(ctx context.Context, agent, requestID string, total time.Duration) (reply *inbox.Message, retrying bool, err error) {
	deadline := time.Now().Add(total)
	for {
		select {
		case <-s.shutdown:
			return nil, true, nil
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		step := remaining
		if step > waitChunk {
			step = waitChunk
		}

		reply, err = s.respRtr.WaitForResponse(ctx, agent, requestID, step)
		if err != nil {
			return nil, false, err
		}
		if reply != nil {
			return reply, false, nil
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
	}
}
