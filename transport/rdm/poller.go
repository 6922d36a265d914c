package rdm

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
)

const (
	pollInterval    = time.Millisecond
	pollMaxInterval = 10 * time.Millisecond
)

// StartPoller launches the background goroutine that drains the context's
// completion queues and retires posted slices. Starting twice is a no-op.
func (c *Context) StartPoller() {
	if err := c.ensureConstructed(); err != nil {
		return
	}
	c.pollMu.Lock()
	if c.polling {
		c.pollMu.Unlock()
		return
	}
	c.pollStop = make(chan struct{})
	c.polling = true
	c.pollWG.Add(1)
	go c.pollLoop(c.pollStop)
	c.pollMu.Unlock()
	if c.hooks.PollerStarted != nil {
		c.hooks.PollerStarted()
	}
}

// StopPoller signals the poll loop to exit and waits for it. Idempotent.
func (c *Context) StopPoller() {
	c.pollMu.Lock()
	if !c.polling {
		c.pollMu.Unlock()
		return
	}
	c.polling = false
	close(c.pollStop)
	c.pollMu.Unlock()
	c.pollWG.Wait()
	if c.hooks.PollerStopped != nil {
		c.hooks.PollerStopped()
	}
}

// pollLoop drains every completion queue in turn. When a pass yields nothing
// the sleep doubles from 1ms up to 10ms; any completion resets it.
func (c *Context) pollLoop(stop <-chan struct{}) {
	defer c.pollWG.Done()
	interval := pollInterval
	for {
		select {
		case <-stop:
			return
		default:
		}

		drained := 0
		for _, cq := range c.cqs {
			drained += c.drainQueue(cq)
		}
		if drained > 0 {
			interval = pollInterval
			continue
		}

		select {
		case <-stop:
			return
		case <-time.After(interval):
			interval *= 2
			if interval > pollMaxInterval {
				interval = pollMaxInterval
			}
		}
	}
}

func (c *Context) drainQueue(cq fabric.CompletionQueue) int {
	drained := 0
	for {
		entry, err := cq.Read()
		if err != nil {
			if !errors.Is(err, fabric.ErrNoCompletion) {
				c.logger.Error("completion queue read failed", zap.Error(err))
			}
			return drained
		}
		drained++
		c.retire(entry)
	}
}

// retire applies one completion to the slice it carries. Completions without
// a recognized context are logged and dropped.
func (c *Context) retire(entry *fabric.Completion) {
	posted, ok := entry.Context.(*postedWrite)
	if !ok || posted == nil {
		c.logger.Warn("completion with unexpected context", zap.Any("context", entry.Context))
		return
	}
	posted.ep.completeOne()
	if entry.Err != nil {
		c.logger.Error("write completed with error",
			zap.String("endpoint", posted.ep.String()),
			zap.Uint64("source_addr", uint64(posted.slice.SourceAddr)),
			zap.Error(entry.Err))
	}
	c.hooks.sliceCompleted(entry.Err)
	posted.slice.Completed(entry.Err)
}
