//go:build linux

package nfq

import (
	"errors"

	"github.com/florianl/go-nfqueue/v2"

	"github.com/fosrl/verdict/inspect"
)

var ErrNotQueued = errors.New("nfq: buffer is not a queued packet")

// Gateway reinjects by accepting the queued packet, with the clone's bytes
// when Prepare changed them. An accepted packet continues past the queue
// and is not seen again, so no injection oracle is needed. done runs before
// the call returns.
type Gateway struct{}

func (Gateway) CloneAndSend(req *inspect.Injection, done inspect.CompletionFunc) error {
	return accept(req, done)
}

func (Gateway) CloneAndReceive(req *inspect.Injection, done inspect.CompletionFunc) error {
	return accept(req, done)
}

func accept(req *inspect.Injection, done inspect.CompletionFunc) error {
	h, ok := req.Buffer.(*held)
	if !ok {
		if req.Buffer != nil {
			req.Buffer.Release()
		}
		return ErrNotQueued
	}

	clone := h.transfer()
	h.Release()

	if req.Prepare != nil {
		if err := req.Prepare(clone); err != nil {
			clone.Release()
			return err
		}
	}

	if err := clone.settle(nfqueue.NfAccept); err != nil {
		clone.Release()
		return err
	}
	done(clone, nil)
	clone.Release()
	return nil
}
