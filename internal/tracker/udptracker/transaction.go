package udptracker

import (
	"context"
	"io"
	"math/rand"
)

type transaction struct {
	id int32

	// This can be a connection, announce or scrape request
	request udpRequest

	// Child context of the request, canceled when sendRequest returns.
	// Waiters do not watch it: they wait on the request's Wait channel,
	// which SetResponse closes.
	ctx    context.Context
	cancel func()
}

type udpRequest interface {
	io.WriterTo
	SetTransactionID(int32)
	SetConnectionID(int64)
	GetContext() context.Context
	GetResponse() (data []byte, err error)
	SetResponse(data []byte, err error)
	Wait() <-chan struct{}
}

func newTransaction(req udpRequest) *transaction {
	t := &transaction{
		id:      rand.Int31(), // nolint: gosec
		request: req,
	}
	req.SetTransactionID(t.id)
	t.ctx, t.cancel = context.WithCancel(req.GetContext())
	return t
}
