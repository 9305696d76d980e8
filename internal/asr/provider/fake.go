// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package provider

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider is a scripted in-process vendor used by tests and by local
// runs without vendor credentials. Connections echo a canned hypothesis
// per audio chunk, and failures can be injected at connect or send time.
type FakeProvider struct {
	mu sync.Mutex

	// Script, when non-empty, is drained one Result per received chunk.
	// When exhausted, chunks produce a generic final result.
	Script []Result

	// ConnectFailures makes the next N Connect calls fail.
	ConnectFailures int

	// DieAfterChunks kills each connection after it has accepted this many
	// chunks; zero disables the fault.
	DieAfterChunks int

	// Mute suppresses result emission entirely.
	Mute bool

	connsCreated int
	conns        []*FakeConn
}

func NewFakeProvider() *FakeProvider { return &FakeProvider{} }

func (p *FakeProvider) Name() string { return "fake" }

// SetScript replaces the pending result script.
func (p *FakeProvider) SetScript(script []Result) {
	p.mu.Lock()
	p.Script = script
	p.mu.Unlock()
}

// SetConnectFailures arms connect-time failures for the next n attempts.
func (p *FakeProvider) SetConnectFailures(n int) {
	p.mu.Lock()
	p.ConnectFailures = n
	p.mu.Unlock()
}

// SetDieAfterChunks arms per-connection death after n accepted chunks.
func (p *FakeProvider) SetDieAfterChunks(n int) {
	p.mu.Lock()
	p.DieAfterChunks = n
	p.mu.Unlock()
}

// KillOpenConns drops every live connection as if the vendor hung up.
func (p *FakeProvider) KillOpenConns() {
	p.mu.Lock()
	conns := make([]*FakeConn, len(p.conns))
	copy(conns, p.conns)
	p.mu.Unlock()
	for _, c := range conns {
		if !c.closed() {
			c.fail(fmt.Errorf("fake vendor: remote hangup"))
		}
	}
}

// ConnectionsCreated reports how many Connect calls succeeded.
func (p *FakeProvider) ConnectionsCreated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connsCreated
}

// OpenConns reports how many connections are currently open.
func (p *FakeProvider) OpenConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := 0
	for _, c := range p.conns {
		if !c.closed() {
			open++
		}
	}
	return open
}

// AllConns returns every connection ever opened, live or dead.
func (p *FakeProvider) AllConns() []*FakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*FakeConn, len(p.conns))
	copy(out, p.conns)
	return out
}

// ChunksReceived sums chunks accepted across all connections.
func (p *FakeProvider) ChunksReceived() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, c := range p.conns {
		total += c.chunkCount()
	}
	return total
}

func (p *FakeProvider) Connect(_ context.Context, cfg StreamConfig) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectFailures > 0 {
		p.ConnectFailures--
		return nil, fmt.Errorf("fake vendor: scripted connect failure")
	}
	p.connsCreated++
	c := &FakeConn{
		provider: p,
		callID:   cfg.InteractionID,
		results:  make(chan Result, 64),
		done:     make(chan struct{}),
	}
	p.conns = append(p.conns, c)
	return c, nil
}

// FakeConn is one scripted vendor connection.
type FakeConn struct {
	provider *FakeProvider
	callID   string

	mu     sync.Mutex
	chunks [][]byte
	isDone bool

	results chan Result
	done    chan struct{}
	err     error

	closeOnce sync.Once
}

func (c *FakeConn) chunkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *FakeConn) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isDone
}

// Chunks returns copies of every chunk this connection accepted.
func (c *FakeConn) Chunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.chunks))
	copy(out, c.chunks)
	return out
}

func (c *FakeConn) Send(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	if c.isDone {
		c.mu.Unlock()
		return ErrConnClosed
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	c.chunks = append(c.chunks, buf)
	n := len(c.chunks)
	c.mu.Unlock()

	p := c.provider
	p.mu.Lock()
	var res *Result
	if !p.Mute {
		if len(p.Script) > 0 {
			r := p.Script[0]
			p.Script = p.Script[1:]
			res = &r
		} else {
			res = &Result{Text: fmt.Sprintf("hypothesis %d", n), Final: true}
		}
	}
	die := p.DieAfterChunks > 0 && n >= p.DieAfterChunks
	p.mu.Unlock()

	if res != nil && !c.emit(*res) {
		return ErrConnClosed
	}
	if die {
		c.fail(fmt.Errorf("fake vendor: scripted connection death"))
		return ErrConnClosed
	}
	return nil
}

// emit delivers a result unless the connection already died. Emission and
// shutdown share the mutex so a close can never race a channel send.
func (c *FakeConn) emit(r Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDone {
		return false
	}
	select {
	case c.results <- r:
	default:
		// Reader backed up; the fake drops rather than blocks.
	}
	return true
}

func (c *FakeConn) Results() <-chan Result { return c.results }

func (c *FakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *FakeConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.shutdown()
}

func (c *FakeConn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.isDone = true
		close(c.results)
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *FakeConn) Close(context.Context) error {
	c.shutdown()
	return nil
}
