// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"unixify.dev/cmd/run/engine/process"
	"unixify.dev/cmd/run/engine/seccomp"
	"unixify.dev/cmd/run/ruleset"
	"unixify.dev/cmd/run/syscalls"
	"unixify.dev/cmd/version"
)

// Engine owns the seccomp listener and the set of tracked processes it
// dispatches notifications to.
type Engine struct {
	seccomp *seccomp.Listener
	store   *ruleset.Store

	mu        sync.RWMutex
	processes map[int]*process.Process
	threads   map[int]*process.Process
	running   chan struct{}
	inPanic   atomic.Bool
}

func New(seccomp *seccomp.Listener, root *process.Process, store *ruleset.Store) *Engine {
	en := &Engine{
		seccomp: seccomp,
		store:   store,

		processes: map[int]*process.Process{root.PID: root},
		threads:   map[int]*process.Process{},
		running:   make(chan struct{}),
	}
	go en.waitProcess(root)
	return en
}

func (eng *Engine) ensureProcessLocked(pid int) *process.Process {
	if _, ok := eng.processes[pid]; !ok {
		tgid, err := getThreadGroupID(pid)
		if err != nil {
			panic(fmt.Errorf("read process: %w", err))
		}
		if tgid != pid {
			leader := eng.ensureProcessLocked(tgid)
			eng.threads[pid] = leader
			return leader
		}

		eng.processes[pid], err = process.New(pid, eng.store)
		if err != nil {
			panic(fmt.Errorf("new process: %w", err))
		}
		go eng.waitProcess(eng.processes[pid])
	}

	return eng.processes[pid]
}

func (eng *Engine) waitProcess(p *process.Process) {
	if err := p.Wait(); err != nil {
		slog.Error("failed to wait for process", "proc", p, "err", err)
		return
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	delete(eng.processes, p.PID)
	if len(eng.processes) == 0 {
		if err := eng.closeLocked(); err != nil {
			slog.Error("failed to close engine after all processes exited", "err", err)
		}
		slog.Debug("closed engine after all processes exited")
	}
}

func (eng *Engine) getProcessFast(pid int) *process.Process {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	if p, ok := eng.processes[pid]; ok {
		return p
	}
	if p, ok := eng.threads[pid]; ok {
		return p
	}
	return nil
}

func (eng *Engine) getProcess(pid int) *process.Process {
	if p := eng.getProcessFast(pid); p != nil {
		return p
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.ensureProcessLocked(pid)
}

func (eng *Engine) countRunning() int {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	return len(eng.processes)
}

func (eng *Engine) closeLocked() error {
	select {
	case <-eng.running:
		return nil
	default:
	}
	defer close(eng.running)
	if err := eng.seccomp.Close(); err != nil {
		return fmt.Errorf("close seccomp: %w", err)
	}
	return nil
}

func (eng *Engine) Close() error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.closeLocked()
}

func (e *Engine) Wait() {
	<-e.running
}

func (e *Engine) panicGuard(main, failed chan *seccomp.Notif) {
	err := recover()
	if err == nil {
		return
	}

	stack := debug.Stack()
	e.inPanic.Store(true)

	box("CRASH REPORT",
		fmt.Sprintf("time: %s", time.Now().Format(time.RFC3339Nano)),
		fmt.Sprintf("version: %s", version.Full(false)),
		fmt.Sprintf("panic: %+v", err),
		"",
		strings.TrimSpace(string(stack)),
		"",
		"unixify hit a critical error in its interception engine and is now",
		"entering safe mode. New syscalls will no longer be intercepted; they'll",
		"be passed through to the kernel unmodified instead.",
	)

	go e.drainSafeMode(failed)
	e.drainSafeMode(main)
}

// box draws body inside a bordered box on standard error, coloring the
// border when standard error is a terminal and leaving it plain otherwise
// (e.g. when output is redirected to a log file).
func box(title string, body ...string) {
	const (
		hh = "─"
		vv = "│"
		lt = "╭"
		rt = "╮"
		lb = "╰"
		rb = "╯"
	)

	width := 60
	for _, line := range body {
		if 2+len(line)+2 > width {
			width = 2 + len(line) + 2
		}
	}

	prefix, suffix := "", ""
	if term.IsTerminal(int(os.Stderr.Fd())) {
		prefix, suffix = "\033[0;31m", "\033[0m"
	}

	lines := append([]string{""}, body...)
	lines = append(lines, "")

	b := new(bytes.Buffer)
	fmt.Fprintf(b, "\n")
	fmt.Fprintf(b, "%s%s%s %s %s%s%s\n", prefix, lt, strings.Repeat(hh, (width-(1+1+len(title)+1+1))/2), title, strings.Repeat(hh, (width-(1+1+len(title)+1+1))/2), rt, suffix)
	for _, line := range lines {
		fmt.Fprintf(b, "%s%s%s  %s"+fmt.Sprintf("%%-%ds", width-3-3)+"%s  %s%s%s\n", prefix, vv, suffix, "", line, "", prefix, vv, suffix)
	}
	fmt.Fprintf(b, "%s%s%s%s%s\n", prefix, lb, strings.Repeat(hh, width-2), rb, suffix)
	fmt.Fprintf(b, "\n")

	// Write it out all at once so there's no interference with logs from the
	// tracee or other goroutines writing to stderr concurrently.
	os.Stderr.Write(b.Bytes())
}

func (e *Engine) drainSafeMode(ch chan *seccomp.Notif) {
	for n := range ch {
		if n != nil {
			n.Skip()
		}
	}
}

func (e *Engine) handle(n *seccomp.Notif) {
	handler := process.Handlers[n.Syscall]
	if handler == nil {
		slog.Error(fmt.Sprintf("no handler found for %s", syscalls.GetName(n.Syscall)))
		return
	}

	p := e.getProcess(n.PID)
	switch err := handler(p, n); {
	case err == nil:
	case errors.Is(err, seccomp.ErrCancelled):
		// The target's syscall was probably interrupted by a signal. We
		// don't need to do anything more here.
	default:
		slog.Error(fmt.Sprintf("critical error in handling %s", syscalls.GetName(n.Syscall)), "notif", n, "proc", p, "err", err)
	}
}

// Start receives and handles intercepted syscalls until all processes exit.
func (e *Engine) Start() {
	N := runtime.NumCPU()

	var wg sync.WaitGroup
	slog.Debug("starting parallel receive-dispatch-handle loop", "workers", N)
	defer slog.Debug("finished parallel receive-dispatch-handle loop")

	failed := make(chan *seccomp.Notif, N)
	ch := make(chan *seccomp.Notif, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			// TODO: sched_setaffinity to lock to CPU here? It'd be nice to have the
			// system call handler run on the same CPU as the tracee process that is
			// executing the system call.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			defer e.panicGuard(ch, failed)

			var pending *seccomp.Notif
			defer func() {
				if pending != nil {
					failed <- pending
				}
			}()

			for n := range ch {
				if n == nil {
					break
				}

				pending = n
				if e.inPanic.Load() {
					return
				}
				e.handle(n)
				pending = nil
			}
		}()
	}

dispatch:
	for e.countRunning() > 0 {
		n, errno := e.seccomp.Receive()
		switch errno {
		case 0:
			ch <- n
		case unix.ENOENT:
			// The target was killed by a signal or its syscall was interrupted by a
			// signal handler.
			continue
		case unix.EBADF:
			// The seccomp listener file descriptor was closed.
			break dispatch
		default:
			if left := e.countRunning(); left > 0 {
				slog.Error("failed to receive seccomp notification", "processes", left, "err", errno)
			}
			break dispatch
		}
	}

	for i := 0; i < N; i++ {
		ch <- nil
	}
	wg.Wait()
}

func getThreadGroupID(pid int) (int, error) {
	path := fmt.Sprintf("/proc/%d/status", pid)
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	for _, line := range strings.Split(string(b), "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == "Tgid" {
			tgid, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return 0, fmt.Errorf("parse tgid: %w", err)
			}
			return tgid, nil
		}
	}
	return 0, fmt.Errorf("parse tgid: row not found")
}
