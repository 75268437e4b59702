package engine

import (
	"context"
	"fmt"
	"sync"
)

type Proc func(context.Context) error

// ProcMgr is like a fancy implementation of sync.WaitGroup: add any number of
// long-running Procs and Run blocks until the context is canceled and every
// Proc has unwound. A Proc returning nil, or any error, while the context is
// still live is considered a bug and panics rather than silently leaking a
// dead goroutine.
type ProcMgr struct {
	procs []Proc
}

func (p *ProcMgr) Add(proc Proc) { p.procs = append(p.procs, proc) }

func (p *ProcMgr) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, proc := range p.procs {
		wg.Add(1)
		go func(proc Proc) {
			defer wg.Done()
			err := proc(ctx)
			if err == nil && ctx.Err() == nil {
				panic("a proc returned unexpectedly!")
			}
			if err != nil && ctx.Err() == nil {
				panic(fmt.Sprintf("proc returned an error: %s", err))
			}
		}(proc)
	}
	wg.Wait()
}
