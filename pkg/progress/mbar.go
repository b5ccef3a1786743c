package progress

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type MultiBar struct {
	w               io.Writer // writer to destination
	width           int
	lastWrittenRows int
	bars            []*Bar
	barslock        sync.Mutex
	eg              *errgroup.Group

	haschange bool
	// Redraw rewrites previous rows in place; plain writers get appended snapshots on Wait.
	Redraw bool
}

func NewMultiBar(dest io.Writer, width int, concurrent int) *MultiBar {
	mb := &MultiBar{
		width: width,
		w:     dest,
		eg:    &errgroup.Group{},
	}
	if concurrent <= 0 {
		concurrent = 5
	}
	mb.eg.SetLimit(concurrent)
	return mb
}

func (m *MultiBar) markChanged() {
	m.barslock.Lock()
	m.haschange = true
	m.barslock.Unlock()
}

func (m *MultiBar) print() {
	m.barslock.Lock()
	defer m.barslock.Unlock()
	if !m.Redraw {
		return
	}
	m.render()
}

func (m *MultiBar) render() {
	buf := &bytes.Buffer{}

	// clear previous rows
	if m.Redraw && m.lastWrittenRows > 0 {
		fmt.Fprintf(buf, "\033[%dA\033[J", m.lastWrittenRows)
	}
	for _, b := range m.bars {
		b.Write(buf)
	}
	// write once
	_, _ = m.w.Write(buf.Bytes())
	m.lastWrittenRows = len(m.bars)
	m.haschange = false
}

// Run redraws changed bars until ctx is done.
func (m *MultiBar) Run(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.barslock.Lock()
			if m.haschange && m.Redraw {
				m.render()
			}
			m.barslock.Unlock()
		}
	}
}

func (m *MultiBar) Go(name string, initstatus string, fun func(b *Bar) error) {
	bar := &Bar{
		mp:     m,
		Name:   name,
		Status: initstatus,
		Width:  m.width,
	}
	m.barslock.Lock()
	m.bars = append(m.bars, bar)
	m.barslock.Unlock()
	m.print()

	m.eg.Go(func() error {
		if err := fun(bar); err != nil {
			bar.SetStatus("failed", true)
			return err
		}
		bar.mu.Lock()
		bar.Done = true
		bar.mu.Unlock()
		bar.Notify()
		return nil
	})
}

// Wait waits for every bar and renders the final state once more.
func (m *MultiBar) Wait() error {
	err := m.eg.Wait()
	m.barslock.Lock()
	m.render()
	m.barslock.Unlock()
	return err
}
