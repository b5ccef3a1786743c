package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"kubegems.io/onnxq/pkg/units"
)

type Bar struct {
	Name      string
	Total     int64  // total bytes, -1 for indeterminate
	Completed int64  // completed bytes
	Width     int    // width of the bar
	Status    string // status text
	Done      bool   // if the bar is done
	mu        sync.Mutex
	mp        *MultiBar
}

func (b *Bar) Write(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Width == 0 {
		b.Width = 40
	}
	var completed int
	var status string

	switch {
	case b.Done:
		completed = b.Width
		status = b.Status
	case b.Total <= 0:
		status = b.Status
	default:
		completed = int(float64(b.Width) * float64(b.Completed) / float64(b.Total))
		if completed > b.Width {
			completed = b.Width
		}
		status = units.HumanSize(float64(b.Completed)) + "/" + units.HumanSize(float64(b.Total))
	}

	fmt.Fprintf(w, "%s [%s%s] %s\n",
		b.Name,
		strings.Repeat("+", completed),
		strings.Repeat("-", b.Width-completed),
		status,
	)
}

func (b *Bar) SetStatus(status string, done bool) {
	b.mu.Lock()
	b.Status, b.Done = status, done
	b.mu.Unlock()
	b.Notify()
}

func (b *Bar) Increment(n int64) {
	b.mu.Lock()
	b.Completed += n
	b.mu.Unlock()
	b.changed()
}

func (b *Bar) Notify() {
	if b.mp != nil {
		b.mp.print()
	}
}

func (b *Bar) changed() {
	if b.mp != nil {
		b.mp.markChanged()
	}
}

// WrapReader counts bytes read from r against total.
func (b *Bar) WrapReader(r io.Reader, total int64, status string) io.Reader {
	b.mu.Lock()
	b.Total, b.Completed, b.Status = total, 0, status
	b.mu.Unlock()
	b.Notify()
	return &barReader{r: r, b: b}
}

type barReader struct {
	r io.Reader
	b *Bar
}

func (r *barReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.b.Increment(int64(n))
	return n, err
}
