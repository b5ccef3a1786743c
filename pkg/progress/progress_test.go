package progress

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestBarWrite(t *testing.T) {
	tests := []struct {
		name string
		bar  *Bar
		want string
	}{
		{
			name: "half",
			bar:  &Bar{Name: "smogy", Total: 2000, Completed: 1000, Width: 10},
			want: "smogy [+++++-----] 1kB/2kB\n",
		},
		{
			name: "indeterminate",
			bar:  &Bar{Name: "smogy", Total: -1, Width: 4, Status: "waiting"},
			want: "smogy [----] waiting\n",
		},
		{
			name: "done",
			bar:  &Bar{Name: "smogy", Total: 2000, Completed: 10, Width: 4, Status: "uploaded", Done: true},
			want: "smogy [++++] uploaded\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.bar.Write(buf)
			if got := buf.String(); got != tt.want {
				t.Errorf("Write() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMultiBar(t *testing.T) {
	out := &bytes.Buffer{}
	mb := NewMultiBar(out, 10, 2)

	for _, name := range []string{"smogy", "umm_maybe"} {
		mb.Go(name, "pending", func(b *Bar) error {
			_, err := io.Copy(io.Discard, b.WrapReader(strings.NewReader("0123456789"), 10, "uploading"))
			return err
		})
	}
	mb.Go("prithiv_v2", "pending", func(b *Bar) error {
		return fmt.Errorf("bucket not found")
	})

	if err := mb.Wait(); err == nil || err.Error() != "bucket not found" {
		t.Errorf("Wait() = %v", err)
	}
	got := out.String()
	for _, want := range []string{"smogy [++++++++++]", "umm_maybe [++++++++++]", "prithiv_v2 [++++++++++] failed"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}
