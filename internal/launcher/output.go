package launcher

import (
	"bytes"
	"io"
	"sync"

	"github.com/fatih/color"
)

var palette = []color.Attribute{color.FgCyan, color.FgYellow, color.FgGreen, color.FgMagenta, color.FgBlue, color.FgRed}

const maxNameLength = 20

// Output hands out per-service writers sharing one destination. Each
// complete line is written with a colored "name | " prefix.
type Output struct {
	mu     sync.Mutex
	w      io.Writer
	next   int
	colors map[string]*color.Color
	width  int
}

func NewOutput(w io.Writer) *Output {
	return &Output{w: w, colors: map[string]*color.Color{}}
}

// For returns the writer for service.
func (o *Output) For(service string) io.Writer {
	if o == nil || o.w == nil {
		return io.Discard
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	name := service
	if len(name) > maxNameLength {
		name = name[:maxNameLength-3] + "..."
	}
	if len(name) > o.width {
		o.width = len(name)
	}
	c, ok := o.colors[service]
	if !ok {
		c = color.New(palette[o.next%len(palette)])
		o.next++
		o.colors[service] = c
	}
	return &prefixWriter{out: o, name: name, color: c}
}

func (o *Output) writeLine(name string, c *color.Color, line []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	pad := o.width - len(name)
	if pad < 0 {
		pad = 0
	}
	prefix := name + string(bytes.Repeat([]byte(" "), pad)) + " | "
	if _, err := c.Fprint(o.w, prefix); err != nil {
		return err
	}
	_, err := o.w.Write(line)
	return err
}

type prefixWriter struct {
	out   *Output
	name  string
	color *color.Color
	buf   []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		if err := p.out.writeLine(p.name, p.color, p.buf[:i+1]); err != nil {
			return 0, err
		}
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

// Flush writes a trailing partial line, if any.
func (p *prefixWriter) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	line := append(p.buf, '\n')
	p.buf = nil
	return p.out.writeLine(p.name, p.color, line)
}

// Flush flushes w if it came from Output.For.
func Flush(w io.Writer) error {
	if p, ok := w.(*prefixWriter); ok {
		return p.Flush()
	}
	return nil
}
