// Package sandboxtest provides an in-memory interpreter for tests of code that
// drives a sandbox without needing Python installed.
package sandboxtest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
)

// Launcher starts fake interpreters speaking the sandbox driver protocol.
// They understand a tiny language, one statement per call:
//
//	name = value    bind a variable
//	name            return the bound value, or fail with NameError
//	name + N        add an integer to a bound integer
//	print text      write text to stdout
//	raise Name msg  fail with "Name: msg"
//	hang            block until interrupted
type Launcher struct {
	mu       sync.Mutex
	launches int
	specs    []sandbox.LaunchSpec
	Fail     error // returned by Launch when set
}

var _ sandbox.Launcher = (*Launcher)(nil)

// Name implements sandbox.Launcher.
func (l *Launcher) Name() string { return "fake" }

// Launch implements sandbox.Launcher.
func (l *Launcher) Launch(ctx context.Context, spec sandbox.LaunchSpec) (sandbox.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		return nil, l.Fail
	}
	l.launches++
	l.specs = append(l.specs, spec)
	return start(), nil
}

// Launches returns how many interpreters were started.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Specs returns the launch specs received so far.
func (l *Launcher) Specs() []sandbox.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sandbox.LaunchSpec(nil), l.specs...)
}

type request struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
}

type response struct {
	ID          int     `json:"id"`
	Ready       bool    `json:"ready,omitempty"`
	Python      string  `json:"python,omitempty"`
	Succeeded   bool    `json:"succeeded"`
	Stdout      string  `json:"stdout"`
	Stderr      string  `json:"stderr"`
	Value       *string `json:"value"`
	Error       *string `json:"error"`
	Interrupted bool    `json:"interrupted"`
}

var addRe = regexp.MustCompile(`^(\w+)\s*\+\s*(-?\d+)$`)

type process struct {
	inR, outR, errR *io.PipeReader
	inW, outW, errW *io.PipeWriter

	interrupts chan struct{}
	killed     chan struct{}
	killOnce   sync.Once
	done       chan struct{}
}

func start() *process {
	p := &process{
		interrupts: make(chan struct{}, 1),
		killed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.inR, p.inW = io.Pipe()
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	go p.serve()
	return p
}

func (p *process) send(r response) bool {
	data, _ := json.Marshal(r)
	_, err := p.outW.Write(append(data, '\n'))
	return err == nil
}

func fail(resp *response, msg string) {
	resp.Succeeded = false
	resp.Error = &msg
	resp.Stderr = "Traceback (most recent call last):\n" + msg + "\n"
}

func (p *process) serve() {
	defer close(p.done)
	defer p.errW.Close()
	defer p.outW.Close()

	vars := map[string]string{}
	if !p.send(response{Ready: true, Python: "3.12.0"}) {
		return
	}
	sc := bufio.NewScanner(p.inR)
	for sc.Scan() {
		var req request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		resp := response{ID: req.ID, Succeeded: true}
		code := strings.TrimSpace(req.Code)
		switch {
		case code == "hang":
			select {
			case <-p.interrupts:
				msg := "KeyboardInterrupt"
				resp.Succeeded, resp.Interrupted, resp.Error = false, true, &msg
			case <-p.killed:
				return
			}
		case strings.HasPrefix(code, "print "):
			resp.Stdout = strings.TrimPrefix(code, "print ") + "\n"
		case strings.HasPrefix(code, "raise "):
			name, msg, _ := strings.Cut(strings.TrimPrefix(code, "raise "), " ")
			fail(&resp, name+": "+msg)
		case addRe.MatchString(code):
			m := addRe.FindStringSubmatch(code)
			v, ok := vars[m[1]]
			if !ok {
				fail(&resp, fmt.Sprintf("NameError: name '%s' is not defined", m[1]))
				break
			}
			a, err1 := strconv.Atoi(v)
			b, err2 := strconv.Atoi(m[2])
			if err1 != nil || err2 != nil {
				fail(&resp, "TypeError: unsupported operand type(s) for +")
				break
			}
			sum := strconv.Itoa(a + b)
			resp.Value = &sum
		case strings.Contains(code, "="):
			name, value, _ := strings.Cut(code, "=")
			vars[strings.TrimSpace(name)] = strings.TrimSpace(value)
		default:
			if v, ok := vars[code]; ok {
				resp.Value = &v
			} else {
				fail(&resp, fmt.Sprintf("NameError: name '%s' is not defined", code))
			}
		}
		if !p.send(resp) {
			return
		}
	}
}

func (p *process) Stdin() io.Writer  { return p.inW }
func (p *process) CloseInput() error { return p.inW.Close() }
func (p *process) Stdout() io.Reader { return p.outR }
func (p *process) Stderr() io.Reader { return p.errR }

func (p *process) Interrupt() error {
	select {
	case p.interrupts <- struct{}{}:
	default:
	}
	return nil
}

func (p *process) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.inW.CloseWithError(errors.New("killed"))
		p.outW.CloseWithError(errors.New("killed"))
	})
	return nil
}

func (p *process) Wait() error {
	<-p.done
	return nil
}
