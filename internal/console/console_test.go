package console

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/steveyegge/meditator/internal/control"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct{ name, arg string }

type fakeClient struct {
	calls []call
	fail  error
	resp  *control.Response
}

func (f *fakeClient) do(name, arg string) (*control.Response, error) {
	f.calls = append(f.calls, call{name, arg})
	if f.fail != nil {
		return nil, f.fail
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &control.Response{Success: true, Message: name + " ok"}, nil
}

func (f *fakeClient) Interrupt(r string) (*control.Response, error) { return f.do("interrupt", r) }
func (f *fakeClient) Resume() (*control.Response, error)            { return f.do("resume", "") }
func (f *fakeClient) Terminate() (*control.Response, error)         { return f.do("terminate", "") }
func (f *fakeClient) Prompt(p string) (*control.Response, error)    { return f.do("prompt", p) }
func (f *fakeClient) Input(m string) (*control.Response, error)     { return f.do("input", m) }
func (f *fakeClient) Status() (*control.Response, error) {
	f.calls = append(f.calls, call{"status", ""})
	return &control.Response{Success: true, Data: map[string]interface{}{"state": "STREAMING"}}, nil
}

func newTestConsole(t *testing.T) (*Console, *fakeClient, *bytes.Buffer) {
	t.Helper()
	color.NoColor = true
	client := &fakeClient{}
	var out bytes.Buffer
	c, err := New(&Config{Client: client, Out: &out})
	require.NoError(t, err)
	return c, client, &out
}

func TestProcessInputDispatch(t *testing.T) {
	tests := []struct {
		line string
		want call
	}{
		{"interrupt look up", call{"interrupt", "look up"}},
		{"interrupt", call{"interrupt", ""}},
		{"resume", call{"resume", ""}},
		{"terminate", call{"terminate", ""}},
		{"prompt  think of rain ", call{"prompt", "think of rain"}},
		{"what about clouds?", call{"input", "what about clouds?"}},
		{"status", call{"status", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, client, _ := newTestConsole(t)
			require.NoError(t, c.ProcessInput(tt.line))
			require.Len(t, client.calls, 1)
			assert.Equal(t, tt.want, client.calls[0])
		})
	}
}

func TestProcessInputOutput(t *testing.T) {
	c, _, out := newTestConsole(t)
	require.NoError(t, c.ProcessInput("resume"))
	assert.Contains(t, out.String(), "✓ resume ok")

	out.Reset()
	require.NoError(t, c.ProcessInput("status"))
	assert.Contains(t, out.String(), `"state": "STREAMING"`)

	out.Reset()
	require.NoError(t, c.ProcessInput("help"))
	assert.Contains(t, out.String(), "Available Commands:")
}

func TestProcessInputErrors(t *testing.T) {
	c, client, _ := newTestConsole(t)

	assert.NoError(t, c.ProcessInput("   "))
	assert.Empty(t, client.calls)

	assert.ErrorContains(t, c.ProcessInput("prompt"), "usage")

	client.resp = &control.Response{Success: false, Error: "interrupt rejected: rate limited"}
	assert.EqualError(t, c.ProcessInput("interrupt"), "interrupt rejected: rate limited")

	client.resp = nil
	client.fail = errors.New("control server not running")
	assert.EqualError(t, c.ProcessInput("hello"), "control server not running")

	assert.ErrorIs(t, c.ProcessInput("exit"), errExit)
	assert.ErrorIs(t, c.ProcessInput("quit"), errExit)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
}

func TestCompleterListsCommands(t *testing.T) {
	c, _, _ := newTestConsole(t)
	pc := c.completer()
	var names []string
	for _, child := range pc.GetChildren() {
		names = append(names, string(child.GetName()))
	}
	assert.Contains(t, names, "status ")
	assert.NotContains(t, names, "? ")
}
