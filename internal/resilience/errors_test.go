package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid json"), false},
		{"explicit", NewTransientError(errBackend, 503), true},
		{"wrapped", eris.Wrap(NewTransientError(errBackend, 429), "semantic: embed"), true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", timeoutErr{}, true},
		{"pattern", errors.New("dial tcp: lookup semantic: no such host"), true},
		{"eof", errors.New("Post \"http://x\": unexpected EOF"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestTransientError(t *testing.T) {
	te := NewTransientError(errBackend, 503)
	assert.Equal(t, "backend unavailable", te.Error())
	assert.ErrorIs(t, te, errBackend)
	assert.Equal(t, 503, te.StatusCode)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "transient", ClassifyError(NewTransientError(errBackend, 0)))
	assert.Equal(t, "permanent", ClassifyError(errors.New("schema mismatch")))
}
