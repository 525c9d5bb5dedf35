package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetriable(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		want bool
	}{
		{"timeout retriable", Timeout, true},
		{"daemon unreachable retriable", DaemonUnreachable, true},
		{"io retriable", IO, true},
		{"pool exhausted retriable", PoolExhausted, true},
		{"unknown retriable", Unknown, true},
		{"parse not retriable", Parse, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Retriable())
		})
	}
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, Timeout, ParseKind("timeout"))
	assert.Equal(t, Parse, ParseKind("parse"))
	assert.Equal(t, DaemonUnreachable, ParseKind("daemon_unreachable"))
	assert.Equal(t, IO, ParseKind("io"))
	assert.Equal(t, PoolExhausted, ParseKind("pool_exhausted"))
	assert.Equal(t, Unknown, ParseKind("something else"))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(Timeout, "/tmp/a.txt", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/tmp/a.txt")
	assert.Contains(t, err.Error(), "timeout")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "timeout", Timeout.String())
	assert.Equal(t, "parse", Parse.String())
}
