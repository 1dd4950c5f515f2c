package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_Muted(t *testing.T) {
	m := New(Config{})
	_, ok := m.(Client)
	assert.True(t, ok)

	m.Incr("hostcall.keyvalue.get")
	m.Decr("guests.active")
	m.Duration("hostcall.keyvalue.get", 3*time.Millisecond)
	m.Gauge("guests.active", 1)
	m.Close()
}

func TestAddr(t *testing.T) {
	assert.Equal(t, ":8125", addr(Config{}))
	assert.Equal(t, "statsd:9125", addr(Config{Address: "statsd:9125"}))
}

func TestNop(t *testing.T) {
	m := Nop()
	m.Incr("x")
	m.Duration("x", time.Second)
	m.Close()
}
