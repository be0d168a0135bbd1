package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixed(t *testing.T) {
	p := Fixed{Attempts: 5, Interval: 3 * time.Second}
	assert.Equal(t, 5, p.MaxAttempts())
	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, 3*time.Second, p.Delay(2))
	assert.Equal(t, 3*time.Second, p.Delay(5))
}

func TestFixed_AtLeastOneAttempt(t *testing.T) {
	assert.Equal(t, 1, Fixed{}.MaxAttempts())
	assert.Equal(t, 1, Fixed{Attempts: -3}.MaxAttempts())
}

func TestExponential(t *testing.T) {
	p := Exponential{Attempts: 6, Base: time.Second, Cap: 10 * time.Second}
	assert.Equal(t, 6, p.MaxAttempts())
	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(4))
	assert.Equal(t, 8*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(6))
}

func TestExponential_NoCap(t *testing.T) {
	p := Exponential{Attempts: 4, Base: time.Second}
	assert.Equal(t, 4*time.Second, p.Delay(4))
}
