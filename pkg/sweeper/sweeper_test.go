package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type fakeLedger struct {
	missedCalls  int
	expiredCalls int
	missedErr    error
	expiredErr   error
}

func (f *fakeLedger) SweepMissed(context.Context) (int64, error) {
	f.missedCalls++
	return 2, f.missedErr
}

func (f *fakeLedger) SweepExpired(context.Context) (int64, error) {
	f.expiredCalls++
	return 1, f.expiredErr
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestTickRunsBothSweeps(t *testing.T) {
	ledger := &fakeLedger{}
	New(ledger, time.Second, testLogger()).Tick(context.Background())
	assert.Equal(t, 1, ledger.missedCalls)
	assert.Equal(t, 1, ledger.expiredCalls)
}

func TestTickFailureDoesNotSkipOtherSweep(t *testing.T) {
	ledger := &fakeLedger{missedErr: errors.New("connection reset")}
	sw := New(ledger, time.Second, testLogger())
	sw.Tick(context.Background())
	assert.Equal(t, 1, ledger.expiredCalls, "expired sweep still runs after missed sweep fails")

	// Subsequent ticks keep retrying rather than giving up.
	sw.Tick(context.Background())
	assert.Equal(t, 2, ledger.missedCalls)
}

func TestNewAppliesDefaultInterval(t *testing.T) {
	sw := New(&fakeLedger{}, 0, testLogger())
	assert.Equal(t, DefaultInterval, sw.interval)
	sw = New(&fakeLedger{}, 5*time.Second, testLogger())
	assert.Equal(t, 5*time.Second, sw.interval)
}

func TestStartStopsOnCancel(t *testing.T) {
	ledger := &fakeLedger{}
	sw := New(ledger, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
	assert.Greater(t, ledger.missedCalls, 0)
}
