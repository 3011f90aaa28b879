package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFSMHappyPath(t *testing.T) {
	p := &Payment{Status: StatusPending}
	assert.NoError(t, p.Transition(StatusAuthorized))
	assert.NoError(t, p.Transition(StatusCaptured))
	assert.NoError(t, p.Transition(StatusRefundedPartial))
	assert.NoError(t, p.Transition(StatusRefunded))
}

func TestFSMRejectsIllegalTransition(t *testing.T) {
	p := &Payment{Status: StatusPending}
	require := assert.New(t)
	require.NoError(p.Transition(StatusCancelled))
	err := p.Transition(StatusAuthorized)
	require.Error(err)
}

func TestFSMTerminalStatesAreFinal(t *testing.T) {
	for _, term := range []Status{StatusFailed, StatusCancelled, StatusRefunded, StatusDeclined} {
		p := &Payment{Status: term}
		assert.Error(t, p.Transition(StatusAuthorized))
	}
}

func TestPaymentIDFormat(t *testing.T) {
	id := NewPaymentID()
	assert.True(t, len(id) == len("pay_")+24)
	assert.Equal(t, "pay_", id[:4])
}
