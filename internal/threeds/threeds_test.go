package threeds

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	enrolled          bool
	challengeRequired bool
	err               error
}

func (f *fakeDirectory) Lookup(ctx context.Context, cardTokenID, amount string, browser BrowserInfo) (bool, bool, error) {
	return f.enrolled, f.challengeRequired, f.err
}

func newTestService(t *testing.T, dir Directory) *Service {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, dir)
}

func TestInitiateNotEnrolledPassesThrough(t *testing.T) {
	s := newTestService(t, &fakeDirectory{enrolled: false})
	sess, err := s.Initiate(context.Background(), "txn1", "tok1", "10.00", BrowserInfo{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotEnrolled, sess.Status)
}

func TestInitiateFrictionlessIssuesCAVV(t *testing.T) {
	s := newTestService(t, &fakeDirectory{enrolled: true, challengeRequired: false})
	sess, err := s.Initiate(context.Background(), "txn1", "tok1", "10.00", BrowserInfo{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFrictionless, sess.Status)
	assert.NotEmpty(t, sess.CAVV)
}

func TestChallengeRequiredThenCompleteAuthenticated(t *testing.T) {
	s := newTestService(t, &fakeDirectory{enrolled: true, challengeRequired: true})
	sess, err := s.Initiate(context.Background(), "txn1", "tok1", "10.00", BrowserInfo{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeChallengeRequired, sess.Status)
	assert.NotEmpty(t, sess.ACSURL)

	done, err := s.Complete(context.Background(), sess.ID, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthenticated, done.Status)
	assert.NotEmpty(t, done.CAVV)
}

func TestChallengeRequiredThenCompleteFailed(t *testing.T) {
	s := newTestService(t, &fakeDirectory{enrolled: true, challengeRequired: true})
	sess, err := s.Initiate(context.Background(), "txn1", "tok1", "10.00", BrowserInfo{})
	require.NoError(t, err)

	done, err := s.Complete(context.Background(), sess.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, done.Status)
}

func TestCompleteOnFrictionlessSessionConflicts(t *testing.T) {
	s := newTestService(t, &fakeDirectory{enrolled: true, challengeRequired: false})
	sess, err := s.Initiate(context.Background(), "txn1", "tok1", "10.00", BrowserInfo{})
	require.NoError(t, err)
	_, err = s.Complete(context.Background(), sess.ID, true)
	assert.Error(t, err)
}

func TestGetUnknownSessionNotFound(t *testing.T) {
	s := newTestService(t, &fakeDirectory{})
	_, err := s.Get(context.Background(), "nonexistent")
	assert.Error(t, err)
}
