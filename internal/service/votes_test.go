package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/consensus"
	"github.com/smhunt/meterscience-verify-worker/internal/service"
)

type fakeSubmitter struct {
	err   error
	calls int
}

func (f *fakeSubmitter) SubmitVote(_ context.Context, _, _ uuid.UUID, _ string, _ *string) (*consensus.VoteResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &consensus.VoteResult{}, nil
}

func voteBody(t *testing.T) []byte {
	t.Helper()
	return []byte(`{
		"request_id": "req-1",
		"reading_id": "` + uuid.NewString() + `",
		"voter_id": "` + uuid.NewString() + `",
		"verdict": "correct"
	}`)
}

func TestProcessMessage_AcceptsVote(t *testing.T) {
	submitter := &fakeSubmitter{}
	svc := service.NewVoteService(submitter, zap.NewNop())

	if err := svc.ProcessMessage(context.Background(), voteBody(t)); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if submitter.calls != 1 {
		t.Errorf("Expected 1 SubmitVote call, got %d", submitter.calls)
	}
}

func TestProcessMessage_MalformedBodyIsError(t *testing.T) {
	svc := service.NewVoteService(&fakeSubmitter{}, zap.NewNop())

	if err := svc.ProcessMessage(context.Background(), []byte("{not json")); err == nil {
		t.Error("Expected error for malformed body")
	}
}

func TestProcessMessage_InputErrorsAreAcked(t *testing.T) {
	// Permanently rejected votes must not be redelivered or dead-lettered.
	for _, inputErr := range []error{
		consensus.ErrSelfVerification,
		consensus.ErrDuplicateVote,
		consensus.ErrReadingNotEligible,
		consensus.ErrReadingNotFound,
		consensus.ErrSuggestedValueRequired,
	} {
		svc := service.NewVoteService(&fakeSubmitter{err: inputErr}, zap.NewNop())
		if err := svc.ProcessMessage(context.Background(), voteBody(t)); err != nil {
			t.Errorf("Expected %v to be swallowed, got %v", inputErr, err)
		}
	}
}

func TestProcessMessage_InfrastructureErrorSurfaces(t *testing.T) {
	svc := service.NewVoteService(&fakeSubmitter{err: errors.New("connection reset")}, zap.NewNop())

	if err := svc.ProcessMessage(context.Background(), voteBody(t)); err == nil {
		t.Error("Expected infrastructure error to surface")
	}
}
