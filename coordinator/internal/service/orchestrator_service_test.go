package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/client"
	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/ailightning/ailightning/pkg/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle_FullScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n1 := f.registerNode(t, "n1-owner", "")

	session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
	require.NoError(t, err)
	assert.Equal(t, model.SessionPendingPayment, session.State)
	assert.Equal(t, int64(5000), session.Amount)
	assert.Equal(t, n1.ID, session.NodeID)
	assert.NotEmpty(t, session.PaymentHash)

	f.nodeAPI.On("StartSession", mock.Anything, mock.Anything, &nodeapi.StartSessionRequest{
		SessionID: session.ID, Model: "base", Context: 2048,
	}).Return(&nodeapi.StartSessionResponse{Port: 11000, PID: 4242}, nil).Once()

	session, err = f.orchestrator.CheckPayment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, session.State)
	assert.Equal(t, 11000, session.Port)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), session.ExpiresAt)
	assert.Equal(t, int64(1), f.node(t, n1.ID).Load)

	f.clock.Advance(5 * time.Minute)
	f.nodeAPI.On("StopSession", mock.Anything, mock.Anything, session.ID).Return(nil).Once()

	session, err = f.orchestrator.StopSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, session.State)
	assert.Equal(t, model.EndStopped, session.EndReason)

	assert.Equal(t, int64(3500), f.balance(t, "n1-owner"))
	node := f.node(t, n1.ID)
	assert.Equal(t, int64(3500), node.TotalEarned)
	assert.Equal(t, int64(0), node.Load)

	st, err := f.sessions.GetSettlement(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementBalance, st.Method)
	f.nodeAPI.AssertExpectations(t)

	assert.Contains(t, f.publisher.Subjects(), "test.session.active")
	assert.Contains(t, f.publisher.Subjects(), "test.settlement")
}

func TestCreateSession_NoNodeAvailable(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1-owner", "")
	f.clock.Advance(35 * time.Second)

	_, err := f.orchestrator.CreateSession(context.Background(), &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
	assert.True(t, apperrors.Is(err, apperrors.KindUnavailable))
	assert.Contains(t, err.Error(), "no node available")
}

func TestCreateSession_MinutesOutOfRange(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1-owner", "")

	_, err := f.orchestrator.CreateSession(context.Background(), &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 500})
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
}

func TestCreateSession_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")

	first, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5, IdempotencyKey: "order-1"})
	require.NoError(t, err)
	again, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5, IdempotencyKey: "order-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.PaymentHash, again.PaymentHash)

	other, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "bob", Model: "base", Minutes: 5, IdempotencyKey: "order-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCreateSession_IdempotencyKeyFreedOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5, IdempotencyKey: "order-1"}

	_, err := f.orchestrator.CreateSession(ctx, req)
	assert.True(t, apperrors.Is(err, apperrors.KindUnavailable))

	f.registerNode(t, "n1-owner", "")
	session, err := f.orchestrator.CreateSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPendingPayment, session.State)
}

func TestCreateSession_InvalidIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1-owner", "")

	_, err := f.orchestrator.CreateSession(context.Background(),
		&CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5, IdempotencyKey: "has space"})
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
}

func TestCheckPayment_UnpaidHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n1 := f.registerNode(t, "n1-owner", "")
	f.gateway.setPaid(false)

	session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
	require.NoError(t, err)

	out, err := f.orchestrator.CheckPayment(ctx, session.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindPaymentPending))
	assert.Equal(t, model.SessionPendingPayment, out.State)

	stored, err := f.orchestrator.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPendingPayment, stored.State)
	assert.Equal(t, int64(0), f.node(t, n1.ID).Load)
	f.nodeAPI.AssertNotCalled(t, "StartSession", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckPayment_RefundOnStartFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n1 := f.registerNode(t, "n1-owner", "")

	session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
	require.NoError(t, err)

	f.nodeAPI.On("StartSession", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &nodeapi.RemoteError{StatusCode: 502, Code: nodeapi.CodeStartupFailed, Message: "model failed to load"}).Once()
	f.nodeAPI.On("StopSession", mock.Anything, mock.Anything, session.ID).Return(nil).Once()

	out, err := f.orchestrator.CheckPayment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRefunded, out.State)
	assert.Equal(t, int64(5000), f.balance(t, "alice"))
	assert.Equal(t, int64(0), f.node(t, n1.ID).Load)

	// checking again changes nothing and refunds nothing twice
	out, err = f.orchestrator.CheckPayment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRefunded, out.State)
	assert.Equal(t, int64(5000), f.balance(t, "alice"))
	f.nodeAPI.AssertExpectations(t)
}

func TestCheckPayment_RefundWhenNodeUnreachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	f.allowStops()

	session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
	require.NoError(t, err)
	f.nodeAPI.On("StartSession", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, client.ErrNodeUnreachable).Once()

	out, err := f.orchestrator.CheckPayment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRefunded, out.State)
	assert.Equal(t, int64(5000), f.balance(t, "alice"))
}

func TestStopSession_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n1 := f.registerNode(t, "n1-owner", "")
	f.allowStops()
	session := f.activeSession(t, "alice")

	first, err := f.orchestrator.StopSession(ctx, session.ID)
	require.NoError(t, err)
	second, err := f.orchestrator.StopSession(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, first.EndedAt, second.EndedAt)
	assert.Equal(t, int64(3500), f.balance(t, "n1-owner"))
	assert.Equal(t, int64(3500), f.node(t, n1.ID).TotalEarned)
	assert.Equal(t, int64(0), f.node(t, n1.ID).Load)

	out, err := f.orchestrator.StopSession(ctx, "does-not-exist")
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestStopSession_RemoteStopFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	session := f.activeSession(t, "alice")
	f.nodeAPI.On("StopSession", mock.Anything, mock.Anything, session.ID).Return(client.ErrNodeUnreachable).Once()

	out, err := f.orchestrator.StopSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, out.State)
}

func TestStopSession_PendingUnpaidExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	f.gateway.setPaid(false)

	session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
	require.NoError(t, err)

	out, err := f.orchestrator.StopSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, out.State)
	assert.Equal(t, int64(0), f.balance(t, "alice"))
}

func TestStopSession_PendingStaysPendingWhenDaemonDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	f.gateway.setPaid(false)

	session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
	require.NoError(t, err)

	f.gateway.setCheckErr(fmt.Errorf("%w: http 503", payment.ErrUnavailable))
	_, err = f.orchestrator.StopSession(ctx, session.ID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUnavailable))

	got, err := f.orchestrator.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPendingPayment, got.State)
}

func TestExpirePending_DaemonOutageThenRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	f.gateway.setPaid(false)

	session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
	require.NoError(t, err)
	f.clock.Advance(16 * time.Minute)

	f.gateway.setCheckErr(fmt.Errorf("%w: http 503", payment.ErrUnavailable))
	_, err = f.orchestrator.ExpirePending(ctx, session.ID)
	require.Error(t, err)
	got, err := f.orchestrator.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPendingPayment, got.State)
	assert.Equal(t, int64(0), f.balance(t, "alice"))

	// the user paid during the outage
	f.gateway.setCheckErr(nil)
	f.gateway.setPaid(true)
	f.nodeAPI.On("StartSession", mock.Anything, mock.Anything, mock.Anything).
		Return(&nodeapi.StartSessionResponse{Port: 9000}, nil).Once()

	out, err := f.orchestrator.ExpirePending(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, out.State)
}

func TestExpirePending_UnknownInvoiceExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	f.gateway.setPaid(false)

	session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
	require.NoError(t, err)
	f.clock.Advance(16 * time.Minute)

	f.gateway.setCheckErr(payment.ErrInvoiceNotFound)
	out, err := f.orchestrator.ExpirePending(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, out.State)
}

func TestEndSession_CrashIsProRata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n1 := f.registerNode(t, "n1-owner", "")
	f.allowStops()
	session := f.activeSession(t, "alice")

	f.clock.Advance(2 * time.Minute)
	out, err := f.orchestrator.EndSession(ctx, session.ID, model.EndCrashed)
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, out.State)
	assert.Equal(t, model.EndCrashed, out.EndReason)

	st, err := f.sessions.GetSettlement(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), st.Billable)
	assert.Equal(t, int64(1400), st.Share)
	assert.Equal(t, int64(3000), st.Refund)

	assert.Equal(t, int64(1400), f.balance(t, "n1-owner"))
	assert.Equal(t, int64(3000), f.balance(t, "alice"))
	assert.Equal(t, int64(1400), f.node(t, n1.ID).TotalEarned)
}

func TestEndSession_ExpiredOnlyWhenPastExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	f.allowStops()
	session := f.activeSession(t, "alice")

	out, err := f.orchestrator.EndSession(ctx, session.ID, model.EndExpired)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, out.State)

	f.clock.Advance(5*time.Minute + time.Second)
	out, err = f.orchestrator.EndSession(ctx, session.ID, model.EndExpired)
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, out.State)
	assert.Equal(t, int64(3500), f.balance(t, "n1-owner"))
}

func TestConcurrentStartAndStop(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := newFixture(t)
		ctx := context.Background()
		n1 := f.registerNode(t, "n1-owner", "")
		f.allowStops()
		f.nodeAPI.On("StartSession", mock.Anything, mock.Anything, mock.Anything).
			Return(&nodeapi.StartSessionResponse{Port: 11000}, nil).Maybe()

		session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.orchestrator.CheckPayment(ctx, session.ID)
		}()
		go func() {
			defer wg.Done()
			f.orchestrator.StopSession(ctx, session.ID)
		}()
		wg.Wait()

		final, err := f.orchestrator.GetSession(ctx, session.ID)
		require.NoError(t, err)
		load := f.node(t, n1.ID).Load
		if final.State == model.SessionActive {
			assert.Equal(t, int64(1), load)
		} else {
			assert.True(t, final.State.Terminal())
			assert.Equal(t, int64(0), load)
		}
	}
}

func TestCompletion_NotActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	f.gateway.setPaid(false)

	session, err := f.orchestrator.CreateSession(ctx, &CreateSessionRequest{UserID: "alice", Model: "base", Minutes: 5})
	require.NoError(t, err)

	_, err = f.orchestrator.Completion(ctx, session.ID, &nodeapi.CompletionRequest{Prompt: "hi"})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
}

func TestCompletion_Proxied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	session := f.activeSession(t, "alice")

	req := &nodeapi.CompletionRequest{Prompt: "hi", MaxTokens: 16}
	f.nodeAPI.On("Completion", mock.Anything, mock.Anything, session.ID, req).
		Return(&nodeapi.CompletionResponse{Content: "hello", TokensGenerated: 1}, nil).Once()

	resp, err := f.orchestrator.Completion(ctx, session.ID, req)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
}

func TestCompletion_ProcessTerminatedEndsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	f.allowStops()
	session := f.activeSession(t, "alice")
	f.clock.Advance(time.Minute)

	f.nodeAPI.On("Completion", mock.Anything, mock.Anything, session.ID, mock.Anything).
		Return(nil, &nodeapi.RemoteError{StatusCode: 502, Code: nodeapi.CodeProcessTerminated}).Once()

	_, err := f.orchestrator.Completion(ctx, session.ID, &nodeapi.CompletionRequest{Prompt: "hi"})
	assert.True(t, apperrors.Is(err, apperrors.KindUnavailable))

	out, err := f.orchestrator.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, out.State)
	assert.Equal(t, model.EndCrashed, out.EndReason)
	assert.Equal(t, int64(4000), f.balance(t, "alice"), "four unused minutes refunded")
}

func TestCompletionStream_FailureIsNotDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerNode(t, "n1-owner", "")
	session := f.activeSession(t, "alice")

	f.nodeAPI.On("CompletionStream", mock.Anything, mock.Anything, session.ID, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			emit := args.Get(4).(func(nodeapi.StreamChunk) error)
			emit(nodeapi.StreamChunk{Content: "partial"})
		}).
		Return(client.ErrStreamBroken).Once()

	var chunks []nodeapi.StreamChunk
	err := f.orchestrator.CompletionStream(ctx, session.ID, &nodeapi.CompletionRequest{Prompt: "hi"}, func(c nodeapi.StreamChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	assert.True(t, apperrors.Is(err, apperrors.KindUnavailable))
	assert.True(t, errors.Is(err, client.ErrStreamBroken))
	require.Len(t, chunks, 1)
	assert.False(t, chunks[0].Done)
}
