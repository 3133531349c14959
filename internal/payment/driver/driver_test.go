package driver

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcore/market/internal/ids"
)

func TestFake_SchedulePaymentAssignsSequentialOrderIDs(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id1, err := f.SchedulePayment(ctx, SchedulePaymentRequest{Amount: big.NewRat(1, 1)})
	require.NoError(t, err)
	id2, err := f.SchedulePayment(ctx, SchedulePaymentRequest{Amount: big.NewRat(2, 1)})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Len(t, f.Scheduled, 2)
}

func TestFake_FailNextAppliesOnce(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.FailNext(errors.New("driver unavailable"))

	_, err := f.SchedulePayment(ctx, SchedulePaymentRequest{Amount: big.NewRat(1, 1)})
	assert.Error(t, err)

	_, err = f.SchedulePayment(ctx, SchedulePaymentRequest{Amount: big.NewRat(1, 1)})
	assert.NoError(t, err)
}

func TestVerifier_AcceptsSignatureTheSameDriverProduced(t *testing.T) {
	f := NewFake()
	v := &Verifier{Driver: f, NodeID: "node-P"}
	ctx := context.Background()

	now := time.Now()
	offerID := ids.NewSubscriptionId("p", "c", "node-P", now, now.Add(time.Hour))
	demandID := ids.NewSubscriptionId("p", "c", "node-R", now, now.Add(time.Hour))
	agreementID := ids.NewProposalId(offerID, demandID, now, ids.Provider)

	sig, err := f.SignPayment(ctx, SignRequest{NodeID: "node-P", Payload: []byte("whatever")})
	require.NoError(t, err)

	err = v.VerifyTermination(ctx, agreementID, now, "idle", hex.EncodeToString(sig))
	assert.NoError(t, err)
}

func TestVerifier_RejectsGarbageSignature(t *testing.T) {
	f := NewFake()
	v := &Verifier{Driver: f, NodeID: "node-P"}
	ctx := context.Background()

	now := time.Now()
	offerID := ids.NewSubscriptionId("p", "c", "node-P", now, now.Add(time.Hour))
	demandID := ids.NewSubscriptionId("p", "c", "node-R", now, now.Add(time.Hour))
	agreementID := ids.NewProposalId(offerID, demandID, now, ids.Provider)

	err := v.VerifyTermination(ctx, agreementID, now, "idle", hex.EncodeToString([]byte("not-it")))
	assert.Error(t, err)
}
