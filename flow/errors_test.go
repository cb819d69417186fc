//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"plain error defaults to transient", errors.New("boom"), KindTransient},
		{"deadline exceeded is transient", context.DeadlineExceeded, KindTransient},
		{"cancellation is terminal", context.Canceled, KindCancelled},
		{"typed error keeps its kind", NewError(KindContractViolation, "", "bad patch"), KindContractViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ferr := WrapError("n", tt.err)
			assert.Equal(t, tt.want, ferr.Kind)
			assert.Equal(t, "n", ferr.Node)
		})
	}
}

func TestRetryableOnlyForTransient(t *testing.T) {
	assert.True(t, NewError(KindTransient, "n", "x").Retryable())
	for _, kind := range []ErrorKind{
		KindContractViolation, KindStateIncompatible, KindBudgetExceeded,
		KindCancelled, KindStorageFailure, KindExpired,
	} {
		assert.False(t, NewError(kind, "n", "x").Retryable(), string(kind))
	}
}

func TestWrapErrorPreservesWrappedSentinels(t *testing.T) {
	inner := errors.New("upstream unavailable")
	ferr := WrapError("fetch", inner)
	assert.True(t, errors.Is(ferr, inner))
	assert.Contains(t, ferr.Error(), "fetch")
}
