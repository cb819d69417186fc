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
	"errors"
	"fmt"
	"strings"
)

// InputRequest suspends an execution until an external caller supplies
// additional payload. A node handler returns it in place of an ordinary
// error; the executor checkpoints the execution with status awaiting_input
// and re-enters the same node once Resume delivers the requested keys.
type InputRequest struct {
	// Prompt describes the needed input to the external caller. It must be
	// JSON-serializable because it is persisted with the checkpoint.
	Prompt any `json:"prompt,omitempty"`
	// Keys are the payload keys the resume patch must supply.
	Keys []string `json:"keys"`
}

// Error implements the error interface so handlers can return the request
// directly.
func (r *InputRequest) Error() string {
	return fmt.Sprintf("awaiting external input for keys [%s]", strings.Join(r.Keys, ", "))
}

// AwaitInput creates an input request for the given keys.
func AwaitInput(prompt any, keys ...string) *InputRequest {
	return &InputRequest{Prompt: prompt, Keys: keys}
}

// AsInputRequest extracts an *InputRequest from an error.
func AsInputRequest(err error) (*InputRequest, bool) {
	var req *InputRequest
	if errors.As(err, &req) {
		return req, true
	}
	return nil, false
}

// Satisfied reports whether the patch supplies every requested key with a
// non-nil value.
func (r *InputRequest) Satisfied(patch State) bool {
	for _, key := range r.Keys {
		value, ok := patch[key]
		if !ok || value == nil {
			return false
		}
	}
	return true
}
