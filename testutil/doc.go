// Copyright (c) BatchFlow Authors.
// Licensed under the MIT License.

/*
Package testutil provides shared helpers for batchflow tests.

# Overview

The package centralizes test infrastructure so individual packages do not
re-implement it: deadline-bounded contexts registered with t.Cleanup, and
a RecordingAdapter that stands in for a real source backend while
recording every adapter interaction.

# RecordingAdapter

RecordingAdapter implements engine.SourceAdapter. By default it echoes
each request payload back as the result, which pairs naturally with
passthrough node functions. Tests script behavior per source key or per
request ID and then assert on the recorded call log:

	adapter := testutil.NewRecordingAdapter().
	    WithRequestError("y", errors.New("boom"))
	// ... run ...
	require.Equal(t, 1, adapter.BatchCalls("posts"))

Gates make a source key block until released, which lets tests pin down
that unrelated work proceeds while a call is in flight.
*/
package testutil
