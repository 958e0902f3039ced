// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the error taxonomy shared across the pipeline.
//
// Kinds are sentinel errors rather than distinct types so callers use
// errors.Is against a stable wrapped value, and internal code can attach
// context with fmt.Errorf("...: %w", ErrTransientStorage).
package errs

import "errors"

var (
	// ErrTransientStorage indicates a Store write/open failed and may
	// succeed on retry. Surfaced only once the retry budget is spent.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrPermanentStorage indicates a migration failure or corruption.
	// The orchestrator refuses to start when this occurs.
	ErrPermanentStorage = errors.New("permanent storage error")

	// ErrCaptureUnavailable indicates the capture interface is missing
	// or permission was denied. Capture stays disabled; the rest of the
	// pipeline keeps running.
	ErrCaptureUnavailable = errors.New("capture unavailable")

	// ErrNotFound is returned by Store reads for an unknown id.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a write that violates a uniqueness invariant.
	// Flow, device and threat writes are upserts and do not return it.
	ErrConflict = errors.New("conflict")

	// ErrInvalidArgument marks malformed input, such as a decoded packet
	// that carries no IP layer.
	ErrInvalidArgument = errors.New("invalid argument")
)

// PacketDecode, EnrichmentMiss and BackpressureDrop are deliberately not
// errors: they never surface to a caller, only increment a counter.
// See internal/obs.
