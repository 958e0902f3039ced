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

package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{
		ErrTransientStorage, ErrPermanentStorage, ErrCaptureUnavailable,
		ErrNotFound, ErrConflict, ErrInvalidArgument,
	}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Errorf("sentinel %v unexpectedly matches %v", a, b)
			}
		}
	}
}

func TestWrappedSentinelSurvivesFmtErrorf(t *testing.T) {
	wrapped := fmt.Errorf("store: write flow: %w", ErrTransientStorage)
	if !errors.Is(wrapped, ErrTransientStorage) {
		t.Error("expected errors.Is to see through fmt.Errorf wrapping")
	}
	if errors.Is(wrapped, ErrPermanentStorage) {
		t.Error("wrapped transient error should not match the permanent sentinel")
	}
}

func TestDoubleWrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("%w: %w", ErrTransientStorage, errors.New("connection refused"))
	if !errors.Is(wrapped, ErrTransientStorage) {
		t.Error("expected errors.Is to unwrap a double-%w-wrapped error")
	}
}
