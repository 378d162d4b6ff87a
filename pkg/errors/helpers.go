// Copyright 2025 Tom Barlow
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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := dial(); err != nil {
//	    return errors.Wrap(err, "opening session")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// As finds the first error in err's tree that matches target type.
//
// Usage:
//
//	var remote *RemoteError
//	if errors.As(err, &remote) {
//	    log.Printf("agent returned code %d", remote.Code)
//	}
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsRetryable reports whether the first classified error in err's chain
// is retryable. Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var classified ErrorClassifier
	if errors.As(err, &classified) {
		return classified.IsRetryable()
	}
	return false
}

// UserMessage returns the friendliest message available for err along with
// a suggestion, if the chain contains a UserVisibleError.
func UserMessage(err error) (message, suggestion string) {
	if err == nil {
		return "", ""
	}
	var visible UserVisibleError
	if errors.As(err, &visible) && visible.IsUserVisible() {
		return visible.UserMessage(), visible.Suggestion()
	}
	return err.Error(), ""
}
