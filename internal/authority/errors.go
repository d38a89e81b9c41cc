// Copyright 2026 The OpenTrusty Authors
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

package authority

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrUnauthorized     = errors.New("authority: unauthorized")
	ErrUnexpectedStatus = errors.New("authority: unexpected status")
	ErrNoToken          = errors.New("authority: no access token available")
	ErrInvalidBaseURL   = errors.New("authority: invalid base url")
)

// StatusError carries the HTTP status returned by the authority or the API
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("authority %s: status %d", e.Op, e.Status)
}

// Unwrap maps 401 onto ErrUnauthorized and everything else onto ErrUnexpectedStatus
func (e *StatusError) Unwrap() error {
	if e.Status == 401 {
		return ErrUnauthorized
	}
	return ErrUnexpectedStatus
}
