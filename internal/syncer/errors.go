// Copyright (c) 2026 John Earle
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

package syncer

import (
	"errors"
	"fmt"
)

// transportError marks a failed exchange with the coordinator: network
// error, unreachable host, or a non-2xx response. The agent retains the
// delta and retries with backoff.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return fmt.Sprintf("sync transport: %v", e.err) }
func (e *transportError) Unwrap() error { return e.err }

// protocolError marks a malformed coordinator response. Retried the same
// way as a transport failure, but logged distinctly.
type protocolError struct {
	err error
}

func (e *protocolError) Error() string { return fmt.Sprintf("sync protocol: %v", e.err) }
func (e *protocolError) Unwrap() error { return e.err }

func isTransport(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

func isProtocol(err error) bool {
	var pe *protocolError
	return errors.As(err, &pe)
}
