// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import "errors"

// ErrInvalidTransition indicates a forbidden session state change.
var ErrInvalidTransition = errors.New("invalid session transition")

// ErrPlanningFailed indicates the architect tier could not produce a
// usable task graph within its attempt ceiling.
var ErrPlanningFailed = errors.New("planning failed")

// ErrNoDiff indicates the actuator response contained no unified diff.
var ErrNoDiff = errors.New("no diff in model response")

// ErrSessionNotResumable indicates Resume was called on a session in a
// state that cannot continue.
var ErrSessionNotResumable = errors.New("session not resumable")
