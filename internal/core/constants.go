package core

/*
oonict — feed TLS chains seen by OONI probes into Certificate Transparency logs
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"time"
)

// Application-wide defaults for the pipeline. Most can be overridden through config.
const (
	// --- Submission ---

	// DefaultSubmitLimit is how many add-chain calls the log tolerates per window.
	DefaultSubmitLimit = 3

	// DefaultSubmitWindow is the rolling window DefaultSubmitLimit applies to.
	DefaultSubmitWindow = 10 * time.Second

	// DefaultSubmitTimeout bounds one add-chain request after it has been sent.
	// Shutdown does not shorten it.
	DefaultSubmitTimeout = 30 * time.Second

	// --- Workers ---

	// DefaultWorkers processes archives one at a time. Submission is the bottleneck
	// at three calls per ten seconds, so more workers only help with decode-heavy runs.
	DefaultWorkers = 1

	// MaxWorkers defines the absolute upper limit on the number of concurrent worker goroutines
	// that the scheduler will create.
	MaxWorkers = 256

	// WorkerQueueCapacity is how many archive jobs may wait in one worker's queue.
	WorkerQueueCapacity = 64

	// DefaultDispatchRate paces how fast archives are opened per worker (archives per second).
	// It keeps a large directory from opening hundreds of files at once.
	DefaultDispatchRate = 20.0

	// DefaultDispatchBurst is the per-worker burst for DefaultDispatchRate.
	DefaultDispatchBurst = 4

	// --- Observability ---

	// StatsReportInterval specifies how frequently progress lines are logged during a run.
	StatsReportInterval = 30 * time.Second
)
