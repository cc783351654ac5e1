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

/*
Package lifecycle handles the process-level side of fork hooks: reading
master PID files, signal delivery to a previous master, shared state files,
and the JSON lifecycle event log.

# PID Files

A master records its PID in the configured file. During a zero-downtime
upgrade the outgoing master renames that file to "<pid>.oldbin" and the new
master reads it to find the process it should retire:

	old := lifecycle.NewPIDFileManager(cfg.OldBinPIDFile())
	pid, err := old.Read()
	if errors.Is(err, os.ErrNotExist) {
	    // no upgrade in progress
	}

# State Files

Every hook runs in a fresh process, so state that must outlive one
invocation lives in a file guarded by flock(2):

	l, err := lifecycle.LockFile(ctx, cfg.ForkThrottleFile())
	if err != nil {
	    return err
	}
	defer l.Unlock()
	last, _ := l.ReadAll()

# Signals

SendSignal wraps the errno returned by kill(2), so an exited process is
recognizable:

	if err := lifecycle.SendSignal(pid, syscall.SIGQUIT); errors.Is(err, unix.ESRCH) {
	    // already gone
	}

# Lifecycle Logging

Hook dispatches and old-master decisions are appended as JSON lines, each
with a unique ID:

	events := lifecycle.NewLifecycleLogger("/var/log/prefork/lifecycle.log")
	events.LogOldMasterSignaled(pid, syscall.SIGTTOU, worker.Nr)
*/
package lifecycle
