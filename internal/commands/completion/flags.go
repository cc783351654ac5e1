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

package completion

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/prefork/internal/config"
)

// maxWorkerCompletions caps the candidates offered for --worker.
const maxWorkerCompletions = 64

// CompleteWorker offers the worker numbers 0..worker_processes-1 for --worker.
func CompleteWorker(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		cfg, err := LoadConfigForCompletion()
		if err != nil || cfg == nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return workerCandidates(cfg, toComplete), cobra.ShellCompDirectiveNoFileComp
	})
}

func workerCandidates(cfg *config.Config, toComplete string) []string {
	n := min(cfg.WorkerProcesses, maxWorkerCompletions)
	out := make([]string, 0, n)
	for nr := range n {
		s := strconv.Itoa(nr)
		if !strings.HasPrefix(s, toComplete) {
			continue
		}
		desc := "signals the old master with SIGTTOU"
		if nr+1 >= cfg.WorkerProcesses {
			desc = "last worker, signals the old master with SIGQUIT"
		}
		out = append(out, fmt.Sprintf("%s\t%s", s, desc))
	}
	return out
}

// CompletePIDFile completes --server-pid-file with files ending in .pid or .oldbin.
func CompletePIDFile(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"pid", "oldbin"}, cobra.ShellCompDirectiveFilterFileExt
}
