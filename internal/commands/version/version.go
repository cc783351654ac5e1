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

// Package version implements "prefork version".
package version

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/prefork/internal/commands/shared"
	"github.com/tombee/prefork/internal/config"
)

// Info describes the build and the hook handlers it understands, so an
// operator can tell whether a configuration written for a newer release
// will load.
type Info struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildDate string    `json:"build_date"`
	GoVersion string    `json:"go_version"`
	Platform  string    `json:"platform"`
	Handlers  []Handler `json:"handlers"`
}

// Handler is a built-in hook handler and the events it accepts.
type Handler struct {
	Name   string   `json:"name"`
	Events []string `json:"events"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build and handler information",
		Long: `Print the prefork release, commit and build date together with the
hook handlers this build accepts in hooks.before_fork and hooks.after_fork.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentInfo()
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), info)
			}
			return info.write(cmd.OutOrStdout())
		},
	}
}

func currentInfo() Info {
	v, c, b := shared.GetVersion()
	info := Info{
		Version:   v,
		Commit:    c,
		BuildDate: b,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	for name, events := range config.Handlers() {
		info.Handlers = append(info.Handlers, Handler{Name: name, Events: events})
	}
	sort.Slice(info.Handlers, func(i, j int) bool { return info.Handlers[i].Name < info.Handlers[j].Name })
	return info
}

func (i Info) write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "prefork %s (%s, built %s)\n", i.Version, i.Commit, i.BuildDate)
	fmt.Fprintf(&b, "%s %s\n", i.GoVersion, i.Platform)
	b.WriteString("handlers:\n")
	for _, h := range i.Handlers {
		fmt.Fprintf(&b, "  %-20s %s\n", h.Name, strings.Join(h.Events, ", "))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
