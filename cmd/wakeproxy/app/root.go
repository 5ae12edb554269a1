/*
Copyright 2018 Heptio Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package app

import (
	"github.com/spf13/cobra"

	"github.com/opsfleet/wakeproxy/pkg/errlog"
)

// NewRootCommand builds wakeproxy's root cobra command. Running it without
// a subcommand prints help.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "wakeproxy",
		Short: "Scale-to-zero activation proxy for a group of Kubernetes deployments",
		Long:  "wakeproxy intercepts HTTP traffic for a designated primary deployment, scales its group up from zero on first request, forwards the request once ready, and scales the group back down after sustained inactivity.",
		Run: func(cmd *cobra.Command, args []string) {
			// wakeproxy does nothing when run without a subcommand.
			cmd.Help()
		},
	}

	root.PersistentFlags().BoolVarP(&errlog.DebugOutput, "debug", "d", false, "Enable debug output (includes stack traces)")
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	root.AddCommand(newConfigCommand())

	return root
}
