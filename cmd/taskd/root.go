package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/taskd/internal/config"
)

type rootOptions struct {
	globalPath  string
	projectPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "taskd",
		Short:         "Resource-aware task scheduler and executor",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.globalPath, "global-config", "", "global config file (default ~/.taskd/config.json)")
	cmd.PersistentFlags().StringVar(&opts.projectPath, "config", config.ProjectPath(), "project config file")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

// paths resolves the global and project config file locations.
func (o *rootOptions) paths() (global, project string, err error) {
	global = o.globalPath
	if global == "" {
		if global, err = config.GlobalPath(); err != nil {
			return "", "", err
		}
	}
	return global, o.projectPath, nil
}

// load reads configuration from the resolved paths and the environment.
func (o *rootOptions) load() (*config.Config, error) {
	global, project, err := o.paths()
	if err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	return config.Load(global, project)
}
