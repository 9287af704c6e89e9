package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"courier/internal/format"
	"courier/internal/model"
)

func init() {
	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Manage template environments",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List environments",
		Run: func(cmd *cobra.Command, args []string) {
			runEnvList()
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <name> <key=value>...",
		Short: "Set variables on an environment, creating it if needed",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			runEnvSet(args[0], args[1:])
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show an environment's variables",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runEnvShow(args[0])
		},
	}

	unsetCmd := &cobra.Command{
		Use:   "unset <name> <key>...",
		Short: "Remove variables from an environment",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			runEnvUnset(args[0], args[1:])
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete an environment",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runEnvDelete(args[0])
		},
	}

	envCmd.AddCommand(listCmd, setCmd, showCmd, unsetCmd, rmCmd)
	rootCmd.AddCommand(envCmd)
}

func runEnvList() {
	store, _ := openStore()
	defer store.Close()

	envs, err := store.ListEnvironments("")
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to list environments: %v", err))
		os.Exit(1)
	}
	if len(envs) == 0 {
		fmt.Println("No environments defined")
		return
	}
	for _, e := range envs {
		format.PrintEnvironment(e)
	}
}

func runEnvSet(name string, pairs []string) {
	store, _ := openStore()
	defer store.Close()

	env, err := store.GetEnvironment(name)
	if err != nil {
		env = &model.Environment{Name: name}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			format.PrintError(fmt.Sprintf("Bad variable %q, expected key=value", pair))
			os.Exit(1)
		}
		env.Variables = setVariable(env.Variables, key, value)
	}

	if _, err := store.UpsertEnvironment(env); err != nil {
		format.PrintError(fmt.Sprintf("Failed to save environment: %v", err))
		os.Exit(1)
	}
	format.PrintSuccess(fmt.Sprintf("Saved environment '%s'", name))
}

// setVariable updates an existing variable in place or appends a new one,
// preserving declaration order.
func setVariable(vars []model.Variable, key, value string) []model.Variable {
	for i := range vars {
		if vars[i].Name == key {
			vars[i].Value = value
			vars[i].Enabled = true
			return vars
		}
	}
	return append(vars, model.Variable{Name: key, Value: value, Enabled: true})
}

func runEnvShow(name string) {
	store, _ := openStore()
	defer store.Close()

	env, err := store.GetEnvironment(name)
	if err != nil {
		format.PrintError(fmt.Sprintf("Unknown environment %q", name))
		os.Exit(1)
	}
	format.PrintEnvironment(env)
}

func runEnvUnset(name string, keys []string) {
	store, _ := openStore()
	defer store.Close()

	env, err := store.GetEnvironment(name)
	if err != nil {
		format.PrintError(fmt.Sprintf("Unknown environment %q", name))
		os.Exit(1)
	}

	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	kept := env.Variables[:0]
	for _, v := range env.Variables {
		if !drop[v.Name] {
			kept = append(kept, v)
		}
	}
	env.Variables = kept

	if _, err := store.UpsertEnvironment(env); err != nil {
		format.PrintError(fmt.Sprintf("Failed to save environment: %v", err))
		os.Exit(1)
	}
	format.PrintSuccess(fmt.Sprintf("Saved environment '%s'", name))
}

func runEnvDelete(name string) {
	store, _ := openStore()
	defer store.Close()

	env, err := store.GetEnvironment(name)
	if err != nil {
		format.PrintError(fmt.Sprintf("Unknown environment %q", name))
		os.Exit(1)
	}
	if err := store.DeleteEnvironment(env.ID); err != nil {
		format.PrintError(fmt.Sprintf("Failed to delete environment: %v", err))
		os.Exit(1)
	}
	format.PrintSuccess(fmt.Sprintf("Deleted environment '%s'", name))
}
