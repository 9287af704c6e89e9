package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"courier/internal/format"
	"courier/internal/model"
)

func init() {
	jarCmd := &cobra.Command{
		Use:   "jar",
		Short: "Manage cookie jars",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cookie jars",
		Run: func(cmd *cobra.Command, args []string) {
			runJarList()
		},
	}

	newCmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Create an empty cookie jar",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runJarNew(args[0])
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <jar-id>",
		Short: "Show a jar's cookies",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runJarShow(args[0])
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <jar-id>",
		Short: "Remove all cookies from a jar",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runJarClear(args[0])
		},
	}

	jarCmd.AddCommand(listCmd, newCmd, showCmd, clearCmd)
	rootCmd.AddCommand(jarCmd)
}

func runJarList() {
	store, _ := openStore()
	defer store.Close()

	jars, err := store.ListCookieJars("")
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to list jars: %v", err))
		os.Exit(1)
	}
	if len(jars) == 0 {
		fmt.Println("No cookie jars defined")
		return
	}
	for _, j := range jars {
		fmt.Printf("%s  ", j.ID)
		format.PrintCookieJar(j)
	}
}

func runJarNew(name string) {
	store, _ := openStore()
	defer store.Close()

	jar, err := store.UpsertCookieJar(&model.CookieJar{Name: name})
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to create jar: %v", err))
		os.Exit(1)
	}
	format.PrintSuccess(fmt.Sprintf("Created jar '%s' (%s)", name, jar.ID))
}

func runJarShow(id string) {
	store, _ := openStore()
	defer store.Close()

	jar, err := store.GetCookieJar(id)
	if err != nil {
		format.PrintError(fmt.Sprintf("Unknown cookie jar %q", id))
		os.Exit(1)
	}
	format.PrintCookieJar(jar)
}

func runJarClear(id string) {
	store, _ := openStore()
	defer store.Close()

	jar, err := store.GetCookieJar(id)
	if err != nil {
		format.PrintError(fmt.Sprintf("Unknown cookie jar %q", id))
		os.Exit(1)
	}
	jar.Cookies = nil
	if _, err := store.UpsertCookieJar(jar); err != nil {
		format.PrintError(fmt.Sprintf("Failed to save jar: %v", err))
		os.Exit(1)
	}
	format.PrintSuccess(fmt.Sprintf("Cleared jar '%s'", jar.Name))
}
