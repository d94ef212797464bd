package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/config"
	"github.com/jasona/mudforge/internal/data"
	"github.com/jasona/mudforge/internal/perm"
	"github.com/jasona/mudforge/internal/sandbox"
)

var lintCmd = &cobra.Command{
	Use:   "lint [mudlib-dir]",
	Short: "compile every mudlib chunk and cross-check the command table",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := ""
		if len(args) == 1 {
			root = args[0]
		}
		return lint(root)
	},
}

func printProblem(msg string) {
	fmt.Printf("  \033[31m✗\033[0m %s\n", msg)
}

// lint compiles each chunk without evaluating it, so broken scripts are
// reported here instead of at first use under a live driver.
func lint(root string) error {
	if root == "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		root = cfg.Mudlib.Path
	}

	scripts := sandbox.NewScripts(root, zap.NewNop())
	var problems []string

	printSection("scripts")
	compiled := 0
	err := filepath.WalkDir(root, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(file, ".lua") {
			return nil
		}
		path := scripts.PathForFile(file)
		if path == "" {
			return nil
		}
		if _, _, err := scripts.Load(path); err != nil {
			problems = append(problems, err.Error())
			return nil
		}
		compiled++
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk mudlib %s: %w", root, err)
	}
	printOK(fmt.Sprintf("%d chunks compiled", compiled))

	printSection("commands")
	table, err := data.LoadCommandTable(filepath.Join(root, "commands.yaml"))
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		for _, c := range table.All() {
			if !scripts.Exists(c.Object) {
				problems = append(problems, fmt.Sprintf("command %q: no chunk for %s", c.Verb, c.Object))
			}
			if c.MinLevel > int(perm.LevelAdmin) {
				problems = append(problems, fmt.Sprintf("command %q: min_level %d is above admin, unreachable", c.Verb, c.MinLevel))
			}
		}
		printOK(fmt.Sprintf("%d commands checked", table.Count()))
	}

	if len(problems) > 0 {
		fmt.Println()
		for _, p := range problems {
			printProblem(p)
		}
		return fmt.Errorf("%d problems in %s", len(problems), root)
	}
	return nil
}
