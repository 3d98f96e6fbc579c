// Command guildhall-cli registers and validates projects in the user's
// Guild Hall config (spec.md's supplemented "register"/"validate"
// feature — see SPEC_FULL.md's Domain stack section). It is a small,
// flag-free dispatcher on os.Args, in the style of the teacher's own
// smaller CLI entrypoints rather than a cobra-based tool.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kandev/guildhall/internal/common/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "register":
		runRegister(os.Args[2:])
	case "validate":
		runValidate()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: guildhall-cli register <name> <path>")
	fmt.Fprintln(os.Stderr, "       guildhall-cli validate")
}

func runRegister(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "register: expected <name> <path>")
		os.Exit(1)
	}
	name, path := args[0], args[1]

	if strings.TrimSpace(name) == "" {
		fmt.Fprintln(os.Stderr, "register: name must not be empty")
		os.Exit(1)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		os.Exit(1)
	}
	if err := validateProjectPath(absPath); err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		os.Exit(1)
	}

	pf, err := config.LoadProjects()
	if err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		os.Exit(1)
	}
	for _, p := range pf.Projects {
		if p.Name == name {
			fmt.Fprintf(os.Stderr, "register: project %q is already registered (at %s)\n", name, p.Path)
			os.Exit(1)
		}
	}

	pf.Projects = append(pf.Projects, config.ProjectConfig{Name: name, Path: absPath})
	if err := config.SaveProjects(config.ConfigFilePath(), pf); err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("registered %s -> %s\n", name, absPath)
}

func runValidate() {
	pf, err := config.LoadProjects()
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		os.Exit(1)
	}
	if len(pf.Projects) == 0 {
		fmt.Println("no projects registered")
		return
	}

	anyFailed := false
	for _, p := range pf.Projects {
		if err := validateProjectPath(p.Path); err != nil {
			fmt.Printf("%s: %v\n", p.Name, err)
			anyFailed = true
			continue
		}
		fmt.Printf("%s: ok\n", p.Name)
	}
	if anyFailed {
		os.Exit(1)
	}
}

// validateProjectPath checks the two markers spec.md requires a
// registered project directory to have: a `.git` checkout and a `.lore`
// directory.
func validateProjectPath(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s: not a directory", path)
	}
	gitInfo, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil || !gitInfo.IsDir() {
		return fmt.Errorf("%s: missing .git/", path)
	}
	loreInfo, err := os.Stat(filepath.Join(path, ".lore"))
	if err != nil || !loreInfo.IsDir() {
		return fmt.Errorf("%s: missing .lore/", path)
	}
	return nil
}
