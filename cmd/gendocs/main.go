package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra/doc"

	"github.com/yoanbernabeu/sshnodes/internal/cmd"
)

func main() {
	outputDir := "./docs/commands"
	if len(os.Args) > 1 {
		outputDir = os.Args[1]
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	// Frontmatter for the docs site
	filePrepender := func(filename string) string {
		name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return "---\ntitle: \"" + strings.ReplaceAll(name, "_", " ") + "\"\n---\n\n"
	}

	linkHandler := func(name string) string {
		base := strings.TrimSuffix(name, filepath.Ext(name))
		return "/sshnodes/commands/" + strings.ToLower(base) + "/"
	}

	rootCmd := cmd.GetRootCmd()
	rootCmd.DisableAutoGenTag = true
	if err := doc.GenMarkdownTreeCustom(rootCmd, outputDir, filePrepender, linkHandler); err != nil {
		log.Fatalf("Failed to generate documentation: %v", err)
	}

	log.Printf("Documentation generated in %s", outputDir)
}
