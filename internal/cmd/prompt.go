package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Replaced in tests.
var promptInput io.Reader = os.Stdin

func readAnswer() (string, error) {
	input, err := bufio.NewReader(promptInput).ReadString('\n')
	if err != nil && input == "" {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// PromptSelect displays numbered options and returns the selected index
// Returns -1 if cancelled (user enters "0" or empty)
func PromptSelect(message string, options []string) int {
	if len(options) == 0 {
		return -1
	}

	fmt.Println()
	fmt.Println(message)
	for i, opt := range options {
		fmt.Printf("  [%d] %s\n", i+1, opt)
	}
	fmt.Printf("  [0] Skip\n")
	fmt.Println()
	fmt.Print("? Select: ")

	input, err := readAnswer()
	if err != nil || input == "" || input == "0" {
		return -1
	}

	choice, err := strconv.Atoi(input)
	if err != nil || choice < 1 || choice > len(options) {
		return -1
	}

	return choice - 1
}

// PromptConfirm asks a yes/no question, defaulting to no
func PromptConfirm(message string) bool {
	fmt.Printf("? %s [y/N]: ", message)
	input, err := readAnswer()
	if err != nil {
		return false
	}
	switch strings.ToLower(input) {
	case "y", "yes":
		return true
	}
	return false
}

// IsInteractive returns true if stdin is a terminal and --yes flag is not set
func IsInteractive() bool {
	if IsYesMode() {
		return false
	}
	return term.IsTerminal(int(os.Stdin.Fd()))
}
