package cmd

import (
	"strings"
	"testing"
)

func withInput(t *testing.T, input string) {
	t.Helper()
	orig := promptInput
	promptInput = strings.NewReader(input)
	t.Cleanup(func() { promptInput = orig })
}

func TestPromptSelect(t *testing.T) {
	options := []string{"id_ed25519 (ed25519)", "id_rsa (rsa)"}
	tests := []struct {
		input string
		want  int
	}{
		{"1\n", 0},
		{"2\n", 1},
		{"2", 1},
		{"0\n", -1},
		{"\n", -1},
		{"3\n", -1},
		{"abc\n", -1},
		{"", -1},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			withInput(t, tt.input)
			if got := PromptSelect("Select SSH key to use:", options); got != tt.want {
				t.Errorf("PromptSelect() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := PromptSelect("nothing", nil); got != -1 {
		t.Errorf("PromptSelect(no options) = %d, want -1", got)
	}
}

func TestPromptConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			withInput(t, tt.input)
			if got := PromptConfirm("Remove host 'ap'?"); got != tt.want {
				t.Errorf("PromptConfirm() = %v, want %v", got, tt.want)
			}
		})
	}
}
