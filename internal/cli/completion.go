package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// WriteCompletion writes the completion script of root for shell.
func WriteCompletion(root *cobra.Command, shell string, w io.Writer) error {
	switch shell {
	case "bash":
		return root.GenBashCompletionV2(w, true)
	case "zsh":
		return root.GenZshCompletion(w)
	case "fish":
		return root.GenFishCompletion(w, true)
	default:
		return fmt.Errorf("unsupported shell: %s (supported: bash, zsh, fish)", shell)
	}
}

// CompletionPath returns where InstallCompletion puts the script for shell
// under home.
func CompletionPath(home, name, shell string) (string, error) {
	switch shell {
	case "bash":
		return filepath.Join(home, ".bash_completion.d", name), nil
	case "zsh":
		return filepath.Join(home, ".zsh", "completion", "_"+name), nil
	case "fish":
		return filepath.Join(home, ".config", "fish", "completions", name+".fish"), nil
	default:
		return "", fmt.Errorf("unsupported shell: %s (supported: bash, zsh, fish)", shell)
	}
}

// InstallCompletion writes the completion script into the user's shell
// configuration and returns its path.
func InstallCompletion(root *cobra.Command, shell string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	path, err := CompletionPath(home, root.Name(), shell)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := WriteCompletion(root, shell, &buf); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create completion directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write completion script: %w", err)
	}
	return path, nil
}
