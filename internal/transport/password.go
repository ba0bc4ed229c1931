package transport

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PasswordEnv names the environment variable checked before prompting.
const PasswordEnv = "COASTER_PASSWORD"

// GetPassword returns the bridge password from COASTER_PASSWORD or prompts
// for it on the terminal.
func GetPassword() (string, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		passwordBytes, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(passwordBytes), nil
	}

	return readLine(os.Stdin)
}

// readLine reads one line of piped input.
func readLine(r io.Reader) (string, error) {
	password, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(err == io.EOF && password != "") {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(password), nil
}
