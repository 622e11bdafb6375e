// Package auth handles interactive credential entry for the sandbox
// gateway.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PasteToken prompts for the gateway bearer token on r and returns the
// trimmed value.
func PasteToken(r io.Reader) (string, error) {
	fmt.Println("Paste the sandbox gateway token:")
	fmt.Print("> ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return "", errors.New("no input received")
	}

	token := strings.TrimSpace(scanner.Text())
	if token == "" {
		return "", errors.New("token cannot be empty")
	}

	return token, nil
}
