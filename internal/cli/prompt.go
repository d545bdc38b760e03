package cli

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// promptPIN asks for the PKCS#11 user PIN, without echo on a terminal.
func promptPIN(slotID uint) (string, error) {
	fmt.Fprintf(os.Stderr, "PIN for PKCS#11 slot %d: ", slotID)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	var s string
	_, err := fmt.Fscanln(os.Stdin, &s)
	return strings.TrimSpace(s), err
}
