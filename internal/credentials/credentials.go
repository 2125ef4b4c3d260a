// Package credentials stores the API token for the remote endpoint in the
// OS-native keyring, with an environment variable fallback for headless
// setups.
package credentials

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Source indicates where a token was retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// EnvToken is the environment variable consulted when the keyring has no
// token stored.
const EnvToken = "OFFSYNC_TOKEN"

// defaultAccount is the keyring account name; one token per service.
const defaultAccount = "api-token"

// TokenInfo describes a token lookup result
type TokenInfo struct {
	Source Source // Where the token came from
	Token  string // The token itself (never serialized)
	Found  bool
}

// JSON serializes the token info with the token itself excluded
func (t *TokenInfo) JSON() ([]byte, error) {
	output := struct {
		Source string `json:"source"`
		Found  bool   `json:"found"`
	}{
		Source: string(t.Source),
		Found:  t.Found,
	}
	return json.Marshal(output)
}

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// Manager handles token storage and retrieval
type Manager struct {
	service string
	keyring Keyring
}

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// NewManager creates a token manager for the given keyring service name
func NewManager(service string, opts ...ManagerOption) *Manager {
	m := &Manager{
		service: strings.ToLower(strings.TrimSpace(service)),
		keyring: &systemKeyring{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Set stores the token in the keyring
func (m *Manager) Set(ctx context.Context, token string) error {
	return m.keyring.Set(m.service, defaultAccount, token)
}

// Get retrieves the token: keyring first, then the OFFSYNC_TOKEN env var
func (m *Manager) Get(ctx context.Context) (*TokenInfo, error) {
	token, err := m.keyring.Get(m.service, defaultAccount)
	if err == nil && token != "" {
		return &TokenInfo{Source: SourceKeyring, Token: token, Found: true}, nil
	}

	if envToken := os.Getenv(EnvToken); envToken != "" {
		return &TokenInfo{Source: SourceEnvironment, Token: envToken, Found: true}, nil
	}

	return &TokenInfo{Source: SourceNone, Found: false}, nil
}

// Delete removes the token from the keyring. Idempotent: deleting an absent
// token is not an error.
func (m *Manager) Delete(ctx context.Context) error {
	err := m.keyring.Delete(m.service, defaultAccount)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// PromptToken prompts the user for a token. When stdin is a terminal the
// input is hidden; otherwise a line is read from the reader (testing, pipes).
func PromptToken(reader io.Reader, writer io.Writer) (string, error) {
	fmt.Fprint(writer, "API token: ")

	if f, ok := reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(writer)
		if err != nil {
			return "", err
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			return "", fmt.Errorf("no input received")
		}
		return token, nil
	}

	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			return "", fmt.Errorf("no input received")
		}
		return token, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}
