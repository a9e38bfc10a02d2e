package auth

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const serviceName = "novtl"

// Source names where a key was found.
const (
	SourceKeychain = "Keychain"
	SourceEnv      = "Environment Variable"
)

type credential struct {
	account string
	envVar  string
}

// credentials maps provider names to their keychain account and env var.
// Vertex uses a service-account file instead.
var credentials = map[string]credential{
	"gemini":     {account: "gemini-api-key", envVar: "GEMINI_API_KEY"},
	"openrouter": {account: "openrouter-api-key", envVar: "OPENROUTER_API_KEY"},
	"openai":     {account: "openai-api-key", envVar: "OPENAI_API_KEY"},
}

// Services lists the providers that store an API key.
func Services() []string {
	return []string{"gemini", "openrouter", "openai"}
}

func lookup(service string) (credential, error) {
	c, ok := credentials[strings.ToLower(service)]
	if !ok {
		return credential{}, fmt.Errorf("unknown service %q (want one of %s)", service, strings.Join(Services(), ", "))
	}
	return c, nil
}

// EnvVar returns the environment variable consulted for service.
func EnvVar(service string) string {
	c, err := lookup(service)
	if err != nil {
		return ""
	}
	return c.envVar
}

// GetKey retrieves the API key for service and where it came from.
// If allowEnv is false, environment variables are ignored.
func GetKey(service string, allowEnv bool) (string, string) {
	c, err := lookup(service)
	if err != nil {
		return "", ""
	}

	key, err := keyring.Get(serviceName, c.account)
	if err == nil && key != "" {
		return strings.TrimSpace(key), SourceKeychain
	}

	if allowEnv {
		key = os.Getenv(c.envVar)
		if key != "" {
			return strings.TrimSpace(key), SourceEnv
		}
	}

	return "", ""
}

// SaveKey saves the key for service to the OS keychain.
func SaveKey(service, key string) error {
	c, err := lookup(service)
	if err != nil {
		return err
	}
	return keyring.Set(serviceName, c.account, strings.TrimSpace(key))
}

// DeleteKey removes the key for service from the OS keychain.
func DeleteKey(service string) error {
	c, err := lookup(service)
	if err != nil {
		return err
	}
	return keyring.Delete(serviceName, c.account)
}

// GetStatus reports whether the keychain holds a key for service.
func GetStatus(service string) bool {
	c, err := lookup(service)
	if err != nil {
		return false
	}
	key, err := keyring.Get(serviceName, c.account)
	return err == nil && key != ""
}

// PromptForAPIKey securely prompts the user for their API key.
func PromptForAPIKey(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println()
	return strings.TrimSpace(string(bytePassword)), nil
}

// GetEnvKey retrieves the key from environment variables only.
func GetEnvKey(service string) (string, bool) {
	c, err := lookup(service)
	if err != nil {
		return "", false
	}
	key := strings.TrimSpace(os.Getenv(c.envVar))
	if key == "" {
		return "", false
	}
	return key, true
}
