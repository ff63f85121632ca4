package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/agentqueue/errors"
)

// CredentialsFileName is the credentials file looked up in the working
// directory.
const CredentialsFileName = "credentials.toml"

// ErrInsecurePermissions is returned when the credentials file is
// readable by anyone but its owner.
var ErrInsecurePermissions = errors.Validation("credentials", "credentials file has insecure permissions")

// Credentials holds connection secrets kept out of the main config.
//
//	[redis]
//	username = "queue"
//	password = "..."
//
//	[nats]
//	token = "..."
type Credentials struct {
	Redis struct {
		Username string `toml:"username"`
		Password string `toml:"password"`
	} `toml:"redis"`
	NATS struct {
		Token string `toml:"token"`
	} `toml:"nats"`
}

// CredentialPaths returns the credentials file locations in priority order.
func CredentialPaths() []string {
	paths := []string{CredentialsFileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentqueue", CredentialsFileName))
	}
	return paths
}

// LoadCredentials reads the first credentials file that exists. No file is
// not an error: it returns nil, "", nil.
func LoadCredentials() (*Credentials, string, error) {
	for _, path := range CredentialPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadCredentialsFile(path)
			return creds, path, err
		}
	}
	return nil, "", nil
}

// LoadCredentialsFile reads path. On Unix the file must be mode 0400 or 0600.
func LoadCredentialsFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrap(err, "stat credentials")
		}
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, errors.Wrap(ErrInsecurePermissions,
				fmt.Sprintf("%s has mode %04o (must be 0400 or 0600)", path, mode))
		}
	}
	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, errors.Validation("credentials", "cannot parse "+path, errors.WithCause(err))
	}
	return &creds, nil
}

// ApplyCredentials merges secrets into c. A nil creds is ignored.
func (c *Config) ApplyCredentials(creds *Credentials) {
	if creds == nil {
		return
	}
	c.Redis.password = creds.Redis.Password
	if creds.Redis.Username != "" && c.Redis.password != "" {
		c.Redis.username = creds.Redis.Username
	}
	c.Lease.natsToken = creds.NATS.Token
}
