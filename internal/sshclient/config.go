package sshclient

import (
	"os"
	"strconv"
	"time"
)

const (
	EnvTimeout    = "SSH_TIMEOUT_SECONDS"
	EnvPort       = "SSH_PORT"
	EnvKnownHosts = "SSH_KNOWN_HOSTS"
	EnvKeepAlive  = "SSH_KEEPALIVE_SECONDS"
)

type Config struct {
	// Timeout bounds the TCP dial and the SSH handshake, including any
	// keyboard-interactive second factor the user has to approve.
	Timeout time.Duration
	Port    int

	// KnownHostsPath enables host key checking when set. Empty means the
	// host key is accepted as presented.
	KnownHostsPath string

	// KeepAlive is how often an idle connection is pinged. A failed ping
	// marks the connection dead. Zero disables the keepalive.
	KeepAlive time.Duration
}

// LoadConfig reads the SSH_* environment. Unset or malformed values get defaults.
func LoadConfig() Config {
	return Config{
		Timeout:        envSeconds(EnvTimeout, 90*time.Second),
		Port:           envInt(EnvPort, 22),
		KnownHostsPath: os.Getenv(EnvKnownHosts),
		KeepAlive:      envSeconds(EnvKeepAlive, time.Minute),
	}
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if n := envInt(key, 0); n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
