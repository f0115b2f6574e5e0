package models

// SSHShutdownConfig holds settings for powering off the database host after a run.
type SSHShutdownConfig struct {
	Host          string
	Port          int
	Username      string
	KeyPath       string
	PrivateKey    []byte // loaded from KeyPath when nil
	ShutdownDelay int    // minutes
	OnlyOnSuccess bool   // skip shutdown when any dump failed
}

// SSHResult holds the result of an SSH operation.
type SSHResult struct {
	CommandRun bool
	Output     string
	Error      error
}
