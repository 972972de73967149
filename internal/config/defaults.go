package config

// Defaults applied when the config file leaves a field unset.
const (
	// DefaultListen is the proxy listen address.
	DefaultListen = ":8473"
)
