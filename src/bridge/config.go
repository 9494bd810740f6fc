package bridge

import "fmt"

// Config holds connection settings for the Redis bridge. It is passed
// explicitly to the constructor; the bridge reads no globals.
type Config struct {
	Host     string // Redis host, default "localhost"
	Port     int    // Redis port, default 6379
	Password string // Redis password, default ""
	DB       int    // Redis database number, default 0
	Prefix   string // channel key prefix, default "canal:room:"
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:   "localhost",
		Port:   6379,
		Prefix: "canal:room:",
	}
}

// Addr returns the host:port dial address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// channelKey maps a room name to its broker channel.
func (c Config) channelKey(room string) string {
	return c.Prefix + room
}
